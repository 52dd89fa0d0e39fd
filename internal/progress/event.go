// Package progress defines the event structures emitted by the ingestion
// pipeline.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart      Stage = "RUN_START"
	StageRunDone       Stage = "RUN_DONE"
	StageRunError      Stage = "RUN_ERROR"
	StagePageDone      Stage = "PAGE_DONE"
	StagePageFailed    Stage = "PAGE_FAILED"
	StageFlushDone     Stage = "FLUSH_DONE"
	StageBackupWritten Stage = "BACKUP_WRITTEN"
)

// Event captures a single milestone of pipeline progress.
type Event struct {
	// RunID uniquely identifies a pipeline run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Page is the listing page number for page-scoped events.
	Page int
	// Records counts the listings involved: parsed for page events,
	// flushed for flush and backup events.
	Records int64
	// Accepted counts listings that passed deduplication on the page.
	Accepted int64
	// Destination names where a flushed batch ended up.
	Destination string
	// Dur captures execution latency for pages, flushes, and whole runs.
	Dur time.Duration
	// Note lets emitters attach low-volume context such as error text or
	// a backup artifact name.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StagePageDone, StagePageFailed:
		if e.Page <= 0 {
			return errors.New("page events require a page number")
		}
	case StageFlushDone:
		if e.Destination == "" {
			return errors.New("flush done requires a destination")
		}
	case StageBackupWritten:
		if e.Note == "" {
			return errors.New("backup written requires the artifact name")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for sinks.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
