// Package persist pushes buffered batches toward durability: the store
// first, a backup artifact when the store stays unreachable.
package persist

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
)

// Engine implements pipeline.Flusher. Every batch ends in exactly one of
// three places: committed to the store, serialized to a backup artifact, or
// rejected as malformed. Only when none of those is possible does Flush
// return an error, and that error aborts the run.
type Engine struct {
	store  pipeline.ListingStore
	backup pipeline.BackupWriter
	policy pipeline.RetryPolicy
	clock  pipeline.Clock
	log    *zap.Logger
}

// NewEngine creates an Engine. backup may be nil, in which case exhausted
// retries surface pipeline.ErrNoDurableHome instead of falling back; the
// replayer uses that mode so artifacts never duplicate themselves.
func NewEngine(
	store pipeline.ListingStore,
	backup pipeline.BackupWriter,
	policy pipeline.RetryPolicy,
	clock pipeline.Clock,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  store,
		backup: backup,
		policy: policy,
		clock:  clock,
		log:    logger.Named("persist"),
	}
}

// Flush writes the batch to the store, retrying transient failures with
// backoff. Fatal store errors reject the batch; exhausted retries divert it
// to a backup artifact.
func (e *Engine) Flush(ctx context.Context, batch []pipeline.Listing) (pipeline.FlushResult, error) {
	if len(batch) == 0 {
		return pipeline.FlushResult{Destination: pipeline.DestinationStore}, nil
	}

	attempts := 0
	var lastErr error
	for {
		attempts++
		inserted, err := e.store.BulkInsert(ctx, batch)
		if err == nil {
			return pipeline.FlushResult{
				Destination:    pipeline.DestinationStore,
				Attempted:      len(batch),
				Inserted:       inserted,
				AlreadyPresent: int64(len(batch)) - inserted,
				Attempts:       attempts,
			}, nil
		}
		lastErr = err

		if pipeline.IsFatalPersistence(err) {
			e.log.Error("batch rejected by store, records dropped",
				zap.Int("records", len(batch)),
				zap.Int("attempts", attempts),
				zap.Error(err))
			return pipeline.FlushResult{
				Destination: pipeline.DestinationRejected,
				Attempted:   len(batch),
				Attempts:    attempts,
			}, nil
		}
		if !e.policy.ShouldRetry(err, attempts) {
			break
		}

		delay := e.policy.Backoff(attempts - 1)
		e.log.Warn("store flush failed, retrying",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if sleepErr := e.clock.Sleep(ctx, delay); sleepErr != nil {
			break
		}
	}

	if e.backup == nil {
		return pipeline.FlushResult{}, fmt.Errorf(
			"flush after %d attempts: %w (store: %w)", attempts, pipeline.ErrNoDurableHome, lastErr)
	}

	info, backupErr := e.backup.Write(ctx, reasonFor(lastErr), batch)
	if backupErr != nil {
		e.log.Error("backup write failed after store failure, records held in memory",
			zap.Int("records", len(batch)),
			zap.NamedError("store_error", lastErr),
			zap.NamedError("backup_error", backupErr))
		return pipeline.FlushResult{}, fmt.Errorf(
			"flush: %w (store: %v, backup: %v)", pipeline.ErrNoDurableHome, lastErr, backupErr)
	}

	return pipeline.FlushResult{
		Destination: pipeline.DestinationBackup,
		Attempted:   len(batch),
		Attempts:    attempts,
		Artifact:    info,
	}, nil
}

// reasonFor names the backup artifact after what pushed the batch there.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "flush_timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "db_failure"
	}
}
