// Package backup serializes failed batches to durable JSON artifacts and
// replays them into the store in later runs.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
)

// ArtifactStore abstracts where backup artifacts live.
type ArtifactStore interface {
	Put(ctx context.Context, name string, contentType string, data io.Reader) (string, error)
	Get(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context) ([]string, error)
	Remove(ctx context.Context, name string) error
}

// artifactSuffix marks objects this package owns inside the store.
const artifactSuffix = "_listings.json"

// Manifest describes an artifact's payload so replay can verify integrity.
type Manifest struct {
	Reason    string    `json:"reason"`
	WrittenAt time.Time `json:"written_at"`
	Count     int       `json:"count"`
	// Checksum is the SHA-256 hex digest of the compact listings JSON.
	Checksum string `json:"checksum"`
}

// Artifact is the on-disk shape of one backup file.
type Artifact struct {
	Manifest Manifest           `json:"manifest"`
	Listings []pipeline.Listing `json:"listings"`
}

// Writer serializes batches that could not reach the destination store.
type Writer struct {
	store  ArtifactStore
	hasher pipeline.Hasher
	clock  pipeline.Clock
	log    *zap.Logger
}

// NewWriter creates a Writer.
func NewWriter(store ArtifactStore, hasher pipeline.Hasher, clock pipeline.Clock, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		store:  store,
		hasher: hasher,
		clock:  clock,
		log:    logger.Named("backup"),
	}
}

// Write serializes the batch to one artifact named
// {reason}_{UTC timestamp}_{count}_listings.json. The write deliberately
// ignores cancellation of ctx: the artifact is the safety net for records
// that already failed once, so it must not be lost to a flush deadline.
func (w *Writer) Write(ctx context.Context, reason string, batch []pipeline.Listing) (pipeline.ArtifactInfo, error) {
	if len(batch) == 0 {
		return pipeline.ArtifactInfo{}, fmt.Errorf("backup write: empty batch")
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return pipeline.ArtifactInfo{}, fmt.Errorf("backup write: marshal listings: %w", err)
	}
	checksum, err := w.hasher.Hash(payload)
	if err != nil {
		return pipeline.ArtifactInfo{}, fmt.Errorf("backup write: checksum: %w", err)
	}

	now := w.clock.Now().UTC()
	name := fmt.Sprintf("%s_%s_%d%s",
		sanitizeReason(reason), now.Format("20060102T150405Z"), len(batch), artifactSuffix)

	artifact := Artifact{
		Manifest: Manifest{
			Reason:    reason,
			WrittenAt: now,
			Count:     len(batch),
			Checksum:  checksum,
		},
		Listings: batch,
	}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return pipeline.ArtifactInfo{}, fmt.Errorf("backup write: marshal artifact: %w", err)
	}

	uri, err := w.store.Put(context.WithoutCancel(ctx), name, "application/json", strings.NewReader(string(data)))
	if err != nil {
		return pipeline.ArtifactInfo{}, fmt.Errorf("backup write: store artifact: %w", err)
	}

	w.log.Warn("batch diverted to backup artifact",
		zap.String("reason", reason),
		zap.String("artifact", name),
		zap.String("uri", uri),
		zap.Int("records", len(batch)))

	return pipeline.ArtifactInfo{
		Name:     name,
		URI:      uri,
		Records:  len(batch),
		Checksum: checksum,
	}, nil
}

// sanitizeReason keeps artifact names filesystem and object-store safe.
func sanitizeReason(reason string) string {
	reason = strings.TrimSpace(strings.ToLower(reason))
	if reason == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, reason)
}
