package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
)

// Replayer re-submits backup artifacts through the persistence engine.
// The engine's insert is idempotent, so replaying an artifact twice, or
// replaying records that later runs already stored, cannot create
// duplicates.
type Replayer struct {
	store   ArtifactStore
	flusher pipeline.Flusher
	hasher  pipeline.Hasher
	log     *zap.Logger
}

// NewReplayer creates a Replayer. The flusher should be an engine without a
// backup fallback: an artifact that cannot reach the store stays where it is.
func NewReplayer(store ArtifactStore, flusher pipeline.Flusher, hasher pipeline.Hasher, logger *zap.Logger) *Replayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replayer{
		store:   store,
		flusher: flusher,
		hasher:  hasher,
		log:     logger.Named("replay"),
	}
}

// Report summarizes one replay pass.
type Report struct {
	// Replayed counts artifacts fully committed and removed.
	Replayed int
	// RecordsRestored counts rows newly inserted by the replay.
	RecordsRestored int64
	// Skipped counts artifacts left in place (corrupt or rejected).
	Skipped int
	// Remaining counts artifacts still present after the pass.
	Remaining int
}

// Replay loads every backup artifact, verifies its checksum, re-submits its
// listings, and removes the artifact once the store holds its records.
// Corrupted or rejected artifacts are skipped and left in place; a store
// that cannot be reached aborts the pass.
func (r *Replayer) Replay(ctx context.Context) (Report, error) {
	names, err := r.store.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("replay: list artifacts: %w", err)
	}

	var report Report
	for _, name := range names {
		if !strings.HasSuffix(name, artifactSuffix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			report.Remaining = countArtifacts(names) - report.Replayed
			return report, fmt.Errorf("replay: %w", err)
		}

		listings, ok := r.loadArtifact(ctx, name)
		if !ok {
			report.Skipped++
			continue
		}

		result, err := r.flusher.Flush(ctx, listings)
		if err != nil {
			report.Remaining = countArtifacts(names) - report.Replayed
			return report, fmt.Errorf("replay %s: %w", name, err)
		}
		switch result.Destination {
		case pipeline.DestinationStore:
			if err := r.store.Remove(ctx, name); err != nil {
				return report, fmt.Errorf("replay %s: remove artifact: %w", name, err)
			}
			report.Replayed++
			report.RecordsRestored += result.Inserted
			r.log.Info("artifact replayed",
				zap.String("artifact", name),
				zap.Int("records", result.Attempted),
				zap.Int64("inserted", result.Inserted))
		default:
			// Rejected batches stay on disk for operator inspection.
			report.Skipped++
			r.log.Error("artifact rejected by store, leaving in place",
				zap.String("artifact", name),
				zap.String("destination", string(result.Destination)))
		}
	}

	report.Remaining = countArtifacts(names) - report.Replayed
	return report, nil
}

// loadArtifact reads and validates one artifact, returning ok=false when it
// cannot be trusted.
func (r *Replayer) loadArtifact(ctx context.Context, name string) ([]pipeline.Listing, bool) {
	data, err := r.store.Get(ctx, name)
	if err != nil {
		r.log.Error("artifact unreadable, leaving in place",
			zap.String("artifact", name), zap.Error(err))
		return nil, false
	}

	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		r.log.Error("artifact corrupt, leaving in place",
			zap.String("artifact", name), zap.Error(err))
		return nil, false
	}
	if len(artifact.Listings) == 0 {
		r.log.Error("artifact has no listings, leaving in place",
			zap.String("artifact", name))
		return nil, false
	}

	payload, err := json.Marshal(artifact.Listings)
	if err != nil {
		r.log.Error("artifact re-marshal failed, leaving in place",
			zap.String("artifact", name), zap.Error(err))
		return nil, false
	}
	checksum, err := r.hasher.Hash(payload)
	if err != nil {
		r.log.Error("artifact checksum failed, leaving in place",
			zap.String("artifact", name), zap.Error(err))
		return nil, false
	}
	if checksum != artifact.Manifest.Checksum {
		r.log.Error("artifact checksum mismatch, leaving in place",
			zap.String("artifact", name),
			zap.String("want", artifact.Manifest.Checksum),
			zap.String("got", checksum))
		return nil, false
	}
	return artifact.Listings, true
}

func countArtifacts(names []string) int {
	n := 0
	for _, name := range names {
		if strings.HasSuffix(name, artifactSuffix) {
			n++
		}
	}
	return n
}
