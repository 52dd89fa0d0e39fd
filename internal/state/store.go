// Package state persists scraping progress between runs.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
)

// Store reads and writes the progress-state file. Checkpoint writes are
// atomic: the state is serialized to a temporary file in the same directory
// and renamed over the previous one, so a crash mid-write leaves the old
// state intact.
type Store struct {
	path string
	log  *zap.Logger
}

// NewStore creates a Store writing to path.
func NewStore(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, log: logger.Named("state")}
}

// Load returns the persisted state. A missing or unreadable file yields a
// zero state so a fresh run can proceed; only a state written by a newer
// version of the program is an error.
func (s *Store) Load(_ context.Context) (pipeline.ProgressState, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return pipeline.ProgressState{Version: pipeline.StateVersion}, nil
		}
		s.log.Warn("state file unreadable, starting from scratch",
			zap.String("path", s.path), zap.Error(err))
		return pipeline.ProgressState{Version: pipeline.StateVersion}, nil
	}

	var st pipeline.ProgressState
	if err := json.Unmarshal(raw, &st); err != nil {
		s.log.Warn("state file corrupt, starting from scratch",
			zap.String("path", s.path), zap.Error(err))
		return pipeline.ProgressState{Version: pipeline.StateVersion}, nil
	}
	if st.Version > pipeline.StateVersion {
		return pipeline.ProgressState{}, &pipeline.StateError{
			Op:  "load",
			Err: fmt.Errorf("state version %d newer than supported %d", st.Version, pipeline.StateVersion),
		}
	}
	if st.LastCompletedPage < 0 {
		s.log.Warn("state file has negative progress, starting from scratch",
			zap.Int("last_completed_page", st.LastCompletedPage))
		return pipeline.ProgressState{Version: pipeline.StateVersion}, nil
	}
	st.Version = pipeline.StateVersion
	return st, nil
}

// Checkpoint atomically replaces the state file with st.
func (s *Store) Checkpoint(_ context.Context, st pipeline.ProgressState) error {
	st.Version = pipeline.StateVersion

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return &pipeline.StateError{Op: "checkpoint", Err: fmt.Errorf("marshal state: %w", err)}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return &pipeline.StateError{Op: "checkpoint", Err: fmt.Errorf("create state dir: %w", err)}
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return &pipeline.StateError{Op: "checkpoint", Err: fmt.Errorf("create temp state: %w", err)}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &pipeline.StateError{Op: "checkpoint", Err: fmt.Errorf("write temp state: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &pipeline.StateError{Op: "checkpoint", Err: fmt.Errorf("close temp state: %w", err)}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return &pipeline.StateError{Op: "checkpoint", Err: fmt.Errorf("replace state file: %w", err)}
	}

	s.log.Debug("checkpoint written",
		zap.Int("last_completed_page", st.LastCompletedPage),
		zap.Int("known_id_count", st.KnownIDCount))
	return nil
}
