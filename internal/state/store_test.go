package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
)

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	s := NewStore(filepath.Join(t.TempDir(), "state.json"), zap.NewNop())
	st, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, st.LastCompletedPage)
	require.Equal(t, pipeline.StateVersion, st.Version)
}

func TestCheckpointRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s := NewStore(path, zap.NewNop())
	ctx := context.Background()

	want := pipeline.ProgressState{
		LastCompletedPage: 17,
		KnownIDCount:      412,
		LastCheckpoint:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Checkpoint(ctx, want))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, want.LastCompletedPage, got.LastCompletedPage)
	require.Equal(t, want.KnownIDCount, got.KnownIDCount)
	require.True(t, want.LastCheckpoint.Equal(got.LastCheckpoint))
	require.Equal(t, pipeline.StateVersion, got.Version)

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestCheckpointOverwrites(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(path, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.Checkpoint(ctx, pipeline.ProgressState{LastCompletedPage: 3}))
	require.NoError(t, s.Checkpoint(ctx, pipeline.ProgressState{LastCompletedPage: 9}))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 9, got.LastCompletedPage)
}

func TestLoadCorruptFileStartsFresh(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s := NewStore(path, zap.NewNop())
	st, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, st.LastCompletedPage)
}

func TestLoadFutureVersionFails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	raw, err := json.Marshal(pipeline.ProgressState{
		Version:           pipeline.StateVersion + 1,
		LastCompletedPage: 40,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	s := NewStore(path, zap.NewNop())
	_, err = s.Load(context.Background())
	require.Error(t, err)

	var se *pipeline.StateError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "load", se.Op)
}

func TestLoadNegativeProgressStartsFresh(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"version":1,"last_completed_page":-4}`), 0o600))

	s := NewStore(path, zap.NewNop())
	st, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, st.LastCompletedPage)
}
