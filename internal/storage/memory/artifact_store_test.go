package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArtifactStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewArtifactStore()
	ctx := context.Background()

	payload := []byte(`[{"reference":"E1"}]`)
	uri, err := store.Put(ctx, "backup.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://backup.json", uri)

	// Mutating the original buffer must not affect the stored copy.
	payload[0] = 'X'

	got, err := store.Get(ctx, "backup.json")
	require.NoError(t, err)
	require.Equal(t, []byte(`[{"reference":"E1"}]`), got)
}

func TestArtifactStoreListAndRemove(t *testing.T) {
	t.Parallel()

	store := NewArtifactStore()
	ctx := context.Background()

	for _, name := range []string{"z.json", "a.json"} {
		_, err := store.Put(ctx, name, "", bytes.NewReader([]byte("{}")))
		require.NoError(t, err)
	}
	require.Equal(t, 2, store.Len())

	names, err := store.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a.json", "z.json"}, names)

	require.NoError(t, store.Remove(ctx, "z.json"))
	require.Error(t, store.Remove(ctx, "z.json"))
	require.Equal(t, 1, store.Len())

	_, err = store.Get(ctx, "z.json")
	require.Error(t, err)

	_, err = store.Put(ctx, "", "", bytes.NewReader(nil))
	require.Error(t, err)
}
