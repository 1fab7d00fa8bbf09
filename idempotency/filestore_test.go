package idempotency

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStorePutGet(t *testing.T) {
	store, err := OpenFileStore(filepath.Join(t.TempDir(), "keys.json"))
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "k1", json.RawMessage(`{"a":1}`)))

	got, ok, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(got))
	assert.Equal(t, 1, store.Len())
}

func TestFileStoreFirstWriteWins(t *testing.T) {
	store, err := OpenFileStore(filepath.Join(t.TempDir(), "keys.json"))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k1", json.RawMessage(`{"winner":true}`)))
	require.NoError(t, store.Put(ctx, "k1", json.RawMessage(`{"winner":false}`)))

	got, ok, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"winner":true}`, string(got))
}

func TestFileStoreFileAlwaysParses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	store, err := OpenFileStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Put(ctx, Key("anom", "type", string(rune('a'+i))), json.RawMessage(`{"i":1}`)))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var parsed map[string]fileEntry
		require.NoError(t, json.Unmarshal(data, &parsed), "store file must parse after every write")
	}
}

func TestFileStoreReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	ctx := context.Background()

	store, err := OpenFileStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "k1", json.RawMessage(`"r1"`)))
	require.NoError(t, store.Put(ctx, "k2", json.RawMessage(`"r2"`)))

	reloaded, err := OpenFileStore(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Len())

	got, ok, err := reloaded.Get(ctx, "k2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `"r2"`, string(got))
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	_, err := OpenFileStore(path)
	assert.Error(t, err)
}
