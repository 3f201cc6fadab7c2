package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreSaveLoad(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	e := NewEntry("telegram:42")
	SetSessionToken(e, "claude", "abc")
	e.SetCLISessionID("cli-1")
	require.NoError(t, store.Save(ctx, e))

	loaded, err := store.Load(ctx, "telegram:42")
	require.NoError(t, err)
	assert.Equal(t, "telegram:42", loaded.Key())
	assert.Equal(t, "cli-1", loaded.CLISessionID())
	token, ok := GetSessionToken(loaded, "claude-cli")
	require.True(t, ok)
	assert.Equal(t, "abc", token)
}

func TestStoreLoadMissing(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreSaveUpserts(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	e := NewEntry("main")
	SetSessionToken(e, "codex", "t1")
	require.NoError(t, store.Save(ctx, e))
	SetSessionToken(e, "codex", "t2")
	require.NoError(t, store.Save(ctx, e))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].Providers)

	loaded, err := store.Load(ctx, "main")
	require.NoError(t, err)
	token, _ := GetSessionToken(loaded, "codex")
	assert.Equal(t, "t2", token)
}

func TestStorePruneIdle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	old := restoreEntry("old", nil, "", time.Now().Add(-48*time.Hour), time.Now().Add(-48*time.Hour))
	fresh := NewEntry("fresh")
	require.NoError(t, store.Save(ctx, old))
	require.NoError(t, store.Save(ctx, fresh))

	removed, err := store.PruneIdle(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, removed)

	_, err = store.Load(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Load(ctx, "fresh")
	assert.NoError(t, err)
}
