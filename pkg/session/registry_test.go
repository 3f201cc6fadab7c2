package session

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid key", "telegram:42", false},
		{"empty key", "", true},
		{"path traversal", "../etc/passwd", true},
		{"forward slash", "a/b", true},
		{"backslash", "a\\b", true},
		{"null byte", "a\x00b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistryReturnsSameEntry(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil)

	a, err := reg.Entry(ctx, "main")
	require.NoError(t, err)
	b, err := reg.Entry(ctx, "main")
	require.NoError(t, err)
	assert.Same(t, a, b)

	assert.NoError(t, reg.Persist(ctx, a), "persist without a store is a no-op")
}

func TestRegistryLoadsThroughStore(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	first := NewRegistry(store)
	e, err := first.Entry(ctx, "main")
	require.NoError(t, err)
	SetSessionToken(e, "codex", "thread-9")
	require.NoError(t, first.Persist(ctx, e))

	second := NewRegistry(store)
	reloaded, err := second.Entry(ctx, "main")
	require.NoError(t, err)
	token, ok := GetSessionToken(reloaded, "codex-cli")
	require.True(t, ok)
	assert.Equal(t, "thread-9", token)
}

func TestRetentionSweep(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	reg := NewRegistry(store)
	transcripts, err := NewTranscriptWriter(t.TempDir())
	require.NoError(t, err)

	e, err := reg.Entry(ctx, "stale")
	require.NoError(t, err)
	require.NoError(t, reg.Persist(ctx, e))
	require.NoError(t, transcripts.Append(ctx, "stale", []Record{{Kind: "text", Text: "hi"}}))

	r := &Retention{
		Registry:    reg,
		Transcripts: transcripts,
		MaxIdle:     time.Hour,
		Now:         func() time.Time { return time.Now().Add(2 * time.Hour) },
	}
	removed, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, removed)

	records, err := transcripts.Load(ctx, "stale")
	require.NoError(t, err)
	assert.Empty(t, records)

	again, err := reg.Entry(ctx, "stale")
	require.NoError(t, err)
	assert.NotSame(t, e, again)
}

func TestRetentionRequiresMaxIdle(t *testing.T) {
	r := &Retention{Registry: NewRegistry(nil)}
	_, err := r.Sweep(context.Background())
	assert.Error(t, err)
}

func TestRegistryAndTranscriptLogAtDebug(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	t.Cleanup(func() { log.Logger = prev })

	ctx := context.Background()
	_, err := NewRegistry(nil).Entry(ctx, "debug-key")
	require.NoError(t, err)

	w, err := NewTranscriptWriter(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Append(ctx, "debug-key", []Record{{Kind: "text", Text: "hi"}}))

	out := buf.String()
	assert.Contains(t, out, "Session entry created")
	assert.Contains(t, out, "Transcript appended")
	assert.Contains(t, out, `"session_key":"debug-key"`)
}
