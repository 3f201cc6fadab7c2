package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeProviderID(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Claude", "claude-cli", true},
		{"  claude-code ", "claude-cli", true},
		{"CODEX", "codex-cli", true},
		{"z.ai", "zai", true},
		{"Z-AI", "zai", true},
		{"opencode-zen", "opencode", true},
		{"qwen", "qwen-portal", true},
		{"bedrock", "amazon-bedrock", true},
		{"aws-bedrock", "amazon-bedrock", true},
		{"gemini-cli", "gemini-cli", true},
		{"", "", false},
		{"   ", "", false},
		{"-leading", "", false},
		{"has space", "", false},
		{"slash/provider", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NormalizeProviderID(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSessionTokenRoundTrip(t *testing.T) {
	e := NewEntry("main")

	SetSessionToken(e, "Claude", "  abc  ")
	token, ok := GetSessionToken(e, "claude")
	require.True(t, ok)
	assert.Equal(t, "abc", token)

	token, ok = GetSessionToken(e, "claude-cli")
	require.True(t, ok)
	assert.Equal(t, "abc", token)
}

func TestSetSessionTokenBlankIsNoop(t *testing.T) {
	e := NewEntry("main")
	SetSessionToken(e, "claude", "abc")
	before := e.state.Load()

	SetSessionToken(e, "claude", "   ")
	SetSessionToken(e, "   ", "xyz")
	SetSessionToken(e, "bad provider", "xyz")

	assert.Same(t, before, e.state.Load(), "blank input must not replace the snapshot")
	token, ok := GetSessionToken(e, "claude")
	require.True(t, ok)
	assert.Equal(t, "abc", token)
}

func TestGetSessionTokenAbsent(t *testing.T) {
	e := NewEntry("main")

	_, ok := GetSessionToken(e, "codex")
	assert.False(t, ok)
	_, ok = GetSessionToken(e, "")
	assert.False(t, ok)
	_, ok = GetSessionToken(nil, "codex")
	assert.False(t, ok)
}

func TestSetSessionTokenCopyOnWrite(t *testing.T) {
	e := NewEntry("main")
	SetSessionToken(e, "codex", "t1")

	snapshot := e.Tokens()
	SetSessionToken(e, "codex", "t2")

	assert.Equal(t, "t1", snapshot["codex-cli"])
	assert.Equal(t, "t2", e.Tokens()["codex-cli"])
}

func TestSetSessionTokenConcurrent(t *testing.T) {
	e := NewEntry("main")
	providers := []string{"claude", "codex", "zai", "qwen", "bedrock", "opencode"}

	var wg sync.WaitGroup
	for _, p := range providers {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			SetSessionToken(e, p, "token-"+p)
		}(p)
	}
	wg.Wait()

	assert.Len(t, e.Tokens(), len(providers))
}

func TestCLISessionID(t *testing.T) {
	e := NewEntry("main")
	assert.Empty(t, e.CLISessionID())

	e.SetCLISessionID(" thread-1 ")
	assert.Equal(t, "thread-1", e.CLISessionID())

	e.SetCLISessionID("  ")
	assert.Equal(t, "thread-1", e.CLISessionID())
}

func TestRestoreEntryDropsInvalidTokens(t *testing.T) {
	e := restoreEntry("main", map[string]string{
		"Claude":  "abc",
		"codex":   "  ",
		"bad key": "x",
	}, "", time.Time{}, time.Time{})

	assert.Equal(t, map[string]string{"claude-cli": "abc"}, e.Tokens())
}
