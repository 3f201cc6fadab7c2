package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "courier.log")

	l, err := New(Config{Level: "debug", File: logFile})
	require.NoError(t, err)

	l.Info().Str("session_key", "main").Msg("run started")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_key":"main"`)
	assert.Contains(t, string(data), "run started")
}

func TestNewRedactsSecrets(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "courier.log")

	l, err := New(Config{Level: "info", File: logFile, Redaction: true})
	require.NoError(t, err)
	assert.NotNil(t, l.redactor)

	l.Info().Msg("bot token 123456789:ABCdefGHIjklMNOpqrsTUVwxyz-1234567")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[REDACTED]")
	assert.NotContains(t, string(data), "ABCdefGHIjklMNOpqrs")
}

func TestNewInvalidLevelFallsBackToInfo(t *testing.T) {
	l, err := New(Config{Level: "chatty"})
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, zerolog.InfoLevel, l.GetZerolog().GetLevel())
}

func TestComponentLogger(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "courier.log")

	l, err := New(Config{Level: "info", File: logFile})
	require.NoError(t, err)

	child := l.Component("dispatch")
	child.Info().Msg("idle")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"dispatch"`)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 7, cfg.MaxAge)
}
