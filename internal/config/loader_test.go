package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoaderMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.json")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "live", cfg.Dispatch.Mode)
	assert.Equal(t, "claude-cli", cfg.Agents.DefaultProvider)
	assert.Equal(t, "pairing", cfg.Channels.Telegram.DMPolicy)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoaderReadsJSON(t *testing.T) {
	dataDir := t.TempDir()
	path := writeConfig(t, "courier.json", `{
		"data_dir": "`+filepath.ToSlash(dataDir)+`",
		"dispatch": {"mode": "buffered", "send_timeout_seconds": 5, "verbose_tools": true},
		"channels": {
			"telegram": {"enabled": true, "bot_token": "123:abc", "dm_policy": "allowlist", "allowlist": [42]}
		},
		"agents": {
			"backends": {"codex-cli": {"command": "/opt/bin/codex"}}
		}
	}`)

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "buffered", cfg.Dispatch.Mode)
	assert.Equal(t, 5, cfg.Dispatch.SendTimeoutSeconds)
	assert.True(t, cfg.Dispatch.VerboseTools)
	assert.True(t, cfg.Channels.Telegram.Enabled)
	assert.Equal(t, []int64{42}, cfg.Channels.Telegram.Allowlist)
	assert.Equal(t, "/opt/bin/codex", cfg.Agents.Backends["codex-cli"].Command)

	assert.Equal(t, filepath.Join(dataDir, "sessions.db"), cfg.Sessions.DBPath)
	assert.Equal(t, filepath.Join(dataDir, "credentials"), cfg.Pairing.Dir)
	assert.Equal(t, filepath.Join(dataDir, "courier.log"), cfg.Logging.File)
}

func TestLoaderReadsYAML(t *testing.T) {
	path := writeConfig(t, "courier.yaml", "dispatch:\n  mode: buffered\nchannels:\n  gateway:\n    enabled: true\n    port: 9001\n")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "buffered", cfg.Dispatch.Mode)
	assert.True(t, cfg.Channels.Gateway.Enabled)
	assert.Equal(t, 9001, cfg.Channels.Gateway.Port)
}

func TestLoaderEnvOverride(t *testing.T) {
	path := writeConfig(t, "courier.json", `{"dispatch": {"mode": "live"}}`)
	t.Setenv("COURIER_DISPATCH_MODE", "buffered")
	t.Setenv("COURIER_CHANNELS_GATEWAY_PORT", "9555")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "buffered", cfg.Dispatch.Mode)
	assert.Equal(t, 9555, cfg.Channels.Gateway.Port)
}

func TestLoaderRejectsSchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown top-level key", body: `{"webhook": {"enabled": true}}`},
		{name: "wrong type", body: `{"dispatch": {"mode": 5}}`},
		{name: "bad enum", body: `{"channels": {"telegram": {"dm_policy": "everyone"}}}`},
		{name: "port out of range", body: `{"channels": {"gateway": {"port": 70000}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "courier.json", tt.body)
			_, err := NewLoader(path).Load()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestGetConfigPath(t *testing.T) {
	assert.Equal(t, "/etc/courier.json", NewLoader("/etc/courier.json").GetConfigPath())

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".courier", "courier.json"), NewLoader("").GetConfigPath())
}
