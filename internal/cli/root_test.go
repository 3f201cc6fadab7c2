package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		output, err := execute(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, output, "courier version")
		assert.Contains(t, output, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		output, err := execute(t, "--help")
		require.NoError(t, err)

		assert.Contains(t, output, "Courier")
		assert.Contains(t, output, "coding agents")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "info", logLevelFlag.DefValue)
	})

	t.Run("flags do not leak between runs", func(t *testing.T) {
		_, err := execute(t, "status", "--help", "--log-level", "debug")
		require.NoError(t, err)

		cfgPath, _ := writeConfig(t, nil)
		output, err := execute(t, "status", "--config", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, output, "Status: stopped")
		assert.NotContains(t, output, "Usage:")
		assert.False(t, GetRootCmd().PersistentFlags().Lookup("log-level").Changed)
	})

	t.Run("subcommands", func(t *testing.T) {
		names := map[string]bool{}
		for _, c := range GetRootCmd().Commands() {
			names[c.Name()] = true
		}
		for _, want := range []string{"serve", "run", "stop", "status", "channels", "pairing", "sessions"} {
			assert.True(t, names[want], "missing command %s", want)
		}
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}
