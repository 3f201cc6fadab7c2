package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		output, err := execute(t, "stop", "--help")
		require.NoError(t, err)

		assert.Contains(t, output, "Stop the Courier daemon service")
		assert.Contains(t, output, "timeout")
	})

	t.Run("not running", func(t *testing.T) {
		cfgPath, _ := writeConfig(t, nil)

		_, err := execute(t, "stop", "--config", cfgPath)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not running")
	})

	t.Run("stale pid file", func(t *testing.T) {
		cfgPath, dataDir := writeConfig(t, nil)
		pidFile := filepath.Join(dataDir, "courier.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("999999999"), 0644))

		_, err := execute(t, "stop", "--config", cfgPath)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stale")
		assert.NoFileExists(t, pidFile)
	})
}
