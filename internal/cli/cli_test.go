package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a config file rooted in a temp dir and returns its path
// and data dir.
func writeConfig(t *testing.T, extra map[string]interface{}) (string, string) {
	t.Helper()
	dir := t.TempDir()
	doc := map[string]interface{}{
		"data_dir": dir,
		"logging":  map[string]interface{}{"console": false},
	}
	for k, v := range extra {
		doc[k] = v
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(dir, "courier.json")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path, dir
}

// execute runs the root command with args and returns its combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	runOpts = struct {
		session  string
		prompt   string
		channel  string
		to       string
		provider string
		model    string
		mode     string
	}{channel: stdoutChannel}
	sessionsTail = 20

	cmd := GetRootCmd()
	resetFlags(cmd)

	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// resetFlags restores every flag of cmd and its subcommands to its default,
// since cobra keeps parsed values on the shared command tree.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}
