//go:build !unix

package agent

import (
	"os"
	"os/exec"
	"time"
)

type processGroup struct{}

func (g *processGroup) configure(cmd *exec.Cmd, grace time.Duration) {
	cmd.WaitDelay = grace
}

func (g *processGroup) release(*exec.Cmd) {}

func exitSignal(*os.ProcessState) string { return "" }
