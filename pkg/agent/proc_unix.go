//go:build unix

package agent

import (
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// processGroup puts the child in its own process group so that timeouts reach
// every descendant. Cancel sends SIGTERM to the group and escalates to SIGKILL
// after grace.
type processGroup struct {
	mu    sync.Mutex
	timer *time.Timer
}

func (g *processGroup) configure(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pid := cmd.Process.Pid
		err := unix.Kill(-pid, unix.SIGTERM)
		g.mu.Lock()
		g.timer = time.AfterFunc(grace, func() {
			_ = unix.Kill(-pid, unix.SIGKILL)
		})
		g.mu.Unlock()
		if err == unix.ESRCH {
			return os.ErrProcessDone
		}
		return err
	}
	cmd.WaitDelay = grace + time.Second
}

// release stops a pending SIGKILL escalation and reaps stragglers in the
// group.
func (g *processGroup) release(cmd *exec.Cmd) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		if cmd.Process != nil {
			_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		}
	}
}

func exitSignal(state *os.ProcessState) string {
	if state == nil {
		return ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return unix.SignalName(ws.Signal())
	}
	return ""
}
