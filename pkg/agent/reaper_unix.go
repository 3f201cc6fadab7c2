//go:build unix

package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/harun/courier/internal/observability"
	"golang.org/x/sys/unix"
)

// PatternReaper finds processes with pgrep -f and sends them SIGTERM.
type PatternReaper struct {
	lookPath func(file string) (string, error)
	list     func(ctx context.Context, pgrep, pattern string) ([]byte, error)
	signal   func(pid int) error
	self     int
}

// NewReaper returns the platform reaper.
func NewReaper() Reaper {
	return &PatternReaper{
		lookPath: exec.LookPath,
		list:     runPgrep,
		signal:   func(pid int) error { return unix.Kill(pid, unix.SIGTERM) },
		self:     os.Getpid(),
	}
}

func runPgrep(ctx context.Context, pgrep, pattern string) ([]byte, error) {
	return exec.CommandContext(ctx, pgrep, "-f", pattern).Output()
}

func (r *PatternReaper) FindAndTerminate(ctx context.Context, fp Fingerprint) (int, error) {
	pgrep, err := r.lookPath("pgrep")
	if err != nil {
		return 0, nil
	}

	out, err := r.list(ctx, pgrep, fp.Pattern())
	if err != nil {
		// exit code 1 means no processes matched
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return 0, nil
		}
		return 0, fmt.Errorf("pgrep failed: %w", err)
	}

	killed := 0
	var errs []error
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || pid <= 0 || pid == r.self {
			continue
		}
		if err := r.signal(pid); err != nil {
			if errors.Is(err, unix.ESRCH) {
				continue
			}
			errs = append(errs, fmt.Errorf("signal %d: %w", pid, err))
			continue
		}
		killed++
		observability.RecordProcessAudit(ctx, observability.ActionStaleProcessKill, fp.Provider, "success", map[string]interface{}{
			"pid":     pid,
			"pattern": fp.Pattern(),
		})
	}
	return killed, errors.Join(errs...)
}
