package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const pidFileName = "courier.pid"

// PIDFilePath returns where a daemon using dataDir records its pid.
func PIDFilePath(dataDir string) string {
	return filepath.Join(dataDir, pidFileName)
}

// LifecycleManager owns the daemon's PID file.
type LifecycleManager struct {
	dataDir string
	pidFile string
}

func NewLifecycleManager(dataDir string) *LifecycleManager {
	return &LifecycleManager{dataDir: dataDir, pidFile: PIDFilePath(dataDir)}
}

// Start creates the data directory and writes the PID file. It fails when
// another live daemon already owns the file.
func (l *LifecycleManager) Start() error {
	if err := os.MkdirAll(l.dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if pid, err := ReadPID(l.pidFile); err == nil && pid != os.Getpid() && ProcessAlive(pid) {
		return fmt.Errorf("daemon is already running (pid %d)", pid)
	}
	return os.WriteFile(l.pidFile, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// Stop removes the PID file.
func (l *LifecycleManager) Stop() error {
	if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

func (l *LifecycleManager) PIDFile() string { return l.pidFile }

// ReadPID parses a PID file.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	if pid <= 0 {
		return 0, errors.New("invalid PID file: non-positive pid")
	}
	return pid, nil
}

// ProcessAlive reports whether pid names a running process.
func ProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds, so check with signal 0
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
