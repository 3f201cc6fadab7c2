package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/harun/courier/internal/observability"
	"github.com/harun/courier/internal/tracing"
	"github.com/harun/courier/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultKillGrace = 5 * time.Second
	outputTailBytes  = 256 * 1024
	stderrTailBytes  = 64 * 1024
)

// Runner launches CLI agent processes and streams their output as blocks.
// It does not read or write session state.
type Runner struct {
	backends       map[string]Backend
	reaper         Reaper
	killGrace      time.Duration
	defaultTimeout time.Duration
	logger         zerolog.Logger

	// Active runs keyed by session and provider, for abort and exclusion
	activeRuns map[string]context.CancelFunc
	runsMu     sync.Mutex
}

// Config holds runner configuration
type Config struct {
	Backends       map[string]Backend
	Reaper         Reaper
	KillGrace      time.Duration
	DefaultTimeout time.Duration
	Logger         zerolog.Logger
}

// NewRunner creates a runner. Missing backends default to DefaultBackends and
// a missing reaper to the platform reaper.
func NewRunner(cfg Config) *Runner {
	observability.EnsureRegistered()

	backends := cfg.Backends
	if backends == nil {
		backends = DefaultBackends()
	}
	reaper := cfg.Reaper
	if reaper == nil {
		reaper = NewReaper()
	}
	grace := cfg.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	return &Runner{
		backends:       backends,
		reaper:         reaper,
		killGrace:      grace,
		defaultTimeout: cfg.DefaultTimeout,
		logger:         cfg.Logger,
		activeRuns:     make(map[string]context.CancelFunc),
	}
}

// Backend returns the backend for a provider id, normalizing it first.
func (r *Runner) Backend(provider string) (Backend, bool) {
	id, ok := session.NormalizeProviderID(provider)
	if !ok {
		return Backend{}, false
	}
	b, ok := r.backends[id]
	return b, ok
}

func runKey(sessionID, provider string) string {
	return sessionID + "\x00" + provider
}

// Abort cancels the active run for a session and provider, if any.
func (r *Runner) Abort(sessionID, provider string) bool {
	id, _ := session.NormalizeProviderID(provider)
	r.runsMu.Lock()
	cancel, ok := r.activeRuns[runKey(sessionID, id)]
	r.runsMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// IsRunning checks if a run is active for a session and provider.
func (r *Runner) IsRunning(sessionID, provider string) bool {
	id, _ := session.NormalizeProviderID(provider)
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	_, ok := r.activeRuns[runKey(sessionID, id)]
	return ok
}

func (r *Runner) acquire(key string, cancel context.CancelFunc) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	if _, busy := r.activeRuns[key]; busy {
		return false
	}
	r.activeRuns[key] = cancel
	return true
}

func (r *Runner) release(key string) {
	r.runsMu.Lock()
	delete(r.activeRuns, key)
	r.runsMu.Unlock()
}

// Run executes inv and streams parsed blocks to sink in order. The returned
// error is non-nil only when the process could not be started or another run
// holds the same session; process failures are reported in RunResult.
func (r *Runner) Run(ctx context.Context, inv Invocation, sink Sink) (RunResult, error) {
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	if inv.RunID == "" {
		inv.RunID = gonanoid.Must()
	}

	provider, ok := session.NormalizeProviderID(inv.Provider)
	backend, found := r.backends[provider]
	if !ok || !found {
		return RunResult{RunID: inv.RunID, Provider: inv.Provider}, &SpawnError{
			Provider: inv.Provider,
			Err:      fmt.Errorf("%w: %q", ErrUnknownProvider, inv.Provider),
		}
	}

	ctx = tracing.WithSessionKey(ctx, inv.SessionID)
	ctx = tracing.WithRunID(ctx, inv.RunID)
	ctx = tracing.WithProvider(ctx, provider)
	ctx, span := tracing.StartSpan(ctx, "courier.agent", "agent.run",
		attribute.String("session_key", inv.SessionID),
		attribute.String("provider", provider),
		attribute.Bool("resume", inv.CLISessionID != ""),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	result := RunResult{RunID: inv.RunID, Provider: provider, Resumed: inv.CLISessionID != ""}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	key := runKey(inv.SessionID, provider)
	if !r.acquire(key, cancel) {
		return result, ErrRunActive
	}
	defer r.release(key)

	if inv.SessionFile != "" {
		if err := os.MkdirAll(filepath.Dir(inv.SessionFile), 0700); err != nil {
			return result, &SpawnError{Provider: provider, Command: backend.Command, Err: fmt.Errorf("prepare session dir: %w", err)}
		}
		lock := flock.New(inv.SessionFile + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			tracing.FailSpan(span, err)
			return result, &SpawnError{Provider: provider, Command: backend.Command, Err: fmt.Errorf("lock session file: %w", err)}
		}
		if !locked {
			return result, ErrRunActive
		}
		defer lock.Unlock()
	}

	if inv.CLISessionID != "" {
		fp := NewFingerprint(backend, inv.CLISessionID)
		killed, err := r.reaper.FindAndTerminate(ctx, fp)
		observability.RecordStaleCleanup(provider, killed, err)
		if err != nil {
			logger.Warn().Err(err).Str("pattern", fp.Pattern()).Msg("Stale process cleanup failed")
		} else if killed > 0 {
			logger.Info().Int("killed", killed).Msg("Terminated stale agent processes")
		}
		result.StaleKills = killed
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	if timeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, timeout)
		defer timeoutCancel()
	}

	newSessionID := ""
	if inv.CLISessionID == "" && backend.SessionArg != "" {
		newSessionID = uuid.NewString()
	}
	args := backend.buildArgs(inv, newSessionID)

	if inv.WorkspaceDir != "" {
		if err := os.MkdirAll(inv.WorkspaceDir, 0755); err != nil {
			tracing.FailSpan(span, err)
			return result, &SpawnError{Provider: provider, Command: backend.Command, Err: fmt.Errorf("prepare workspace: %w", err)}
		}
	}

	parser := newOutputParser(backend, sink)
	stdout := &lineWriter{fn: parser.Line, raw: &tailBuffer{max: outputTailBytes}}
	stderr := &tailBuffer{max: stderrTailBytes}

	cmd := exec.CommandContext(runCtx, backend.Command, args...)
	cmd.Dir = inv.WorkspaceDir
	cmd.Env = backend.environ(os.Environ())
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	var group processGroup
	group.configure(cmd, r.killGrace)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		spawnErr := &SpawnError{Provider: provider, Command: backend.Command, Err: err}
		tracing.FailSpan(span, spawnErr)
		logger.Error().Err(err).Str("command", backend.Command).Msg("Failed to start agent process")
		return result, spawnErr
	}
	logger.Debug().Int("pid", cmd.Process.Pid).Strs("args", args).Msg("Agent process started")

	waitErr := cmd.Wait()
	group.release(cmd)
	stdout.Flush()
	parser.Finish()
	if n := stdout.Dropped(); n > 0 {
		logger.Warn().Int("lines", n).Msg("Dropped oversized agent output lines")
	}

	result.Duration = time.Since(start)
	result.Stdout = stdout.raw.String()
	result.Stderr = stderr.String()
	result.Blocks = parser.Count()
	result.SessionID = parser.SessionID()
	if result.SessionID == "" {
		result.SessionID = newSessionID
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
		result.Signal = exitSignal(cmd.ProcessState)
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.Status = StatusTimedOut
		result.Killed = true
	case runCtx.Err() != nil:
		result.Status = StatusKilled
		result.Killed = true
	case result.Signal != "":
		result.Status = StatusKilled
		result.Killed = true
	case waitErr != nil || result.ExitCode != 0:
		result.Status = StatusFailed
	default:
		result.Status = StatusCompleted
	}
	if result.Killed {
		observability.RecordRunKill(ctx, provider, inv.RunID, string(result.Status), cmd.Process.Pid)
	}

	// a pinned id only names a conversation once the process completed
	if result.Status != StatusCompleted && parser.SessionID() == "" {
		result.SessionID = ""
	}

	observability.RecordAgentRun(provider, string(result.Status), result.Duration)
	span.SetAttributes(
		attribute.String("status", string(result.Status)),
		attribute.Int("exit_code", result.ExitCode),
		attribute.Int("blocks", result.Blocks),
	)
	if result.Status != StatusCompleted {
		tracing.FailSpan(span, fmt.Errorf("agent run %s", result.Status))
	}

	event := logger.Info()
	if result.Status != StatusCompleted {
		event = logger.Warn().Str("stderr", truncate(result.Stderr, 512))
	}
	event.
		Str("status", string(result.Status)).
		Int("exit_code", result.ExitCode).
		Int("blocks", result.Blocks).
		Dur("duration", result.Duration).
		Msg("Agent run finished")

	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
