package agent

import "context"

// Reaper terminates processes left over from an earlier run of a backend
// conversation.
type Reaper interface {
	// FindAndTerminate signals every process matching fp and returns how
	// many were signalled. Implementations that cannot match processes
	// return (0, nil).
	FindAndTerminate(ctx context.Context, fp Fingerprint) (int, error)
}

// NoopReaper never finds anything.
type NoopReaper struct{}

// FindAndTerminate always reports zero processes.
func (NoopReaper) FindAndTerminate(context.Context, Fingerprint) (int, error) {
	return 0, nil
}
