package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrSpawn matches every *SpawnError.
	ErrSpawn = errors.New("agent spawn failed")
	// ErrRunActive is returned when a run for the same session and provider
	// is already in progress.
	ErrRunActive       = errors.New("agent run already active for session")
	ErrUnknownProvider = errors.New("unknown agent provider")
)

// SpawnError reports that the agent process could not be started.
type SpawnError struct {
	Provider string
	Command  string
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.Provider, e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }
