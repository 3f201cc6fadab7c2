//go:build !unix

package agent

// NewReaper returns the platform reaper. Process matching is unavailable here.
func NewReaper() Reaper {
	return NoopReaper{}
}
