package agent

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Fingerprint identifies processes left over from an earlier run of the same
// backend conversation.
type Fingerprint struct {
	Provider     string
	Command      string
	Args         []string
	CLISessionID string
}

// NewFingerprint derives the fingerprint for resuming cliSessionID on b.
func NewFingerprint(b Backend, cliSessionID string) Fingerprint {
	args := b.resumeArgs(cliSessionID)
	if len(args) == 0 {
		args = []string{cliSessionID}
	}
	return Fingerprint{
		Provider:     b.ID,
		Command:      filepath.Base(b.Command),
		Args:         args,
		CLISessionID: cliSessionID,
	}
}

// Pattern renders the fingerprint as an extended regular expression matching
// the full command line of a matching process.
func (f Fingerprint) Pattern() string {
	parts := make([]string, 0, len(f.Args)+1)
	parts = append(parts, regexp.QuoteMeta(f.Command))
	for _, arg := range f.Args {
		if arg == "" {
			continue
		}
		parts = append(parts, regexp.QuoteMeta(arg))
	}
	return strings.Join(parts, ".*")
}

func (f Fingerprint) String() string {
	return f.Pattern()
}
