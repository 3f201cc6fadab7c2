package agent

import (
	"strings"
	"time"
)

// Invocation is one request to run a CLI agent. It is consumed by a single
// Run call.
type Invocation struct {
	SessionID    string
	SessionFile  string
	WorkspaceDir string
	Prompt       string
	Provider     string
	Model        string
	Timeout      time.Duration
	RunID        string
	// CLISessionID resumes an existing backend conversation when set.
	CLISessionID string
}

// BlockKind tags a ReplyBlock.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolCall   BlockKind = "tool_call"
	BlockToolResult BlockKind = "tool_result"
	BlockSystem     BlockKind = "system"
)

// ReplyBlock is one ordered fragment of agent output.
type ReplyBlock struct {
	Seq        int
	Kind       BlockKind
	Text       string
	MediaURL   string
	ToolCallID string
	ToolName   string
	IsError    bool
	// Synthetic marks placeholder tool results created for unpaired calls.
	Synthetic bool
}

// Deliverable reports whether the block is meant for the end user: text
// with content, or a system block reporting a backend error. Tool results
// are only delivered when a dispatcher opts into them.
func (b ReplyBlock) Deliverable() bool {
	switch b.Kind {
	case BlockText:
		return strings.TrimSpace(b.Text) != "" || b.MediaURL != ""
	case BlockSystem:
		return b.IsError && strings.TrimSpace(b.Text) != ""
	default:
		return false
	}
}

// Sink receives blocks in production order.
type Sink func(ReplyBlock)

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusTimedOut  RunStatus = "timed_out"
	StatusKilled    RunStatus = "killed"
)

// RunResult describes a finished process. Non-zero exits and kills are
// reported here, not as errors.
type RunResult struct {
	RunID    string
	Provider string
	Status   RunStatus
	Resumed  bool
	ExitCode int
	Signal   string
	Killed   bool
	Stdout   string
	Stderr   string
	// SessionID is the backend conversation id reported by the process.
	SessionID  string
	Blocks     int
	StaleKills int
	Duration   time.Duration
}

// Succeeded reports a clean exit.
func (r RunResult) Succeeded() bool {
	return r.Status == StatusCompleted
}
