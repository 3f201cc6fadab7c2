package agent

import (
	"strings"
)

// OutputFormat selects how process stdout is parsed.
type OutputFormat string

const (
	OutputStreamJSON OutputFormat = "stream-json"
	OutputJSONL      OutputFormat = "jsonl"
	OutputText       OutputFormat = "text"
)

const sessionIDPlaceholder = "{sessionId}"

// Backend describes how to launch one CLI agent.
type Backend struct {
	ID      string
	Command string
	Args    []string
	// ResumeArgs replace Args when resuming; {sessionId} is substituted.
	ResumeArgs []string
	// SessionArg, when set, pins the id of a new conversation.
	SessionArg string
	ModelArg   string
	// SessionIDFields are top-level JSON keys carrying the conversation id.
	SessionIDFields []string
	Output          OutputFormat
	Env             map[string]string
}

// BackendOverride replaces parts of a built-in backend from configuration.
type BackendOverride struct {
	Command    string
	Args       []string
	ResumeArgs []string
	Env        map[string]string
}

// DefaultBackends returns the built-in backends keyed by provider id.
func DefaultBackends() map[string]Backend {
	return map[string]Backend{
		"claude-cli": {
			ID:      "claude-cli",
			Command: "claude",
			Args:    []string{"-p", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions"},
			ResumeArgs: []string{
				"-p", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions",
				"--resume", sessionIDPlaceholder,
			},
			SessionArg:      "--session-id",
			ModelArg:        "--model",
			SessionIDFields: []string{"session_id"},
			Output:          OutputStreamJSON,
		},
		"codex-cli": {
			ID:      "codex-cli",
			Command: "codex",
			Args:    []string{"exec", "--json", "--color", "never", "--sandbox", "read-only", "--skip-git-repo-check"},
			ResumeArgs: []string{
				"exec", "resume", sessionIDPlaceholder,
				"--json", "--color", "never", "--sandbox", "read-only", "--skip-git-repo-check",
			},
			ModelArg:        "--model",
			SessionIDFields: []string{"thread_id"},
			Output:          OutputJSONL,
		},
	}
}

// WithOverride returns a copy of b with the non-empty override fields applied.
func (b Backend) WithOverride(o BackendOverride) Backend {
	if strings.TrimSpace(o.Command) != "" {
		b.Command = o.Command
	}
	if len(o.Args) > 0 {
		b.Args = append([]string(nil), o.Args...)
	}
	if len(o.ResumeArgs) > 0 {
		b.ResumeArgs = append([]string(nil), o.ResumeArgs...)
	}
	if len(o.Env) > 0 {
		env := make(map[string]string, len(b.Env)+len(o.Env))
		for k, v := range b.Env {
			env[k] = v
		}
		for k, v := range o.Env {
			env[k] = v
		}
		b.Env = env
	}
	return b
}

// resumeArgs returns ResumeArgs with the session id substituted.
func (b Backend) resumeArgs(cliSessionID string) []string {
	out := make([]string, len(b.ResumeArgs))
	for i, arg := range b.ResumeArgs {
		out[i] = strings.ReplaceAll(arg, sessionIDPlaceholder, cliSessionID)
	}
	return out
}

// buildArgs assembles the argument list. newSessionID is only used for fresh
// conversations on backends with a SessionArg.
func (b Backend) buildArgs(inv Invocation, newSessionID string) []string {
	var args []string
	if inv.CLISessionID != "" && len(b.ResumeArgs) > 0 {
		args = b.resumeArgs(inv.CLISessionID)
	} else {
		args = append(args, b.Args...)
		if inv.CLISessionID == "" && b.SessionArg != "" && newSessionID != "" {
			args = append(args, b.SessionArg, newSessionID)
		}
	}
	if inv.Model != "" && b.ModelArg != "" {
		args = append(args, b.ModelArg, inv.Model)
	}
	if strings.HasPrefix(inv.Prompt, "-") {
		args = append(args, "--")
	}
	return append(args, inv.Prompt)
}

func (b Backend) environ(base []string) []string {
	if len(b.Env) == 0 {
		return base
	}
	env := append([]string(nil), base...)
	for k, v := range b.Env {
		env = append(env, k+"="+v)
	}
	return env
}
