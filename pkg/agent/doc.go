// Package agent runs external CLI agents (claude, codex) for one
// conversation turn and streams their output as ordered ReplyBlocks.
//
// Invariants:
//   - At most one live run per (session, provider): in-process via the
//     active-run table, across processes via a lock on <sessionFile>.lock.
//   - A resume first terminates stale processes matching the fingerprint.
//   - Only an inability to spawn is an error; exits, timeouts and kills are
//     reported in RunResult.
//
// Usage:
//
//	runner := agent.NewRunner(agent.Config{})
//	res, err := runner.Run(ctx, agent.Invocation{
//		SessionID: "telegram:42",
//		Prompt:    "hello",
//		Provider:  "claude-cli",
//	}, func(b agent.ReplyBlock) { fmt.Println(b.Text) })
package agent
