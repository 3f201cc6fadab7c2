// Package session holds per-conversation state for CLI agent runs.
//
// Invariants:
// - Token map keys are normalized provider ids; blank tokens are never stored.
// - Entry updates are copy-on-write: readers always see a complete snapshot.
// - Entries are never deleted implicitly; retention is an explicit sweep.
//
// Usage:
//
//	store, _ := session.OpenStore("/tmp/courier/sessions.db")
//	reg := session.NewRegistry(store)
//	entry, _ := reg.Entry(ctx, "telegram:42")
//	session.SetSessionToken(entry, "Claude", "abc")
//	token, ok := session.GetSessionToken(entry, "claude-cli")
//	_ = reg.Persist(ctx, entry)
package session
