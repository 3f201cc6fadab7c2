package session

import (
	"strings"
	"sync/atomic"
	"time"
)

// Entry is the mutable state of one logical conversation.
type Entry struct {
	key   string
	state atomic.Pointer[entryState]
}

type entryState struct {
	tokens       map[string]string
	cliSessionID string
	createdAt    time.Time
	updatedAt    time.Time
}

// NewEntry returns an empty entry for key.
func NewEntry(key string) *Entry {
	now := time.Now().UTC()
	e := &Entry{key: key}
	e.state.Store(&entryState{tokens: map[string]string{}, createdAt: now, updatedAt: now})
	return e
}

func restoreEntry(key string, tokens map[string]string, cliSessionID string, createdAt, updatedAt time.Time) *Entry {
	clean := make(map[string]string, len(tokens))
	for provider, token := range tokens {
		id, ok := NormalizeProviderID(provider)
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			continue
		}
		clean[id] = token
	}
	e := &Entry{key: key}
	e.state.Store(&entryState{
		tokens:       clean,
		cliSessionID: strings.TrimSpace(cliSessionID),
		createdAt:    createdAt,
		updatedAt:    updatedAt,
	})
	return e
}

// Key returns the session key the entry was created for.
func (e *Entry) Key() string { return e.key }

// CLISessionID returns the last backend session id, or "".
func (e *Entry) CLISessionID() string {
	return e.state.Load().cliSessionID
}

// CreatedAt is when the entry was first created.
func (e *Entry) CreatedAt() time.Time { return e.state.Load().createdAt }

// UpdatedAt is when a token or backend id last changed.
func (e *Entry) UpdatedAt() time.Time { return e.state.Load().updatedAt }

// Tokens returns a copy of the provider token map.
func (e *Entry) Tokens() map[string]string {
	src := e.state.Load().tokens
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// SetCLISessionID records the opaque id the CLI backend reported. Blank ids
// are ignored.
func (e *Entry) SetCLISessionID(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	e.update(func(next *entryState) bool {
		if next.cliSessionID == id {
			return false
		}
		next.cliSessionID = id
		return true
	})
}

// update applies mutate to a copy of the current state and swaps it in.
// mutate returns false to leave the entry untouched.
func (e *Entry) update(mutate func(next *entryState) bool) {
	for {
		cur := e.state.Load()
		next := &entryState{
			tokens:       make(map[string]string, len(cur.tokens)+1),
			cliSessionID: cur.cliSessionID,
			createdAt:    cur.createdAt,
			updatedAt:    cur.updatedAt,
		}
		for k, v := range cur.tokens {
			next.tokens[k] = v
		}
		if !mutate(next) {
			return
		}
		next.updatedAt = time.Now().UTC()
		if e.state.CompareAndSwap(cur, next) {
			return
		}
	}
}

// GetSessionToken returns the resume token stored for provider. Lookups with
// an unnormalizable provider or a blank stored value report absent.
func GetSessionToken(entry *Entry, provider string) (string, bool) {
	if entry == nil {
		return "", false
	}
	id, ok := NormalizeProviderID(provider)
	if !ok {
		return "", false
	}
	token := strings.TrimSpace(entry.state.Load().tokens[id])
	if token == "" {
		return "", false
	}
	return token, true
}

// SetSessionToken stores token for provider. Blank providers or tokens leave
// the entry unchanged.
func SetSessionToken(entry *Entry, provider, token string) {
	if entry == nil {
		return
	}
	id, ok := NormalizeProviderID(provider)
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return
	}
	entry.update(func(next *entryState) bool {
		if next.tokens[id] == token {
			return false
		}
		next.tokens[id] = token
		return true
	})
}
