package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/harun/courier/internal/observability"
	"github.com/harun/courier/internal/tracing"
	"github.com/rs/zerolog/log"
)

// Registry caches entries by session key and loads them through a Store.
// A nil store keeps entries in memory only.
type Registry struct {
	store   *Store
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewRegistry(store *Store) *Registry {
	observability.EnsureRegistered()
	return &Registry{store: store, entries: make(map[string]*Entry)}
}

// ValidateKey rejects keys that are empty or unsafe to use in file names.
func ValidateKey(key string) error {
	if key == "" {
		return errors.New("session key cannot be empty")
	}
	if strings.Contains(key, "..") {
		return errors.New("session key cannot contain '..'")
	}
	if strings.ContainsAny(key, "/\\") {
		return errors.New("session key cannot contain path separators")
	}
	if strings.Contains(key, "\x00") {
		return errors.New("session key cannot contain null bytes")
	}
	return nil
}

// Entry returns the cached entry for key, loading or creating it on first use.
func (r *Registry) Entry(ctx context.Context, key string) (*Entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		return e, nil
	}

	ctx, span := tracing.StartSpan(tracing.WithSessionKey(ctx, key), "courier.session", "session.load")
	defer span.End()

	var e *Entry
	if r.store != nil {
		loaded, err := r.store.Load(ctx, key)
		switch {
		case err == nil:
			e = loaded
		case errors.Is(err, ErrNotFound):
		default:
			tracing.FailSpan(span, err)
			return nil, err
		}
	}
	if e == nil {
		e = NewEntry(key)
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Debug().Msg("Session entry created")
	}

	r.entries[key] = e
	observability.SetActiveSessions(len(r.entries))
	return e, nil
}

// Persist saves entry through the store. It is a no-op without a store.
func (r *Registry) Persist(ctx context.Context, entry *Entry) error {
	if r.store == nil || entry == nil {
		return nil
	}
	if err := r.store.Save(ctx, entry); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// Evict drops cached entries so the next lookup reloads from the store.
func (r *Registry) Evict(keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		delete(r.entries, key)
	}
	observability.SetActiveSessions(len(r.entries))
}

// Store returns the backing store, which may be nil.
func (r *Registry) Store() *Store {
	return r.store
}
