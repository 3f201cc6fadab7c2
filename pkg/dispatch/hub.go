package dispatch

import (
	"context"
	"fmt"
	"sync"
)

// Hub keeps at most one active dispatcher per conversation.
type Hub struct {
	mu     sync.Mutex
	active map[string]*Dispatcher
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{active: make(map[string]*Dispatcher)}
}

// Acquire creates the dispatcher for key. It fails with ErrDispatcherBusy
// while a previous one has not been released.
func (h *Hub) Acquire(ctx context.Context, key string, opts Options) (*Dispatcher, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, busy := h.active[key]; busy {
		return nil, fmt.Errorf("%w: %s", ErrDispatcherBusy, key)
	}
	if opts.SessionKey == "" {
		opts.SessionKey = key
	}
	d, err := New(ctx, opts)
	if err != nil {
		return nil, err
	}
	h.active[key] = d
	return d, nil
}

// Release forgets d if it is still the active dispatcher for key.
func (h *Hub) Release(key string, d *Dispatcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active[key] == d {
		delete(h.active, key)
	}
}

// Get returns the active dispatcher for key, if any.
func (h *Hub) Get(key string) (*Dispatcher, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.active[key]
	return d, ok
}

// Len reports how many conversations have an active dispatcher.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}
