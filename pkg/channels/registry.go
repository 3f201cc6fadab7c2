package channels

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Settings reports which registered channels are configured for delivery.
type Settings interface {
	IsConfigured(channelID string) bool
}

// SettingsFunc adapts a function to Settings.
type SettingsFunc func(channelID string) bool

func (f SettingsFunc) IsConfigured(channelID string) bool { return f(channelID) }

// AllConfigured treats every registered channel as configured.
var AllConfigured = SettingsFunc(func(string) bool { return true })

// Registry holds outbound adapters by id. It is populated at startup and
// only read afterwards.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	started  map[string]bool
}

// NewRegistry constructs a channel registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		started:  make(map[string]bool),
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter is required")
	}
	id := strings.TrimSpace(a.ID())
	if id == "" {
		return fmt.Errorf("channel id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("channel %q already registered", id)
	}
	r.adapters[id] = a
	return nil
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.TrimSpace(id)]
	return a, ok
}

// Names returns sorted registered channel ids.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListConfiguredChannels returns the sorted ids that are both registered and
// configured.
func (r *Registry) ListConfiguredChannels(cfg Settings) []string {
	var out []string
	for _, id := range r.Names() {
		if cfg != nil && cfg.IsConfigured(id) {
			out = append(out, id)
		}
	}
	return out
}

// Resolve picks the adapter for a reply. A named channel must be registered
// and configured; an unnamed request succeeds only when exactly one channel
// is configured.
func (r *Registry) Resolve(requested string, cfg Settings) (Adapter, error) {
	requested = strings.ToLower(strings.TrimSpace(requested))
	if requested != "" {
		a, ok := r.Get(requested)
		if !ok {
			return nil, &UnknownChannelError{Name: requested}
		}
		if cfg == nil || !cfg.IsConfigured(requested) {
			return nil, &UnknownChannelError{Name: requested, Registered: true}
		}
		return a, nil
	}

	configured := r.ListConfiguredChannels(cfg)
	if len(configured) != 1 {
		return nil, &ChannelRequiredError{Available: configured}
	}
	a, _ := r.Get(configured[0])
	return a, nil
}

// StartAll starts ingress on every configured adapter implementing Lifecycle.
func (r *Registry) StartAll(ctx context.Context, cfg Settings, handler InboundHandler) error {
	for _, id := range r.ListConfiguredChannels(cfg) {
		if err := r.start(ctx, id, handler); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) start(ctx context.Context, id string, handler InboundHandler) error {
	r.mu.Lock()
	a := r.adapters[id]
	lc, ok := a.(Lifecycle)
	if !ok || r.started[id] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := lc.Start(ctx, handler); err != nil {
		return fmt.Errorf("failed to start channel %q: %w", id, err)
	}

	r.mu.Lock()
	r.started[id] = true
	r.mu.Unlock()
	return nil
}

// StopAll stops started adapters in reverse order and returns the first error.
func (r *Registry) StopAll(ctx context.Context) error {
	var firstErr error
	names := r.Names()
	for i := len(names) - 1; i >= 0; i-- {
		id := names[i]
		r.mu.Lock()
		started := r.started[id]
		lc, _ := r.adapters[id].(Lifecycle)
		delete(r.started, id)
		r.mu.Unlock()

		if !started || lc == nil {
			continue
		}
		if err := lc.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to stop channel %q: %w", id, err)
		}
	}
	return firstErr
}
