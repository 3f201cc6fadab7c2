package pairing

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultReloadDelay = 100 * time.Millisecond

// Watcher reloads managers when their files change on disk.
type Watcher struct {
	watcher *fsnotify.Watcher
	dir     string
	delay   time.Duration
	logger  zerolog.Logger

	mu       sync.Mutex
	managers map[string]*Manager // keyed by file path
	timers   map[*Manager]*time.Timer

	done     chan struct{}
	stopOnce sync.Once
}

func NewWatcher(dir string, logger zerolog.Logger) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create pairing dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		watcher:  fw,
		dir:      dir,
		delay:    defaultReloadDelay,
		logger:   logger.With().Str("component", "pairing_watcher").Logger(),
		managers: make(map[string]*Manager),
		timers:   make(map[*Manager]*time.Timer),
		done:     make(chan struct{}),
	}
	go w.eventLoop()
	return w, nil
}

// Track reloads m whenever one of its files changes.
func (w *Watcher) Track(m *Manager) {
	pending, allowlist := m.Paths()
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range []string{pending, allowlist} {
		if p != "" {
			w.managers[filepath.Clean(p)] = m
		}
	}
}

func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })

	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	clear(w.timers)
	w.mu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.schedule(filepath.Clean(event.Name))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		case <-w.done:
			return
		}
	}
}

// schedule debounces reloads; an atomic rename fires several events.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	m, ok := w.managers[path]
	if !ok {
		return
	}
	if t, exists := w.timers[m]; exists {
		t.Stop()
	}
	w.timers[m] = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		delete(w.timers, m)
		w.mu.Unlock()

		if err := m.Reload(); err != nil {
			w.logger.Warn().Err(err).Str("channel", m.Channel()).Msg("Failed to reload pairing state")
			return
		}
		w.logger.Debug().Str("channel", m.Channel()).Msg("Pairing state reloaded")
	})
}
