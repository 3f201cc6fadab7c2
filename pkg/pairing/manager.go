package pairing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/courier/internal/observability"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	DefaultPendingLimit = 3
	DefaultPendingTTL   = time.Hour
	CodeLength          = 8

	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

var (
	ErrPendingLimitReached = errors.New("pairing pending limit reached")
	ErrRequestNotFound     = errors.New("pairing request not found")
	ErrAlreadyAllowlisted  = errors.New("sender is already allowlisted")
	ErrChannelRequired     = errors.New("pairing channel is required")
	ErrSenderRequired      = errors.New("sender id is required")
)

// PendingRequest is a sender waiting for operator approval.
type PendingRequest struct {
	Channel     string    `json:"channel"`
	SenderID    string    `json:"sender_id"`
	Code        string    `json:"code"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AllowlistEntry is an approved sender.
type AllowlistEntry struct {
	SenderID string    `json:"sender_id"`
	AddedAt  time.Time `json:"added_at"`
	Reason   string    `json:"reason,omitempty"`
}

// ManagerOptions configures a pairing manager.
type ManagerOptions struct {
	Channel       string
	PendingPath   string
	AllowlistPath string
	MaxPending    int
	PendingTTL    time.Duration
	// Bootstrap senders are always allowed and never written to disk.
	Bootstrap []string
	// Watched disables stat polling; the owner calls Reload on change.
	Watched bool
	Now     func() time.Time
}

// Manager keeps pending pairing codes and the allowlist of one channel.
type Manager struct {
	mu sync.Mutex

	channel   string
	files     fileStore
	maxPend   int
	ttl       time.Duration
	watched   bool
	now       func() time.Time
	bootstrap map[string]bool

	pending   map[string]PendingRequest
	byCode    map[string]string
	allowlist map[string]AllowlistEntry
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	channel := strings.ToLower(strings.TrimSpace(opts.Channel))
	if channel == "" {
		return nil, ErrChannelRequired
	}
	m := &Manager{
		channel: channel,
		files: fileStore{
			pendingPath:   strings.TrimSpace(opts.PendingPath),
			allowlistPath: strings.TrimSpace(opts.AllowlistPath),
		},
		maxPend:   opts.MaxPending,
		ttl:       opts.PendingTTL,
		watched:   opts.Watched,
		now:       opts.Now,
		bootstrap: make(map[string]bool),
	}
	if m.maxPend <= 0 {
		m.maxPend = DefaultPendingLimit
	}
	if m.ttl <= 0 {
		m.ttl = DefaultPendingTTL
	}
	if m.now == nil {
		m.now = time.Now
	}
	for _, id := range opts.Bootstrap {
		if id = strings.TrimSpace(id); id != "" {
			m.bootstrap[id] = true
		}
	}

	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) Channel() string { return m.channel }

// Paths returns the pending and allowlist file paths.
func (m *Manager) Paths() (string, string) {
	return m.files.pendingPath, m.files.allowlistPath
}

// Reload replaces in-memory state with the files on disk.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reloadLocked()
}

func (m *Manager) reloadLocked() error {
	entries, err := m.files.loadAllowlist()
	if err != nil {
		return err
	}
	requests, err := m.files.loadPending()
	if err != nil {
		return err
	}

	m.allowlist = make(map[string]AllowlistEntry, len(entries))
	for _, e := range entries {
		if id := strings.TrimSpace(e.SenderID); id != "" {
			m.allowlist[id] = e
		}
	}
	m.pending = make(map[string]PendingRequest, len(requests))
	m.byCode = make(map[string]string, len(requests))
	for _, r := range requests {
		id := strings.TrimSpace(r.SenderID)
		code := strings.ToUpper(strings.TrimSpace(r.Code))
		if id == "" || code == "" {
			continue
		}
		m.pending[id] = r
		m.byCode[code] = id
	}
	m.expireLocked()
	return nil
}

// sync picks up edits made by other processes when no watcher is attached.
func (m *Manager) syncLocked() {
	if m.watched || !m.files.changed() {
		return
	}
	_ = m.reloadLocked()
}

// IsAllowed reports whether sender may talk to the agent.
func (m *Manager) IsAllowed(sender string) bool {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked()
	if m.bootstrap[sender] {
		return true
	}
	_, ok := m.allowlist[sender]
	return ok
}

// ListAllowlist returns approved senders, oldest first.
func (m *Manager) ListAllowlist() []AllowlistEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked()
	out := make([]AllowlistEntry, 0, len(m.allowlist))
	for _, e := range m.allowlist {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out
}

// ListPending returns unexpired requests, oldest first.
func (m *Manager) ListPending() []PendingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked()
	m.expireLocked()
	return m.sortedPendingLocked()
}

// EnsurePending returns the sender's pending request, creating one when
// absent. created reports whether a new code was issued.
func (m *Manager) EnsurePending(sender string) (req PendingRequest, created bool, err error) {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return PendingRequest{}, false, ErrSenderRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked()
	m.expireLocked()

	if m.bootstrap[sender] {
		return PendingRequest{}, false, ErrAlreadyAllowlisted
	}
	if _, ok := m.allowlist[sender]; ok {
		return PendingRequest{}, false, ErrAlreadyAllowlisted
	}
	if existing, ok := m.pending[sender]; ok {
		return existing, false, nil
	}
	if len(m.pending) >= m.maxPend {
		return PendingRequest{}, false, ErrPendingLimitReached
	}

	code, err := m.uniqueCodeLocked()
	if err != nil {
		return PendingRequest{}, false, err
	}
	now := m.now()
	req = PendingRequest{
		Channel:     m.channel,
		SenderID:    sender,
		Code:        code,
		RequestedAt: now,
		ExpiresAt:   now.Add(m.ttl),
	}
	m.pending[sender] = req
	m.byCode[code] = sender
	if err := m.files.savePending(m.sortedPendingLocked()); err != nil {
		return PendingRequest{}, false, err
	}
	return req, true, nil
}

// Approve moves the request with code to the allowlist.
func (m *Manager) Approve(code string) (PendingRequest, error) {
	return m.resolve(code, true)
}

// Reject drops the request with code.
func (m *Manager) Reject(code string) (PendingRequest, error) {
	return m.resolve(code, false)
}

func (m *Manager) resolve(code string, approve bool) (PendingRequest, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return PendingRequest{}, fmt.Errorf("%w: empty code", ErrRequestNotFound)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// the daemon and the CLI share these files
	if m.files.persistent() {
		if err := m.reloadLocked(); err != nil {
			return PendingRequest{}, err
		}
	}

	sender, ok := m.byCode[code]
	if !ok {
		return PendingRequest{}, ErrRequestNotFound
	}
	req := m.pending[sender]
	delete(m.pending, sender)
	delete(m.byCode, code)

	if approve {
		m.allowlist[sender] = AllowlistEntry{
			SenderID: sender,
			AddedAt:  m.now(),
			Reason:   "approved via code " + code,
		}
		if err := m.files.saveAllowlist(m.sortedAllowlistLocked()); err != nil {
			return PendingRequest{}, err
		}
	}
	if err := m.files.savePending(m.sortedPendingLocked()); err != nil {
		return PendingRequest{}, err
	}
	observability.RecordPairingResolution(context.Background(), m.channel, sender, code, approve)
	return req, nil
}

func (m *Manager) expireLocked() {
	now := m.now()
	changed := false
	for sender, req := range m.pending {
		if now.After(req.ExpiresAt) {
			delete(m.pending, sender)
			delete(m.byCode, strings.ToUpper(req.Code))
			changed = true
		}
	}
	if changed {
		_ = m.files.savePending(m.sortedPendingLocked())
	}
}

func (m *Manager) uniqueCodeLocked() (string, error) {
	for i := 0; i < 5; i++ {
		code, err := gonanoid.Generate(codeAlphabet, CodeLength)
		if err != nil {
			return "", fmt.Errorf("generate pairing code: %w", err)
		}
		if _, taken := m.byCode[code]; !taken {
			return code, nil
		}
	}
	return "", errors.New("could not generate a unique pairing code")
}

func (m *Manager) sortedPendingLocked() []PendingRequest {
	out := make([]PendingRequest, 0, len(m.pending))
	for _, r := range m.pending {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

func (m *Manager) sortedAllowlistLocked() []AllowlistEntry {
	out := make([]AllowlistEntry, 0, len(m.allowlist))
	for _, e := range m.allowlist {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out
}

