package pairing

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileManager(t *testing.T, dir string, now func() time.Time) *Manager {
	t.Helper()
	pending, allowlist := DefaultPaths(dir, "telegram")
	m, err := NewManager(ManagerOptions{
		Channel:       "telegram",
		PendingPath:   pending,
		AllowlistPath: allowlist,
		Now:           now,
	})
	require.NoError(t, err)
	return m
}

func TestNewManagerRequiresChannel(t *testing.T) {
	_, err := NewManager(ManagerOptions{Channel: "  "})
	assert.ErrorIs(t, err, ErrChannelRequired)
}

func TestEnsurePendingIssuesStableCode(t *testing.T) {
	m := newFileManager(t, t.TempDir(), nil)

	req, created, err := m.EnsurePending("42")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, req.Code, CodeLength)
	assert.Equal(t, "telegram", req.Channel)

	again, created, err := m.EnsurePending("42")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, req.Code, again.Code)
}

func TestEnsurePendingLimit(t *testing.T) {
	m, err := NewManager(ManagerOptions{Channel: "telegram", MaxPending: 2})
	require.NoError(t, err)

	_, _, err = m.EnsurePending("1")
	require.NoError(t, err)
	_, _, err = m.EnsurePending("2")
	require.NoError(t, err)
	_, _, err = m.EnsurePending("3")
	assert.ErrorIs(t, err, ErrPendingLimitReached)
}

func TestApprovePersistsAllowlist(t *testing.T) {
	dir := t.TempDir()
	m := newFileManager(t, dir, nil)

	req, _, err := m.EnsurePending("42")
	require.NoError(t, err)
	assert.False(t, m.IsAllowed("42"))

	approved, err := m.Approve(" " + req.Code + " ")
	require.NoError(t, err)
	assert.Equal(t, "42", approved.SenderID)
	assert.True(t, m.IsAllowed("42"))
	assert.Empty(t, m.ListPending())

	reopened := newFileManager(t, dir, nil)
	assert.True(t, reopened.IsAllowed("42"))
	require.Len(t, reopened.ListAllowlist(), 1)

	_, _, err = reopened.EnsurePending("42")
	assert.ErrorIs(t, err, ErrAlreadyAllowlisted)
}

func TestRejectDropsRequest(t *testing.T) {
	m := newFileManager(t, t.TempDir(), nil)

	req, _, err := m.EnsurePending("42")
	require.NoError(t, err)
	_, err = m.Reject(req.Code)
	require.NoError(t, err)
	assert.False(t, m.IsAllowed("42"))
	assert.Empty(t, m.ListPending())

	_, err = m.Approve(req.Code)
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestInMemoryApprove(t *testing.T) {
	m, err := NewManager(ManagerOptions{Channel: "gateway"})
	require.NoError(t, err)

	req, _, err := m.EnsurePending("client-1")
	require.NoError(t, err)
	_, err = m.Approve(req.Code)
	require.NoError(t, err)
	assert.True(t, m.IsAllowed("client-1"))
}

func TestPendingExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m := newFileManager(t, t.TempDir(), clock)

	req, _, err := m.EnsurePending("42")
	require.NoError(t, err)
	require.Len(t, m.ListPending(), 1)

	now = now.Add(DefaultPendingTTL + time.Minute)
	assert.Empty(t, m.ListPending())
	_, err = m.Approve(req.Code)
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestBootstrapSendersAreAllowed(t *testing.T) {
	m, err := NewManager(ManagerOptions{Channel: "telegram", Bootstrap: []string{" 7 ", ""}})
	require.NoError(t, err)
	assert.True(t, m.IsAllowed("7"))
	assert.False(t, m.IsAllowed(""))
	assert.Empty(t, m.ListAllowlist())
}

func TestUnwatchedManagerSeesExternalApproval(t *testing.T) {
	dir := t.TempDir()
	daemon := newFileManager(t, dir, nil)
	cli := newFileManager(t, dir, nil)

	req, _, err := daemon.EnsurePending("42")
	require.NoError(t, err)

	_, err = cli.Approve(req.Code)
	require.NoError(t, err)

	assert.True(t, daemon.IsAllowed("42"))
}

func TestCorruptAllowlistFails(t *testing.T) {
	dir := t.TempDir()
	_, allowlist := DefaultPaths(dir, "telegram")
	require.NoError(t, os.WriteFile(allowlist, []byte("{not json"), 0600))

	_, err := NewManager(ManagerOptions{Channel: "telegram", AllowlistPath: allowlist})
	assert.Error(t, err)
}

func TestDefaultPaths(t *testing.T) {
	pending, allowlist := DefaultPaths("/data/credentials", " Telegram ")
	assert.Equal(t, filepath.Join("/data/credentials", "telegram-pending.json"), pending)
	assert.Equal(t, filepath.Join("/data/credentials", "telegram-allowlist.json"), allowlist)
}
