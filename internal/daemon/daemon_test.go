package daemon

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/courier/internal/config"
	"github.com/harun/courier/internal/logger"
	"github.com/harun/courier/pkg/agent"
	"github.com/harun/courier/pkg/channels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	timeoutShort = 5 * time.Second
	tick         = 10 * time.Millisecond
)

type stubRunner struct {
	mu     sync.Mutex
	calls  []agent.Invocation
	blocks []agent.ReplyBlock
	result agent.RunResult
	err    error
}

func (s *stubRunner) Run(ctx context.Context, inv agent.Invocation, sink agent.Sink) (agent.RunResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, inv)
	blocks := append([]agent.ReplyBlock(nil), s.blocks...)
	result, err := s.result, s.err
	s.mu.Unlock()

	for _, b := range blocks {
		sink(b)
	}
	result.RunID = inv.RunID
	result.Blocks = len(blocks)
	return result, err
}

func (s *stubRunner) Calls() []agent.Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.Invocation(nil), s.calls...)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Logging.Console = false
	cfg.Logging.File = filepath.Join(dir, "courier.log")
	cfg.Pairing.Dir = filepath.Join(dir, "credentials")
	cfg.Sessions.DBPath = filepath.Join(dir, "sessions.db")
	cfg.Sessions.TranscriptDir = filepath.Join(dir, "transcripts")
	cfg.Agents.Workspace = dir
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func newTestDaemon(t *testing.T, runner *stubRunner) (*Daemon, *lockedBuffer) {
	t.Helper()
	out := &lockedBuffer{}
	d, err := New(testConfig(t), testLogger(t), Options{
		Runner:       runner,
		Adapters:     []channels.Adapter{channels.NewWriterAdapter("cli", out, channels.Outbound{})},
		Settings:     channels.AllConfigured,
		SkipChannels: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = d.components.Pipeline.Close(context.Background())
		_ = d.components.Close()
	})
	return d, out
}

func TestNewBuildsComponents(t *testing.T) {
	d, _ := newTestDaemon(t, &stubRunner{result: agent.RunResult{Status: agent.StatusCompleted}})

	c := d.Components()
	require.NotNil(t, c)
	assert.NotNil(t, c.Pipeline)
	assert.NotNil(t, c.Gate)
	assert.NotNil(t, c.Store)
	assert.Nil(t, c.Telegram)
	assert.Nil(t, c.Gateway)
	assert.Nil(t, d.retention)
	assert.Equal(t, []string{"cli"}, c.Channels.Names())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatch.Mode = "sometimes"

	_, err := New(cfg, testLogger(t), Options{Runner: &stubRunner{}, SkipChannels: true})
	assert.Error(t, err)
}

func TestNewSchedulesRetention(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sessions.RetentionCron = "0 3 * * *"
	cfg.Sessions.MaxIdleHours = 24

	d, err := New(cfg, testLogger(t), Options{Runner: &stubRunner{}, SkipChannels: true})
	require.NoError(t, err)
	defer d.components.Close()

	require.NotNil(t, d.retention)
	assert.Len(t, d.retention.cron.Entries(), 1)
}

func TestHandleInboundPairsUnknownSender(t *testing.T) {
	runner := &stubRunner{
		blocks: []agent.ReplyBlock{{Kind: agent.BlockText, Text: "pong"}},
		result: agent.RunResult{Status: agent.StatusCompleted},
	}
	d, out := newTestDaemon(t, runner)
	ctx := context.Background()
	msg := channels.InboundMessage{Channel: "cli", SenderID: "42", To: "room", Text: "ping", MessageID: "1"}

	d.handleInbound(ctx, msg)
	assert.Empty(t, runner.Calls())
	assert.Contains(t, out.String(), "Pairing required")

	m, err := d.components.Gate.Manager("cli")
	require.NoError(t, err)
	pending := m.ListPending()
	require.Len(t, pending, 1)
	_, err = m.Approve(pending[0].Code)
	require.NoError(t, err)

	msg.MessageID = "2"
	d.handleInbound(ctx, msg)
	require.Len(t, runner.Calls(), 1)
	assert.Equal(t, "ping", runner.Calls()[0].Prompt)
	assert.Contains(t, out.String(), "pong")
}

func TestHandleInboundNotifiesOnRunnerError(t *testing.T) {
	runner := &stubRunner{err: &agent.SpawnError{Command: "claude", Err: errors.New("not found")}}
	d, out := newTestDaemon(t, runner)

	allowSender(t, d, "cli", "7")
	d.handleInbound(context.Background(), channels.InboundMessage{Channel: "cli", SenderID: "7", To: "room", Text: "hi"})

	assert.Contains(t, out.String(), "couldn't reply")
}

func TestHandleInboundNotifiesOnTimeout(t *testing.T) {
	runner := &stubRunner{result: agent.RunResult{Status: agent.StatusTimedOut}}
	d, out := newTestDaemon(t, runner)

	allowSender(t, d, "cli", "7")
	d.handleInbound(context.Background(), channels.InboundMessage{Channel: "cli", SenderID: "7", To: "room", Text: "hi"})

	assert.Contains(t, out.String(), "took too long")
}

func TestHandleInboundSkipsNoticeWhenSomethingWasDelivered(t *testing.T) {
	runner := &stubRunner{
		blocks: []agent.ReplyBlock{{Kind: agent.BlockText, Text: "partial answer"}},
		result: agent.RunResult{Status: agent.StatusFailed, ExitCode: 1},
	}
	d, out := newTestDaemon(t, runner)

	allowSender(t, d, "cli", "7")
	d.handleInbound(context.Background(), channels.InboundMessage{Channel: "cli", SenderID: "7", To: "room", Text: "hi"})

	assert.Contains(t, out.String(), "partial answer")
	assert.NotContains(t, out.String(), "failed to reply")
}

func TestInboundRequest(t *testing.T) {
	req := inboundRequest(channels.InboundMessage{
		Channel:   "gateway",
		SenderID:  "client-1",
		To:        "client-1",
		Text:      "hello",
		MessageID: "m-9",
		Metadata:  map[string]interface{}{"session": " project-x "},
	})
	assert.Equal(t, "gateway:project-x", req.SessionKey)
	assert.Equal(t, "gateway:client-1:m-9", req.RequestID)
	assert.Equal(t, "m-9", req.ReplyToID)
	assert.Equal(t, "hello", req.Prompt)

	req = inboundRequest(channels.InboundMessage{Channel: "telegram", To: "5", Text: "x"})
	assert.Empty(t, req.SessionKey)
	assert.Empty(t, req.RequestID)
}

func TestStatus(t *testing.T) {
	d, _ := newTestDaemon(t, &stubRunner{})

	s := d.Status()
	assert.False(t, s.Running)
	assert.Zero(t, s.Uptime)
	assert.Equal(t, []string{"cli"}, s.Channels)
}

func TestRunStopsOnCancel(t *testing.T) {
	d, _ := newTestDaemon(t, &stubRunner{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	pidFile := PIDFilePath(d.config.DataDir)
	require.Eventually(t, func() bool {
		_, err := os.Stat(pidFile)
		return err == nil
	}, timeoutShort, tick)
	assert.True(t, d.Status().Running)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, d.Status().Running)
	assert.NoFileExists(t, pidFile)
}

func TestBackendsFromConfig(t *testing.T) {
	backends := backendsFromConfig(map[string]config.BackendConfig{
		"Claude-CLI": {Command: "/opt/bin/claude"},
		"custom":     {Command: "my-agent", Args: []string{"--print"}},
		"bad id!":    {Command: "nope"},
	})

	assert.Equal(t, "/opt/bin/claude", backends["claude-cli"].Command)
	assert.Equal(t, "my-agent", backends["custom"].Command)
	assert.Equal(t, []string{"--print"}, backends["custom"].Args)
	for id := range backends {
		assert.False(t, strings.Contains(id, " "), id)
	}
}

func TestBootstrapAllowlist(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Nil(t, bootstrapAllowlist(cfg))

	cfg.Channels.Telegram.Allowlist = []int64{100, 200}
	assert.Equal(t, map[string][]string{"telegram": {"100", "200"}}, bootstrapAllowlist(cfg))
}

func allowSender(t *testing.T, d *Daemon, channel, sender string) {
	t.Helper()
	m, err := d.components.Gate.Manager(channel)
	require.NoError(t, err)
	req, _, err := m.EnsurePending(sender)
	require.NoError(t, err)
	_, err = m.Approve(req.Code)
	require.NoError(t, err)
}
