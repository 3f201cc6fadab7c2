package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/courier/pkg/agent"
	"github.com/harun/courier/pkg/channels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	mode channels.DeliveryMode

	mu      sync.Mutex
	sent    []string
	media   []string
	typing  int
	hold    chan struct{}
	started chan struct{}
	failOn  map[string]error
	badTo   bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{mode: channels.DeliveryDirect, failOn: map[string]error{}}
}

func (a *fakeAdapter) ID() string                           { return "fake" }
func (a *fakeAdapter) DeliveryMode() channels.DeliveryMode { return a.mode }

func (a *fakeAdapter) ResolveTarget(to string) (channels.Target, error) {
	if a.badTo {
		return channels.Target{}, &channels.DeliveryTargetError{Channel: "fake", To: to, Reason: "rejected"}
	}
	return channels.Target{Channel: "fake", To: to}, nil
}

func (a *fakeAdapter) SendText(ctx context.Context, req channels.TextRequest) (channels.DeliveryResult, error) {
	a.mu.Lock()
	hold, started := a.hold, a.started
	a.hold = nil
	a.mu.Unlock()
	if hold != nil {
		if started != nil {
			close(started)
		}
		<-hold
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.failOn[req.Text]; err != nil {
		return channels.DeliveryResult{}, err
	}
	a.sent = append(a.sent, req.Text)
	return channels.DeliveryResult{Channel: "fake"}, nil
}

func (a *fakeAdapter) SendMedia(ctx context.Context, req channels.MediaRequest) (channels.DeliveryResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.media = append(a.media, req.MediaURL)
	return channels.DeliveryResult{Channel: "fake"}, nil
}

func (a *fakeAdapter) Sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

type typingAdapter struct {
	*fakeAdapter
}

func (a typingAdapter) SendTyping(ctx context.Context, target channels.Target) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.typing++
	return nil
}

func text(seq int, s string) agent.ReplyBlock {
	return agent.ReplyBlock{Seq: seq, Kind: agent.BlockText, Text: s}
}

func newDispatcher(t *testing.T, policy Policy, adapter channels.Adapter) *Dispatcher {
	t.Helper()
	d, err := New(context.Background(), Options{Policy: policy, Adapter: adapter, To: "chat-1"})
	require.NoError(t, err)
	return d
}

func TestNewRequiresAdapter(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrAdapterRequired)
}

func TestLiveDeliversInOrderWhileSendInFlight(t *testing.T) {
	adapter := newFakeAdapter()
	hold := make(chan struct{})
	adapter.hold = hold
	adapter.started = make(chan struct{})
	d := newDispatcher(t, PolicyLive, adapter)

	d.Enqueue(text(1, "B1"))
	<-adapter.started
	d.Enqueue(text(2, "B2"))
	d.Enqueue(text(3, "B3"))
	assert.Equal(t, StateBusy, d.State())
	close(hold)

	require.NoError(t, d.MarkDispatchIdle(context.Background()))
	assert.Equal(t, []string{"B1", "B2", "B3"}, adapter.Sent())
	assert.Equal(t, StateIdle, d.State())
}

func TestWaitForIdleReturnsImmediatelyWhenEmpty(t *testing.T) {
	d := newDispatcher(t, PolicyLive, newFakeAdapter())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, d.WaitForIdle(ctx))
}

func TestWaitForIdleWaitsForAllSends(t *testing.T) {
	adapter := newFakeAdapter()
	d := newDispatcher(t, PolicyLive, adapter)

	for i := 1; i <= 5; i++ {
		d.Enqueue(text(i, "msg"))
	}
	require.NoError(t, d.WaitForIdle(context.Background()))
	assert.Len(t, adapter.Sent(), 5)
	assert.Equal(t, 5, d.Stats().Delivered)
}

func TestWaitForIdleAbandonDoesNotCancelDelivery(t *testing.T) {
	adapter := newFakeAdapter()
	hold := make(chan struct{})
	adapter.hold = hold
	adapter.started = make(chan struct{})
	d := newDispatcher(t, PolicyLive, adapter)

	d.Enqueue(text(1, "slow"))
	<-adapter.started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.WaitForIdle(ctx), context.Canceled)

	close(hold)
	require.NoError(t, d.WaitForIdle(context.Background()))
	assert.Equal(t, []string{"slow"}, adapter.Sent())
}

func TestMarkDispatchIdleWithNoBlocks(t *testing.T) {
	for _, policy := range []Policy{PolicyLive, PolicyBuffered} {
		t.Run(string(policy), func(t *testing.T) {
			adapter := newFakeAdapter()
			d := newDispatcher(t, policy, adapter)

			require.NoError(t, d.MarkDispatchIdle(context.Background()))
			assert.Equal(t, StateIdle, d.State())
			assert.Empty(t, adapter.Sent())
			assert.Zero(t, d.Stats().Sends)
		})
	}
}

func TestMarkDispatchIdleIsIdempotent(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.failOn["bad"] = errors.New("boom")
	d := newDispatcher(t, PolicyLive, adapter)

	d.Enqueue(text(1, "bad"))
	first := d.MarkDispatchIdle(context.Background())
	second := d.MarkDispatchIdle(context.Background())
	require.Error(t, first)
	assert.Equal(t, first.Error(), second.Error())
}

func TestBufferedSendsOnceAtIdle(t *testing.T) {
	adapter := newFakeAdapter()
	d := newDispatcher(t, PolicyBuffered, adapter)

	d.Enqueue(text(1, "first"))
	d.Enqueue(agent.ReplyBlock{Seq: 2, Kind: agent.BlockToolCall, ToolCallID: "t1", ToolName: "bash"})
	d.Enqueue(agent.ReplyBlock{Seq: 3, Kind: agent.BlockToolResult, ToolCallID: "t1", Text: "ok"})
	d.Enqueue(text(4, " second "))
	d.Enqueue(agent.ReplyBlock{Seq: 5, Kind: agent.BlockText, MediaURL: "https://example.com/a.png"})
	assert.Empty(t, adapter.Sent())

	require.NoError(t, d.MarkDispatchIdle(context.Background()))
	assert.Equal(t, []string{"first\n\nsecond"}, adapter.Sent())
	assert.Equal(t, []string{"https://example.com/a.png"}, adapter.media)
	assert.Equal(t, 3, d.Stats().Delivered)
}

func TestBufferedStaysBusyUntilFlush(t *testing.T) {
	adapter := newFakeAdapter()
	d := newDispatcher(t, PolicyBuffered, adapter)

	d.Begin(context.Background())
	d.Enqueue(text(1, "a"))
	d.Enqueue(text(2, "b"))
	d.Enqueue(text(3, "c"))
	assert.Equal(t, StateBusy, d.State())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.WaitForIdle(ctx), context.DeadlineExceeded)
	assert.Zero(t, d.Stats().Sends)

	require.NoError(t, d.MarkDispatchIdle(context.Background()))
	assert.Equal(t, StateIdle, d.State())
	assert.Equal(t, []string{"a\n\nb\n\nc"}, adapter.Sent())
	require.NoError(t, d.WaitForIdle(context.Background()))
}

func TestBufferedBeginWithoutBlocksReleasesOnIdle(t *testing.T) {
	adapter := newFakeAdapter()
	d := newDispatcher(t, PolicyBuffered, adapter)

	d.Begin(context.Background())
	d.Enqueue(agent.ReplyBlock{Seq: 1, Kind: agent.BlockToolCall, ToolCallID: "t1"})
	assert.Equal(t, StateBusy, d.State())

	require.NoError(t, d.MarkDispatchIdle(context.Background()))
	assert.Equal(t, StateIdle, d.State())
	assert.Empty(t, adapter.Sent())
}

func TestLiveDeliversBackendErrors(t *testing.T) {
	adapter := newFakeAdapter()
	d := newDispatcher(t, PolicyLive, adapter)

	d.Enqueue(agent.ReplyBlock{Seq: 1, Kind: agent.BlockSystem, Text: "rate limit reached", IsError: true})
	d.Enqueue(agent.ReplyBlock{Seq: 2, Kind: agent.BlockSystem, Text: "init"})

	require.NoError(t, d.MarkDispatchIdle(context.Background()))
	assert.Equal(t, []string{"Error: rate limit reached"}, adapter.Sent())
	assert.True(t, d.Transcript()[0].Delivered)
	assert.False(t, d.Transcript()[1].Delivered)
}

func TestToolResultsDeliveredOnlyWhenVerbose(t *testing.T) {
	blocks := []agent.ReplyBlock{
		{Seq: 1, Kind: agent.BlockToolCall, ToolCallID: "t1", ToolName: "bash"},
		{Seq: 2, Kind: agent.BlockToolResult, ToolCallID: "t1", ToolName: "bash", Text: "total 0\n"},
		text(3, "listed"),
	}

	tests := []struct {
		name    string
		verbose bool
		policy  Policy
		want    []string
	}{
		{"live quiet", false, PolicyLive, []string{"listed"}},
		{"live verbose", true, PolicyLive, []string{"[bash] total 0", "listed"}},
		{"buffered quiet", false, PolicyBuffered, []string{"listed"}},
		{"buffered verbose", true, PolicyBuffered, []string{"[bash] total 0\n\nlisted"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newFakeAdapter()
			d, err := New(context.Background(), Options{
				Policy: tt.policy, Adapter: adapter, To: "chat-1", VerboseTools: tt.verbose,
			})
			require.NoError(t, err)

			for _, b := range blocks {
				d.Enqueue(b)
			}
			require.NoError(t, d.MarkDispatchIdle(context.Background()))
			assert.Equal(t, tt.want, adapter.Sent())
		})
	}
}

func TestVerboseToolsSkipsSyntheticResults(t *testing.T) {
	adapter := newFakeAdapter()
	d, err := New(context.Background(), Options{
		Policy: PolicyBuffered, Adapter: adapter, To: "chat-1", VerboseTools: true,
	})
	require.NoError(t, err)

	d.Enqueue(agent.ReplyBlock{Seq: 1, Kind: agent.BlockToolCall, ToolCallID: "t1", ToolName: "bash"})
	d.Enqueue(text(2, "partial"))
	require.NoError(t, d.MarkDispatchIdle(context.Background()))
	assert.Equal(t, []string{"partial"}, adapter.Sent())
}

func TestNonDeliverableBlocksAreRecordedOnly(t *testing.T) {
	adapter := newFakeAdapter()
	d := newDispatcher(t, PolicyLive, adapter)

	d.Enqueue(agent.ReplyBlock{Seq: 1, Kind: agent.BlockToolCall, ToolCallID: "t1"})
	d.Enqueue(agent.ReplyBlock{Seq: 2, Kind: agent.BlockToolResult, ToolCallID: "t1"})
	d.Enqueue(agent.ReplyBlock{Seq: 3, Kind: agent.BlockSystem, Text: "error"})
	d.Enqueue(text(4, "   "))

	require.NoError(t, d.MarkDispatchIdle(context.Background()))
	assert.Empty(t, adapter.Sent())
	assert.Len(t, d.Transcript(), 4)
}

func TestToolGuardSynthesizesMissingResults(t *testing.T) {
	adapter := newFakeAdapter()
	d := newDispatcher(t, PolicyLive, adapter)

	d.Enqueue(agent.ReplyBlock{Seq: 1, Kind: agent.BlockToolCall, ToolCallID: "a", ToolName: "read"})
	d.Enqueue(agent.ReplyBlock{Seq: 2, Kind: agent.BlockToolCall, ToolCallID: "b", ToolName: "bash"})
	d.Enqueue(agent.ReplyBlock{Seq: 3, Kind: agent.BlockToolResult, ToolCallID: "a"})
	d.Enqueue(text(4, "done"))

	require.NoError(t, d.MarkDispatchIdle(context.Background()))
	require.NoError(t, d.MarkDispatchIdle(context.Background()))

	records := d.Transcript()
	require.Len(t, records, 5)
	synthetic := records[4]
	assert.True(t, synthetic.Synthetic)
	assert.Equal(t, agent.BlockToolResult, synthetic.Kind)
	assert.Equal(t, "b", synthetic.ToolCallID)
	assert.Equal(t, "bash", synthetic.ToolName)
	assert.Equal(t, 5, synthetic.Seq)
	assert.False(t, synthetic.Delivered)
	assert.Equal(t, []string{"done"}, adapter.Sent())
}

func TestDeliveryTargetErrorAbortsBlockOnly(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.badTo = true
	d := newDispatcher(t, PolicyLive, adapter)

	d.Enqueue(text(1, "one"))
	d.Enqueue(text(2, "two"))

	err := d.MarkDispatchIdle(context.Background())
	require.Error(t, err)
	var targetErr *channels.DeliveryTargetError
	assert.True(t, errors.As(err, &targetErr))
	assert.ErrorIs(t, err, channels.ErrInvalidTarget)
	assert.Equal(t, 2, d.Stats().Failures)
}

func TestSendFailureDoesNotStopLaterBlocks(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.failOn["two"] = errors.New("rate limited")
	d := newDispatcher(t, PolicyLive, adapter)

	d.Enqueue(text(1, "one"))
	d.Enqueue(text(2, "two"))
	d.Enqueue(text(3, "three"))

	err := d.MarkDispatchIdle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deliver block 2")
	assert.Equal(t, []string{"one", "three"}, adapter.Sent())
	assert.Equal(t, 3, d.Stats().Sends)

	records := d.Transcript()
	assert.True(t, records[0].Delivered)
	assert.False(t, records[1].Delivered)
	assert.True(t, records[2].Delivered)
}

func TestEnqueueAfterIdleIsDropped(t *testing.T) {
	adapter := newFakeAdapter()
	d := newDispatcher(t, PolicyLive, adapter)

	require.NoError(t, d.MarkDispatchIdle(context.Background()))
	d.Enqueue(text(1, "late"))
	require.NoError(t, d.WaitForIdle(context.Background()))
	assert.Empty(t, adapter.Sent())
	assert.Empty(t, d.Transcript())
}

func TestLiveSendsTypingBeforeFirstBlock(t *testing.T) {
	adapter := typingAdapter{newFakeAdapter()}
	d, err := New(context.Background(), Options{
		Policy: PolicyLive, Adapter: adapter, To: "chat-1", TypingInterval: time.Hour,
	})
	require.NoError(t, err)

	d.Begin(context.Background())
	d.Enqueue(text(1, "hi"))
	d.Enqueue(text(2, "there"))
	require.NoError(t, d.MarkDispatchIdle(context.Background()))

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	// the limiter allows a single signal per interval
	assert.Equal(t, 1, adapter.typing)
}

func TestBufferedNeverTypes(t *testing.T) {
	adapter := typingAdapter{newFakeAdapter()}
	d := newDispatcher(t, PolicyBuffered, adapter)

	d.Begin(context.Background())
	d.Enqueue(text(1, "hi"))
	require.NoError(t, d.MarkDispatchIdle(context.Background()))

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	assert.Zero(t, adapter.typing)
}

func TestIndependentDispatchersRunConcurrently(t *testing.T) {
	slow := newFakeAdapter()
	hold := make(chan struct{})
	slow.hold = hold
	slow.started = make(chan struct{})
	fast := newFakeAdapter()

	a := newDispatcher(t, PolicyLive, slow)
	b := newDispatcher(t, PolicyLive, fast)

	a.Enqueue(text(1, "slow"))
	<-slow.started
	b.Enqueue(text(1, "fast"))
	require.NoError(t, b.MarkDispatchIdle(context.Background()))
	assert.Equal(t, []string{"fast"}, fast.Sent())

	close(hold)
	require.NoError(t, a.MarkDispatchIdle(context.Background()))
}

func TestHubAllowsOneDispatcherPerConversation(t *testing.T) {
	hub := NewHub()
	opts := Options{Adapter: newFakeAdapter()}

	d, err := hub.Acquire(context.Background(), "main", opts)
	require.NoError(t, err)
	_, err = hub.Acquire(context.Background(), "main", opts)
	assert.ErrorIs(t, err, ErrDispatcherBusy)

	other, err := hub.Acquire(context.Background(), "other", opts)
	require.NoError(t, err)
	assert.Equal(t, 2, hub.Len())

	hub.Release("main", other)
	_, ok := hub.Get("main")
	assert.True(t, ok)

	hub.Release("main", d)
	_, ok = hub.Get("main")
	assert.False(t, ok)

	_, err = hub.Acquire(context.Background(), "main", opts)
	assert.NoError(t, err)
}
