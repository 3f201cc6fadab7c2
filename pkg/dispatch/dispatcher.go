package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/courier/internal/observability"
	"github.com/harun/courier/internal/tracing"
	"github.com/harun/courier/pkg/agent"
	"github.com/harun/courier/pkg/channels"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Policy selects how blocks are delivered.
type Policy string

const (
	// PolicyLive sends each block as soon as it reaches the head of the queue.
	PolicyLive Policy = "live"
	// PolicyBuffered accumulates blocks and sends once when the run ends.
	PolicyBuffered Policy = "buffered"
)

// State is the dispatcher's activity state.
type State string

const (
	StateIdle State = "idle"
	StateBusy State = "busy"
)

const (
	DefaultTypingInterval = 4 * time.Second
	DefaultSendTimeout    = 30 * time.Second
)

// Options configures a Dispatcher.
type Options struct {
	Policy    Policy
	Adapter   channels.Adapter
	To        string
	ReplyToID string
	AccountID string
	// SessionKey is used for logging only.
	SessionKey     string
	TypingInterval time.Duration
	SendTimeout    time.Duration
	// VerboseTools delivers tool results to the user as well.
	VerboseTools bool
	Logger       zerolog.Logger
}

// Record is a block as seen by the dispatcher.
type Record struct {
	agent.ReplyBlock
	Delivered bool
}

// Stats summarizes sends performed by a dispatcher.
type Stats struct {
	Sends     int
	Failures  int
	Delivered int
}

type jobKind int

const (
	jobBlock jobKind = iota
	jobTyping
	jobFlush
)

type job struct {
	kind  jobKind
	index int
}

// Dispatcher delivers the blocks of one conversation run in order.
type Dispatcher struct {
	opts   Options
	ctx    context.Context
	logger zerolog.Logger
	typing *rate.Limiter

	mu      sync.Mutex
	queue   []job
	busy    bool
	working bool
	idleCh  chan struct{}
	active  bool
	closed  bool
	records []Record
	lastSeq int
	guard   *toolGuard
	errs    []error
	stats   Stats
	// buffering holds the dispatcher busy until the buffered flush is done.
	buffering bool
}

// New creates an idle dispatcher. Values of ctx flow into every send; its
// cancellation does not.
func New(ctx context.Context, opts Options) (*Dispatcher, error) {
	if opts.Adapter == nil {
		return nil, ErrAdapterRequired
	}
	observability.EnsureRegistered()

	if opts.Policy == "" {
		opts.Policy = PolicyLive
	}
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = DefaultTypingInterval
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}

	ctx = tracing.WithChannel(context.WithoutCancel(ctx), opts.Adapter.ID())
	idle := make(chan struct{})
	close(idle)

	return &Dispatcher{
		opts: opts,
		ctx:  ctx,
		logger: tracing.LoggerFromContext(ctx, opts.Logger).With().
			Str("component", "dispatch").
			Str("policy", string(opts.Policy)).
			Logger(),
		typing: rate.NewLimiter(rate.Every(opts.TypingInterval), 1),
		idleCh: idle,
		guard:  newToolGuard(),
	}, nil
}

// Begin marks the run active. In live mode a typing signal is sent before
// the first block when the adapter supports it.
func (d *Dispatcher) Begin(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.active {
		return
	}
	d.active = true
	if d.opts.Policy == PolicyBuffered {
		d.holdLocked()
		return
	}
	if d.canType() {
		d.pushLocked(job{kind: jobTyping})
	}
}

// Enqueue records a block and schedules its delivery. It never blocks on a
// send. Blocks arriving after MarkDispatchIdle are dropped.
func (d *Dispatcher) Enqueue(block agent.ReplyBlock) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.logger.Warn().Err(ErrDispatchClosed).Int("seq", block.Seq).Msg("Dropping late reply block")
		return
	}

	d.guard.observe(block)
	if block.Seq > d.lastSeq {
		d.lastSeq = block.Seq
	}
	d.records = append(d.records, Record{ReplyBlock: block})

	if d.opts.Policy == PolicyBuffered {
		d.holdLocked()
		return
	}
	if d.deliverable(block) {
		d.pushLocked(job{kind: jobBlock, index: len(d.records) - 1})
	}
}

// WaitForIdle blocks until all jobs enqueued before the call are done, or
// ctx ends. A buffered dispatcher that has begun stays busy until its flush
// after MarkDispatchIdle completes. Giving up does not cancel delivery.
func (d *Dispatcher) WaitForIdle(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idleCh
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkDispatchIdle ends the run: unpaired tool calls are closed, buffered
// content is sent, and delivery errors are returned once the queue drains.
// Calling it again returns the same result.
func (d *Dispatcher) MarkDispatchIdle(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		d.active = false

		synthetic := d.guard.flush(d.lastSeq + 1)
		for _, b := range synthetic {
			d.records = append(d.records, Record{ReplyBlock: b})
			d.lastSeq = b.Seq
		}
		observability.RecordSyntheticToolResults(len(synthetic))
		if len(synthetic) > 0 {
			d.logger.Debug().Int("count", len(synthetic)).Msg("Synthesized missing tool results")
		}

		d.buffering = false
		if d.opts.Policy == PolicyBuffered && d.hasDeliverableLocked() {
			d.pushLocked(job{kind: jobFlush})
		}
		d.settleLocked()
	}
	d.mu.Unlock()

	if err := d.WaitForIdle(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return errors.Join(d.errs...)
}

// State reports whether jobs are pending or running.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy {
		return StateBusy
	}
	return StateIdle
}

// Pending returns the number of queued jobs not yet started.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Transcript returns every recorded block in order, delivered or not.
func (d *Dispatcher) Transcript() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Record, len(d.records))
	copy(out, d.records)
	return out
}

// Stats returns send counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Dispatcher) canType() bool {
	_, ok := d.opts.Adapter.(channels.TypingNotifier)
	return ok
}

// deliverable reports whether block goes to the user under this
// dispatcher's options.
func (d *Dispatcher) deliverable(block agent.ReplyBlock) bool {
	if block.Deliverable() {
		return true
	}
	return d.opts.VerboseTools && block.Kind == agent.BlockToolResult &&
		!block.Synthetic && strings.TrimSpace(block.Text) != ""
}

// outboundText is the text sent for block.
func outboundText(block agent.ReplyBlock) string {
	switch block.Kind {
	case agent.BlockToolResult:
		if block.ToolName != "" {
			return fmt.Sprintf("[%s] %s", block.ToolName, strings.TrimSpace(block.Text))
		}
		return strings.TrimSpace(block.Text)
	case agent.BlockSystem:
		return "Error: " + strings.TrimSpace(block.Text)
	default:
		return block.Text
	}
}

func (d *Dispatcher) hasDeliverableLocked() bool {
	for _, r := range d.records {
		if d.deliverable(r.ReplyBlock) {
			return true
		}
	}
	return false
}

// markBusyLocked opens a new idle channel. d.mu must be held.
func (d *Dispatcher) markBusyLocked() {
	if d.busy {
		return
	}
	d.busy = true
	d.idleCh = make(chan struct{})
}

// holdLocked keeps a buffered dispatcher busy while it accumulates blocks.
func (d *Dispatcher) holdLocked() {
	d.buffering = true
	d.markBusyLocked()
}

// settleLocked closes the idle channel once nothing is queued, running or
// held. d.mu must be held.
func (d *Dispatcher) settleLocked() {
	if !d.busy || d.working || d.buffering || len(d.queue) > 0 {
		return
	}
	d.busy = false
	close(d.idleCh)
}

// pushLocked appends a job and starts the worker when idle. d.mu must be held.
func (d *Dispatcher) pushLocked(j job) {
	d.queue = append(d.queue, j)
	observability.SetDispatchQueueSize(d.opts.Adapter.ID(), len(d.queue))
	d.markBusyLocked()
	if d.working {
		return
	}
	d.working = true
	go d.work()
}

func (d *Dispatcher) work() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.working = false
			d.settleLocked()
			d.mu.Unlock()
			return
		}
		next := d.queue[0]
		d.queue = d.queue[1:]
		observability.SetDispatchQueueSize(d.opts.Adapter.ID(), len(d.queue))
		d.mu.Unlock()

		switch next.kind {
		case jobTyping:
			d.sendTyping()
		case jobBlock:
			d.deliverBlock(next.index)
			d.mu.Lock()
			active := d.active
			d.mu.Unlock()
			if active && d.canType() {
				d.sendTyping()
			}
		case jobFlush:
			d.flushBuffered()
		}
	}
}

func (d *Dispatcher) deliverBlock(index int) {
	d.mu.Lock()
	block := d.records[index].ReplyBlock
	d.mu.Unlock()

	target, err := d.resolveTarget()
	if err != nil {
		d.fail(block.Seq, err)
		return
	}

	var sendErr error
	if block.MediaURL != "" {
		sendErr = d.send(func(ctx context.Context) (channels.DeliveryResult, error) {
			return d.opts.Adapter.SendMedia(ctx, channels.MediaRequest{Target: target, MediaURL: block.MediaURL, Caption: block.Text})
		})
	} else {
		body := outboundText(block)
		sendErr = d.send(func(ctx context.Context) (channels.DeliveryResult, error) {
			return d.opts.Adapter.SendText(ctx, channels.TextRequest{Target: target, Text: body})
		})
	}
	if sendErr != nil {
		d.fail(block.Seq, sendErr)
		return
	}

	d.mu.Lock()
	d.records[index].Delivered = true
	d.stats.Delivered++
	d.mu.Unlock()
}

func (d *Dispatcher) flushBuffered() {
	d.mu.Lock()
	var texts []string
	var textIdx, mediaIdx []int
	var media []agent.ReplyBlock
	for i, r := range d.records {
		if !d.deliverable(r.ReplyBlock) {
			continue
		}
		if r.MediaURL != "" {
			mediaIdx = append(mediaIdx, i)
			media = append(media, r.ReplyBlock)
			continue
		}
		texts = append(texts, strings.TrimSpace(outboundText(r.ReplyBlock)))
		textIdx = append(textIdx, i)
	}
	d.mu.Unlock()

	target, err := d.resolveTarget()
	if err != nil {
		d.fail(0, err)
		return
	}

	if len(texts) > 0 {
		joined := strings.Join(texts, "\n\n")
		err := d.send(func(ctx context.Context) (channels.DeliveryResult, error) {
			return d.opts.Adapter.SendText(ctx, channels.TextRequest{Target: target, Text: joined})
		})
		if err != nil {
			d.fail(0, err)
		} else {
			d.markDelivered(textIdx...)
		}
	}

	for n, block := range media {
		err := d.send(func(ctx context.Context) (channels.DeliveryResult, error) {
			return d.opts.Adapter.SendMedia(ctx, channels.MediaRequest{Target: target, MediaURL: block.MediaURL, Caption: block.Text})
		})
		if err != nil {
			d.fail(block.Seq, err)
			continue
		}
		d.markDelivered(mediaIdx[n])
	}
}

func (d *Dispatcher) markDelivered(indexes ...int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, i := range indexes {
		d.records[i].Delivered = true
		d.stats.Delivered++
	}
}

func (d *Dispatcher) resolveTarget() (channels.Target, error) {
	target, err := d.opts.Adapter.ResolveTarget(d.opts.To)
	if err != nil {
		return channels.Target{}, err
	}
	if target.Channel == "" {
		target.Channel = d.opts.Adapter.ID()
	}
	if d.opts.ReplyToID != "" {
		target.ReplyToID = d.opts.ReplyToID
	}
	if d.opts.AccountID != "" {
		target.AccountID = d.opts.AccountID
	}
	return target, nil
}

// send performs one attempt. Direct adapters get a per-send deadline.
func (d *Dispatcher) send(fn func(ctx context.Context) (channels.DeliveryResult, error)) error {
	ctx := d.ctx
	if d.opts.Adapter.DeliveryMode() == channels.DeliveryDirect {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.SendTimeout)
		defer cancel()
	}

	start := time.Now()
	_, err := fn(ctx)
	observability.RecordDispatchSend(d.opts.Adapter.ID(), time.Since(start), err == nil)

	d.mu.Lock()
	d.stats.Sends++
	d.mu.Unlock()
	return err
}

func (d *Dispatcher) sendTyping() {
	notifier, ok := d.opts.Adapter.(channels.TypingNotifier)
	if !ok || !d.typing.Allow() {
		return
	}
	target, err := d.resolveTarget()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.opts.SendTimeout)
	defer cancel()
	if err := notifier.SendTyping(ctx, target); err != nil {
		d.logger.Debug().Err(err).Msg("Typing signal failed")
		return
	}
	observability.RecordTyping(d.opts.Adapter.ID())
}

func (d *Dispatcher) fail(seq int, err error) {
	var targetErr *channels.DeliveryTargetError
	event := d.logger.Error()
	if errors.As(err, &targetErr) {
		event = d.logger.Warn()
	}
	event.Err(err).Int("seq", seq).Str("session_key", d.opts.SessionKey).Msg("Reply delivery failed")

	if seq > 0 {
		err = fmt.Errorf("deliver block %d: %w", seq, err)
	} else {
		err = fmt.Errorf("deliver buffered reply: %w", err)
	}
	d.mu.Lock()
	d.errs = append(d.errs, err)
	d.stats.Failures++
	d.mu.Unlock()
}
