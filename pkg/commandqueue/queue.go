package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/courier/internal/observability"
	"github.com/harun/courier/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrQueueClosed = errors.New("command queue closed")
	ErrLaneCleared = errors.New("lane cleared")
)

// Task is one unit of work executed in a lane.
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions tunes a single enqueue.
type TaskOptions struct {
	// WarnAfter logs, and calls OnWait, when the task is still queued.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, position int)
	// RequestID makes the enqueue idempotent for the dedupe window.
	RequestID string
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	concurrency int
	queue       []*taskRecord
	running     int
}

// Stats is a snapshot of one lane.
type Stats struct {
	Queued      int
	Running     int
	Concurrency int
}

// Options configures a Queue.
type Options struct {
	DedupeTTL  time.Duration
	DedupeSize int
	Logger     zerolog.Logger
}

// Queue runs tasks FIFO per lane. Lanes are independent; a lane with
// concurrency 1 runs one task at a time.
type Queue struct {
	mu     sync.Mutex
	lanes  map[string]*laneState
	seq    int
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	dedupe *dedupCache
	logger zerolog.Logger
}

func New(opts Options) *Queue {
	observability.EnsureRegistered()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
		dedupe: newDedupCache(opts.DedupeSize, opts.DedupeTTL),
		logger: opts.Logger.With().Str("component", "commandqueue").Logger(),
	}
}

// SessionLane is the lane that serializes runs of one conversation.
func SessionLane(sessionKey string) string {
	return "session:" + sessionKey
}

// laneKind strips the lane id so metrics stay low-cardinality.
func laneKind(lane string) string {
	if i := strings.IndexByte(lane, ':'); i > 0 {
		return lane[:i]
	}
	return lane
}

// Enqueue adds task to lane and waits for its result. If ctx ends while the
// task is still queued it is withdrawn and ctx.Err() is returned; a running
// task sees the cancellation through its own context.
func (q *Queue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}
	if opts.RequestID != "" {
		if cached, ok := q.dedupe.Get(opts.RequestID); ok {
			return cached.value, cached.err
		}
	}

	ctx, span := tracing.StartSpan(ctx, "courier.commandqueue", "commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, q.logger)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	ls := q.laneLocked(lane)
	q.seq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, q.seq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	q.pumpLocked(lane, ls)
	q.mu.Unlock()

	logger.Debug().Str("lane", lane).Str("task_id", record.id).Int("queue_size", queueSize).Msg("Task enqueued")
	observability.RecordQueueEnqueue(laneKind(lane), queueSize)

	var warn <-chan time.Time
	if opts.WarnAfter > 0 {
		timer := time.NewTimer(opts.WarnAfter)
		defer timer.Stop()
		warn = timer.C
	}

	for {
		select {
		case res := <-record.result:
			if res.err != nil {
				tracing.FailSpan(span, res.err)
			}
			if opts.RequestID != "" {
				q.dedupe.Set(opts.RequestID, res)
			}
			return res.value, res.err
		case <-warn:
			if pos := q.position(lane, record); pos >= 0 {
				wait := time.Since(record.enqueuedAt)
				logger.Warn().Str("lane", lane).Dur("wait", wait).Int("position", pos).Msg("Task waiting longer than expected")
				if opts.OnWait != nil {
					opts.OnWait(wait, pos)
				}
			}
		case <-ctx.Done():
			if q.withdraw(lane, record) {
				return nil, ctx.Err()
			}
			// already running; its result follows
			ctx = context.Background()
		}
	}
}

// laneLocked returns lane, creating it with concurrency 1. q.mu must be held.
func (q *Queue) laneLocked(lane string) *laneState {
	ls, ok := q.lanes[lane]
	if !ok {
		ls = &laneState{concurrency: 1}
		q.lanes[lane] = ls
	}
	return ls
}

// pumpLocked starts queued tasks while the lane has capacity. q.mu must be held.
func (q *Queue) pumpLocked(lane string, ls *laneState) {
	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]
		ls.running++
		q.wg.Add(1)
		go q.execute(lane, record)
	}
	if ls.running == 0 && len(ls.queue) == 0 && ls.concurrency == 1 {
		delete(q.lanes, lane)
	}
}

func (q *Queue) execute(lane string, record *taskRecord) {
	defer q.wg.Done()

	ctx, span := tracing.StartSpan(record.ctx, "courier.commandqueue", "commandqueue.execute",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, q.logger)

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	start := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(start)

	q.mu.Lock()
	ls := q.laneLocked(lane)
	ls.running--
	queueSize := len(ls.queue)
	q.pumpLocked(lane, ls)
	q.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		tracing.FailSpan(span, err)
		logger.Error().Err(err).Str("lane", lane).Str("task_id", record.id).Dur("duration", duration).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", lane).Str("task_id", record.id).Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordQueueCompletion(laneKind(lane), duration, err == nil, queueSize)
}

func (q *Queue) position(lane string, record *taskRecord) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	ls, ok := q.lanes[lane]
	if !ok {
		return -1
	}
	for i, r := range ls.queue {
		if r == record {
			return i
		}
	}
	return -1
}

func (q *Queue) withdraw(lane string, record *taskRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	ls, ok := q.lanes[lane]
	if !ok {
		return false
	}
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			observability.SetQueueSize(laneKind(lane), len(ls.queue))
			q.pumpLocked(lane, ls)
			return true
		}
	}
	return false
}

// SetConcurrency changes how many tasks of lane may run at once.
func (q *Queue) SetConcurrency(lane string, n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	ls := q.laneLocked(lane)
	old := ls.concurrency
	ls.concurrency = n
	q.pumpLocked(lane, ls)
	q.logger.Info().Str("lane", lane).Int("old", old).Int("new", n).Msg("Lane concurrency updated")
}

// Stats returns a snapshot of every known lane.
func (q *Queue) Stats() map[string]Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]Stats, len(q.lanes))
	for lane, ls := range q.lanes {
		out[lane] = Stats{Queued: len(ls.queue), Running: ls.running, Concurrency: ls.concurrency}
	}
	return out
}

// Busy reports whether lane has queued or running tasks.
func (q *Queue) Busy(lane string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	ls, ok := q.lanes[lane]
	return ok && (ls.running > 0 || len(ls.queue) > 0)
}

// ClearLane rejects every queued task of lane and returns how many there were.
func (q *Queue) ClearLane(lane string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	ls, ok := q.lanes[lane]
	if !ok {
		return 0
	}
	count := len(ls.queue)
	for _, r := range ls.queue {
		r.result <- taskResult{err: ErrLaneCleared}
	}
	ls.queue = nil
	q.pumpLocked(lane, ls)
	observability.SetQueueSize(laneKind(lane), 0)
	q.logger.Info().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	return count
}

// Close rejects queued tasks, cancels running ones and waits for them.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, ls := range q.lanes {
		for _, r := range ls.queue {
			r.result <- taskResult{err: ErrQueueClosed}
		}
		ls.queue = nil
	}
	q.mu.Unlock()

	q.cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running tasks: %w", ctx.Err())
	}
}
