// Package queue buffers validated tool calls between the trigger watcher
// and the dispatch callback. The buffer is bounded with drop-oldest
// backpressure so Enqueue never blocks; a single worker drains it in
// arrival order, a batch per tick, with a per-item timeout and a bounded
// retry budget.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reviewgate/pkg/events"
	"reviewgate/pkg/logging"
	"reviewgate/pkg/protocol"
)

// ErrClosed is returned by Enqueue after Dispose.
var ErrClosed = errors.New("queue closed")

// ProcessFunc handles one tool call. Returning a *protocol.ValidationError
// drops the item without retry.
type ProcessFunc func(ctx context.Context, t *protocol.Trigger) error

// Config holds queue settings.
type Config struct {
	Capacity   int           // default 100
	Interval   time.Duration // worker tick (default 100ms)
	BatchSize  int           // items per tick (default 5)
	Timeout    time.Duration // per item (default 30s)
	MaxRetries int           // failed attempts before drop (default 3)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Capacity == 0 {
		out.Capacity = 100
	}
	if out.Interval == 0 {
		out.Interval = 100 * time.Millisecond
	}
	if out.BatchSize == 0 {
		out.BatchSize = 5
	}
	if out.Timeout == 0 {
		out.Timeout = 30 * time.Second
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = 3
	}
	return out
}

// Item is one queued tool call.
type Item struct {
	ID         string
	Trigger    *protocol.Trigger
	EnqueuedAt time.Time
	Retries    int
	LastErr    error
}

// Queue is the tool-call queue service.
type Queue struct {
	cfg     Config
	process ProcessFunc
	bus     events.Publisher
	log     *zap.Logger
	nowFunc func() time.Time

	mu     sync.Mutex
	items  []*Item
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
	active atomic.Bool

	enqueued  atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
	retried   atomic.Int64
	timeouts  atomic.Int64
}

// New creates a queue that hands items to process. bus may be nil.
func New(cfg Config, process ProcessFunc, bus events.Publisher, log *zap.Logger) *Queue {
	resolved := cfg.withDefaults()
	return &Queue{
		cfg:     resolved,
		process: process,
		bus:     bus,
		log:     logging.OrNop(log).Named("queue"),
		nowFunc: time.Now,
		items:   make([]*Item, 0, resolved.Capacity),
	}
}

func (q *Queue) publish(ev events.Event) {
	if q.bus != nil {
		q.bus.Publish(ev)
	}
}

// Enqueue appends t. At capacity the oldest item is evicted first.
func (q *Queue) Enqueue(t *protocol.Trigger) error {
	if t == nil || t.Call == nil {
		return errors.New("enqueue: nil trigger")
	}
	item := &Item{ID: uuid.NewString(), Trigger: t, EnqueuedAt: q.nowFunc()}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	var evicted []*Item
	for len(q.items) >= q.cfg.Capacity {
		evicted = append(evicted, q.items[0])
		q.items[0] = nil
		q.items = q.items[1:]
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.enqueued.Add(1)
	for _, old := range evicted {
		q.drop(old, "queue full")
	}
	return nil
}

// Len returns the number of waiting items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns the trigger ids waiting, oldest first.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.Trigger.ID())
	}
	return out
}

func (q *Queue) drop(it *Item, reason string) {
	q.dropped.Add(1)
	fields := []zap.Field{
		zap.String("trigger_id", it.Trigger.ID()),
		zap.String("tool", string(it.Trigger.Tool())),
		zap.String("reason", reason),
		zap.Int("retries", it.Retries),
	}
	if it.LastErr != nil {
		fields = append(fields, zap.Error(it.LastErr))
		q.log.Error("dropped tool call", fields...)
	} else {
		q.log.Warn("dropped tool call", fields...)
	}
	q.publish(events.ToolDropped{TriggerID: it.Trigger.ID(), Tool: string(it.Trigger.Tool()), Reason: reason})
}

// Initialize starts the worker.
func (q *Queue) Initialize(ctx context.Context) error {
	if q.process == nil {
		return errors.New("queue: nil process func")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	q.done = make(chan struct{})
	q.active.Store(true)
	go q.worker(runCtx)
	return nil
}

// Dispose stops the worker, waits for the in-flight item, and refuses
// further items. Waiting items are discarded.
func (q *Queue) Dispose(_ context.Context) error {
	q.mu.Lock()
	q.closed = true
	left := len(q.items)
	q.items = nil
	q.mu.Unlock()

	q.active.Store(false)
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
	if left > 0 {
		q.log.Warn("discarding queued tool calls", zap.Int("count", left))
	}
	return nil
}

// IsActive reports whether the worker runs.
func (q *Queue) IsActive() bool { return q.active.Load() }

// Metrics returns queue counters.
func (q *Queue) Metrics() map[string]any {
	return map[string]any{
		"length":    q.Len(),
		"capacity":  q.cfg.Capacity,
		"enqueued":  q.enqueued.Load(),
		"processed": q.processed.Load(),
		"dropped":   q.dropped.Load(),
		"retried":   q.retried.Load(),
		"timeouts":  q.timeouts.Load(),
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer close(q.done)

	ticker := time.NewTicker(q.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.tick(ctx)
		}
	}
}

// take removes up to n items from the head.
func (q *Queue) take(n int) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]*Item, n)
	copy(batch, q.items[:n])
	for i := 0; i < n; i++ {
		q.items[i] = nil
	}
	q.items = q.items[n:]
	return batch
}

// requeue puts items back at the head in their original order.
func (q *Queue) requeue(items []*Item) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	merged := make([]*Item, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	merged = append(merged, q.items...)
	var evicted []*Item
	for len(merged) > q.cfg.Capacity {
		evicted = append(evicted, merged[0])
		merged = merged[1:]
	}
	q.items = merged
	q.mu.Unlock()

	for _, old := range evicted {
		q.drop(old, "queue full")
	}
}

// tick processes one batch in arrival order.
func (q *Queue) tick(ctx context.Context) {
	batch := q.take(q.cfg.BatchSize)
	var retry []*Item

	for i, it := range batch {
		err := q.runOne(ctx, it)
		if err == nil {
			q.processed.Add(1)
			q.publish(events.ToolDispatched{TriggerID: it.Trigger.ID(), Tool: string(it.Trigger.Tool()), Attempts: it.Retries + 1})
			continue
		}
		if ctx.Err() != nil {
			// Shutting down: keep the unprocessed remainder in order.
			q.requeue(append(retry, batch[i:]...))
			return
		}

		it.LastErr = err
		var verr *protocol.ValidationError
		if errors.As(err, &verr) {
			q.drop(it, "invalid")
			continue
		}
		var terr *protocol.TimeoutError
		if errors.As(err, &terr) {
			q.timeouts.Add(1)
		}

		it.Retries++
		if it.Retries >= q.cfg.MaxRetries {
			q.drop(it, fmt.Sprintf("failed %d times", it.Retries))
			continue
		}
		q.retried.Add(1)
		q.log.Warn("tool call failed, will retry",
			zap.String("trigger_id", it.Trigger.ID()),
			zap.Int("attempt", it.Retries),
			zap.Error(err))
		retry = append(retry, it)
	}
	q.requeue(retry)
}

// runOne invokes process under the item timeout. A callback that never
// returns is abandoned at the deadline.
func (q *Queue) runOne(ctx context.Context, it *Item) error {
	ictx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("process panicked: %v", r)
			}
		}()
		errc <- q.process(ictx, it.Trigger)
	}()

	select {
	case err := <-errc:
		return err
	case <-ictx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &protocol.TimeoutError{Op: "process " + string(it.Trigger.Tool()), After: q.cfg.Timeout}
	}
}
