// Package batch accumulates expensive per-item work into batches. Each kind
// of work gets its own Batcher with a size trigger, an age trigger, and a
// bounded pending queue; a full queue pushes back on producers instead of
// growing without limit.
package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/observability"
)

// Item is one unit of pending work.
type Item[T any] struct {
	ID       string
	Payload  T
	Priority int
	Enqueued time.Time
}

// FlushFunc processes one cut batch. A returned error fails the whole batch;
// partial successes are the flusher's own business.
type FlushFunc[T any] func(ctx context.Context, items []Item[T]) error

// Config tunes one batcher.
type Config struct {
	// MaxSize cuts a batch as soon as this many items are pending.
	MaxSize int
	// MaxAge cuts a batch once the oldest pending item has waited this long.
	MaxAge time.Duration
	// MaxPending bounds the queue; Enqueue blocks when it is full.
	MaxPending int
	// EnqueueTimeout is how long Enqueue blocks before giving up with
	// Backpressure.
	EnqueueTimeout time.Duration
	// FlushTimeout bounds one flush call.
	FlushTimeout time.Duration
	// OnFailure observes batches whose flush failed, after the items have
	// been dropped from the queue.
	OnFailure func(items []any, err error)
}

func (c *Config) applyDefaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = 20
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 5 * time.Second
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 1000
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 2 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 30 * time.Second
	}
}

type queued[T any] struct {
	Item[T]
	seq uint64
}

// Batcher runs one dispatch goroutine for one kind of work.
type Batcher[T any] struct {
	kind  string
	cfg   Config
	flush FlushFunc[T]

	mu      sync.Mutex
	pending []queued[T]
	nextSeq uint64
	closed  bool

	slots    chan struct{}
	wake     chan struct{}
	flushReq chan chan error
	quit     chan struct{}
	stopped  chan struct{}

	logger  *zap.Logger
	metrics *observability.Collector
}

// New starts a batcher for the given kind. Callers own its lifecycle and
// must Shutdown it.
func New[T any](kind string, cfg Config, flush FlushFunc[T], logger *zap.Logger, metrics *observability.Collector) (*Batcher[T], error) {
	if kind == "" {
		return nil, fmt.Errorf("batch: kind must not be empty")
	}
	if flush == nil {
		return nil, fmt.Errorf("batch: flush func must not be nil")
	}
	cfg.applyDefaults()

	b := &Batcher[T]{
		kind:     kind,
		cfg:      cfg,
		flush:    flush,
		slots:    make(chan struct{}, cfg.MaxPending),
		wake:     make(chan struct{}, 1),
		flushReq: make(chan chan error),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		logger:   logger.Named("batch").With(zap.String("kind", kind)),
		metrics:  metrics,
	}
	go b.run()
	return b, nil
}

// Kind returns the batch kind.
func (b *Batcher[T]) Kind() string { return b.kind }

// Depth reports the number of pending items.
func (b *Batcher[T]) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Enqueue adds one item, blocking while the queue is full. It gives up with
// Backpressure after the configured timeout so producers fail fast instead of
// hanging.
func (b *Batcher[T]) Enqueue(ctx context.Context, item Item[T]) error {
	if item.Enqueued.IsZero() {
		item.Enqueued = time.Now()
	}

	timer := time.NewTimer(b.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case b.slots <- struct{}{}:
	case <-timer.C:
		return appErrors.NewBackpressure(fmt.Sprintf("batch queue %q is full", b.kind))
	case <-ctx.Done():
		return ctx.Err()
	case <-b.quit:
		return appErrors.NewInternal(fmt.Sprintf("batch queue %q is shut down", b.kind), nil)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.slots
		return appErrors.NewInternal(fmt.Sprintf("batch queue %q is shut down", b.kind), nil)
	}
	b.nextSeq++
	b.pending = append(b.pending, queued[T]{Item: item, seq: b.nextSeq})
	depth := len(b.pending)
	b.mu.Unlock()

	b.gauge(depth)
	// Wake the dispatcher when the size trigger fires, and on the first item
	// so the age timer gets armed.
	if depth >= b.cfg.MaxSize || depth == 1 {
		b.signal()
	}
	return nil
}

// FlushNow drains everything currently pending and waits for the flushes to
// finish. The returned error is the first flush failure, if any.
func (b *Batcher[T]) FlushNow(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case b.flushReq <- done:
	case <-b.quit:
		return nil // shutdown drain covers it
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown drains pending items and stops the dispatcher. Safe to call once.
func (b *Batcher[T]) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.stopped
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.quit)
	select {
	case <-b.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Batcher[T]) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Batcher[T]) gauge(depth int) {
	if b.metrics != nil {
		b.metrics.BatchDepth.WithLabelValues(b.kind).Set(float64(depth))
	}
}

func (b *Batcher[T]) run() {
	defer close(b.stopped)
	for {
		wait := b.nextDeadline()
		var timer *time.Timer
		var timerC <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-b.wake:
			// Only the size trigger flushes here; a first-item wake just
			// re-arms the age timer.
			if b.Depth() >= b.cfg.MaxSize {
				b.flushChunks("size", false)
			}
		case <-timerC:
			b.flushChunks("age", false)
		case done := <-b.flushReq:
			done <- b.flushChunks("manual", true)
		case <-b.quit:
			if timer != nil {
				timer.Stop()
			}
			b.flushChunks("shutdown", true)
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// nextDeadline returns how long until the oldest pending item ages out, or a
// negative duration when there is nothing pending.
func (b *Batcher[T]) nextDeadline() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return -1
	}
	oldest := b.pending[0].Enqueued
	for _, item := range b.pending[1:] {
		if item.Enqueued.Before(oldest) {
			oldest = item.Enqueued
		}
	}
	if d := time.Until(oldest.Add(b.cfg.MaxAge)); d > 0 {
		return d
	}
	return 0
}

// cut removes up to MaxSize items in dispatch order: higher priority first,
// then first-enqueued first.
func (b *Batcher[T]) cut() []Item[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	sort.Slice(b.pending, func(i, j int) bool {
		a, c := b.pending[i], b.pending[j]
		if a.Priority != c.Priority {
			return a.Priority > c.Priority
		}
		if !a.Enqueued.Equal(c.Enqueued) {
			return a.Enqueued.Before(c.Enqueued)
		}
		return a.seq < c.seq
	})

	n := len(b.pending)
	if n > b.cfg.MaxSize {
		n = b.cfg.MaxSize
	}
	batch := make([]Item[T], n)
	for i := 0; i < n; i++ {
		batch[i] = b.pending[i].Item
	}
	b.pending = append(b.pending[:0], b.pending[n:]...)
	for i := 0; i < n; i++ {
		<-b.slots
	}
	b.gauge(len(b.pending))
	return batch
}

// flushChunks cuts and flushes batches. With drain set it keeps going until
// the queue is empty; otherwise it flushes a single chunk per trigger.
func (b *Batcher[T]) flushChunks(trigger string, drain bool) error {
	var firstErr error
	for {
		batch := b.cut()
		if len(batch) == 0 {
			return firstErr
		}
		if err := b.flushOne(batch, trigger); err != nil && firstErr == nil {
			firstErr = err
		}
		if !drain && b.Depth() < b.cfg.MaxSize {
			return firstErr
		}
	}
}

func (b *Batcher[T]) flushOne(batch []Item[T], trigger string) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
	defer cancel()

	start := time.Now()
	err := b.flush(ctx, batch)
	if err != nil {
		if b.metrics != nil {
			b.metrics.BatchFailures.WithLabelValues(b.kind).Inc()
		}
		b.logger.Error("batch flush failed",
			zap.Int("items", len(batch)),
			zap.String("trigger", trigger),
			zap.Error(err))
		if b.cfg.OnFailure != nil {
			failed := make([]any, len(batch))
			for i, item := range batch {
				failed[i] = item
			}
			b.cfg.OnFailure(failed, err)
		}
		return err
	}
	if b.metrics != nil {
		b.metrics.BatchesFlushed.WithLabelValues(b.kind, trigger).Inc()
	}
	b.logger.Debug("batch flushed",
		zap.Int("items", len(batch)),
		zap.String("trigger", trigger),
		zap.Duration("took", time.Since(start)))
	return nil
}
