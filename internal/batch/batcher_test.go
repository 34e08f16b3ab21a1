package batch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"memvault-backend/internal/batch"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/observability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// collector gathers flushed batches for assertions.
type collector struct {
	mu      sync.Mutex
	batches [][]batch.Item[string]
	fail    bool
	flushed chan struct{}
}

func newCollector() *collector {
	return &collector{flushed: make(chan struct{}, 64)}
}

func (c *collector) flush(_ context.Context, items []batch.Item[string]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		c.flushed <- struct{}{}
		return appErrors.NewEmbeddingUnavailable("flush target down", nil)
	}
	copied := make([]batch.Item[string], len(items))
	copy(copied, items)
	c.batches = append(c.batches, copied)
	c.flushed <- struct{}{}
	return nil
}

func (c *collector) all() [][]batch.Item[string] {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]batch.Item[string], len(c.batches))
	copy(out, c.batches)
	return out
}

func (c *collector) setFail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fail
}

func (c *collector) awaitFlush(t *testing.T) {
	t.Helper()
	select {
	case <-c.flushed:
	case <-time.After(5 * time.Second):
		t.Fatal("no flush happened in time")
	}
}

func newBatcher(t *testing.T, cfg batch.Config, c *collector) *batch.Batcher[string] {
	t.Helper()
	b, err := batch.New[string]("test-kind", cfg, c.flush,
		zaptest.NewLogger(t), observability.NewCollector("memvault"))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

func TestSizeTriggerCutsFullBatch(t *testing.T) {
	c := newCollector()
	b := newBatcher(t, batch.Config{MaxSize: 3, MaxAge: time.Hour}, c)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.Enqueue(ctx, batch.Item[string]{ID: id, Payload: id, Priority: 0, Enqueued: time.Now().Add(time.Duration(i) * time.Millisecond)}))
	}

	c.awaitFlush(t)
	batches := c.all()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 3)
	assert.Equal(t, "a", batches[0][0].ID)
	assert.Equal(t, "c", batches[0][2].ID)
}

func TestAgeTriggerFlushesPartialBatch(t *testing.T) {
	c := newCollector()
	b := newBatcher(t, batch.Config{MaxSize: 100, MaxAge: 30 * time.Millisecond}, c)

	require.NoError(t, b.Enqueue(context.Background(), batch.Item[string]{ID: "lonely", Payload: "x"}))

	c.awaitFlush(t)
	batches := c.all()
	require.Len(t, batches, 1)
	assert.Equal(t, "lonely", batches[0][0].ID)
}

func TestDispatchOrderPriorityThenAge(t *testing.T) {
	c := newCollector()
	b := newBatcher(t, batch.Config{MaxSize: 10, MaxAge: time.Hour}, c)
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, b.Enqueue(ctx, batch.Item[string]{ID: "old-low", Priority: 0, Enqueued: base}))
	require.NoError(t, b.Enqueue(ctx, batch.Item[string]{ID: "new-high", Priority: 5, Enqueued: base.Add(2 * time.Millisecond)}))
	require.NoError(t, b.Enqueue(ctx, batch.Item[string]{ID: "old-high", Priority: 5, Enqueued: base.Add(time.Millisecond)}))

	require.NoError(t, b.FlushNow(ctx))
	batches := c.all()
	require.Len(t, batches, 1)
	ids := []string{batches[0][0].ID, batches[0][1].ID, batches[0][2].ID}
	assert.Equal(t, []string{"old-high", "new-high", "old-low"}, ids)
}

func TestEnqueueBlocksThenBackpressure(t *testing.T) {
	c := newCollector()
	// Flush is effectively disabled: big size, long age.
	b := newBatcher(t, batch.Config{
		MaxSize:        100,
		MaxAge:         time.Hour,
		MaxPending:     2,
		EnqueueTimeout: 50 * time.Millisecond,
	}, c)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, batch.Item[string]{ID: "1"}))
	require.NoError(t, b.Enqueue(ctx, batch.Item[string]{ID: "2"}))

	start := time.Now()
	err := b.Enqueue(ctx, batch.Item[string]{ID: "3"})
	assert.True(t, appErrors.IsBackpressure(err), "got %v", err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "enqueue must block before giving up")
}

func TestEnqueueUnblocksWhenFlushFreesCapacity(t *testing.T) {
	c := newCollector()
	b := newBatcher(t, batch.Config{
		MaxSize:        2,
		MaxAge:         time.Hour,
		MaxPending:     2,
		EnqueueTimeout: 5 * time.Second,
	}, c)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, batch.Item[string]{ID: "1"}))
	require.NoError(t, b.Enqueue(ctx, batch.Item[string]{ID: "2"}))
	// The size trigger fires at 2, freeing both slots, so this succeeds
	// within the generous timeout.
	require.NoError(t, b.Enqueue(ctx, batch.Item[string]{ID: "3"}))
}

func TestFlushNowDrainsEverything(t *testing.T) {
	c := newCollector()
	b := newBatcher(t, batch.Config{MaxSize: 2, MaxAge: time.Hour}, c)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, batch.Item[string]{ID: "only"}))
	require.NoError(t, b.FlushNow(ctx))

	assert.Zero(t, b.Depth())
	require.Len(t, c.all(), 1)
}

func TestFlushFailureDropsItemsAndReportsThem(t *testing.T) {
	c := newCollector()
	c.setFail(true)

	var (
		mu         sync.Mutex
		failedIDs  []string
		failedErrs []error
	)
	cfg := batch.Config{
		MaxSize: 10,
		MaxAge:  time.Hour,
		OnFailure: func(items []any, err error) {
			mu.Lock()
			defer mu.Unlock()
			for _, it := range items {
				failedIDs = append(failedIDs, it.(batch.Item[string]).ID)
			}
			failedErrs = append(failedErrs, err)
		},
	}
	b := newBatcher(t, cfg, c)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, batch.Item[string]{ID: "doomed"}))
	err := b.FlushNow(ctx)
	assert.True(t, appErrors.IsEmbeddingUnavailable(err), "got %v", err)

	assert.Zero(t, b.Depth(), "failed items leave the queue")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"doomed"}, failedIDs)
	require.Len(t, failedErrs, 1)
}

func TestShutdownDrainsPending(t *testing.T) {
	c := newCollector()
	b := newBatcher(t, batch.Config{MaxSize: 100, MaxAge: time.Hour}, c)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, batch.Item[string]{ID: "drain-me"}))
	require.NoError(t, b.Shutdown(ctx))

	batches := c.all()
	require.Len(t, batches, 1)
	assert.Equal(t, "drain-me", batches[0][0].ID)

	err := b.Enqueue(ctx, batch.Item[string]{ID: "too-late"})
	assert.Error(t, err)
}

func TestRegistryFlushesAndShutsDownAllKinds(t *testing.T) {
	logger := zaptest.NewLogger(t)
	metrics := observability.NewCollector("memvault")
	reg := batch.NewRegistry(logger)
	ctx := context.Background()

	c1, c2 := newCollector(), newCollector()
	b1, err := batch.New[string]("kind-a", batch.Config{MaxSize: 10, MaxAge: time.Hour}, c1.flush, logger, metrics)
	require.NoError(t, err)
	b2, err := batch.New[string]("kind-b", batch.Config{MaxSize: 10, MaxAge: time.Hour}, c2.flush, logger, metrics)
	require.NoError(t, err)
	reg.Register(b1)
	reg.Register(b2)

	require.NoError(t, b1.Enqueue(ctx, batch.Item[string]{ID: "a1"}))
	require.NoError(t, b2.Enqueue(ctx, batch.Item[string]{ID: "b1"}))

	depths := reg.Depths()
	assert.Equal(t, 1, depths["kind-a"])
	assert.Equal(t, 1, depths["kind-b"])

	require.NoError(t, reg.FlushAll(ctx))
	assert.Len(t, c1.all(), 1)
	assert.Len(t, c2.all(), 1)

	require.NoError(t, reg.Shutdown(ctx))
}
