package cache_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"memvault-backend/internal/blob"
	"memvault-backend/internal/cache"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/observability"
)

// countingStore counts L3 reads so tests can prove which tier answered.
type countingStore struct {
	blob.Store
	gets atomic.Int64
}

func (s *countingStore) Get(ctx context.Context, address string) (blob.Object, error) {
	s.gets.Add(1)
	return s.Store.Get(ctx, address)
}

type testClock struct {
	now atomic.Int64
}

func newTestClock(start time.Time) *testClock {
	c := &testClock{}
	c.now.Store(start.UnixNano())
	return c
}

func (c *testClock) Now() time.Time         { return time.Unix(0, c.now.Load()) }
func (c *testClock) Advance(d time.Duration) { c.now.Add(int64(d)) }

func newCacheFixture(t *testing.T, l1Entries int, ttl time.Duration, clock *testClock) (*cache.ContentCache, *countingStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	hot, err := cache.NewRedisHotSet(cache.RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)

	store := &countingStore{
		Store: blob.NewStore(blob.NewMemoryTransport(), blob.StoreConfig{},
			zaptest.NewLogger(t), observability.NewCollector("memvault")),
	}

	cfg := cache.Config{L1Entries: l1Entries, TTL: ttl}
	if clock != nil {
		cfg.Clock = clock.Now
	}
	cc, err := cache.NewContentCache(hot, store, cfg, zaptest.NewLogger(t), observability.NewCollector("memvault"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	return cc, store, mr
}

func putBlob(t *testing.T, store blob.Store, text string) string {
	t.Helper()
	receipt, err := store.Put(context.Background(), []byte(text), blob.Tags{Owner: "0xabc"})
	require.NoError(t, err)
	return receipt.Address
}

func TestGetPromotesThroughTiers(t *testing.T) {
	cc, store, _ := newCacheFixture(t, 16, time.Hour, nil)
	ctx := context.Background()
	addr := putBlob(t, store.Store, "promoted content")

	// First read falls through to the blob store.
	data, err := cc.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("promoted content"), data)
	assert.Equal(t, int64(1), store.gets.Load())

	// Second read is L1; the store is not consulted again.
	data, err = cc.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("promoted content"), data)
	assert.Equal(t, int64(1), store.gets.Load())

	stats := cc.Stats()
	assert.Equal(t, int64(1), stats.L1Hits)
	assert.Equal(t, int64(1), stats.L3Hits)
}

func TestRepeatedGetReturnsIdenticalBytes(t *testing.T) {
	cc, store, _ := newCacheFixture(t, 16, time.Hour, nil)
	ctx := context.Background()
	addr := putBlob(t, store.Store, "stable bytes")

	var prev []byte
	var prevHits int64
	for i := 0; i < 5; i++ {
		data, err := cc.Get(ctx, addr)
		require.NoError(t, err)
		if prev != nil {
			assert.Equal(t, prev, data)
		}
		prev = data

		stats := cc.Stats()
		hits := stats.L1Hits + stats.L2Hits + stats.L3Hits
		assert.GreaterOrEqual(t, hits, prevHits)
		prevHits = hits
	}
}

func TestL1EvictionDemotesToL2(t *testing.T) {
	cc, store, mr := newCacheFixture(t, 1, time.Hour, nil)
	ctx := context.Background()

	first := putBlob(t, store.Store, "first entry")
	second := putBlob(t, store.Store, "second entry")

	_, err := cc.Get(ctx, first)
	require.NoError(t, err)
	// Loading the second entry evicts the first from the single-slot L1.
	_, err = cc.Get(ctx, second)
	require.NoError(t, err)

	// Demotion happens on a worker; wait for the key to land in Redis.
	require.Eventually(t, func() bool {
		return mr.Exists("mv:blob:" + first)
	}, 2*time.Second, 10*time.Millisecond)

	gets := store.gets.Load()
	data, err := cc.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, []byte("first entry"), data)
	assert.Equal(t, gets, store.gets.Load(), "expected the shared tier to answer")

	// Re-promoting "first" pushed "second" out, so at least one eviction on
	// top of the original demotion.
	stats := cc.Stats()
	assert.GreaterOrEqual(t, stats.L1Evictions, int64(1))
	assert.GreaterOrEqual(t, stats.L2Hits, int64(1))
}

func TestTTLExpiryFallsThroughTransparently(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	cc, store, mr := newCacheFixture(t, 16, time.Hour, clock)
	ctx := context.Background()
	addr := putBlob(t, store.Store, "expiring entry")

	_, err := cc.Get(ctx, addr)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	mr.FastForward(2 * time.Hour)

	data, err := cc.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("expiring entry"), data)
	assert.Equal(t, int64(2), store.gets.Load(), "expired tiers should re-read the store")
}

func TestInvalidateDropsBothTiers(t *testing.T) {
	cc, store, mr := newCacheFixture(t, 16, time.Hour, nil)
	ctx := context.Background()
	addr := putBlob(t, store.Store, "invalidated entry")

	_, err := cc.Get(ctx, addr)
	require.NoError(t, err)

	cc.Invalidate(ctx, addr)
	assert.False(t, mr.Exists("mv:blob:"+addr))

	_, err = cc.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, int64(2), store.gets.Load())
}

func TestGetUnknownAddressIsNotFound(t *testing.T) {
	cc, _, _ := newCacheFixture(t, 16, time.Hour, nil)

	_, err := cc.Get(context.Background(), blob.AddressOf([]byte("missing")))
	assert.True(t, appErrors.IsNotFound(err))
}

func TestPutWarmsBothTiers(t *testing.T) {
	cc, store, mr := newCacheFixture(t, 16, time.Hour, nil)
	ctx := context.Background()
	addr := putBlob(t, store.Store, "pre-warmed")

	cc.Put(ctx, addr, []byte("pre-warmed"))
	assert.True(t, mr.Exists("mv:blob:"+addr))

	data, err := cc.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("pre-warmed"), data)
	assert.Equal(t, int64(0), store.gets.Load())
}
