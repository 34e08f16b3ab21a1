package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"memvault-backend/internal/blob"
	"memvault-backend/internal/cache"
	"memvault-backend/internal/observability"
)

func TestLocalHotSetRoundTrip(t *testing.T) {
	hot := cache.NewLocalHotSet(1024)
	ctx := context.Background()

	require.NoError(t, hot.Set(ctx, "a", []byte("alpha"), time.Hour))
	data, err := hot.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), data)

	_, err = hot.Get(ctx, "missing")
	assert.ErrorIs(t, err, cache.ErrHotSetMiss)

	require.NoError(t, hot.Delete(ctx, "a"))
	_, err = hot.Get(ctx, "a")
	assert.ErrorIs(t, err, cache.ErrHotSetMiss)
}

func TestLocalHotSetEvictsOldestPastByteBudget(t *testing.T) {
	hot := cache.NewLocalHotSet(10)
	ctx := context.Background()

	require.NoError(t, hot.Set(ctx, "a", []byte("aaaa"), time.Hour))
	require.NoError(t, hot.Set(ctx, "b", []byte("bbbb"), time.Hour))
	require.NoError(t, hot.Set(ctx, "c", []byte("cccc"), time.Hour))

	_, err := hot.Get(ctx, "a")
	assert.ErrorIs(t, err, cache.ErrHotSetMiss, "oldest entry should be evicted")

	data, err := hot.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []byte("bbbb"), data)

	assert.Equal(t, int64(8), hot.Bytes())
	assert.Equal(t, 2, hot.Len())
}

func TestLocalHotSetEvictionFollowsRecency(t *testing.T) {
	hot := cache.NewLocalHotSet(10)
	ctx := context.Background()

	require.NoError(t, hot.Set(ctx, "a", []byte("aaaa"), time.Hour))
	require.NoError(t, hot.Set(ctx, "b", []byte("bbbb"), time.Hour))

	// Touch "a" so "b" becomes the eviction candidate.
	_, err := hot.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, hot.Set(ctx, "c", []byte("cccc"), time.Hour))

	_, err = hot.Get(ctx, "b")
	assert.ErrorIs(t, err, cache.ErrHotSetMiss)
	_, err = hot.Get(ctx, "a")
	assert.NoError(t, err)
}

func TestLocalHotSetSkipsOversizedValues(t *testing.T) {
	hot := cache.NewLocalHotSet(4)
	ctx := context.Background()

	require.NoError(t, hot.Set(ctx, "big", []byte("does not fit"), time.Hour))

	_, err := hot.Get(ctx, "big")
	assert.ErrorIs(t, err, cache.ErrHotSetMiss)
	assert.Equal(t, 0, hot.Len())
}

func TestLocalHotSetReplaceReconcilesBytes(t *testing.T) {
	hot := cache.NewLocalHotSet(1024)
	ctx := context.Background()

	require.NoError(t, hot.Set(ctx, "a", []byte("four"), time.Hour))
	require.NoError(t, hot.Set(ctx, "a", []byte("a longer value"), time.Hour))

	assert.Equal(t, int64(len("a longer value")), hot.Bytes())
	assert.Equal(t, 1, hot.Len())
}

func TestLocalHotSetExpiresLazily(t *testing.T) {
	hot := cache.NewLocalHotSet(1024)
	ctx := context.Background()

	require.NoError(t, hot.Set(ctx, "a", []byte("alpha"), 5*time.Millisecond))

	require.Eventually(t, func() bool {
		_, err := hot.Get(ctx, "a")
		return err == cache.ErrHotSetMiss
	}, time.Second, 5*time.Millisecond)
}

func TestContentCacheDemotesIntoLocalHotSet(t *testing.T) {
	store := blob.NewStore(blob.NewMemoryTransport(), blob.StoreConfig{},
		zaptest.NewLogger(t), observability.NewCollector("memvault"))
	hot := cache.NewLocalHotSet(1 << 20)

	cc, err := cache.NewContentCache(hot, store, cache.Config{L1Entries: 1, TTL: time.Hour},
		zaptest.NewLogger(t), observability.NewCollector("memvault"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	ctx := context.Background()
	first, err := store.Put(ctx, []byte("first"), blob.Tags{Owner: "0xabc"})
	require.NoError(t, err)
	second, err := store.Put(ctx, []byte("second"), blob.Tags{Owner: "0xabc"})
	require.NoError(t, err)

	_, err = cc.Get(ctx, first.Address)
	require.NoError(t, err)
	// Loading the second entry pushes the first out of the single-slot L1.
	_, err = cc.Get(ctx, second.Address)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := hot.Get(ctx, first.Address)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}
