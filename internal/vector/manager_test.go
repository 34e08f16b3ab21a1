package vector_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"memvault-backend/internal/blob"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/observability"
	"memvault-backend/internal/vector"
)

const indexUser = "0x1111111111111111111111111111111111111111"

func newVectorManager(t *testing.T, transport *blob.MemoryTransport) *vector.Manager {
	t.Helper()
	m, err := vector.NewManager(vector.ManagerConfig{
		Dimension:         dim,
		BatchSize:         10,
		BatchAge:          time.Hour,
		SnapshotThreshold: 1000,
		SnapshotIdle:      time.Hour,
		EvictAfter:        time.Hour,
	}, transport, nil, zaptest.NewLogger(t), observability.NewCollector("memvault"))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func TestAddBecomesSearchableAfterFlush(t *testing.T) {
	transport := blob.NewMemoryTransport()
	m := newVectorManager(t, transport)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, m.Add(ctx, indexUser, fmt.Sprintf("vec-%d", i), axis(i, 0.05), 0))
	}
	require.NoError(t, m.Flush(ctx, indexUser))

	results, err := m.Search(ctx, indexUser, axis(2, 0.05), 2, 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "vec-2", results[0].ID)
	assert.Equal(t, vector.StateWarm, m.State(indexUser))
	assert.Equal(t, 1, transport.Len())
}

func TestWidthMismatchRejectedAtEnqueue(t *testing.T) {
	transport := blob.NewMemoryTransport()
	m := newVectorManager(t, transport)

	err := m.Add(context.Background(), indexUser, "vec-0", make([]float32, dim+3), 0)
	assert.True(t, appErrors.IsInvalidInput(err), "got %v", err)
}

func TestReloadFromSnapshot(t *testing.T) {
	transport := blob.NewMemoryTransport()
	ctx := context.Background()

	m1 := newVectorManager(t, transport)
	require.NoError(t, m1.Add(ctx, indexUser, "vec-0", axis(0, 0.05), 0))
	require.NoError(t, m1.Flush(ctx, indexUser))
	require.NoError(t, m1.Shutdown(ctx))

	m2 := newVectorManager(t, transport)
	results, err := m2.Search(ctx, indexUser, axis(0, 0.05), 1, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "vec-0", results[0].ID)
	assert.Equal(t, vector.StateWarm, m2.State(indexUser))
}

func TestShutdownMakesPendingAddsDurable(t *testing.T) {
	transport := blob.NewMemoryTransport()
	ctx := context.Background()

	m1 := newVectorManager(t, transport)
	// Enqueued but below the size trigger and the age trigger is an hour out.
	require.NoError(t, m1.Add(ctx, indexUser, "vec-0", axis(0, 0.05), 0))
	require.NoError(t, m1.Shutdown(ctx))
	assert.Equal(t, 1, transport.Len())

	m2 := newVectorManager(t, transport)
	results, err := m2.Search(ctx, indexUser, axis(0, 0.05), 1, 0)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestLoadReplaysRecoveryEntries(t *testing.T) {
	transport := blob.NewMemoryTransport()
	m := newVectorManager(t, transport)
	ctx := context.Background()

	m.SetRecovery(func(_ context.Context, user string) ([]vector.Entry, error) {
		assert.Equal(t, indexUser, user)
		return []vector.Entry{
			{ID: "vec-0", Vector: axis(0, 0.05)},
			{ID: "vec-1", Vector: axis(1, 0.05)},
		}, nil
	})

	results, err := m.Search(ctx, indexUser, axis(1, 0.05), 1, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "vec-1", results[0].ID)
}

func TestSweepReplaysParkedWritesOnceQuiet(t *testing.T) {
	transport := blob.NewMemoryTransport()
	ctx := context.Background()

	var clockMu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	// SnapshotIdle of two seconds keeps the janitor ticking every second;
	// idleness itself is driven by the fake clock.
	m, err := vector.NewManager(vector.ManagerConfig{
		Dimension:         dim,
		BatchSize:         10,
		BatchAge:          time.Hour,
		SnapshotThreshold: 1000,
		SnapshotIdle:      2 * time.Second,
		EvictAfter:        1000 * time.Hour,
		Clock:             clock,
	}, transport, nil, zaptest.NewLogger(t), observability.NewCollector("memvault"))
	require.NoError(t, err)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(sctx)
	})

	var (
		mu      sync.Mutex
		parked  []vector.Entry
		commits []string
	)
	m.SetRecovery(func(_ context.Context, _ string) ([]vector.Entry, error) {
		mu.Lock()
		defer mu.Unlock()
		return append([]vector.Entry(nil), parked...), nil
	})
	m.SetSnapshotCommitted(func(_ context.Context, _ string, vectorIDs []string) {
		mu.Lock()
		defer mu.Unlock()
		commits = append(commits, vectorIDs...)
	})

	require.NoError(t, m.Add(ctx, indexUser, "vec-0", axis(0, 0.05), 0))
	require.NoError(t, m.Flush(ctx, indexUser))

	// One accepted write never reached the index; it exists only as a
	// parked entry.
	mu.Lock()
	parked = []vector.Entry{{ID: "vec-lost", Vector: axis(1, 0.05)}}
	mu.Unlock()

	// Let the index go write-quiet and wait for a sweep to pick it up.
	clockMu.Lock()
	now = now.Add(time.Hour)
	clockMu.Unlock()

	require.Eventually(t, func() bool {
		results, serr := m.Search(ctx, indexUser, axis(1, 0.05), 1, 0)
		return serr == nil && len(results) == 1 && results[0].ID == "vec-lost"
	}, 5*time.Second, 50*time.Millisecond, "replayed entry never became searchable")

	// The same sweep snapshots the replayed write, so the commit hook can
	// clear its parked entry.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range commits {
			if id == "vec-lost" {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond, "replayed entry never reached a snapshot commit")
}

func TestSnapshotFiresCommitWithCoveredIDs(t *testing.T) {
	transport := blob.NewMemoryTransport()
	m := newVectorManager(t, transport)
	ctx := context.Background()

	var (
		mu        sync.Mutex
		committed []string
	)
	m.SetSnapshotCommitted(func(_ context.Context, user string, vectorIDs []string) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, indexUser, user)
		committed = append(committed, vectorIDs...)
	})

	require.NoError(t, m.Add(ctx, indexUser, "vec-1", axis(1, 0.05), 0))
	require.NoError(t, m.Add(ctx, indexUser, "vec-0", axis(0, 0.05), 0))
	require.NoError(t, m.Flush(ctx, indexUser))

	mu.Lock()
	assert.Equal(t, []string{"vec-0", "vec-1"}, committed)
	mu.Unlock()
}

func TestSnapshotFailureKeepsStateAndRetries(t *testing.T) {
	transport := blob.NewMemoryTransport()
	m := newVectorManager(t, transport)
	ctx := context.Background()

	var (
		mu        sync.Mutex
		committed []string
	)
	m.SetSnapshotCommitted(func(_ context.Context, _ string, vectorIDs []string) {
		mu.Lock()
		defer mu.Unlock()
		committed = append(committed, vectorIDs...)
	})

	require.NoError(t, m.Add(ctx, indexUser, "vec-0", axis(0, 0.05), 0))
	transport.FailNextPuts(1, assert.AnError)

	err := m.Flush(ctx, indexUser)
	require.Error(t, err)
	assert.True(t, appErrors.IsStorageUnavailable(err), "got %v", err)
	mu.Lock()
	assert.Empty(t, committed)
	mu.Unlock()

	// The write stayed searchable and the retry makes it durable.
	results, serr := m.Search(ctx, indexUser, axis(0, 0.05), 1, 0)
	require.NoError(t, serr)
	assert.Len(t, results, 1)

	require.NoError(t, m.Flush(ctx, indexUser))
	mu.Lock()
	assert.Equal(t, []string{"vec-0"}, committed)
	mu.Unlock()
	assert.Equal(t, 1, transport.Len())
}

func TestCorruptSnapshotSurfacesIndexCorrupted(t *testing.T) {
	transport := blob.NewMemoryTransport()
	ctx := context.Background()
	require.NoError(t, transport.Put(ctx, "indexes/"+indexUser, []byte("not a snapshot"), nil))

	m := newVectorManager(t, transport)
	_, err := m.Search(ctx, indexUser, axis(0, 0), 1, 0)
	assert.True(t, appErrors.IsIndexCorrupted(err), "got %v", err)
}

func TestEvictSnapshotsDirtyIndex(t *testing.T) {
	transport := blob.NewMemoryTransport()
	m := newVectorManager(t, transport)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, indexUser, "vec-0", axis(0, 0.05), 0))
	require.NoError(t, m.Flush(ctx, indexUser))
	// Second write stays queued; eviction must drain and snapshot it.
	require.NoError(t, m.Add(ctx, indexUser, "vec-1", axis(1, 0.05), 0))

	require.NoError(t, m.Evict(ctx, indexUser))
	assert.Equal(t, vector.StateCold, m.State(indexUser))

	// A fresh warm load answers with both writes.
	results, err := m.Search(ctx, indexUser, axis(1, 0.05), 2, 0)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRemoveDropsVectorImmediately(t *testing.T) {
	transport := blob.NewMemoryTransport()
	m := newVectorManager(t, transport)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, indexUser, "vec-0", axis(0, 0.05), 0))
	require.NoError(t, m.Add(ctx, indexUser, "vec-1", axis(1, 0.05), 0))
	require.NoError(t, m.Flush(ctx, indexUser))

	removed, err := m.Remove(ctx, indexUser, "vec-0")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = m.Remove(ctx, indexUser, "vec-0")
	require.NoError(t, err)
	assert.False(t, removed)

	results, err := m.Search(ctx, indexUser, axis(0, 0.05), 2, 0)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "vec-0", r.ID)
	}
}

func TestStatsReportsKnownUsers(t *testing.T) {
	transport := blob.NewMemoryTransport()
	m := newVectorManager(t, transport)
	ctx := context.Background()

	other := "0x2222222222222222222222222222222222222222"
	require.NoError(t, m.Add(ctx, indexUser, "vec-0", axis(0, 0.05), 0))
	require.NoError(t, m.Flush(ctx, indexUser))
	require.NoError(t, m.Add(ctx, other, "vec-0", axis(0, 0.05), 0))

	stats := m.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, indexUser, stats[0].User)
	assert.Equal(t, "warm", stats[0].State)
	assert.Equal(t, 1, stats[0].Size)
	assert.Equal(t, uint64(1), stats[0].SnapshotVersion)
	assert.Equal(t, other, stats[1].User)
	assert.Equal(t, 1, stats[1].PendingAdds)
}
