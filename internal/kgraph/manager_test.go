package kgraph_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"memvault-backend/internal/blob"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/kgraph"
	"memvault-backend/internal/observability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const graphUser = "0x1111111111111111111111111111111111111111"

func newGraphManager(t *testing.T, transport *blob.MemoryTransport) *kgraph.Manager {
	t.Helper()
	m, err := kgraph.NewManager(kgraph.ManagerConfig{
		CheckpointEvery: 1000,
		CheckpointIdle:  time.Hour,
		EvictAfter:      time.Hour,
		BatchSize:       10,
		BatchAge:        time.Hour,
	}, transport, nil, zaptest.NewLogger(t), observability.NewCollector("memvault"))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func petExtraction() kgraph.Extraction {
	return kgraph.Extraction{
		Nodes: []kgraph.ExtractedNode{
			{Kind: "animal", Name: "Pepper", Props: map[string]string{"breed": "beagle"}},
			{Kind: "person", Name: "Me"},
		},
		Edges: []kgraph.ExtractedEdge{
			{FromName: "Me", ToName: "Pepper", Label: "owns", Weight: 1},
		},
	}
}

func TestAddBecomesQueryableAfterCheckpoint(t *testing.T) {
	transport := blob.NewMemoryTransport()
	m := newGraphManager(t, transport)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, graphUser, petExtraction(), "mem-1"))
	require.NoError(t, m.Checkpoint(ctx, graphUser))

	ids, err := m.FindByName(ctx, graphUser, "pepper", "animal")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	visits, err := m.Neighbours(ctx, graphUser, []string{kgraph.NodeID("person", "Me")}, 1, nil)
	require.NoError(t, err)
	require.Len(t, visits, 2)
	assert.Equal(t, 1, visits[1].Hops)

	nodes, edges, err := m.Subgraph(ctx, graphUser, []string{
		kgraph.NodeID("person", "Me"), kgraph.NodeID("animal", "Pepper"),
	})
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
	assert.Len(t, edges, 1)
}

func TestCheckpointPersistsAndFiresCommit(t *testing.T) {
	transport := blob.NewMemoryTransport()
	m := newGraphManager(t, transport)
	ctx := context.Background()

	var (
		mu        sync.Mutex
		committed []string
	)
	m.SetCommitted(func(_ context.Context, user string, memoryIDs []string) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, graphUser, user)
		committed = append(committed, memoryIDs...)
	})

	require.NoError(t, m.Add(ctx, graphUser, petExtraction(), "mem-1"))
	require.NoError(t, m.Checkpoint(ctx, graphUser))

	assert.Equal(t, 1, transport.Len())
	mu.Lock()
	assert.Equal(t, []string{"mem-1"}, committed)
	mu.Unlock()

	// Nothing new to commit: callback stays quiet.
	require.NoError(t, m.Checkpoint(ctx, graphUser))
	mu.Lock()
	assert.Len(t, committed, 1)
	mu.Unlock()
}

func TestReloadFromCheckpoint(t *testing.T) {
	transport := blob.NewMemoryTransport()
	ctx := context.Background()

	m1 := newGraphManager(t, transport)
	require.NoError(t, m1.Add(ctx, graphUser, petExtraction(), "mem-1"))
	require.NoError(t, m1.Checkpoint(ctx, graphUser))
	require.NoError(t, m1.Shutdown(ctx))

	m2 := newGraphManager(t, transport)
	ids, err := m2.FindByName(ctx, graphUser, "Pepper", "")
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	assert.Equal(t, kgraph.StateWarm, m2.State(graphUser))
}

func TestCorruptCheckpointSurfacesIndexCorrupted(t *testing.T) {
	transport := blob.NewMemoryTransport()
	ctx := context.Background()
	require.NoError(t, transport.Put(ctx, "graphs/"+graphUser, []byte("not a checkpoint"), nil))

	m := newGraphManager(t, transport)
	_, err := m.FindByName(ctx, graphUser, "anything", "")
	assert.True(t, appErrors.IsIndexCorrupted(err), "got %v", err)
}

func TestCheckpointFailureRetainsCommits(t *testing.T) {
	transport := blob.NewMemoryTransport()
	m := newGraphManager(t, transport)
	ctx := context.Background()

	var (
		mu        sync.Mutex
		committed []string
	)
	m.SetCommitted(func(_ context.Context, _ string, memoryIDs []string) {
		mu.Lock()
		defer mu.Unlock()
		committed = append(committed, memoryIDs...)
	})

	require.NoError(t, m.Add(ctx, graphUser, petExtraction(), "mem-1"))
	transport.FailNextPuts(1, assert.AnError)

	err := m.Checkpoint(ctx, graphUser)
	require.Error(t, err)
	assert.True(t, appErrors.IsStorageUnavailable(err), "got %v", err)
	mu.Lock()
	assert.Empty(t, committed)
	mu.Unlock()

	// Transport healed: the retry commits the retained memory ids.
	require.NoError(t, m.Checkpoint(ctx, graphUser))
	mu.Lock()
	assert.Equal(t, []string{"mem-1"}, committed)
	mu.Unlock()
}

func TestEvictCheckpointsDirtyState(t *testing.T) {
	transport := blob.NewMemoryTransport()
	m := newGraphManager(t, transport)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, graphUser, petExtraction(), "mem-1"))
	require.NoError(t, m.Checkpoint(ctx, graphUser))
	// Second write stays queued; eviction must drain and checkpoint it.
	require.NoError(t, m.Add(ctx, graphUser, kgraph.Extraction{
		Nodes: []kgraph.ExtractedNode{{Kind: "place", Name: "Park"}},
	}, "mem-2"))

	require.NoError(t, m.Evict(ctx, graphUser))
	assert.Equal(t, kgraph.StateCold, m.State(graphUser))

	// A fresh warm load sees both writes.
	ids, err := m.FindByName(ctx, graphUser, "park", "place")
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestStatsReportsKnownUsers(t *testing.T) {
	transport := blob.NewMemoryTransport()
	m := newGraphManager(t, transport)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, graphUser, petExtraction(), "mem-1"))
	require.NoError(t, m.Checkpoint(ctx, graphUser))

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, graphUser, stats[0].User)
	assert.Equal(t, 2, stats[0].Nodes)
	assert.Equal(t, 1, stats[0].Edges)
	assert.Equal(t, uint64(1), stats[0].Version)
}
