package kgraph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/kgraph"
)

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "pepper the beagle", kgraph.NormalizeName("  Pepper   The\tBeagle "))
	assert.Equal(t, "", kgraph.NormalizeName("   "))
}

func TestApplyUpsertsByKindAndNormalisedName(t *testing.T) {
	g := kgraph.NewGraph()

	res := g.Apply(kgraph.Extraction{
		Nodes: []kgraph.ExtractedNode{
			{Kind: "animal", Name: "Pepper", Props: map[string]string{"breed": "beagle"}},
		},
	})
	require.Equal(t, 1, res.NewNodes)

	// Different casing and spacing resolve to the same node.
	res = g.Apply(kgraph.Extraction{
		Nodes: []kgraph.ExtractedNode{
			{Kind: "Animal", Name: "  pepper "},
		},
	})
	assert.Zero(t, res.NewNodes)
	assert.Equal(t, 1, g.NodeCount())

	ids := g.FindByName("PEPPER", "animal")
	require.Len(t, ids, 1)
	assert.Equal(t, kgraph.NodeID("animal", "Pepper"), ids[0])
}

func TestApplyDuplicateEdgeIncrementsWeight(t *testing.T) {
	g := kgraph.NewGraph()
	ex := kgraph.Extraction{
		Nodes: []kgraph.ExtractedNode{
			{Kind: "person", Name: "Ada"},
			{Kind: "place", Name: "London"},
		},
		Edges: []kgraph.ExtractedEdge{
			{FromName: "Ada", ToName: "London", Label: "lives_in", Weight: 1},
		},
	}

	res := g.Apply(ex)
	require.Equal(t, 1, res.NewEdges)

	res = g.Apply(kgraph.Extraction{Edges: ex.Edges})
	assert.Zero(t, res.NewEdges)
	assert.Equal(t, 1, res.Reinforced)
	assert.Equal(t, 1, g.EdgeCount())

	_, edges := g.Dump()
	require.Len(t, edges, 1)
	assert.InDelta(t, 2.0, edges[0].Weight, 1e-9)
}

func TestApplyDropsEdgesWithUnknownEndpoints(t *testing.T) {
	g := kgraph.NewGraph()
	res := g.Apply(kgraph.Extraction{
		Nodes: []kgraph.ExtractedNode{{Kind: "person", Name: "Ada"}},
		Edges: []kgraph.ExtractedEdge{
			{FromName: "Ada", ToName: "Nobody", Label: "knows"},
		},
	})
	assert.Zero(t, res.NewEdges)
	assert.Zero(t, g.EdgeCount())

	// Every stored edge must resolve against stored nodes.
	nodes, edges := g.Dump()
	known := map[string]bool{}
	for _, n := range nodes {
		known[n.ID] = true
	}
	for _, e := range edges {
		assert.True(t, known[e.From])
		assert.True(t, known[e.To])
	}
}

// chain builds a -> b -> c -> d with one label.
func chain(t *testing.T) *kgraph.Graph {
	t.Helper()
	g := kgraph.NewGraph()
	g.Apply(kgraph.Extraction{
		Nodes: []kgraph.ExtractedNode{
			{Kind: "e", Name: "a"}, {Kind: "e", Name: "b"},
			{Kind: "e", Name: "c"}, {Kind: "e", Name: "d"},
		},
		Edges: []kgraph.ExtractedEdge{
			{FromName: "a", ToName: "b", Label: "next"},
			{FromName: "b", ToName: "c", Label: "next"},
			{FromName: "c", ToName: "d", Label: "next"},
		},
	})
	return g
}

func TestNeighboursHonoursHopLimit(t *testing.T) {
	g := chain(t)
	seed := []string{kgraph.NodeID("e", "a")}

	visits := g.Neighbours(seed, 2, nil, 100)
	require.Len(t, visits, 3) // a (hop 0), b (1), c (2)
	assert.Equal(t, 0, visits[0].Hops)
	assert.Equal(t, kgraph.NodeID("e", "a"), visits[0].NodeID)
	assert.Equal(t, 2, visits[2].Hops)
	assert.Equal(t, kgraph.NodeID("e", "c"), visits[2].NodeID)
}

func TestNeighboursHonoursVisitBudget(t *testing.T) {
	g := chain(t)
	seed := []string{kgraph.NodeID("e", "a")}

	visits := g.Neighbours(seed, 10, nil, 2)
	assert.Len(t, visits, 2)
}

func TestNeighboursTraversesBothDirections(t *testing.T) {
	g := chain(t)
	seed := []string{kgraph.NodeID("e", "c")}

	visits := g.Neighbours(seed, 1, nil, 100)
	ids := make([]string, 0, len(visits))
	for _, v := range visits {
		ids = append(ids, v.NodeID)
	}
	assert.Contains(t, ids, kgraph.NodeID("e", "b"))
	assert.Contains(t, ids, kgraph.NodeID("e", "d"))
}

func TestNeighboursEdgeFilter(t *testing.T) {
	g := chain(t)
	seed := []string{kgraph.NodeID("e", "a")}

	visits := g.Neighbours(seed, 3, func(e kgraph.Edge) bool { return e.Label != "next" }, 100)
	require.Len(t, visits, 1)
	assert.Equal(t, seed[0], visits[0].NodeID)
}

func TestFindByNameAcrossKinds(t *testing.T) {
	g := kgraph.NewGraph()
	g.Apply(kgraph.Extraction{
		Nodes: []kgraph.ExtractedNode{
			{Kind: "person", Name: "Mercury"},
			{Kind: "planet", Name: "Mercury"},
		},
	})

	assert.Len(t, g.FindByName("mercury", ""), 2)
	assert.Equal(t, []string{kgraph.NodeID("planet", "Mercury")}, g.FindByName("mercury", "planet"))
	assert.Empty(t, g.FindByName("mercury", "animal"))
}

func TestSubgraphInducedEdges(t *testing.T) {
	g := chain(t)
	ids := []string{kgraph.NodeID("e", "a"), kgraph.NodeID("e", "b"), "missing"}

	nodes, edges := g.Subgraph(ids)
	require.Len(t, nodes, 2)
	require.Len(t, edges, 1)
	assert.Equal(t, kgraph.NodeID("e", "a"), edges[0].From)
	assert.Equal(t, kgraph.NodeID("e", "b"), edges[0].To)
}

func TestCheckpointRoundTrip(t *testing.T) {
	g := chain(t)
	g.Apply(kgraph.Extraction{
		Nodes: []kgraph.ExtractedNode{
			{Kind: "e", Name: "a", Props: map[string]string{"seen": "often", "mood": "good"}},
		},
	})
	nodes, edges := g.Dump()

	data := kgraph.EncodeCheckpoint(kgraph.Checkpoint{
		Version:   7,
		CreatedMs: 1700000000000,
		Nodes:     nodes,
		Edges:     edges,
	})

	decoded, err := kgraph.DecodeCheckpoint(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), decoded.Version)
	assert.Equal(t, int64(1700000000000), decoded.CreatedMs)
	assert.Equal(t, nodes, decoded.Nodes)
	assert.Equal(t, edges, decoded.Edges)

	rebuilt, err := decoded.Rebuild()
	require.NoError(t, err)
	assert.Equal(t, g.NodeCount(), rebuilt.NodeCount())
	assert.Equal(t, g.EdgeCount(), rebuilt.EdgeCount())

	gotNodes, gotEdges := rebuilt.Dump()
	assert.Equal(t, nodes, gotNodes)
	assert.Equal(t, edges, gotEdges)
}

func TestDecodeCheckpointRejectsTampering(t *testing.T) {
	g := chain(t)
	nodes, edges := g.Dump()
	data := kgraph.EncodeCheckpoint(kgraph.Checkpoint{Version: 1, Nodes: nodes, Edges: edges})

	for _, pos := range []int{0, 10, len(data) / 2, len(data) - 1} {
		mutated := make([]byte, len(data))
		copy(mutated, data)
		mutated[pos] ^= 0x01

		_, err := kgraph.DecodeCheckpoint(mutated)
		assert.True(t, appErrors.IsIndexCorrupted(err), "byte %d: got %v", pos, err)
	}
}

func TestRebuildRejectsDanglingEdge(t *testing.T) {
	ckpt := kgraph.Checkpoint{
		Version: 1,
		Nodes:   []kgraph.Node{{ID: "e:a", Kind: "e", Name: "a", NormName: "a"}},
		Edges:   []kgraph.Edge{{From: "e:a", To: "e:ghost", Label: "next", Weight: 1}},
	}
	_, err := ckpt.Rebuild()
	assert.True(t, appErrors.IsIndexCorrupted(err), "got %v", err)
}
