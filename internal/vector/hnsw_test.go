package vector_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/vector"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const dim = 8

// axis returns a unit vector along one axis, nudged by eps so near-neighbour
// rankings are unambiguous.
func axis(i int, eps float32) []float32 {
	v := make([]float32, dim)
	v[i%dim] = 1
	v[(i+1)%dim] = eps
	return v
}

func newIndex(t *testing.T) *vector.Index {
	t.Helper()
	ix, err := vector.NewIndex(dim, vector.IndexConfig{})
	require.NoError(t, err)
	return ix
}

func TestEmptyIndexAnswersNothing(t *testing.T) {
	ix := newIndex(t)
	results, err := ix.Search(axis(0, 0), 5, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 0, ix.Len())
}

func TestSearchRanksExactMatchFirst(t *testing.T) {
	ix := newIndex(t)
	for i := 0; i < dim; i++ {
		require.NoError(t, ix.Add(fmt.Sprintf("vec-%d", i), axis(i, 0.05)))
	}

	results, err := ix.Search(axis(3, 0.05), 3, 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "vec-3", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)

	// Scores come back best first.
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestSearchHonoursK(t *testing.T) {
	ix := newIndex(t)
	for i := 0; i < dim; i++ {
		require.NoError(t, ix.Add(fmt.Sprintf("vec-%d", i), axis(i, 0.05)))
	}
	results, err := ix.Search(axis(0, 0.05), 2, 16)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestAddReplacesSameID(t *testing.T) {
	ix := newIndex(t)
	require.NoError(t, ix.Add("vec-a", axis(0, 0)))
	require.NoError(t, ix.Add("vec-b", axis(1, 0)))
	require.NoError(t, ix.Add("vec-a", axis(2, 0)))
	assert.Equal(t, 2, ix.Len())

	results, err := ix.Search(axis(2, 0), 1, 8)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "vec-a", results[0].ID)

	// The old position no longer answers for vec-a.
	results, err = ix.Search(axis(0, 0), 2, 8)
	require.NoError(t, err)
	for _, r := range results {
		if r.ID == "vec-a" {
			assert.Less(t, r.Score, 0.5)
		}
	}
}

func TestRemoveExcludesFromResults(t *testing.T) {
	ix := newIndex(t)
	for i := 0; i < 4; i++ {
		require.NoError(t, ix.Add(fmt.Sprintf("vec-%d", i), axis(i, 0.05)))
	}
	assert.True(t, ix.Remove("vec-1"))
	assert.False(t, ix.Remove("vec-1"))
	assert.False(t, ix.Contains("vec-1"))
	assert.Equal(t, 3, ix.Len())

	results, err := ix.Search(axis(1, 0.05), 4, 16)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "vec-1", r.ID)
	}
}

func TestTiedScoresBreakByID(t *testing.T) {
	ix := newIndex(t)
	// Three identical vectors plus one decoy.
	for _, id := range []string{"vec-c", "vec-a", "vec-b"} {
		require.NoError(t, ix.Add(id, axis(0, 0)))
	}
	require.NoError(t, ix.Add("decoy", axis(4, 0)))

	results, err := ix.Search(axis(0, 0), 3, 16)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"vec-a", "vec-b", "vec-c"},
		[]string{results[0].ID, results[1].ID, results[2].ID})
}

func TestWidthMismatchIsInvalidInput(t *testing.T) {
	ix := newIndex(t)
	err := ix.Add("vec-a", make([]float32, dim+1))
	assert.True(t, appErrors.IsInvalidInput(err), "got %v", err)

	_, err = ix.Search(make([]float32, dim-1), 1, 8)
	assert.True(t, appErrors.IsInvalidInput(err), "got %v", err)

	err = ix.Add("", axis(0, 0))
	assert.True(t, appErrors.IsInvalidInput(err), "got %v", err)
}

func TestEntriesSortedAndUnitLength(t *testing.T) {
	ix := newIndex(t)
	require.NoError(t, ix.Add("vec-b", []float32{0, 3, 0, 0, 0, 0, 0, 0}))
	require.NoError(t, ix.Add("vec-a", []float32{2, 0, 0, 0, 0, 0, 0, 0}))

	entries := ix.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "vec-a", entries[0].ID)
	assert.Equal(t, "vec-b", entries[1].ID)
	for _, e := range entries {
		var norm float64
		for _, v := range e.Vector {
			norm += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
	}
}

func TestLargerIndexStillFindsStoredVector(t *testing.T) {
	ix := newIndex(t)
	const n = 64
	for i := 0; i < n; i++ {
		v := make([]float32, dim)
		for j := range v {
			// Deterministic spread over the sphere.
			v[j] = float32(math.Sin(float64(i*dim+j) * 0.7))
		}
		require.NoError(t, ix.Add(fmt.Sprintf("vec-%02d", i), v))
	}

	probe := make([]float32, dim)
	for j := range probe {
		probe[j] = float32(math.Sin(float64(17*dim+j) * 0.7))
	}
	results, err := ix.Search(probe, 5, n)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "vec-17", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)
}

func TestSnapshotRoundTrip(t *testing.T) {
	ix := newIndex(t)
	for i := 0; i < dim; i++ {
		require.NoError(t, ix.Add(fmt.Sprintf("vec-%d", i), axis(i, 0.05)))
	}

	snap := vector.Snapshot{
		Dimension: dim,
		Version:   7,
		CreatedMs: 1700000000000,
		Entries:   ix.Entries(),
	}
	decoded, err := vector.DecodeSnapshot(vector.EncodeSnapshot(snap))
	require.NoError(t, err)
	assert.Equal(t, snap.Dimension, decoded.Dimension)
	assert.Equal(t, snap.Version, decoded.Version)
	assert.Equal(t, snap.CreatedMs, decoded.CreatedMs)
	assert.Equal(t, snap.Entries, decoded.Entries)

	rebuilt, err := decoded.Rebuild(vector.IndexConfig{})
	require.NoError(t, err)
	assert.Equal(t, ix.Len(), rebuilt.Len())

	want, err := ix.Search(axis(2, 0.05), 3, 16)
	require.NoError(t, err)
	got, err := rebuilt.Search(axis(2, 0.05), 3, 16)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeRejectsDamage(t *testing.T) {
	good := vector.EncodeSnapshot(vector.Snapshot{
		Dimension: dim,
		Version:   1,
		CreatedMs: 1700000000000,
		Entries:   []vector.Entry{{ID: "vec-0", Vector: axis(0, 0)}},
	})

	cases := map[string][]byte{
		"empty":     nil,
		"truncated": good[:len(good)/2],
		"flipped byte": func() []byte {
			bad := append([]byte(nil), good...)
			bad[9] ^= 0xff
			return bad
		}(),
		"bad magic": func() []byte {
			bad := append([]byte(nil), good...)
			copy(bad, "XXXX")
			return bad
		}(),
		"extra trailing": append(append([]byte(nil), good...), 0),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := vector.DecodeSnapshot(data)
			assert.True(t, appErrors.IsIndexCorrupted(err), "got %v", err)
		})
	}
}
