// Package vector owns the per-user approximate-nearest-neighbour indexes:
// an in-memory HNSW graph per user, a binary snapshot codec, and a Manager
// that loads, warms, flushes, and evicts indexes on demand.
package vector

import (
	"container/heap"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	appErrors "memvault-backend/internal/errors"
)

// Entry is one (vector id, vector) pair.
type Entry struct {
	ID     string
	Vector []float32
}

// Result is one search hit. Score is cosine similarity in [-1, 1].
type Result struct {
	ID    string
	Score float64
}

// IndexConfig carries the HNSW construction parameters.
type IndexConfig struct {
	M              int
	EfConstruction int
	EfSearch       int
}

func (c *IndexConfig) applyDefaults() {
	if c.M <= 1 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 50
	}
}

const maxLevelCap = 24

type node struct {
	id      string
	vec     []float32
	friends [][]*node
	deleted bool
}

func (n *node) level() int { return len(n.friends) - 1 }

// Index is a single-user HNSW graph over unit-normalised vectors, so cosine
// similarity reduces to a dot product. Writes take the write lock; searches
// run under the read lock. Removed and replaced nodes stay in the graph as
// tombstones for connectivity and are filtered from results; snapshots carry
// only live entries, so a reload sheds them.
type Index struct {
	mu    sync.RWMutex
	cfg   IndexConfig
	dim   int
	mL    float64
	nodes map[string]*node
	entry *node
	live  int
}

// NewIndex builds an empty index for vectors of the given width.
func NewIndex(dim int, cfg IndexConfig) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vector: dimension must be positive, got %d", dim)
	}
	cfg.applyDefaults()
	return &Index{
		cfg:   cfg,
		dim:   dim,
		mL:    1 / math.Log(float64(cfg.M)),
		nodes: make(map[string]*node),
	}, nil
}

// Dimension returns the vector width the index accepts.
func (ix *Index) Dimension() int { return ix.dim }

// Len returns the number of live vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.live
}

// Contains reports whether a live vector with the id exists.
func (ix *Index) Contains(id string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n, ok := ix.nodes[id]
	return ok && !n.deleted
}

// levelFor derives the node level from the id so the same id always lands on
// the same level, making rebuilds reproducible.
func (ix *Index) levelFor(id string) int {
	h := xxhash.Sum64String(id)
	u := (float64(h>>11) + 1) / float64(1<<53)
	l := int(-math.Log(u) * ix.mL)
	if l > maxLevelCap {
		l = maxLevelCap
	}
	return l
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	out := make([]float32, len(vec))
	if norm == 0 {
		copy(out, vec)
		return out
	}
	scale := float32(1 / math.Sqrt(norm))
	for i, v := range vec {
		out[i] = v * scale
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func (ix *Index) maxFriends(level int) int {
	if level == 0 {
		return 2 * ix.cfg.M
	}
	return ix.cfg.M
}

// Add inserts a vector, replacing any live vector with the same id.
func (ix *Index) Add(id string, vec []float32) error {
	if id == "" {
		return appErrors.NewInvalidInput("vector id must not be empty")
	}
	if len(vec) != ix.dim {
		return appErrors.NewInvalidInput(
			fmt.Sprintf("vector width %d does not match index width %d", len(vec), ix.dim))
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if old, ok := ix.nodes[id]; ok && !old.deleted {
		old.deleted = true
		ix.live--
	}

	level := ix.levelFor(id)
	n := &node{
		id:      id,
		vec:     normalize(vec),
		friends: make([][]*node, level+1),
	}
	ix.nodes[id] = n
	ix.live++

	if ix.entry == nil {
		ix.entry = n
		return nil
	}

	cur := ix.entry
	for l := ix.entry.level(); l > level; l-- {
		cur = ix.greedyClosest(n.vec, cur, l)
	}

	top := level
	if el := ix.entry.level(); el < top {
		top = el
	}
	for l := top; l >= 0; l-- {
		candidates := ix.searchLayer(n.vec, cur, ix.cfg.EfConstruction, l)
		neighbours := candidates
		if len(neighbours) > ix.cfg.M {
			neighbours = neighbours[:ix.cfg.M]
		}
		for _, nb := range neighbours {
			ix.connect(n, nb.n, l)
		}
		if len(candidates) > 0 {
			cur = candidates[0].n
		}
	}

	if level > ix.entry.level() {
		ix.entry = n
	}
	return nil
}

// Remove tombstones a live vector. It reports whether anything was removed.
func (ix *Index) Remove(id string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n, ok := ix.nodes[id]
	if !ok || n.deleted {
		return false
	}
	n.deleted = true
	ix.live--
	delete(ix.nodes, id)
	return true
}

// connect links a and b bidirectionally at the level, trimming whichever
// list overflows back to the closest allowed set.
func (ix *Index) connect(a, b *node, level int) {
	a.friends[level] = append(a.friends[level], b)
	b.friends[level] = append(b.friends[level], a)
	ix.trim(a, level)
	ix.trim(b, level)
}

func (ix *Index) trim(n *node, level int) {
	limit := ix.maxFriends(level)
	friends := n.friends[level]
	if len(friends) <= limit {
		return
	}
	sort.SliceStable(friends, func(i, j int) bool {
		si, sj := dot(n.vec, friends[i].vec), dot(n.vec, friends[j].vec)
		if si != sj {
			return si > sj
		}
		return friends[i].id < friends[j].id
	})
	n.friends[level] = friends[:limit]
}

// greedyClosest walks level links towards the query until no friend improves.
func (ix *Index) greedyClosest(q []float32, entry *node, level int) *node {
	cur, curScore := entry, dot(q, entry.vec)
	for {
		improved := false
		if level < len(cur.friends) {
			for _, f := range cur.friends[level] {
				if s := dot(q, f.vec); s > curScore {
					cur, curScore = f, s
					improved = true
				}
			}
		}
		if !improved {
			return cur
		}
	}
}

type scoredNode struct {
	n     *node
	score float64
}

// candidateHeap pops the best-scoring node first.
type candidateHeap []scoredNode

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return h[i].score > h[j].score }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(scoredNode)) }

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// resultHeap pops the worst-scoring node first so it can cap itself at ef.
type resultHeap []scoredNode

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return h[i].score < h[j].score }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)        { *h = append(*h, x.(scoredNode)) }

func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// searchLayer runs the beam search at one level and returns up to ef nodes
// sorted best-first.
func (ix *Index) searchLayer(q []float32, entry *node, ef, level int) []scoredNode {
	entryScore := dot(q, entry.vec)
	visited := map[*node]bool{entry: true}
	candidates := &candidateHeap{{entry, entryScore}}
	results := &resultHeap{{entry, entryScore}}

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(scoredNode)
		if results.Len() >= ef && c.score < (*results)[0].score {
			break
		}
		if level < len(c.n.friends) {
			for _, f := range c.n.friends[level] {
				if visited[f] {
					continue
				}
				visited[f] = true
				s := dot(q, f.vec)
				if results.Len() < ef || s > (*results)[0].score {
					heap.Push(candidates, scoredNode{f, s})
					heap.Push(results, scoredNode{f, s})
					if results.Len() > ef {
						heap.Pop(results)
					}
				}
			}
		}
	}

	out := make([]scoredNode, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(scoredNode)
	}
	return out
}

// Search returns the k nearest live vectors to the query, best first. Ties
// on score break by id ascending so identical indexes answer identically.
func (ix *Index) Search(query []float32, k, ef int) ([]Result, error) {
	if len(query) != ix.dim {
		return nil, appErrors.NewInvalidInput(
			fmt.Sprintf("query width %d does not match index width %d", len(query), ix.dim))
	}
	if k <= 0 {
		return nil, nil
	}
	if ef < k {
		ef = k
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.entry == nil || ix.live == 0 {
		return nil, nil
	}

	q := normalize(query)
	cur := ix.entry
	for l := ix.entry.level(); l > 0; l-- {
		cur = ix.greedyClosest(q, cur, l)
	}

	candidates := ix.searchLayer(q, cur, ef, 0)
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if c.n.deleted || ix.nodes[c.n.id] != c.n {
			continue
		}
		results = append(results, Result{ID: c.n.id, Score: c.score})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Entries returns all live entries sorted by id, for snapshotting. Vectors
// are the stored normalised copies.
func (ix *Index) Entries() []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Entry, 0, ix.live)
	for id, n := range ix.nodes {
		if n.deleted {
			continue
		}
		vec := make([]float32, len(n.vec))
		copy(vec, n.vec)
		out = append(out, Entry{ID: id, Vector: vec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
