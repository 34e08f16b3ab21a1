// Package kgraph maintains a per-user directed labelled multigraph of
// entities extracted from memories, checkpointed as a single blob per user.
package kgraph

import (
	"sort"
	"strings"
)

// Node is one entity in a user's graph. NormName is the lower-cased,
// whitespace-collapsed form of Name and, with Kind, the upsert key.
type Node struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
	Name     string            `json:"name"`
	NormName string            `json:"norm_name"`
	Props    map[string]string `json:"props,omitempty"`
}

// Edge is one labelled connection. Repeated (From, To, Label) triples
// accumulate weight instead of creating parallel edges.
type Edge struct {
	From   string            `json:"from"`
	To     string            `json:"to"`
	Label  string            `json:"label"`
	Weight float64           `json:"weight"`
	Props  map[string]string `json:"props,omitempty"`
}

// ExtractedNode is one entity produced by the extractor, before resolution
// against the graph.
type ExtractedNode struct {
	Kind  string            `json:"kind"`
	Name  string            `json:"name"`
	Props map[string]string `json:"props,omitempty"`
}

// ExtractedEdge names its endpoints; resolution to node ids happens on apply.
type ExtractedEdge struct {
	FromName string  `json:"from_name"`
	ToName   string  `json:"to_name"`
	Label    string  `json:"label"`
	Weight   float64 `json:"weight"`
}

// Extraction is the unit of graph mutation.
type Extraction struct {
	Nodes []ExtractedNode `json:"nodes"`
	Edges []ExtractedEdge `json:"edges"`
}

// Empty reports whether the extraction carries nothing to apply.
func (e Extraction) Empty() bool {
	return len(e.Nodes) == 0 && len(e.Edges) == 0
}

// NormalizeName lower-cases and whitespace-collapses a name for comparison.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NodeID derives the stable id for a (kind, name) pair. Ids are deterministic
// so callers can reference nodes before the asynchronous apply runs, and so
// rebuilt checkpoints resolve the same references.
func NodeID(kind, name string) string {
	k := NormalizeName(kind)
	if k == "" {
		k = "entity"
	}
	return k + ":" + NormalizeName(name)
}

type edgeKey struct {
	from, to, label string
}

// Graph is one user's in-memory graph. It is not synchronised; the manager
// serialises writers and hands read methods copies under its own lock.
type Graph struct {
	nodes  map[string]*Node
	byName map[string][]string
	edges  map[edgeKey]*Edge
	// adj holds neighbour ids per node for both edge directions, so
	// traversal reaches an entity from either end of a relation.
	adj map[string][]*Edge
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:  make(map[string]*Node),
		byName: make(map[string][]string),
		edges:  make(map[edgeKey]*Edge),
		adj:    make(map[string][]*Edge),
	}
}

// NodeCount returns the number of live nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// EdgeCount returns the number of distinct (from, to, label) edges.
func (g *Graph) EdgeCount() int { return len(g.edges) }

// ApplyResult summarises one extraction apply.
type ApplyResult struct {
	NodeIDs    []string
	NewNodes   int
	NewEdges   int
	Reinforced int
	Mutations  int
}

// Apply upserts extracted nodes and appends extracted edges. Nodes are
// reused by (kind, normalised name); edges whose endpoints do not resolve to
// a node are dropped so every stored edge references existing nodes.
func (g *Graph) Apply(ex Extraction) ApplyResult {
	var res ApplyResult
	touched := make(map[string]struct{})

	for _, en := range ex.Nodes {
		norm := NormalizeName(en.Name)
		if norm == "" {
			continue
		}
		kind := NormalizeName(en.Kind)
		if kind == "" {
			kind = "entity"
		}
		id := kind + ":" + norm

		n, ok := g.nodes[id]
		if !ok {
			n = &Node{ID: id, Kind: kind, Name: en.Name, NormName: norm}
			g.nodes[id] = n
			g.byName[norm] = append(g.byName[norm], id)
			res.NewNodes++
			res.Mutations++
		}
		if len(en.Props) > 0 {
			if n.Props == nil {
				n.Props = make(map[string]string, len(en.Props))
			}
			for k, v := range en.Props {
				if n.Props[k] != v {
					n.Props[k] = v
					res.Mutations++
				}
			}
		}
		touched[id] = struct{}{}
	}

	for _, ee := range ex.Edges {
		from := g.resolve(ee.FromName)
		to := g.resolve(ee.ToName)
		if from == "" || to == "" || from == to {
			continue
		}
		label := NormalizeName(ee.Label)
		if label == "" {
			label = "related_to"
		}
		weight := ee.Weight
		if weight <= 0 {
			weight = 1
		}

		key := edgeKey{from: from, to: to, label: label}
		if e, ok := g.edges[key]; ok {
			e.Weight += weight
			res.Reinforced++
		} else {
			e := &Edge{From: from, To: to, Label: label, Weight: weight}
			g.edges[key] = e
			g.adj[from] = append(g.adj[from], e)
			g.adj[to] = append(g.adj[to], e)
			res.NewEdges++
		}
		res.Mutations++
		touched[from] = struct{}{}
		touched[to] = struct{}{}
	}

	res.NodeIDs = make([]string, 0, len(touched))
	for id := range touched {
		res.NodeIDs = append(res.NodeIDs, id)
	}
	sort.Strings(res.NodeIDs)
	return res
}

// resolve maps an extracted endpoint name to a node id. Names resolve across
// kinds; when several kinds share a name the earliest-created node wins.
func (g *Graph) resolve(name string) string {
	norm := NormalizeName(name)
	if norm == "" {
		return ""
	}
	if ids := g.byName[norm]; len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// FindByName returns the ids of nodes matching the normalised name,
// optionally restricted to one kind.
func (g *Graph) FindByName(name, kind string) []string {
	norm := NormalizeName(name)
	if norm == "" {
		return nil
	}
	if kind != "" {
		id := NormalizeName(kind) + ":" + norm
		if _, ok := g.nodes[id]; ok {
			return []string{id}
		}
		return nil
	}
	ids := g.byName[norm]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Visit is one node reached by a traversal, with its hop distance from the
// nearest seed.
type Visit struct {
	NodeID string
	Hops   int
}

// Neighbours walks breadth-first from the seed ids, following edges in both
// directions, bounded by maxHops and a total visit budget. Unknown seeds are
// ignored. The result is ordered by hops ascending, then node id.
func (g *Graph) Neighbours(seeds []string, maxHops int, filter func(Edge) bool, visitBudget int) []Visit {
	if maxHops < 0 {
		maxHops = 0
	}
	if visitBudget <= 0 {
		return nil
	}

	hops := make(map[string]int)
	var frontier []string
	for _, id := range seeds {
		if _, ok := g.nodes[id]; !ok {
			continue
		}
		if _, seen := hops[id]; seen {
			continue
		}
		hops[id] = 0
		frontier = append(frontier, id)
		if len(hops) >= visitBudget {
			break
		}
	}
	sort.Strings(frontier)

	for depth := 1; depth <= maxHops && len(frontier) > 0 && len(hops) < visitBudget; depth++ {
		var next []string
		for _, id := range frontier {
			for _, e := range g.adj[id] {
				if filter != nil && !filter(*e) {
					continue
				}
				other := e.To
				if other == id {
					other = e.From
				}
				if _, seen := hops[other]; seen {
					continue
				}
				hops[other] = depth
				next = append(next, other)
				if len(hops) >= visitBudget {
					break
				}
			}
			if len(hops) >= visitBudget {
				break
			}
		}
		sort.Strings(next)
		frontier = next
	}

	out := make([]Visit, 0, len(hops))
	for id, h := range hops {
		out = append(out, Visit{NodeID: id, Hops: h})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hops != out[j].Hops {
			return out[i].Hops < out[j].Hops
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// Subgraph returns copies of the named nodes and every edge whose endpoints
// are both in the set. Unknown ids are skipped.
func (g *Graph) Subgraph(ids []string) ([]Node, []Edge) {
	want := make(map[string]struct{}, len(ids))
	var nodes []Node
	for _, id := range ids {
		if _, dup := want[id]; dup {
			continue
		}
		n, ok := g.nodes[id]
		if !ok {
			continue
		}
		want[id] = struct{}{}
		nodes = append(nodes, copyNode(n))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	var edges []Edge
	for _, e := range g.edges {
		if _, ok := want[e.From]; !ok {
			continue
		}
		if _, ok := want[e.To]; !ok {
			continue
		}
		edges = append(edges, copyEdge(e))
	}
	sortEdges(edges)
	return nodes, edges
}

// Dump returns sorted copies of every node and edge, for checkpointing.
func (g *Graph) Dump() ([]Node, []Edge) {
	nodes := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, copyNode(n))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	edges := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		edges = append(edges, copyEdge(e))
	}
	sortEdges(edges)
	return nodes, edges
}

func copyNode(n *Node) Node {
	out := *n
	if n.Props != nil {
		out.Props = make(map[string]string, len(n.Props))
		for k, v := range n.Props {
			out.Props[k] = v
		}
	}
	return out
}

func copyEdge(e *Edge) Edge {
	out := *e
	if e.Props != nil {
		out.Props = make(map[string]string, len(e.Props))
		for k, v := range e.Props {
			out.Props[k] = v
		}
	}
	return out
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		return edges[i].Label < edges[j].Label
	})
}
