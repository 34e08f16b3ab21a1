package kgraph

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	appErrors "memvault-backend/internal/errors"
)

// Checkpoint is the durable form of one user's graph.
//
// Wire layout (big-endian):
//
//	magic     4 bytes "MVG1"
//	format    2 bytes (1)
//	version   8 bytes  monotonic per user
//	createdMs 8 bytes
//	nodeCount 4 bytes
//	nodes     count × (id, kind, name, props)     strings length-prefixed
//	edgeCount 4 bytes
//	edges     count × (from, to, label, weight f64 bits, props)
//	checksum  8 bytes  xxhash64 of everything above
//
// NormName is not stored; it is recomputed from Name on rebuild.
type Checkpoint struct {
	Version   uint64
	CreatedMs int64
	Nodes     []Node
	Edges     []Edge
}

var checkpointMagic = [4]byte{'M', 'V', 'G', '1'}

const (
	checkpointFormat    = uint16(1)
	checkpointHeaderLen = 4 + 2 + 8 + 8
	checkpointMaxStr    = 4096
	checkpointMaxProps  = 64
)

func appendStr(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendProps(buf []byte, props map[string]string) []byte {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	// Sorted props keep the encoding byte-stable across runs.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(keys)))
	for _, k := range keys {
		buf = appendStr(buf, k)
		buf = appendStr(buf, props[k])
	}
	return buf
}

// EncodeCheckpoint renders the checkpoint bytes.
func EncodeCheckpoint(c Checkpoint) []byte {
	buf := make([]byte, 0, 1024)
	buf = append(buf, checkpointMagic[:]...)
	buf = binary.BigEndian.AppendUint16(buf, checkpointFormat)
	buf = binary.BigEndian.AppendUint64(buf, c.Version)
	buf = binary.BigEndian.AppendUint64(buf, uint64(c.CreatedMs))

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Nodes)))
	for _, n := range c.Nodes {
		buf = appendStr(buf, n.ID)
		buf = appendStr(buf, n.Kind)
		buf = appendStr(buf, n.Name)
		buf = appendProps(buf, n.Props)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Edges)))
	for _, e := range c.Edges {
		buf = appendStr(buf, e.From)
		buf = appendStr(buf, e.To)
		buf = appendStr(buf, e.Label)
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(e.Weight))
		buf = appendProps(buf, e.Props)
	}

	buf = binary.BigEndian.AppendUint64(buf, xxhash.Sum64(buf))
	return buf
}

type checkpointReader struct {
	body []byte
	off  int
	err  error
}

func (r *checkpointReader) fail(msg string) {
	if r.err == nil {
		r.err = appErrors.NewIndexCorrupted("graph checkpoint "+msg, nil)
	}
}

func (r *checkpointReader) str() string {
	if r.err != nil {
		return ""
	}
	if r.off+2 > len(r.body) {
		r.fail("truncated")
		return ""
	}
	n := int(binary.BigEndian.Uint16(r.body[r.off:]))
	r.off += 2
	if n > checkpointMaxStr || r.off+n > len(r.body) {
		r.fail("string out of range")
		return ""
	}
	s := string(r.body[r.off : r.off+n])
	r.off += n
	return s
}

func (r *checkpointReader) props() map[string]string {
	if r.err != nil {
		return nil
	}
	if r.off+2 > len(r.body) {
		r.fail("truncated")
		return nil
	}
	n := int(binary.BigEndian.Uint16(r.body[r.off:]))
	r.off += 2
	if n == 0 {
		return nil
	}
	if n > checkpointMaxProps {
		r.fail("props out of range")
		return nil
	}
	props := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k := r.str()
		v := r.str()
		if r.err != nil {
			return nil
		}
		props[k] = v
	}
	return props
}

func (r *checkpointReader) u32() int {
	if r.err != nil {
		return 0
	}
	if r.off+4 > len(r.body) {
		r.fail("truncated")
		return 0
	}
	v := binary.BigEndian.Uint32(r.body[r.off:])
	r.off += 4
	return int(v)
}

func (r *checkpointReader) f64() float64 {
	if r.err != nil {
		return 0
	}
	if r.off+8 > len(r.body) {
		r.fail("truncated")
		return 0
	}
	v := math.Float64frombits(binary.BigEndian.Uint64(r.body[r.off:]))
	r.off += 8
	return v
}

// DecodeCheckpoint parses checkpoint bytes. Any structural problem or
// checksum mismatch is IndexCorrupted.
func DecodeCheckpoint(data []byte) (Checkpoint, error) {
	if len(data) < checkpointHeaderLen+4+4+8 {
		return Checkpoint{}, appErrors.NewIndexCorrupted("graph checkpoint truncated", nil)
	}
	body, trailer := data[:len(data)-8], data[len(data)-8:]
	if binary.BigEndian.Uint64(trailer) != xxhash.Sum64(body) {
		return Checkpoint{}, appErrors.NewIndexCorrupted("graph checkpoint checksum mismatch", nil)
	}
	if [4]byte(body[:4]) != checkpointMagic {
		return Checkpoint{}, appErrors.NewIndexCorrupted("bad graph checkpoint magic", nil)
	}
	if binary.BigEndian.Uint16(body[4:]) != checkpointFormat {
		return Checkpoint{}, appErrors.NewIndexCorrupted("unsupported graph checkpoint format", nil)
	}

	c := Checkpoint{
		Version:   binary.BigEndian.Uint64(body[6:]),
		CreatedMs: int64(binary.BigEndian.Uint64(body[14:])),
	}
	r := &checkpointReader{body: body, off: checkpointHeaderLen}

	nodeCount := r.u32()
	for i := 0; i < nodeCount && r.err == nil; i++ {
		n := Node{ID: r.str(), Kind: r.str(), Name: r.str(), Props: r.props()}
		n.NormName = NormalizeName(n.Name)
		c.Nodes = append(c.Nodes, n)
	}

	edgeCount := r.u32()
	for i := 0; i < edgeCount && r.err == nil; i++ {
		e := Edge{From: r.str(), To: r.str(), Label: r.str(), Weight: r.f64(), Props: r.props()}
		c.Edges = append(c.Edges, e)
	}

	if r.err != nil {
		return Checkpoint{}, r.err
	}
	if r.off != len(body) {
		return Checkpoint{}, appErrors.NewIndexCorrupted("graph checkpoint has trailing bytes", nil)
	}
	return c, nil
}

// Rebuild constructs a graph from checkpoint contents. Every edge must
// resolve to stored nodes; a dangling endpoint marks the whole checkpoint
// corrupt rather than silently dropping data.
func (c Checkpoint) Rebuild() (*Graph, error) {
	g := NewGraph()
	for i := range c.Nodes {
		n := copyNode(&c.Nodes[i])
		if n.ID == "" || n.NormName == "" {
			return nil, appErrors.NewIndexCorrupted("graph checkpoint node without identity", nil)
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, appErrors.NewIndexCorrupted("graph checkpoint duplicate node id", nil)
		}
		g.nodes[n.ID] = &n
		g.byName[n.NormName] = append(g.byName[n.NormName], n.ID)
	}
	for i := range c.Edges {
		e := copyEdge(&c.Edges[i])
		if _, ok := g.nodes[e.From]; !ok {
			return nil, appErrors.NewIndexCorrupted(
				fmt.Sprintf("graph checkpoint edge references missing node %q", e.From), nil)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return nil, appErrors.NewIndexCorrupted(
				fmt.Sprintf("graph checkpoint edge references missing node %q", e.To), nil)
		}
		key := edgeKey{from: e.From, to: e.To, label: e.Label}
		if _, dup := g.edges[key]; dup {
			return nil, appErrors.NewIndexCorrupted("graph checkpoint duplicate edge", nil)
		}
		g.edges[key] = &e
		g.adj[e.From] = append(g.adj[e.From], &e)
		g.adj[e.To] = append(g.adj[e.To], &e)
	}
	return g, nil
}
