package vector

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"

	appErrors "memvault-backend/internal/errors"
)

// Snapshot is the durable form of one user's index: the live entries only.
// Loading rebuilds the graph, which sheds tombstones and keeps the codec
// independent of link-structure details.
//
// Wire layout (big-endian):
//
//	magic     4 bytes "MVI1"
//	format    2 bytes (1)
//	dimension 4 bytes
//	version   8 bytes  monotonic per user
//	createdMs 8 bytes
//	count     4 bytes
//	entries   count × (idLen 2 bytes, id, dimension × 4-byte float bits)
//	checksum  8 bytes  xxhash64 of everything above
type Snapshot struct {
	Dimension int
	Version   uint64
	CreatedMs int64
	Entries   []Entry
}

var snapshotMagic = [4]byte{'M', 'V', 'I', '1'}

const (
	snapshotFormat    = uint16(1)
	snapshotHeaderLen = 4 + 2 + 4 + 8 + 8 + 4
	snapshotMaxIDLen  = 512
)

// EncodeSnapshot renders the snapshot bytes.
func EncodeSnapshot(s Snapshot) []byte {
	size := snapshotHeaderLen + 8
	for _, e := range s.Entries {
		size += 2 + len(e.ID) + 4*s.Dimension
	}
	buf := make([]byte, 0, size)

	buf = append(buf, snapshotMagic[:]...)
	buf = binary.BigEndian.AppendUint16(buf, snapshotFormat)
	buf = binary.BigEndian.AppendUint32(buf, uint32(s.Dimension))
	buf = binary.BigEndian.AppendUint64(buf, s.Version)
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.CreatedMs))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.Entries)))

	for _, e := range s.Entries {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.ID)))
		buf = append(buf, e.ID...)
		for _, v := range e.Vector {
			buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	buf = binary.BigEndian.AppendUint64(buf, xxhash.Sum64(buf))
	return buf
}

// DecodeSnapshot parses snapshot bytes. Any structural problem or checksum
// mismatch is IndexCorrupted: the snapshot must not be silently partially
// applied.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	if len(data) < snapshotHeaderLen+8 {
		return Snapshot{}, appErrors.NewIndexCorrupted("index snapshot truncated", nil)
	}

	body, trailer := data[:len(data)-8], data[len(data)-8:]
	if binary.BigEndian.Uint64(trailer) != xxhash.Sum64(body) {
		return Snapshot{}, appErrors.NewIndexCorrupted("index snapshot checksum mismatch", nil)
	}
	if [4]byte(body[:4]) != snapshotMagic {
		return Snapshot{}, appErrors.NewIndexCorrupted("bad index snapshot magic", nil)
	}
	if binary.BigEndian.Uint16(body[4:]) != snapshotFormat {
		return Snapshot{}, appErrors.NewIndexCorrupted("unsupported index snapshot format", nil)
	}

	s := Snapshot{
		Dimension: int(binary.BigEndian.Uint32(body[6:])),
		Version:   binary.BigEndian.Uint64(body[10:]),
		CreatedMs: int64(binary.BigEndian.Uint64(body[18:])),
	}
	count := int(binary.BigEndian.Uint32(body[26:]))
	if s.Dimension <= 0 || count < 0 {
		return Snapshot{}, appErrors.NewIndexCorrupted("index snapshot header out of range", nil)
	}

	off := snapshotHeaderLen
	s.Entries = make([]Entry, 0, count)
	for i := 0; i < count; i++ {
		if off+2 > len(body) {
			return Snapshot{}, appErrors.NewIndexCorrupted("index snapshot entry truncated", nil)
		}
		idLen := int(binary.BigEndian.Uint16(body[off:]))
		off += 2
		if idLen == 0 || idLen > snapshotMaxIDLen || off+idLen+4*s.Dimension > len(body) {
			return Snapshot{}, appErrors.NewIndexCorrupted("index snapshot entry malformed", nil)
		}
		id := string(body[off : off+idLen])
		off += idLen
		vec := make([]float32, s.Dimension)
		for j := range vec {
			vec[j] = math.Float32frombits(binary.BigEndian.Uint32(body[off:]))
			off += 4
		}
		s.Entries = append(s.Entries, Entry{ID: id, Vector: vec})
	}
	if off != len(body) {
		return Snapshot{}, appErrors.NewIndexCorrupted("index snapshot has trailing bytes", nil)
	}
	return s, nil
}

// Rebuild constructs a fresh index from snapshot entries. Entry ids were
// sorted at encode time, so the graph comes out the same on every load.
func (s Snapshot) Rebuild(cfg IndexConfig) (*Index, error) {
	ix, err := NewIndex(s.Dimension, cfg)
	if err != nil {
		return nil, err
	}
	for _, e := range s.Entries {
		if err := ix.Add(e.ID, e.Vector); err != nil {
			return nil, appErrors.NewIndexCorrupted("index snapshot entry not addable", err)
		}
	}
	return ix, nil
}
