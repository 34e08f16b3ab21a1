// Package memory defines the Memory aggregate, the atomic unit owned by a
// user: classified, embedded, encrypted content plus the references tying it
// to the blob store, the vector index, and the knowledge graph.
package memory

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"memvault-backend/internal/domain/identity"
	appErrors "memvault-backend/internal/errors"
)

// EncryptionType discriminates the encryption descriptor.
type EncryptionType string

const (
	EncryptionPlaintext EncryptionType = "plaintext"
	EncryptionIBE       EncryptionType = "ibe"
)

// Encryption describes how a memory's content blob is sealed.
type Encryption struct {
	Type EncryptionType `json:"type"`
	// Identity is the serialised encryption identity; empty for plaintext.
	Identity string `json:"identity,omitempty"`
	// AADHash is the hex hash binding plaintext to identity; empty for plaintext.
	AADHash string `json:"aad_hash,omitempty"`
}

// Category labels come from the classifier's closed set.
const (
	CategoryPersonal     = "personal"
	CategoryPreference   = "preference"
	CategoryFact         = "fact"
	CategoryEvent        = "event"
	CategoryRelationship = "relationship"
	CategoryOther        = "other"
)

// Categories lists every valid classifier label.
var Categories = []string{
	CategoryPersonal,
	CategoryPreference,
	CategoryFact,
	CategoryEvent,
	CategoryRelationship,
	CategoryOther,
}

// ValidCategory reports whether the label is in the closed set.
func ValidCategory(c string) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// NormalizeCategory maps unknown labels to CategoryOther.
func NormalizeCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if ValidCategory(c) {
		return c
	}
	return CategoryOther
}

// Memory is the atomic unit of remembered content.
type Memory struct {
	MemoryID       string           `json:"memory_id"`
	Owner          identity.Address `json:"owner"`
	Category       string           `json:"category"`
	CreatedAt      int64            `json:"created_at"`
	UpdatedAt      int64            `json:"updated_at"`
	Importance     float64          `json:"importance"`
	Tags           []string         `json:"tags,omitempty"`
	Keywords       []string         `json:"keywords,omitempty"`
	ContentRef     string           `json:"content_ref"`
	VectorRef      *int64           `json:"vector_ref,omitempty"`
	EmbeddingModel string           `json:"embedding_model"`
	Encryption     Encryption       `json:"encryption"`
	GraphRefs      []string         `json:"graph_refs,omitempty"`
}

// New creates a Memory with a fresh id and stamped timestamps. VectorRef is
// unset until the index enqueue succeeds.
func New(owner identity.Address, category string, importance float64, now time.Time) (*Memory, error) {
	if owner.IsEmpty() {
		return nil, appErrors.NewInvalidInput("memory owner is required")
	}
	if importance < 0 || importance > 1 {
		return nil, appErrors.NewInvalidInput("importance must be in [0,1]")
	}
	ms := now.UnixMilli()
	return &Memory{
		MemoryID:   uuid.New().String(),
		Owner:      owner,
		Category:   NormalizeCategory(category),
		CreatedAt:  ms,
		UpdatedAt:  ms,
		Importance: importance,
	}, nil
}

// SetVectorRef records the index-local id once the vector add is enqueued.
func (m *Memory) SetVectorRef(ref int64) {
	m.VectorRef = &ref
}

// ClearVectorRef marks the memory as needing reindex.
func (m *Memory) ClearVectorRef() {
	m.VectorRef = nil
}

// HasVectorRef reports whether the memory is present in the owner's index.
func (m *Memory) HasVectorRef() bool {
	return m.VectorRef != nil
}

// AddTags merges tags in, keeping the set sorted and deduplicated.
func (m *Memory) AddTags(tags ...string) {
	m.Tags = mergeSet(m.Tags, tags)
}

// AddGraphRefs merges extracted entity ids into the graph reference set.
func (m *Memory) AddGraphRefs(ids ...string) {
	m.GraphRefs = mergeSet(m.GraphRefs, ids)
}

// LinkVersion appends a version link to a superseded content blob. The
// memory id stays stable across updates; only content_ref moves.
func (m *Memory) LinkVersion(previousRef string, now time.Time) {
	if previousRef != "" {
		m.GraphRefs = mergeSet(m.GraphRefs, []string{"version:" + previousRef})
	}
	m.UpdatedAt = now.UnixMilli()
}

// Sealed reports whether the content blob is encrypted.
func (m *Memory) Sealed() bool {
	return m.Encryption.Type == EncryptionIBE
}

// SealIdentity parses the encryption identity of a sealed memory.
func (m *Memory) SealIdentity() (identity.Identity, error) {
	if !m.Sealed() {
		return identity.Identity{}, appErrors.NewInvalidInput("memory is not encrypted")
	}
	return identity.Parse(m.Encryption.Identity)
}

func mergeSet(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, lists := range [][]string{existing, incoming} {
		for _, v := range lists {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
