// Package repository defines the owner-local metadata store contracts:
// memory records, consent grants, per-user counters, and the dedup,
// needs-reindex, and pending-graph lists the ingestion pipeline leans on.
// Implementations: ddb (DynamoDB single table) and inmem (tests, local mode).
package repository

import (
	"context"
	"fmt"

	"memvault-backend/internal/domain/consent"
	"memvault-backend/internal/domain/identity"
	"memvault-backend/internal/domain/memory"
)

// MemoryQuery narrows a listing. Zero values leave a dimension unbounded.
type MemoryQuery struct {
	Category string
	// SinceMs/UntilMs bound created_at, inclusive.
	SinceMs int64
	UntilMs int64
	Limit   int
	Cursor  string
}

// MemoryPage is one listing page, newest first. Cursor is opaque; empty
// means the listing is exhausted.
type MemoryPage struct {
	Items  []*memory.Memory
	Cursor string
}

// Memories persists memory records.
type Memories interface {
	// SaveMemory upserts the record.
	SaveMemory(ctx context.Context, m *memory.Memory) error
	// GetMemory returns NotFound for unknown ids.
	GetMemory(ctx context.Context, owner identity.Address, memoryID string) (*memory.Memory, error)
	// DeleteMemory returns NotFound when no record existed.
	DeleteMemory(ctx context.Context, owner identity.Address, memoryID string) error
	ListMemories(ctx context.Context, owner identity.Address, q MemoryQuery) (MemoryPage, error)
}

// Grants persists consent grants keyed (user, requester, scope).
type Grants interface {
	PutGrant(ctx context.Context, g *consent.Grant) error
	// DeleteGrant returns NotFound when no grant existed.
	DeleteGrant(ctx context.Context, user, requester identity.Address, scope consent.Scope) error
	// GetGrant returns NotFound for unknown triples.
	GetGrant(ctx context.Context, user, requester identity.Address, scope consent.Scope) (*consent.Grant, error)
	ListGrants(ctx context.Context, user identity.Address) ([]*consent.Grant, error)
}

// UserState is the per-user control record.
type UserState struct {
	User             identity.Address
	VectorRefCounter int64
	KeyVersion       uint32
	UpdatedAtMs      int64
}

// UserStates persists per-user control state. NextVectorRef is the only
// mutation path for the counter and must be atomic per user.
type UserStates interface {
	// GetUserState returns a zero-valued state for unknown users.
	GetUserState(ctx context.Context, user identity.Address) (UserState, error)
	PutUserState(ctx context.Context, s UserState) error
	// NextVectorRef increments and returns the user's monotonic counter.
	NextVectorRef(ctx context.Context, user identity.Address) (int64, error)
}

// Dedup remembers content hashes per user for the sliding ingest window.
type Dedup interface {
	// RecallDedup returns the memory id recorded for the hash when the
	// window entry has not expired at nowMs.
	RecallDedup(ctx context.Context, user identity.Address, hash uint64, nowMs int64) (string, bool, error)
	RememberDedup(ctx context.Context, user identity.Address, hash uint64, memoryID string, expiresAtMs int64) error
}

// ReindexEntry is one accepted vector write not yet covered by a durable
// index snapshot. The embedding rides along so replay needs no decrypt.
type ReindexEntry struct {
	MemoryID  string
	VectorID  string
	Embedding []float32
	CreatedMs int64
}

// Reindex persists the needs-reindex list.
type Reindex interface {
	PutReindex(ctx context.Context, user identity.Address, e ReindexEntry) error
	ListReindex(ctx context.Context, user identity.Address) ([]ReindexEntry, error)
	DeleteReindex(ctx context.Context, user identity.Address, memoryIDs []string) error
}

// PendingGraph persists memory ids whose graph updates are not yet durable.
type PendingGraph interface {
	PutPendingGraph(ctx context.Context, user identity.Address, memoryID string, createdMs int64) error
	ListPendingGraph(ctx context.Context, user identity.Address) ([]string, error)
	DeletePendingGraph(ctx context.Context, user identity.Address, memoryIDs []string) error
}

// Repository aggregates every metadata-store concern.
type Repository interface {
	Memories
	Grants
	UserStates
	Dedup
	Reindex
	PendingGraph
}

// Config carries the store settings a backing implementation needs. The
// single-table layout keys memories, grants, states, and queues by owner;
// IndexName names the GSI that serves the category listings.
type Config struct {
	TableName string
	IndexName string

	MaxRetries int
	TimeoutMs  int
	// BatchSize caps bulk writes per request; DynamoDB rejects batches
	// above 25.
	BatchSize int
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	if c.TableName == "" {
		return fmt.Errorf("repository: table name is required")
	}
	if c.IndexName == "" {
		return fmt.Errorf("repository: index name is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("repository: max retries cannot be negative")
	}
	return nil
}

// WithDefaults fills the optional fields.
func (c Config) WithDefaults() Config {
	config := c
	if config.IndexName == "" {
		config.IndexName = "GSI1"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.TimeoutMs == 0 {
		config.TimeoutMs = 5000
	}
	if config.BatchSize == 0 {
		config.BatchSize = 25
	}
	return config
}
