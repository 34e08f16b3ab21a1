// Package events defines the domain events the service emits and the
// publishers that carry them: EventBridge for deployments, an in-process
// dispatcher for local mode and tests.
package events

import (
	"time"

	"github.com/google/uuid"
)

// SourceBackend identifies this service on the bus.
const SourceBackend = "memvault.backend"

// Event types.
const (
	TypeMemoryCreated     = "memory.created"
	TypeMemoryDeleted     = "memory.deleted"
	TypeIndexSnapshotted  = "index.snapshotted"
	TypeGraphCheckpointed = "graph.checkpointed"
	TypeKeysRotated       = "keys.rotated"
	TypeConsentGranted    = "consent.granted"
	TypeConsentRevoked    = "consent.revoked"
)

// DomainEvent is an important occurrence in the domain.
type DomainEvent interface {
	// EventID returns a unique identifier for this event instance.
	EventID() string
	// EventType returns one of the Type* constants.
	EventType() string
	// AggregateID returns the id of the aggregate that produced the event.
	AggregateID() string
	// User returns the owner address the event concerns.
	User() string
	// Timestamp returns when the event occurred.
	Timestamp() time.Time
	// EventData returns the event-specific payload.
	EventData() map[string]interface{}
}

// BaseEvent provides the common fields for all domain events.
type BaseEvent struct {
	eventID     string
	eventType   string
	aggregateID string
	user        string
	timestamp   time.Time
}

func newBaseEvent(eventType, aggregateID, user string, now time.Time) BaseEvent {
	return BaseEvent{
		eventID:     uuid.New().String(),
		eventType:   eventType,
		aggregateID: aggregateID,
		user:        user,
		timestamp:   now,
	}
}

// EventID returns the unique event identifier.
func (e BaseEvent) EventID() string { return e.eventID }

// EventType returns the type of event.
func (e BaseEvent) EventType() string { return e.eventType }

// AggregateID returns the aggregate identifier.
func (e BaseEvent) AggregateID() string { return e.aggregateID }

// User returns the owner address.
func (e BaseEvent) User() string { return e.user }

// Timestamp returns the event timestamp.
func (e BaseEvent) Timestamp() time.Time { return e.timestamp }

// MemoryCreated fires when an ingest is accepted and the record is saved.
type MemoryCreated struct {
	BaseEvent
	MemoryID   string
	Category   string
	Importance float64
	Sealed     bool
}

// NewMemoryCreated creates a MemoryCreated event.
func NewMemoryCreated(memoryID, user, category string, importance float64, sealed bool, now time.Time) *MemoryCreated {
	return &MemoryCreated{
		BaseEvent:  newBaseEvent(TypeMemoryCreated, memoryID, user, now),
		MemoryID:   memoryID,
		Category:   category,
		Importance: importance,
		Sealed:     sealed,
	}
}

// EventData returns the event-specific data.
func (e *MemoryCreated) EventData() map[string]interface{} {
	return map[string]interface{}{
		"memory_id":  e.MemoryID,
		"category":   e.Category,
		"importance": e.Importance,
		"sealed":     e.Sealed,
	}
}

// MemoryDeleted fires when a record is removed.
type MemoryDeleted struct {
	BaseEvent
	MemoryID string
}

// NewMemoryDeleted creates a MemoryDeleted event.
func NewMemoryDeleted(memoryID, user string, now time.Time) *MemoryDeleted {
	return &MemoryDeleted{
		BaseEvent: newBaseEvent(TypeMemoryDeleted, memoryID, user, now),
		MemoryID:  memoryID,
	}
}

// EventData returns the event-specific data.
func (e *MemoryDeleted) EventData() map[string]interface{} {
	return map[string]interface{}{"memory_id": e.MemoryID}
}

// IndexSnapshotted fires when a user's vector index snapshot becomes durable.
type IndexSnapshotted struct {
	BaseEvent
	Vectors int
}

// NewIndexSnapshotted creates an IndexSnapshotted event.
func NewIndexSnapshotted(user string, vectors int, now time.Time) *IndexSnapshotted {
	return &IndexSnapshotted{
		BaseEvent: newBaseEvent(TypeIndexSnapshotted, user, user, now),
		Vectors:   vectors,
	}
}

// EventData returns the event-specific data.
func (e *IndexSnapshotted) EventData() map[string]interface{} {
	return map[string]interface{}{"vectors": e.Vectors}
}

// GraphCheckpointed fires when a user's knowledge graph checkpoint becomes
// durable.
type GraphCheckpointed struct {
	BaseEvent
	Version uint64
	Nodes   int
	Edges   int
}

// NewGraphCheckpointed creates a GraphCheckpointed event.
func NewGraphCheckpointed(user string, version uint64, nodes, edges int, now time.Time) *GraphCheckpointed {
	return &GraphCheckpointed{
		BaseEvent: newBaseEvent(TypeGraphCheckpointed, user, user, now),
		Version:   version,
		Nodes:     nodes,
		Edges:     edges,
	}
}

// EventData returns the event-specific data.
func (e *GraphCheckpointed) EventData() map[string]interface{} {
	return map[string]interface{}{
		"version": e.Version,
		"nodes":   e.Nodes,
		"edges":   e.Edges,
	}
}

// KeysRotated fires when a user's key epoch advances.
type KeysRotated struct {
	BaseEvent
	KeyVersion uint32
}

// NewKeysRotated creates a KeysRotated event.
func NewKeysRotated(user string, keyVersion uint32, now time.Time) *KeysRotated {
	return &KeysRotated{
		BaseEvent:  newBaseEvent(TypeKeysRotated, user, user, now),
		KeyVersion: keyVersion,
	}
}

// EventData returns the event-specific data.
func (e *KeysRotated) EventData() map[string]interface{} {
	return map[string]interface{}{"key_version": e.KeyVersion}
}

// ConsentGranted fires when a user grants a requester a scope.
type ConsentGranted struct {
	BaseEvent
	Requester string
	Scope     string
}

// NewConsentGranted creates a ConsentGranted event.
func NewConsentGranted(user, requester, scope string, now time.Time) *ConsentGranted {
	return &ConsentGranted{
		BaseEvent: newBaseEvent(TypeConsentGranted, user, user, now),
		Requester: requester,
		Scope:     scope,
	}
}

// EventData returns the event-specific data.
func (e *ConsentGranted) EventData() map[string]interface{} {
	return map[string]interface{}{"requester": e.Requester, "scope": e.Scope}
}

// ConsentRevoked fires when a user revokes a requester's scope.
type ConsentRevoked struct {
	BaseEvent
	Requester string
	Scope     string
}

// NewConsentRevoked creates a ConsentRevoked event.
func NewConsentRevoked(user, requester, scope string, now time.Time) *ConsentRevoked {
	return &ConsentRevoked{
		BaseEvent: newBaseEvent(TypeConsentRevoked, user, user, now),
		Requester: requester,
		Scope:     scope,
	}
}

// EventData returns the event-specific data.
func (e *ConsentRevoked) EventData() map[string]interface{} {
	return map[string]interface{}{"requester": e.Requester, "scope": e.Scope}
}
