// Package inmem implements the repository contracts on in-process maps.
// It backs local development and the service tests; semantics mirror the
// DynamoDB implementation, including NotFound reporting and listing order.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"memvault-backend/internal/domain/consent"
	"memvault-backend/internal/domain/identity"
	"memvault-backend/internal/domain/memory"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/repository"
)

type dedupEntry struct {
	memoryID    string
	expiresAtMs int64
}

type pendingEntry struct {
	memoryID  string
	createdMs int64
}

// Store holds every row family behind one mutex. Records are copied on
// the way in and out so callers cannot alias internal state.
type Store struct {
	mu       sync.RWMutex
	memories map[string]map[string]*memory.Memory
	grants   map[string]map[string]*consent.Grant
	states   map[string]repository.UserState
	dedup    map[string]dedupEntry
	reindex  map[string]map[string]repository.ReindexEntry
	pending  map[string]map[string]pendingEntry

	// Clock stamps UpdatedAtMs on state writes. Tests pin it.
	Clock func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		memories: make(map[string]map[string]*memory.Memory),
		grants:   make(map[string]map[string]*consent.Grant),
		states:   make(map[string]repository.UserState),
		dedup:    make(map[string]dedupEntry),
		reindex:  make(map[string]map[string]repository.ReindexEntry),
		pending:  make(map[string]map[string]pendingEntry),
		Clock:    time.Now,
	}
}

var _ repository.Repository = (*Store)(nil)

func cloneMemory(m *memory.Memory) *memory.Memory {
	out := *m
	out.Tags = append([]string(nil), m.Tags...)
	out.Keywords = append([]string(nil), m.Keywords...)
	out.GraphRefs = append([]string(nil), m.GraphRefs...)
	if m.VectorRef != nil {
		ref := *m.VectorRef
		out.VectorRef = &ref
	}
	return &out
}

// SaveMemory upserts the record.
func (s *Store) SaveMemory(_ context.Context, m *memory.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner := m.Owner.String()
	if s.memories[owner] == nil {
		s.memories[owner] = make(map[string]*memory.Memory)
	}
	s.memories[owner][m.MemoryID] = cloneMemory(m)
	return nil
}

// GetMemory retrieves a single memory record.
func (s *Store) GetMemory(_ context.Context, owner identity.Address, memoryID string) (*memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memories[owner.String()][memoryID]
	if !ok {
		return nil, appErrors.NewNotFound(fmt.Sprintf("memory %s not found", memoryID))
	}
	return cloneMemory(m), nil
}

// DeleteMemory removes the record, reporting NotFound when nothing existed.
func (s *Store) DeleteMemory(_ context.Context, owner identity.Address, memoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.memories[owner.String()]
	if _, ok := byID[memoryID]; !ok {
		return appErrors.NewNotFound(fmt.Sprintf("memory %s not found", memoryID))
	}
	delete(byID, memoryID)
	return nil
}

// listCursorFor positions pagination strictly after the given record.
func listCursorFor(m *memory.Memory) string {
	return fmt.Sprintf("%013d#%s", m.CreatedAt, m.MemoryID)
}

func parseListCursor(cursor string) (int64, string, error) {
	createdPart, id, ok := strings.Cut(cursor, "#")
	if !ok || id == "" {
		return 0, "", fmt.Errorf("cursor missing separator")
	}
	created, err := strconv.ParseInt(createdPart, 10, 64)
	if err != nil {
		return 0, "", err
	}
	return created, id, nil
}

// ListMemories returns one page of the owner's records, newest first.
func (s *Store) ListMemories(_ context.Context, owner identity.Address, q repository.MemoryQuery) (repository.MemoryPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var afterCreated int64
	var afterID string
	if q.Cursor != "" {
		var err error
		afterCreated, afterID, err = parseListCursor(q.Cursor)
		if err != nil {
			return repository.MemoryPage{}, appErrors.NewInvalidInput("malformed listing cursor")
		}
	}

	s.mu.RLock()
	matched := make([]*memory.Memory, 0, len(s.memories[owner.String()]))
	for _, m := range s.memories[owner.String()] {
		if q.Category != "" && m.Category != q.Category {
			continue
		}
		if q.SinceMs > 0 && m.CreatedAt < q.SinceMs {
			continue
		}
		if q.UntilMs > 0 && m.CreatedAt > q.UntilMs {
			continue
		}
		matched = append(matched, m)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt != matched[j].CreatedAt {
			return matched[i].CreatedAt > matched[j].CreatedAt
		}
		return matched[i].MemoryID < matched[j].MemoryID
	})

	page := repository.MemoryPage{}
	for _, m := range matched {
		if q.Cursor != "" {
			// Skip records at or before the cursor position in sort order.
			if m.CreatedAt > afterCreated {
				continue
			}
			if m.CreatedAt == afterCreated && m.MemoryID <= afterID {
				continue
			}
		}
		if len(page.Items) == limit {
			page.Cursor = listCursorFor(page.Items[limit-1])
			return page, nil
		}
		page.Items = append(page.Items, cloneMemory(m))
	}
	return page, nil
}

func grantKey(requester identity.Address, scope consent.Scope) string {
	return requester.String() + "|" + string(scope)
}

// PutGrant upserts the grant.
func (s *Store) PutGrant(_ context.Context, g *consent.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := g.User.String()
	if s.grants[user] == nil {
		s.grants[user] = make(map[string]*consent.Grant)
	}
	copied := *g
	s.grants[user][grantKey(g.Requester, g.Scope)] = &copied
	return nil
}

// DeleteGrant removes the grant, reporting NotFound when absent.
func (s *Store) DeleteGrant(_ context.Context, user, requester identity.Address, scope consent.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey := s.grants[user.String()]
	key := grantKey(requester, scope)
	if _, ok := byKey[key]; !ok {
		return appErrors.NewNotFound(fmt.Sprintf("no %s grant for %s", scope, requester))
	}
	delete(byKey, key)
	return nil
}

// GetGrant retrieves a single grant.
func (s *Store) GetGrant(_ context.Context, user, requester identity.Address, scope consent.Scope) (*consent.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[user.String()][grantKey(requester, scope)]
	if !ok {
		return nil, appErrors.NewNotFound(fmt.Sprintf("no %s grant for %s", scope, requester))
	}
	copied := *g
	return &copied, nil
}

// ListGrants returns every grant the user has issued, ordered by
// requester then scope.
func (s *Store) ListGrants(_ context.Context, user identity.Address) ([]*consent.Grant, error) {
	s.mu.RLock()
	grants := make([]*consent.Grant, 0, len(s.grants[user.String()]))
	for _, g := range s.grants[user.String()] {
		copied := *g
		grants = append(grants, &copied)
	}
	s.mu.RUnlock()
	sort.Slice(grants, func(i, j int) bool {
		if !grants[i].Requester.Equals(grants[j].Requester) {
			return grants[i].Requester.String() < grants[j].Requester.String()
		}
		return grants[i].Scope < grants[j].Scope
	})
	return grants, nil
}

// GetUserState returns the control record, zero-valued for unknown users.
func (s *Store) GetUserState(_ context.Context, user identity.Address) (repository.UserState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[user.String()]
	if !ok {
		return repository.UserState{User: user}, nil
	}
	return state, nil
}

// PutUserState upserts the control record.
func (s *Store) PutUserState(_ context.Context, state repository.UserState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.UpdatedAtMs = s.Clock().UnixMilli()
	s.states[state.User.String()] = state
	return nil
}

// NextVectorRef atomically increments the per-user counter.
func (s *Store) NextVectorRef(_ context.Context, user identity.Address) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.states[user.String()]
	state.User = user
	state.VectorRefCounter++
	state.UpdatedAtMs = s.Clock().UnixMilli()
	s.states[user.String()] = state
	return state.VectorRefCounter, nil
}

func dedupKey(user identity.Address, hash uint64) string {
	return fmt.Sprintf("%s|%016x", user, hash)
}

// RecallDedup looks up the window entry for a content hash.
func (s *Store) RecallDedup(_ context.Context, user identity.Address, hash uint64, nowMs int64) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.dedup[dedupKey(user, hash)]
	if !ok || nowMs >= entry.expiresAtMs {
		return "", false, nil
	}
	return entry.memoryID, true, nil
}

// RememberDedup records the hash for the window.
func (s *Store) RememberDedup(_ context.Context, user identity.Address, hash uint64, memoryID string, expiresAtMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[dedupKey(user, hash)] = dedupEntry{memoryID: memoryID, expiresAtMs: expiresAtMs}
	return nil
}

// PutReindex records one accepted vector write pending a durable snapshot.
func (s *Store) PutReindex(_ context.Context, user identity.Address, e repository.ReindexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := user.String()
	if s.reindex[key] == nil {
		s.reindex[key] = make(map[string]repository.ReindexEntry)
	}
	e.Embedding = append([]float32(nil), e.Embedding...)
	s.reindex[key][e.MemoryID] = e
	return nil
}

// ListReindex returns the user's needs-reindex entries, oldest first.
func (s *Store) ListReindex(_ context.Context, user identity.Address) ([]repository.ReindexEntry, error) {
	s.mu.RLock()
	entries := make([]repository.ReindexEntry, 0, len(s.reindex[user.String()]))
	for _, e := range s.reindex[user.String()] {
		e.Embedding = append([]float32(nil), e.Embedding...)
		entries = append(entries, e)
	}
	s.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedMs != entries[j].CreatedMs {
			return entries[i].CreatedMs < entries[j].CreatedMs
		}
		return entries[i].MemoryID < entries[j].MemoryID
	})
	return entries, nil
}

// DeleteReindex clears the given memory ids from the needs-reindex list.
func (s *Store) DeleteReindex(_ context.Context, user identity.Address, memoryIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range memoryIDs {
		delete(s.reindex[user.String()], id)
	}
	return nil
}

// PutPendingGraph records one memory whose graph update is not yet durable.
func (s *Store) PutPendingGraph(_ context.Context, user identity.Address, memoryID string, createdMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := user.String()
	if s.pending[key] == nil {
		s.pending[key] = make(map[string]pendingEntry)
	}
	s.pending[key][memoryID] = pendingEntry{memoryID: memoryID, createdMs: createdMs}
	return nil
}

// ListPendingGraph returns the user's pending-graph memory ids, oldest first.
func (s *Store) ListPendingGraph(_ context.Context, user identity.Address) ([]string, error) {
	s.mu.RLock()
	rows := make([]pendingEntry, 0, len(s.pending[user.String()]))
	for _, e := range s.pending[user.String()] {
		rows = append(rows, e)
	}
	s.mu.RUnlock()
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].createdMs != rows[j].createdMs {
			return rows[i].createdMs < rows[j].createdMs
		}
		return rows[i].memoryID < rows[j].memoryID
	})
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.memoryID)
	}
	return ids, nil
}

// DeletePendingGraph clears the given memory ids from the pending list.
func (s *Store) DeletePendingGraph(_ context.Context, user identity.Address, memoryIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range memoryIDs {
		delete(s.pending[user.String()], id)
	}
	return nil
}
