package kgraph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"memvault-backend/internal/batch"
	"memvault-backend/internal/blob"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/observability"
)

// State is the lifecycle position of one user's graph.
type State int32

const (
	StateCold State = iota
	StateLoading
	StateWarm
	StateFlushing
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateLoading:
		return "loading"
	case StateWarm:
		return "warm"
	case StateFlushing:
		return "flushing"
	case StateEvicted:
		return "evicted"
	}
	return "unknown"
}

// CommitFunc observes a successful checkpoint and the memory ids whose graph
// updates it made durable.
type CommitFunc func(ctx context.Context, user string, memoryIDs []string)

// ManagerConfig tunes the per-user graph lifecycle.
type ManagerConfig struct {
	CheckpointEvery int
	CheckpointIdle  time.Duration
	MaxHops         int
	VisitBudget     int
	BatchSize       int
	BatchAge        time.Duration
	MaxPending      int
	EnqueueTimeout  time.Duration
	EvictAfter      time.Duration
	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time
}

func (c *ManagerConfig) applyDefaults() {
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 100
	}
	if c.CheckpointIdle <= 0 {
		c.CheckpointIdle = time.Minute
	}
	if c.MaxHops <= 0 {
		c.MaxHops = 3
	}
	if c.VisitBudget <= 0 {
		c.VisitBudget = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.BatchAge <= 0 {
		c.BatchAge = 2 * time.Second
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = 30 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// update is one queued graph mutation.
type update struct {
	ex       Extraction
	memoryID string
}

type userGraph struct {
	user    string
	batcher *batch.Batcher[update]

	// mu serialises writers: batch applies and checkpoint cuts.
	mu          sync.Mutex
	graph       *Graph
	version     uint64
	uncommitted []string

	state         atomic.Int32
	dirty         atomic.Int64
	checkpointing atomic.Bool
	lastUseNano   atomic.Int64
	lastWriteNano atomic.Int64
	lastCkptMs    atomic.Int64
}

func (ug *userGraph) State() State        { return State(ug.state.Load()) }
func (ug *userGraph) setState(s State)    { ug.state.Store(int32(s)) }
func (ug *userGraph) touch(now time.Time) { ug.lastUseNano.Store(now.UnixNano()) }

// Manager owns every live per-user graph. Graphs load lazily from their
// checkpoint blob (single-flight), take mutations through a per-user batcher
// so only one writer mutates a graph, checkpoint on mutation thresholds and
// idleness, and evict after sustained disuse. A successful Checkpoint means
// the blob reflects every previously applied add.
type Manager struct {
	cfg       ManagerConfig
	transport blob.Transport
	registry  *batch.Registry

	group singleflight.Group
	mu    sync.Mutex
	users map[string]*userGraph

	committed CommitFunc

	logger  *zap.Logger
	metrics *observability.Collector

	quit        chan struct{}
	janitorDone chan struct{}
}

// NewManager starts a manager and its background janitor.
func NewManager(cfg ManagerConfig, transport blob.Transport, registry *batch.Registry, logger *zap.Logger, metrics *observability.Collector) (*Manager, error) {
	if transport == nil {
		return nil, fmt.Errorf("kgraph: manager requires a checkpoint transport")
	}
	cfg.applyDefaults()
	m := &Manager{
		cfg:         cfg,
		transport:   transport,
		registry:    registry,
		users:       make(map[string]*userGraph),
		logger:      logger.Named("kgraph"),
		metrics:     metrics,
		quit:        make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	go m.janitor()
	return m, nil
}

// SetCommitted installs the callback fired after durable checkpoints.
func (m *Manager) SetCommitted(fn CommitFunc) { m.committed = fn }

func graphKey(user string) string {
	return "graphs/" + user
}

func graphBatchKind(user string) string {
	return "graph-add:" + user
}

func (m *Manager) getOrCreate(user string) *userGraph {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ug, ok := m.users[user]; ok {
		return ug
	}

	ug := &userGraph{user: user}
	ug.setState(StateCold)

	b, err := batch.New[update](graphBatchKind(user), batch.Config{
		MaxSize:        m.cfg.BatchSize,
		MaxAge:         m.cfg.BatchAge,
		MaxPending:     m.cfg.MaxPending,
		EnqueueTimeout: m.cfg.EnqueueTimeout,
	}, func(ctx context.Context, items []batch.Item[update]) error {
		return m.applyBatch(ctx, ug, items)
	}, m.logger, m.metrics)
	if err != nil {
		// Config was validated at construction; this cannot fire for a
		// non-empty kind and non-nil flush.
		panic(err)
	}
	ug.batcher = b
	if m.registry != nil {
		m.registry.Register(b)
	}
	m.users[user] = ug
	return ug
}

// Add enqueues one extraction for the user. Mutations become visible to
// queries when their batch applies. memoryID ties the update to the memory
// record it came from, for the checkpoint commit callback.
func (m *Manager) Add(ctx context.Context, user string, ex Extraction, memoryID string) error {
	if ex.Empty() {
		return nil
	}
	ug := m.getOrCreate(user)
	ug.touch(m.cfg.Clock())
	return ug.batcher.Enqueue(ctx, batch.Item[update]{
		ID:      memoryID,
		Payload: update{ex: ex, memoryID: memoryID},
	})
}

// applyBatch is the single writer for one user's graph.
func (m *Manager) applyBatch(ctx context.Context, ug *userGraph, items []batch.Item[update]) error {
	if _, err := m.ensureWarm(ctx, ug.user); err != nil {
		return err
	}

	ug.mu.Lock()
	var mutations int64
	for _, item := range items {
		res := ug.graph.Apply(item.Payload.ex)
		mutations += int64(res.Mutations)
		if item.Payload.memoryID != "" {
			ug.uncommitted = append(ug.uncommitted, item.Payload.memoryID)
		}
	}
	nodes, edges := ug.graph.NodeCount(), ug.graph.EdgeCount()
	ug.mu.Unlock()

	ug.dirty.Add(mutations)
	ug.lastWriteNano.Store(m.cfg.Clock().UnixNano())
	m.gauge(ug.user, nodes, edges)

	if ug.dirty.Load() >= int64(m.cfg.CheckpointEvery) {
		if err := m.checkpoint(ctx, ug); err != nil {
			m.logger.Warn("threshold checkpoint failed, keeping state in memory",
				zap.String("user", ug.user), zap.Error(err))
		}
	}
	return nil
}

// Neighbours walks from the seed nodes up to maxHops (clamped to the
// configured ceiling), bounded by the visit budget.
func (m *Manager) Neighbours(ctx context.Context, user string, seeds []string, maxHops int, filter func(Edge) bool) ([]Visit, error) {
	ug, err := m.ensureWarm(ctx, user)
	if err != nil {
		return nil, err
	}
	if maxHops <= 0 || maxHops > m.cfg.MaxHops {
		maxHops = m.cfg.MaxHops
	}
	ug.mu.Lock()
	defer ug.mu.Unlock()
	return ug.graph.Neighbours(seeds, maxHops, filter, m.cfg.VisitBudget), nil
}

// FindByName resolves a name (optionally kind-scoped) to node ids.
func (m *Manager) FindByName(ctx context.Context, user, name, kind string) ([]string, error) {
	ug, err := m.ensureWarm(ctx, user)
	if err != nil {
		return nil, err
	}
	ug.mu.Lock()
	defer ug.mu.Unlock()
	return ug.graph.FindByName(name, kind), nil
}

// Subgraph returns the induced subgraph over the given node ids.
func (m *Manager) Subgraph(ctx context.Context, user string, ids []string) ([]Node, []Edge, error) {
	ug, err := m.ensureWarm(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	ug.mu.Lock()
	defer ug.mu.Unlock()
	nodes, edges := ug.graph.Subgraph(ids)
	return nodes, edges, nil
}

// Warm makes sure the user's graph is loaded.
func (m *Manager) Warm(ctx context.Context, user string) error {
	_, err := m.ensureWarm(ctx, user)
	return err
}

func (m *Manager) ensureWarm(ctx context.Context, user string) (*userGraph, error) {
	ug := m.getOrCreate(user)
	ug.touch(m.cfg.Clock())
	if ug.State() == StateWarm || ug.State() == StateFlushing {
		return ug, nil
	}

	_, err, _ := m.group.Do("load:"+user, func() (any, error) {
		if ug.State() == StateWarm || ug.State() == StateFlushing {
			return nil, nil
		}
		return nil, m.load(ctx, ug)
	})
	if err != nil {
		return nil, err
	}
	return ug, nil
}

func (m *Manager) load(ctx context.Context, ug *userGraph) error {
	ug.setState(StateLoading)

	var (
		g       *Graph
		version uint64
	)
	data, _, err := m.transport.Get(ctx, graphKey(ug.user))
	switch {
	case errors.Is(err, blob.ErrKeyNotFound):
		m.observeLoad("fresh")
		g = NewGraph()
	case err != nil:
		m.observeLoad("error")
		ug.setState(StateCold)
		return appErrors.NewStorageUnavailable("graph checkpoint read failed", err)
	default:
		ckpt, derr := DecodeCheckpoint(data)
		if derr != nil {
			m.observeLoad("corrupt")
			ug.setState(StateCold)
			return derr
		}
		if g, derr = ckpt.Rebuild(); derr != nil {
			m.observeLoad("corrupt")
			ug.setState(StateCold)
			return derr
		}
		version = ckpt.Version
		ug.lastCkptMs.Store(ckpt.CreatedMs)
		m.observeLoad("checkpoint")
	}

	ug.mu.Lock()
	ug.graph = g
	ug.version = version
	ug.mu.Unlock()
	ug.setState(StateWarm)
	m.gauge(ug.user, g.NodeCount(), g.EdgeCount())

	m.logger.Info("graph warm",
		zap.String("user", ug.user),
		zap.Int("nodes", g.NodeCount()),
		zap.Int("edges", g.EdgeCount()),
		zap.Uint64("checkpoint_version", version))
	return nil
}

// checkpoint writes the user's current graph as the next checkpoint version.
// Failure keeps all in-memory state, the dirty budget, and the uncommitted
// memory list, so the next trigger retries.
func (m *Manager) checkpoint(ctx context.Context, ug *userGraph) error {
	if !ug.checkpointing.CompareAndSwap(false, true) {
		return nil
	}
	defer ug.checkpointing.Store(false)

	if ug.State() != StateWarm {
		return nil
	}
	ug.setState(StateFlushing)
	defer ug.setState(StateWarm)

	now := m.cfg.Clock()
	ug.mu.Lock()
	nodes, edges := ug.graph.Dump()
	ug.version++
	version := ug.version
	commits := ug.uncommitted
	ug.uncommitted = nil
	ug.mu.Unlock()
	dirtyAtCut := ug.dirty.Load()

	data := EncodeCheckpoint(Checkpoint{
		Version:   version,
		CreatedMs: now.UnixMilli(),
		Nodes:     nodes,
		Edges:     edges,
	})
	meta := map[string]string{
		"checkpoint-version": strconv.FormatUint(version, 10),
		"created-ms":         strconv.FormatInt(now.UnixMilli(), 10),
		"nodes":              strconv.Itoa(len(nodes)),
		"edges":              strconv.Itoa(len(edges)),
	}
	if err := m.transport.Put(ctx, graphKey(ug.user), data, meta); err != nil {
		ug.mu.Lock()
		ug.uncommitted = append(commits, ug.uncommitted...)
		ug.mu.Unlock()
		m.observeCheckpoint("error")
		return appErrors.NewStorageUnavailable("graph checkpoint write failed", err)
	}

	ug.dirty.Add(-dirtyAtCut)
	ug.lastCkptMs.Store(now.UnixMilli())
	m.observeCheckpoint("ok")
	m.logger.Debug("checkpoint written",
		zap.String("user", ug.user),
		zap.Uint64("version", version),
		zap.Int("nodes", len(nodes)),
		zap.Int("edges", len(edges)))

	if m.committed != nil && len(commits) > 0 {
		m.committed(ctx, ug.user, commits)
	}
	return nil
}

// Checkpoint drains pending updates for the user and writes a checkpoint.
func (m *Manager) Checkpoint(ctx context.Context, user string) error {
	ug, err := m.ensureWarm(ctx, user)
	if err != nil {
		return err
	}
	if err := ug.batcher.FlushNow(ctx); err != nil {
		return err
	}
	return m.checkpoint(ctx, ug)
}

// CheckpointAll checkpoints every known user.
func (m *Manager) CheckpointAll(ctx context.Context) error {
	var firstErr error
	for _, ug := range m.snapshotUsers() {
		if err := m.Checkpoint(ctx, ug.user); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Evict checkpoints a dirty graph and releases it. A failed checkpoint
// aborts the eviction so no applied add is lost.
func (m *Manager) Evict(ctx context.Context, user string) error {
	m.mu.Lock()
	ug, ok := m.users[user]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := ug.batcher.Shutdown(ctx); err != nil {
		return err
	}
	if ug.State() == StateWarm && ug.dirty.Load() > 0 {
		if err := m.checkpoint(ctx, ug); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if m.users[user] == ug {
		delete(m.users, user)
	}
	m.mu.Unlock()
	if m.registry != nil {
		m.registry.Deregister(graphBatchKind(user))
	}
	ug.setState(StateEvicted)
	if m.metrics != nil {
		m.metrics.GraphNodes.DeleteLabelValues(user)
		m.metrics.GraphEdges.DeleteLabelValues(user)
	}
	m.logger.Info("graph evicted", zap.String("user", user))
	return nil
}

// State reports the lifecycle state for a user, StateCold when unknown.
func (m *Manager) State(user string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ug, ok := m.users[user]; ok {
		return ug.State()
	}
	return StateCold
}

// UserStats is one row of the admin stats surface.
type UserStats struct {
	User           string `json:"user"`
	State          string `json:"state"`
	Nodes          int    `json:"nodes"`
	Edges          int    `json:"edges"`
	Dirty          int64  `json:"dirty"`
	PendingUpdates int    `json:"pending_updates"`
	Version        uint64 `json:"checkpoint_version"`
}

// Stats reports every known user's graph state, sorted by user.
func (m *Manager) Stats() []UserStats {
	users := m.snapshotUsers()
	out := make([]UserStats, 0, len(users))
	for _, ug := range users {
		s := UserStats{
			User:           ug.user,
			State:          ug.State().String(),
			Dirty:          ug.dirty.Load(),
			PendingUpdates: ug.batcher.Depth(),
		}
		ug.mu.Lock()
		if ug.graph != nil {
			s.Nodes = ug.graph.NodeCount()
			s.Edges = ug.graph.EdgeCount()
			s.Version = ug.version
		}
		ug.mu.Unlock()
		out = append(out, s)
	}
	return out
}

func (m *Manager) snapshotUsers() []*userGraph {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*userGraph, 0, len(m.users))
	for _, ug := range m.users {
		out = append(out, ug)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].user < out[j].user })
	return out
}

func (m *Manager) janitor() {
	defer close(m.janitorDone)
	interval := m.cfg.CheckpointIdle / 2
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep checkpoints idle dirty graphs and evicts long-unused ones.
func (m *Manager) sweep() {
	now := m.cfg.Clock()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, ug := range m.snapshotUsers() {
		if ug.State() != StateWarm {
			continue
		}
		idle := now.Sub(time.Unix(0, ug.lastUseNano.Load()))
		sinceWrite := now.Sub(time.Unix(0, ug.lastWriteNano.Load()))

		if idle >= m.cfg.EvictAfter {
			if err := m.Evict(ctx, ug.user); err != nil {
				m.logger.Warn("eviction failed", zap.String("user", ug.user), zap.Error(err))
			}
			continue
		}
		if ug.dirty.Load() > 0 && sinceWrite >= m.cfg.CheckpointIdle {
			if err := m.checkpoint(ctx, ug); err != nil {
				m.logger.Warn("idle checkpoint failed", zap.String("user", ug.user), zap.Error(err))
			}
		}
	}
}

// Shutdown stops the janitor, drains every batcher, and checkpoints every
// dirty graph.
func (m *Manager) Shutdown(ctx context.Context) error {
	select {
	case <-m.quit:
	default:
		close(m.quit)
	}
	select {
	case <-m.janitorDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	var firstErr error
	for _, ug := range m.snapshotUsers() {
		if err := ug.batcher.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if ug.State() == StateWarm && ug.dirty.Load() > 0 {
			if err := m.checkpoint(ctx, ug); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) gauge(user string, nodes, edges int) {
	if m.metrics != nil {
		m.metrics.GraphNodes.WithLabelValues(user).Set(float64(nodes))
		m.metrics.GraphEdges.WithLabelValues(user).Set(float64(edges))
	}
}

func (m *Manager) observeLoad(status string) {
	if m.metrics != nil {
		m.metrics.GraphLoads.WithLabelValues(status).Inc()
	}
}

func (m *Manager) observeCheckpoint(status string) {
	if m.metrics != nil {
		m.metrics.CheckpointWrites.WithLabelValues(status).Inc()
	}
}
