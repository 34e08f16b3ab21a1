package vector

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

// State is the lifecycle position of one user's index.
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

// RecoveryFunc supplies entries that were accepted but are not yet covered
// by a durable snapshot, so a reload or an idle sweep can replay them.
type RecoveryFunc func(ctx context.Context, user string) ([]Entry, error)

// SnapshotCommitFunc observes a successful snapshot and the vector ids it
// made durable.
type SnapshotCommitFunc func(ctx context.Context, user string, vectorIDs []string)

// ManagerConfig tunes the per-user index lifecycle.
type ManagerConfig struct {
	Dimension         int
	Index             IndexConfig
	BatchSize         int
	BatchAge          time.Duration
	MaxPending        int
	EnqueueTimeout    time.Duration
	SnapshotThreshold int
	SnapshotIdle      time.Duration
	EvictAfter        time.Duration
	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time
}

func (c *ManagerConfig) applyDefaults() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("vector: manager dimension must be positive")
	}
	c.Index.applyDefaults()
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BatchAge <= 0 {
		c.BatchAge = 3 * time.Second
	}
	if c.SnapshotThreshold <= 0 {
		c.SnapshotThreshold = 200
	}
	if c.SnapshotIdle <= 0 {
		c.SnapshotIdle = time.Minute
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = 30 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return nil
}

type userIndex struct {
	user    string
	batcher *batch.Batcher[Entry]

	// mu serialises writers: batch applies, removals, snapshot cuts.
	mu              sync.Mutex
	index           *Index
	snapshotVersion uint64

	state          atomic.Int32
	dirty          atomic.Int64
	snapshotting   atomic.Bool
	lastUseNano    atomic.Int64
	lastWriteNano  atomic.Int64
	lastReplayNano atomic.Int64
	lastSnapMs     atomic.Int64
}

func (ui *userIndex) State() State       { return State(ui.state.Load()) }
func (ui *userIndex) setState(s State)   { ui.state.Store(int32(s)) }
func (ui *userIndex) touch(now time.Time) { ui.lastUseNano.Store(now.UnixNano()) }

// Manager owns every live per-user index. Indexes load lazily from their
// snapshot blob (single-flight), take writes through a per-user batcher so
// only one writer mutates a graph, snapshot on thresholds and idleness, and
// evict after sustained disuse.
type Manager struct {
	cfg       ManagerConfig
	transport blob.Transport
	registry  *batch.Registry

	group singleflight.Group
	mu    sync.Mutex
	users map[string]*userIndex

	recovery  RecoveryFunc
	committed SnapshotCommitFunc

	logger  *zap.Logger
	metrics *observability.Collector

	quit        chan struct{}
	janitorDone chan struct{}
}

// NewManager starts a manager and its background janitor.
func NewManager(cfg ManagerConfig, transport blob.Transport, registry *batch.Registry, logger *zap.Logger, metrics *observability.Collector) (*Manager, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("vector: manager requires a snapshot transport")
	}
	m := &Manager{
		cfg:         cfg,
		transport:   transport,
		registry:    registry,
		users:       make(map[string]*userIndex),
		logger:      logger.Named("vector"),
		metrics:     metrics,
		quit:        make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	go m.janitor()
	return m, nil
}

// SetRecovery installs the replay source consulted on index loads and on
// idle sweeps over warm indexes.
func (m *Manager) SetRecovery(fn RecoveryFunc) { m.recovery = fn }

// SetSnapshotCommitted installs the callback fired after durable snapshots.
func (m *Manager) SetSnapshotCommitted(fn SnapshotCommitFunc) { m.committed = fn }

func indexKey(user string) string {
	return "indexes/" + user
}

func batchKind(user string) string {
	return "vec-add:" + user
}

func (m *Manager) getOrCreate(user string) *userIndex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ui, ok := m.users[user]; ok {
		return ui
	}

	ui := &userIndex{user: user}
	ui.setState(StateCold)

	b, err := batch.New[Entry](batchKind(user), batch.Config{
		MaxSize:        m.cfg.BatchSize,
		MaxAge:         m.cfg.BatchAge,
		MaxPending:     m.cfg.MaxPending,
		EnqueueTimeout: m.cfg.EnqueueTimeout,
	}, func(ctx context.Context, items []batch.Item[Entry]) error {
		return m.applyBatch(ctx, ui, items)
	}, m.logger, m.metrics)
	if err != nil {
		// Config was validated at construction; this cannot fire for a
		// non-empty kind and non-nil flush.
		panic(err)
	}
	ui.batcher = b
	if m.registry != nil {
		m.registry.Register(b)
	}
	m.users[user] = ui
	return ui
}

// Add enqueues one vector write for the user. The write becomes visible to
// searches when its batch applies.
func (m *Manager) Add(ctx context.Context, user, vectorID string, vec []float32, priority int) error {
	if len(vec) != m.cfg.Dimension {
		return appErrors.NewInvalidInput(
			fmt.Sprintf("vector width %d does not match index width %d", len(vec), m.cfg.Dimension))
	}
	ui := m.getOrCreate(user)
	ui.touch(m.cfg.Clock())
	return ui.batcher.Enqueue(ctx, batch.Item[Entry]{
		ID:       vectorID,
		Payload:  Entry{ID: vectorID, Vector: vec},
		Priority: priority,
	})
}

// applyBatch is the single writer for one user's graph.
func (m *Manager) applyBatch(ctx context.Context, ui *userIndex, items []batch.Item[Entry]) error {
	if _, err := m.ensureWarm(ctx, ui.user); err != nil {
		return err
	}

	ui.mu.Lock()
	var firstErr error
	for _, item := range items {
		if err := ui.index.Add(item.Payload.ID, item.Payload.Vector); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ui.dirty.Add(1)
	}
	size := ui.index.Len()
	ui.mu.Unlock()

	now := m.cfg.Clock()
	ui.lastWriteNano.Store(now.UnixNano())
	m.gaugeSize(ui.user, size)
	if firstErr != nil {
		return firstErr
	}
	if ui.dirty.Load() >= int64(m.cfg.SnapshotThreshold) {
		if err := m.snapshot(ctx, ui); err != nil {
			m.logger.Warn("threshold snapshot failed, keeping state in memory",
				zap.String("user", ui.user), zap.Error(err))
		}
	}
	return nil
}

// Remove drops a vector from the user's index immediately.
func (m *Manager) Remove(ctx context.Context, user, vectorID string) (bool, error) {
	ui, err := m.ensureWarm(ctx, user)
	if err != nil {
		return false, err
	}
	ui.mu.Lock()
	removed := ui.index.Remove(vectorID)
	size := ui.index.Len()
	ui.mu.Unlock()
	if removed {
		ui.dirty.Add(1)
		ui.lastWriteNano.Store(m.cfg.Clock().UnixNano())
		m.gaugeSize(user, size)
	}
	return removed, nil
}

// Search answers a kNN query against the user's warm index. ef <= 0 applies
// the default beam width max(2k, configured ef).
func (m *Manager) Search(ctx context.Context, user string, query []float32, k, ef int) ([]Result, error) {
	ui, err := m.ensureWarm(ctx, user)
	if err != nil {
		return nil, err
	}
	if ef <= 0 {
		ef = 2 * k
		if ef < m.cfg.Index.EfSearch {
			ef = m.cfg.Index.EfSearch
		}
	}
	return ui.index.Search(query, k, ef)
}

// Warm makes sure the user's index is loaded. Useful before a burst.
func (m *Manager) Warm(ctx context.Context, user string) error {
	_, err := m.ensureWarm(ctx, user)
	return err
}

// ensureWarm loads the index if needed, deduplicating concurrent loads.
func (m *Manager) ensureWarm(ctx context.Context, user string) (*userIndex, error) {
	ui := m.getOrCreate(user)
	ui.touch(m.cfg.Clock())
	if ui.State() == StateWarm || ui.State() == StateFlushing {
		return ui, nil
	}

	_, err, _ := m.group.Do("load:"+user, func() (any, error) {
		if ui.State() == StateWarm || ui.State() == StateFlushing {
			return nil, nil
		}
		return nil, m.load(ctx, ui)
	})
	if err != nil {
		return nil, err
	}
	return ui, nil
}

func (m *Manager) load(ctx context.Context, ui *userIndex) error {
	ui.setState(StateLoading)

	var (
		ix      *Index
		version uint64
	)
	data, _, err := m.transport.Get(ctx, indexKey(ui.user))
	switch {
	case errors.Is(err, blob.ErrKeyNotFound):
		m.observeLoad("fresh")
		if ix, err = NewIndex(m.cfg.Dimension, m.cfg.Index); err != nil {
			ui.setState(StateCold)
			return err
		}
	case err != nil:
		m.observeLoad("error")
		ui.setState(StateCold)
		return appErrors.NewStorageUnavailable("index snapshot read failed", err)
	default:
		snap, derr := DecodeSnapshot(data)
		if derr != nil {
			m.observeLoad("corrupt")
			ui.setState(StateCold)
			return derr
		}
		if snap.Dimension != m.cfg.Dimension {
			m.observeLoad("corrupt")
			ui.setState(StateCold)
			return appErrors.NewIndexCorrupted(
				fmt.Sprintf("snapshot width %d does not match configured width %d", snap.Dimension, m.cfg.Dimension), nil)
		}
		if ix, err = snap.Rebuild(m.cfg.Index); err != nil {
			m.observeLoad("corrupt")
			ui.setState(StateCold)
			return err
		}
		version = snap.Version
		ui.lastSnapMs.Store(snap.CreatedMs)
		m.observeLoad("snapshot")
	}

	// Replay writes that were accepted but not yet snapshotted before the
	// last shutdown or crash.
	var replayed int
	if m.recovery != nil {
		entries, rerr := m.recovery(ctx, ui.user)
		if rerr != nil {
			ui.setState(StateCold)
			return appErrors.Wrap(rerr, "index replay source failed")
		}
		for _, e := range entries {
			if err := ix.Add(e.ID, e.Vector); err != nil {
				m.logger.Warn("replay entry not addable",
					zap.String("user", ui.user),
					zap.String("vector_id", e.ID),
					zap.Error(err))
				continue
			}
			replayed++
		}
		ui.dirty.Add(int64(replayed))
	}

	ui.mu.Lock()
	ui.index = ix
	ui.snapshotVersion = version
	ui.mu.Unlock()
	ui.setState(StateWarm)
	m.gaugeSize(ui.user, ix.Len())

	m.logger.Info("index warm",
		zap.String("user", ui.user),
		zap.Int("size", ix.Len()),
		zap.Int("replayed", replayed),
		zap.Uint64("snapshot_version", version))
	return nil
}

// snapshot writes the user's current entries as the next snapshot version.
// Failure keeps all in-memory state and the dirty budget, so the next
// trigger retries.
func (m *Manager) snapshot(ctx context.Context, ui *userIndex) error {
	if !ui.snapshotting.CompareAndSwap(false, true) {
		return nil
	}
	defer ui.snapshotting.Store(false)

	if ui.State() != StateWarm {
		return nil
	}
	ui.setState(StateFlushing)
	defer ui.setState(StateWarm)

	now := m.cfg.Clock()
	ui.mu.Lock()
	entries := ui.index.Entries()
	ui.snapshotVersion++
	version := ui.snapshotVersion
	ui.mu.Unlock()
	dirtyAtCut := ui.dirty.Load()

	data := EncodeSnapshot(Snapshot{
		Dimension: m.cfg.Dimension,
		Version:   version,
		CreatedMs: now.UnixMilli(),
		Entries:   entries,
	})
	meta := map[string]string{
		"snapshot-version": strconv.FormatUint(version, 10),
		"created-ms":       strconv.FormatInt(now.UnixMilli(), 10),
		"count":            strconv.Itoa(len(entries)),
	}
	if err := m.transport.Put(ctx, indexKey(ui.user), data, meta); err != nil {
		m.observeSnapshot("error")
		return appErrors.NewStorageUnavailable("index snapshot write failed", err)
	}

	ui.dirty.Add(-dirtyAtCut)
	ui.lastSnapMs.Store(now.UnixMilli())
	m.observeSnapshot("ok")
	if m.metrics != nil {
		m.metrics.SnapshotAge.WithLabelValues(ui.user).Set(0)
	}
	m.logger.Debug("snapshot written",
		zap.String("user", ui.user),
		zap.Uint64("version", version),
		zap.Int("entries", len(entries)))

	if m.committed != nil {
		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		m.committed(ctx, ui.user, ids)
	}
	return nil
}

// Flush drains pending adds for the user and writes a snapshot.
func (m *Manager) Flush(ctx context.Context, user string) error {
	ui, err := m.ensureWarm(ctx, user)
	if err != nil {
		return err
	}
	if err := ui.batcher.FlushNow(ctx); err != nil {
		return err
	}
	return m.snapshot(ctx, ui)
}

// FlushAll flushes every known user.
func (m *Manager) FlushAll(ctx context.Context) error {
	var firstErr error
	for _, ui := range m.snapshotUsers() {
		if err := m.Flush(ctx, ui.user); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Evict snapshots a dirty index and releases it. A failed snapshot aborts
// the eviction so no accepted write is lost.
func (m *Manager) Evict(ctx context.Context, user string) error {
	m.mu.Lock()
	ui, ok := m.users[user]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := ui.batcher.Shutdown(ctx); err != nil {
		return err
	}
	if ui.State() == StateWarm && ui.dirty.Load() > 0 {
		if err := m.snapshot(ctx, ui); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if m.users[user] == ui {
		delete(m.users, user)
	}
	m.mu.Unlock()
	if m.registry != nil {
		m.registry.Deregister(batchKind(user))
	}
	ui.setState(StateEvicted)
	if m.metrics != nil {
		m.metrics.IndexSize.DeleteLabelValues(user)
		m.metrics.SnapshotAge.DeleteLabelValues(user)
	}
	m.logger.Info("index evicted", zap.String("user", user))
	return nil
}

// State reports the lifecycle state for a user, StateCold when unknown.
func (m *Manager) State(user string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ui, ok := m.users[user]; ok {
		return ui.State()
	}
	return StateCold
}

// UserStats is one row of the admin stats surface.
type UserStats struct {
	User            string `json:"user"`
	State           string `json:"state"`
	Size            int    `json:"size"`
	Dirty           int64  `json:"dirty"`
	PendingAdds     int    `json:"pending_adds"`
	SnapshotVersion uint64 `json:"snapshot_version"`
}

// Stats reports every known user's index state, sorted by user.
func (m *Manager) Stats() []UserStats {
	users := m.snapshotUsers()
	out := make([]UserStats, 0, len(users))
	for _, ui := range users {
		s := UserStats{
			User:        ui.user,
			State:       ui.State().String(),
			Dirty:       ui.dirty.Load(),
			PendingAdds: ui.batcher.Depth(),
		}
		ui.mu.Lock()
		if ui.index != nil {
			s.Size = ui.index.Len()
			s.SnapshotVersion = ui.snapshotVersion
		}
		ui.mu.Unlock()
		out = append(out, s)
	}
	return out
}

func (m *Manager) snapshotUsers() []*userIndex {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*userIndex, 0, len(m.users))
	for _, ui := range m.users {
		out = append(out, ui)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].user < out[j].user })
	return out
}

func (m *Manager) janitor() {
	defer close(m.janitorDone)
	interval := m.cfg.SnapshotIdle / 2
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

// sweep snapshots idle dirty indexes and evicts long-unused ones. Once an
// index has gone write-quiet it also replays parked entries that never made
// it in, so the snapshot that follows covers them.
func (m *Manager) sweep() {
	now := m.cfg.Clock()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, ui := range m.snapshotUsers() {
		if ui.State() != StateWarm {
			continue
		}
		idle := now.Sub(time.Unix(0, ui.lastUseNano.Load()))
		sinceWrite := now.Sub(time.Unix(0, ui.lastWriteNano.Load()))

		if idle >= m.cfg.EvictAfter {
			if err := m.Evict(ctx, ui.user); err != nil {
				m.logger.Warn("eviction failed", zap.String("user", ui.user), zap.Error(err))
			}
			continue
		}
		if sinceWrite >= m.cfg.SnapshotIdle {
			if m.recovery != nil && ui.lastReplayNano.Load() < ui.lastWriteNano.Load() {
				m.replayParked(ctx, ui)
				ui.lastReplayNano.Store(now.UnixNano())
			}
			if ui.dirty.Load() > 0 {
				if err := m.snapshot(ctx, ui); err != nil {
					m.logger.Warn("idle snapshot failed", zap.String("user", ui.user), zap.Error(err))
				}
			}
		}
		if last := ui.lastSnapMs.Load(); last > 0 && m.metrics != nil {
			age := now.Sub(time.UnixMilli(last)).Seconds()
			m.metrics.SnapshotAge.WithLabelValues(ui.user).Set(age)
		}
	}
}

// replayParked re-adds parked entries missing from a warm index. Entries the
// index already holds are only waiting for a snapshot and are left alone.
func (m *Manager) replayParked(ctx context.Context, ui *userIndex) {
	entries, err := m.recovery(ctx, ui.user)
	if err != nil {
		m.logger.Warn("index replay source failed",
			zap.String("user", ui.user), zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}

	var replayed int
	ui.mu.Lock()
	if ui.index == nil {
		ui.mu.Unlock()
		return
	}
	for _, e := range entries {
		if ui.index.Contains(e.ID) {
			continue
		}
		if err := ui.index.Add(e.ID, e.Vector); err != nil {
			m.logger.Warn("replay entry not addable",
				zap.String("user", ui.user),
				zap.String("vector_id", e.ID),
				zap.Error(err))
			continue
		}
		replayed++
	}
	size := ui.index.Len()
	ui.mu.Unlock()

	if replayed == 0 {
		return
	}
	ui.dirty.Add(int64(replayed))
	m.gaugeSize(ui.user, size)
	m.logger.Info("parked writes replayed",
		zap.String("user", ui.user), zap.Int("replayed", replayed))
}

// Shutdown stops the janitor, drains every batcher, and snapshots every
// dirty index.
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
	for _, ui := range m.snapshotUsers() {
		if err := ui.batcher.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if ui.State() == StateWarm && ui.dirty.Load() > 0 {
			if err := m.snapshot(ctx, ui); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) gaugeSize(user string, size int) {
	if m.metrics != nil {
		m.metrics.IndexSize.WithLabelValues(user).Set(float64(size))
	}
}

func (m *Manager) observeLoad(status string) {
	if m.metrics != nil {
		m.metrics.IndexLoads.WithLabelValues(status).Inc()
	}
}

func (m *Manager) observeSnapshot(status string) {
	if m.metrics != nil {
		m.metrics.SnapshotWrites.WithLabelValues(status).Inc()
	}
}
