package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"memvault-backend/internal/blob"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/observability"
)

type l1Entry struct {
	data      []byte
	expiresAt int64
}

type demotion struct {
	key  string
	data []byte
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	L1Hits      int64 `json:"l1_hits"`
	L1Misses    int64 `json:"l1_misses"`
	L1Evictions int64 `json:"l1_evictions"`
	L1Entries   int   `json:"l1_entries"`
	L2Hits      int64 `json:"l2_hits"`
	L2Misses    int64 `json:"l2_misses"`
	L3Hits      int64 `json:"l3_hits"`
	L3Misses    int64 `json:"l3_misses"`
}

// ContentCache fronts the blob store with two cache tiers. Lookups probe
// L1, then L2, then the store; lower-tier hits are promoted upward, and L1
// evictions demote into L2 so a hot entry survives process-local pressure.
type ContentCache struct {
	l1      *lru.Cache[string, l1Entry]
	l2      HotSet
	store   blob.Store
	ttl     time.Duration
	clock   func() time.Time
	logger  *zap.Logger
	metrics *observability.Collector

	demoteCh  chan demotion
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup

	// suppressed marks keys being removed on purpose, so the eviction
	// callback does not demote them back into L2.
	suppressed sync.Map

	l1Hits      atomic.Int64
	l1Misses    atomic.Int64
	l1Evictions atomic.Int64
	l2Hits      atomic.Int64
	l2Misses    atomic.Int64
	l3Hits      atomic.Int64
	l3Misses    atomic.Int64
}

// Config tunes the cache tiers.
type Config struct {
	L1Entries int
	TTL       time.Duration
	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time
}

// NewContentCache builds the cache over a hot-set and the blob store.
func NewContentCache(l2 HotSet, store blob.Store, cfg Config, logger *zap.Logger, metrics *observability.Collector) (*ContentCache, error) {
	if cfg.L1Entries <= 0 {
		cfg.L1Entries = 4096
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	c := &ContentCache{
		l2:       l2,
		store:    store,
		ttl:      cfg.TTL,
		clock:    clock,
		logger:   logger.Named("cache"),
		metrics:  metrics,
		demoteCh: make(chan demotion, 256),
		closed:   make(chan struct{}),
	}

	l1, err := lru.NewWithEvict[string, l1Entry](cfg.L1Entries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.l1 = l1

	c.wg.Add(1)
	go c.demoteWorker()

	return c, nil
}

// onEvict runs inside the LRU lock; hand the entry to the demote worker
// instead of doing network I/O here. A full queue drops the demotion, L3
// remains the source of truth.
func (c *ContentCache) onEvict(key string, entry l1Entry) {
	if _, ok := c.suppressed.Load(key); ok {
		return
	}
	c.l1Evictions.Add(1)
	c.metrics.CacheEvictions.WithLabelValues("l1").Inc()
	select {
	case c.demoteCh <- demotion{key: key, data: entry.data}:
	default:
	}
}

// removeNoDemote drops a key from L1 without triggering demotion.
func (c *ContentCache) removeNoDemote(key string) {
	c.suppressed.Store(key, struct{}{})
	c.l1.Remove(key)
	c.suppressed.Delete(key)
}

func (c *ContentCache) demoteWorker() {
	defer c.wg.Done()
	for {
		select {
		case d := <-c.demoteCh:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := c.l2.Set(ctx, d.key, d.data, c.ttl); err != nil {
				c.logger.Debug("demotion to shared tier failed", zap.Error(err))
			}
			cancel()
		case <-c.closed:
			return
		}
	}
}

// Get returns the bytes at the given content address, consulting tiers in
// order. A miss in every tier surfaces the blob store's NotFound.
func (c *ContentCache) Get(ctx context.Context, address string) ([]byte, error) {
	start := c.clock()
	defer func() {
		c.metrics.CacheGetDuration.Observe(c.clock().Sub(start).Seconds())
	}()

	if entry, ok := c.l1.Get(address); ok {
		if entry.expiresAt > start.UnixMilli() {
			c.l1Hits.Add(1)
			c.metrics.CacheHits.WithLabelValues("l1").Inc()
			return entry.data, nil
		}
		c.removeNoDemote(address)
	}
	c.l1Misses.Add(1)
	c.metrics.CacheMisses.WithLabelValues("l1").Inc()

	if data, err := c.l2.Get(ctx, address); err == nil {
		c.l2Hits.Add(1)
		c.metrics.CacheHits.WithLabelValues("l2").Inc()
		c.insertL1(address, data)
		return data, nil
	} else if err != ErrHotSetMiss {
		c.logger.Debug("shared tier probe failed", zap.Error(err))
	}
	c.l2Misses.Add(1)
	c.metrics.CacheMisses.WithLabelValues("l2").Inc()

	obj, err := c.store.Get(ctx, address)
	if err != nil {
		if appErrors.IsNotFound(err) {
			c.l3Misses.Add(1)
			c.metrics.CacheMisses.WithLabelValues("l3").Inc()
		}
		return nil, err
	}
	c.l3Hits.Add(1)
	c.metrics.CacheHits.WithLabelValues("l3").Inc()

	if err := c.l2.Set(ctx, address, obj.Bytes, c.ttl); err != nil {
		c.logger.Debug("shared tier insert failed", zap.Error(err))
	}
	c.insertL1(address, obj.Bytes)
	return obj.Bytes, nil
}

// Put warms both cache tiers after a blob write. The blob itself is already
// durable; failures here only cost future hits.
func (c *ContentCache) Put(ctx context.Context, address string, data []byte) {
	if err := c.l2.Set(ctx, address, data, c.ttl); err != nil {
		c.logger.Debug("shared tier insert failed", zap.Error(err))
	}
	c.insertL1(address, data)
}

// Invalidate drops an address from both cache tiers.
func (c *ContentCache) Invalidate(ctx context.Context, address string) {
	c.removeNoDemote(address)
	if err := c.l2.Delete(ctx, address); err != nil {
		c.logger.Debug("shared tier delete failed", zap.Error(err))
	}
}

func (c *ContentCache) insertL1(address string, data []byte) {
	c.l1.Add(address, l1Entry{
		data:      data,
		expiresAt: c.clock().Add(c.ttl).UnixMilli(),
	})
}

// Stats snapshots the per-tier counters.
func (c *ContentCache) Stats() Stats {
	return Stats{
		L1Hits:      c.l1Hits.Load(),
		L1Misses:    c.l1Misses.Load(),
		L1Evictions: c.l1Evictions.Load(),
		L1Entries:   c.l1.Len(),
		L2Hits:      c.l2Hits.Load(),
		L2Misses:    c.l2Misses.Load(),
		L3Hits:      c.l3Hits.Load(),
		L3Misses:    c.l3Misses.Load(),
	}
}

// Close stops the demote worker and closes the shared tier.
func (c *ContentCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	c.wg.Wait()
	return c.l2.Close()
}
