package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// localEntryCap bounds the entry count so a stream of tiny values cannot
// grow the bookkeeping without limit. The working bound is maxBytes.
const localEntryCap = 1 << 20

// LocalHotSet is an in-process HotSet bounded by total payload bytes. It
// stands in for Redis on single-node deployments so L1 demotion still has
// somewhere to land. Expiry is lazy: entries are dropped when read past
// their deadline or pushed out by the byte budget.
type LocalHotSet struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, localEntry]
	maxBytes int64
	bytes    int64
	clock    func() time.Time
}

type localEntry struct {
	data []byte
	// expiresAt is a UnixMilli deadline; zero means no expiry.
	expiresAt int64
}

// NewLocalHotSet builds a hot set that holds at most maxBytes of values.
// A non-positive budget defaults to 64 MiB.
func NewLocalHotSet(maxBytes int64) *LocalHotSet {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	l := &LocalHotSet{maxBytes: maxBytes, clock: time.Now}
	// NewLRU only fails on a non-positive size.
	l.lru, _ = simplelru.NewLRU[string, localEntry](localEntryCap, l.onEvict)
	return l
}

// onEvict runs under l.mu for every removal path and keeps the byte count
// in step with the list.
func (l *LocalHotSet) onEvict(_ string, e localEntry) {
	l.bytes -= int64(len(e.data))
}

func (l *LocalHotSet) Get(_ context.Context, key string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.lru.Get(key)
	if !ok {
		return nil, ErrHotSetMiss
	}
	if e.expiresAt != 0 && e.expiresAt <= l.clock().UnixMilli() {
		l.lru.Remove(key)
		return nil, ErrHotSetMiss
	}
	return e.data, nil
}

func (l *LocalHotSet) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	size := int64(len(value))
	if size > l.maxBytes {
		// Too large for this tier; the blob store stays the source of truth.
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Remove first so replacement reconciles the byte count through onEvict.
	l.lru.Remove(key)

	var deadline int64
	if ttl > 0 {
		deadline = l.clock().Add(ttl).UnixMilli()
	}
	l.lru.Add(key, localEntry{data: value, expiresAt: deadline})
	l.bytes += size

	for l.bytes > l.maxBytes {
		if _, _, ok := l.lru.RemoveOldest(); !ok {
			break
		}
	}
	return nil
}

func (l *LocalHotSet) Delete(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lru.Remove(key)
	return nil
}

func (l *LocalHotSet) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lru.Purge()
	return nil
}

// Bytes reports the payload bytes currently held.
func (l *LocalHotSet) Bytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bytes
}

// Len reports the number of entries currently held.
func (l *LocalHotSet) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lru.Len()
}
