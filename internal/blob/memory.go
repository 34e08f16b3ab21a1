package blob

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memoryObject struct {
	data []byte
	meta map[string]string
}

// MemoryTransport is the in-process Transport used by tests and local mode.
// Keys are held in a plain map; List walks sorted keys for stable cursors.
type MemoryTransport struct {
	mu      sync.RWMutex
	objects map[string]memoryObject

	// FailPuts makes the next n Put calls fail, for retry tests.
	failPuts int
	failErr  error
}

// NewMemoryTransport creates an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{objects: make(map[string]memoryObject)}
}

// FailNextPuts makes the next n Put calls return err.
func (t *MemoryTransport) FailNextPuts(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failPuts = n
	t.failErr = err
}

func (t *MemoryTransport) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failPuts > 0 {
		t.failPuts--
		return t.failErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	metaCp := make(map[string]string, len(meta))
	for k, v := range meta {
		metaCp[k] = v
	}
	t.objects[key] = memoryObject{data: cp, meta: metaCp}
	return nil
}

func (t *MemoryTransport) Get(ctx context.Context, key string) ([]byte, map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	obj, ok := t.objects[key]
	if !ok {
		return nil, nil, ErrKeyNotFound
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, obj.meta, nil
}

func (t *MemoryTransport) Head(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	obj, ok := t.objects[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return obj.meta, nil
}

func (t *MemoryTransport) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.objects, key)
	return nil
}

func (t *MemoryTransport) List(ctx context.Context, prefix string, limit int, cursor string) ([]string, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	t.mu.RLock()
	keys := make([]string, 0, len(t.objects))
	for k := range t.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	t.mu.RUnlock()

	sort.Strings(keys)
	start := 0
	if cursor != "" {
		start = sort.SearchStrings(keys, cursor)
		if start < len(keys) && keys[start] == cursor {
			start++
		}
	}
	keys = keys[start:]

	next := ""
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
		next = keys[len(keys)-1]
	}
	return keys, next, nil
}

// Len reports the number of stored objects.
func (t *MemoryTransport) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.objects)
}
