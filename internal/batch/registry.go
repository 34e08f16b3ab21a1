package batch

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Flusher is the type-erased view of a Batcher the registry manages.
type Flusher interface {
	Kind() string
	Depth() int
	FlushNow(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Registry tracks every live batcher so the admin surface and the shutdown
// path can drain them all without knowing their item types.
type Registry struct {
	mu       sync.Mutex
	batchers map[string]Flusher
	logger   *zap.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		batchers: make(map[string]Flusher),
		logger:   logger.Named("batch"),
	}
}

// Register adds a batcher under its kind, replacing any previous one.
func (r *Registry) Register(f Flusher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batchers[f.Kind()] = f
}

// Deregister removes a batcher, typically after it was shut down.
func (r *Registry) Deregister(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.batchers, kind)
}

func (r *Registry) snapshot() []Flusher {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Flusher, 0, len(r.batchers))
	for _, f := range r.batchers {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind() < out[j].Kind() })
	return out
}

// Depths reports pending items per kind.
func (r *Registry) Depths() map[string]int {
	depths := make(map[string]int)
	for _, f := range r.snapshot() {
		depths[f.Kind()] = f.Depth()
	}
	return depths
}

// FlushAll drains every registered batcher and returns the first failure.
func (r *Registry) FlushAll(ctx context.Context) error {
	var firstErr error
	for _, f := range r.snapshot() {
		if err := f.FlushNow(ctx); err != nil {
			r.logger.Warn("flush failed", zap.String("kind", f.Kind()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Shutdown drains and stops every registered batcher.
func (r *Registry) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, f := range r.snapshot() {
		if err := f.Shutdown(ctx); err != nil {
			r.logger.Warn("batcher shutdown failed", zap.String("kind", f.Kind()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
