package embedding

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/observability"
)

// ServiceConfig tunes the memoising layer.
type ServiceConfig struct {
	CacheEntries int
	// RPM is the provider's requests-per-minute budget. Zero disables the
	// limiter.
	RPM int
	// MaxBatch caps texts per provider call. Zero sends every miss in one
	// call.
	MaxBatch int
}

// Service fronts a Provider with an LRU memo and a rate limiter. Identical
// texts are embedded once per process; the limiter spaces out provider calls
// so concurrent flushes stay inside the vendor budget.
type Service struct {
	provider Provider
	memo     *lru.Cache[uint64, []float32]
	limiter  *rate.Limiter
	maxBatch int
	logger   *zap.Logger
	metrics  *observability.Collector
}

// NewService wraps the provider.
func NewService(provider Provider, cfg ServiceConfig, logger *zap.Logger, metrics *observability.Collector) (*Service, error) {
	if provider == nil {
		return nil, fmt.Errorf("embedding: service requires a provider")
	}
	if cfg.CacheEntries <= 0 {
		cfg.CacheEntries = 10000
	}
	memo, err := lru.New[uint64, []float32](cfg.CacheEntries)
	if err != nil {
		return nil, fmt.Errorf("embedding: memo cache: %w", err)
	}
	var limiter *rate.Limiter
	if cfg.RPM > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RPM)/60.0), cfg.RPM/10+1)
	}
	return &Service{
		provider: provider,
		memo:     memo,
		limiter:  limiter,
		maxBatch: cfg.MaxBatch,
		logger:   logger.Named("embedding"),
		metrics:  metrics,
	}, nil
}

func (s *Service) Dimension() int { return s.provider.Dimension() }
func (s *Service) Model() string  { return s.provider.Model() }

// memoKey hashes (model, text) so switching models never serves stale
// vectors.
func (s *Service) memoKey(text string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(s.provider.Model())
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(text)
	return d.Sum64()
}

// Embed returns one vector per text, serving repeats from the memo and
// sending only the misses to the provider in a single call.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	var (
		missTexts   []string
		missIndexes []int
		missKeys    []uint64
	)
	for i, text := range texts {
		key := s.memoKey(text)
		if vec, ok := s.memo.Get(key); ok {
			out[i] = vec
			if s.metrics != nil {
				s.metrics.EmbeddingCacheHits.Inc()
			}
			continue
		}
		missTexts = append(missTexts, text)
		missIndexes = append(missIndexes, i)
		missKeys = append(missKeys, key)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := s.embedMisses(ctx, missTexts)
	if err != nil {
		s.observe("error")
		return nil, err
	}
	s.observe("ok")

	for j, vec := range vectors {
		out[missIndexes[j]] = vec
		s.memo.Add(missKeys[j], vec)
	}
	s.logger.Debug("embedded batch",
		zap.Int("texts", len(texts)),
		zap.Int("misses", len(missTexts)))
	return out, nil
}

// embedMisses sends the misses to the provider in chunks of at most
// maxBatch, waiting out the rate limiter before each call.
func (s *Service) embedMisses(ctx context.Context, texts []string) ([][]float32, error) {
	chunk := s.maxBatch
	if chunk <= 0 || chunk > len(texts) {
		chunk = len(texts)
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += chunk {
		end := start + chunk
		if end > len(texts) {
			end = len(texts)
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, appErrors.NewEmbeddingUnavailable("rate limiter wait interrupted", err)
			}
		}
		got, err := s.provider.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(got) != end-start {
			return nil, appErrors.NewEmbeddingUnavailable(
				"provider returned "+strconv.Itoa(len(got))+" vectors for "+strconv.Itoa(end-start)+" texts", nil)
		}
		vectors = append(vectors, got...)
	}
	return vectors, nil
}

// EmbedOne embeds a single text.
func (s *Service) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (s *Service) observe(status string) {
	if s.metrics != nil {
		s.metrics.EmbeddingCalls.WithLabelValues(status).Inc()
	}
}
