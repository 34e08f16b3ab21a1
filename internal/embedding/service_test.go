package embedding_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"memvault-backend/internal/embedding"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/observability"
)

// countingProvider records how many texts actually reach the backend.
type countingProvider struct {
	inner embedding.Provider
	calls atomic.Int64
	texts atomic.Int64
	fail  atomic.Bool
}

func (p *countingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.calls.Add(1)
	p.texts.Add(int64(len(texts)))
	if p.fail.Load() {
		return nil, appErrors.NewEmbeddingUnavailable("provider down", nil)
	}
	return p.inner.Embed(ctx, texts)
}

func (p *countingProvider) Dimension() int { return p.inner.Dimension() }
func (p *countingProvider) Model() string  { return p.inner.Model() }

func newEmbedFixture(t *testing.T) (*embedding.Service, *countingProvider) {
	t.Helper()
	provider := &countingProvider{inner: embedding.NewLocalProvider(64)}
	svc, err := embedding.NewService(provider, embedding.ServiceConfig{CacheEntries: 128},
		zaptest.NewLogger(t), observability.NewCollector("memvault"))
	require.NoError(t, err)
	return svc, provider
}

func TestEmbedMemoisesRepeatedTexts(t *testing.T) {
	svc, provider := newEmbedFixture(t)
	ctx := context.Background()

	first, err := svc.Embed(ctx, []string{"prefers dark roast", "lives in lisbon"})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, int64(2), provider.texts.Load())

	second, err := svc.Embed(ctx, []string{"prefers dark roast", "lives in lisbon"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(2), provider.texts.Load(), "repeat texts must not reach the provider")
}

func TestEmbedSendsOnlyMissesToProvider(t *testing.T) {
	svc, provider := newEmbedFixture(t)
	ctx := context.Background()

	_, err := svc.Embed(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)

	out, err := svc.Embed(ctx, []string{"alpha", "gamma", "beta"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i, vec := range out {
		assert.Lenf(t, vec, 64, "vector %d", i)
	}
	assert.Equal(t, int64(3), provider.texts.Load(), "only the new text goes out")
	assert.Equal(t, int64(2), provider.calls.Load())
}

func TestEmbedChunksLargeBatches(t *testing.T) {
	provider := &countingProvider{inner: embedding.NewLocalProvider(64)}
	svc, err := embedding.NewService(provider, embedding.ServiceConfig{CacheEntries: 128, MaxBatch: 2},
		zaptest.NewLogger(t), observability.NewCollector("memvault"))
	require.NoError(t, err)

	out, err := svc.Embed(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	require.Len(t, out, 5)
	assert.Equal(t, int64(3), provider.calls.Load(), "five misses at two per call")
	assert.Equal(t, int64(5), provider.texts.Load())
}

func TestEmbedAllHitsSkipsProviderEntirely(t *testing.T) {
	svc, provider := newEmbedFixture(t)
	ctx := context.Background()

	_, err := svc.Embed(ctx, []string{"cached"})
	require.NoError(t, err)

	provider.fail.Store(true)
	out, err := svc.Embed(ctx, []string{"cached"})
	require.NoError(t, err, "full cache hit must not call the failing provider")
	require.Len(t, out, 1)
}

func TestEmbedSurfacesProviderOutage(t *testing.T) {
	svc, provider := newEmbedFixture(t)
	provider.fail.Store(true)

	_, err := svc.Embed(context.Background(), []string{"fresh"})
	assert.True(t, appErrors.IsEmbeddingUnavailable(err), "got %v", err)
}

func TestLocalProviderIsDeterministicAndNormalised(t *testing.T) {
	p := embedding.NewLocalProvider(128)
	ctx := context.Background()

	a, err := p.Embed(ctx, []string{"coffee preferences matter"})
	require.NoError(t, err)
	b, err := p.Embed(ctx, []string{"coffee preferences matter"})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var norm float64
	for _, v := range a[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-4)
}

func TestLocalProviderSimilarityTracksTokenOverlap(t *testing.T) {
	p := embedding.NewLocalProvider(256)
	ctx := context.Background()

	vecs, err := p.Embed(ctx, []string{
		"user prefers dark roast coffee",
		"dark roast coffee is preferred",
		"the capital of france is paris",
	})
	require.NoError(t, err)

	dot := func(a, b []float32) float64 {
		var s float64
		for i := range a {
			s += float64(a[i]) * float64(b[i])
		}
		return s
	}
	related := dot(vecs[0], vecs[1])
	unrelated := dot(vecs[0], vecs[2])
	assert.Greater(t, related, unrelated,
		"texts sharing tokens must score closer than disjoint texts")
}

func TestEmbedEmptyInput(t *testing.T) {
	svc, provider := newEmbedFixture(t)

	out, err := svc.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, provider.calls.Load())
}
