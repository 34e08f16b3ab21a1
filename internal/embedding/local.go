package embedding

import (
	"context"
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// LocalProvider produces deterministic embeddings by feature-hashing tokens
// into a fixed-width vector. Texts sharing tokens land near each other, which
// is enough for local mode and for exercising retrieval end to end without a
// hosted model.
type LocalProvider struct {
	dimension int
	model     string
}

// NewLocalProvider builds a provider with the given output width.
func NewLocalProvider(dimension int) *LocalProvider {
	if dimension <= 0 {
		dimension = 256
	}
	return &LocalProvider{dimension: dimension, model: "local-hash"}
}

func (p *LocalProvider) Dimension() int { return p.dimension }
func (p *LocalProvider) Model() string  { return p.model }

// Embed implements Provider.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = p.embedOne(text)
	}
	return out, nil
}

func (p *LocalProvider) embedOne(text string) []float32 {
	vec := make([]float32, p.dimension)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := xxhash.Sum64String(token)
		bucket := int(h % uint64(p.dimension))
		if h&(1<<63) != 0 {
			vec[bucket] -= 1
		} else {
			vec[bucket] += 1
		}
		// A second rotated bucket smooths collisions on short texts.
		h2 := xxhash.Sum64String(token + "\x01")
		vec[int(h2%uint64(p.dimension))] += 0.5
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Empty text maps to a fixed unit vector so downstream math never
		// divides by zero.
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
