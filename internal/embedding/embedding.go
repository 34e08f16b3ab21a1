// Package embedding turns text into vectors. A Provider does the actual
// embedding; the Service in front of it memoises repeated texts and enforces
// the provider's rate limit so batch flushes cannot stampede it.
package embedding

import "context"

// Provider embeds batches of texts. Implementations must return one vector
// per input text, in input order, all of Dimension length.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Model() string
}
