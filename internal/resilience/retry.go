// Package resilience bundles the retry and circuit-breaker helpers used in
// front of external collaborators: blob transport, key servers, and the LLM
// and embedding providers.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig defines configuration for retries
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
	// RetryIfFn gates which errors are retried. Nil retries everything.
	RetryIfFn func(error) bool
}

// DefaultRetryConfig returns the transport-fault retry policy: three
// attempts, exponential backoff with jitter, bounded by the caller context.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  30 * time.Second,
	}
}

// Retry retries a function with exponential backoff.
func Retry(ctx context.Context, config RetryConfig, operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialInterval
	b.MaxInterval = config.MaxInterval
	b.Multiplier = config.Multiplier
	b.MaxElapsedTime = config.MaxElapsedTime

	var policy backoff.BackOff = b
	if config.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(b, uint64(config.MaxRetries))
	}
	policy = backoff.WithContext(policy, ctx)

	return backoff.Retry(func() error {
		err := operation()
		if err != nil && config.RetryIfFn != nil && !config.RetryIfFn(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// RetryWithResult retries a function with exponential backoff and returns
// its result.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, operation func() (T, error)) (T, error) {
	var result T
	err := Retry(ctx, config, func() error {
		var opErr error
		result, opErr = operation()
		return opErr
	})
	return result, err
}
