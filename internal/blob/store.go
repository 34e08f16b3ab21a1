package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/observability"
	"memvault-backend/internal/resilience"
)

// Store is the content-addressed blob interface the rest of the core
// consumes.
type Store interface {
	Put(ctx context.Context, data []byte, tags Tags) (PutReceipt, error)
	Get(ctx context.Context, address string) (Object, error)
	Head(ctx context.Context, address string) (Tags, error)
	Delete(ctx context.Context, address string) (bool, error)
	List(ctx context.Context, q ListQuery) (ListPage, error)
}

// StoreConfig tunes the adapter.
type StoreConfig struct {
	EpochDays   int
	MaxAttempts int
	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time
}

type store struct {
	transport Transport
	breaker   *gobreaker.CircuitBreaker
	retry     resilience.RetryConfig
	epochDays int
	clock     func() time.Time
	logger    *zap.Logger
	metrics   *observability.Collector
}

// NewStore wraps a transport with the retry and breaker policy. Transient
// transport faults are retried up to the attempt budget; missing keys and
// cancellations are not.
func NewStore(transport Transport, cfg StoreConfig, logger *zap.Logger, metrics *observability.Collector) Store {
	if cfg.EpochDays <= 0 {
		cfg.EpochDays = 30
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxRetries = cfg.MaxAttempts - 1
	retry.RetryIfFn = func(err error) bool {
		return !errors.Is(err, ErrKeyNotFound) && !errors.Is(err, context.Canceled)
	}

	return &store{
		transport: transport,
		breaker: resilience.NewBreaker(resilience.BreakerConfig{
			Name: "blob-store",
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrKeyNotFound)
			},
		}, logger),
		retry:     retry,
		epochDays: cfg.EpochDays,
		clock:     clock,
		logger:    logger.Named("blob"),
		metrics:   metrics,
	}
}

func (s *store) Put(ctx context.Context, data []byte, tags Tags) (PutReceipt, error) {
	start := s.clock()
	address := AddressOf(data)

	tags.ContentHash = address
	tags.ContentSize = int64(len(data))
	if tags.CreatedMs == 0 {
		tags.CreatedMs = start.UnixMilli()
	}
	meta := encodeMeta(tags)

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, resilience.Retry(ctx, s.retry, func() error {
			if err := s.transport.Put(ctx, blobKey(address), data, meta); err != nil {
				return err
			}
			if tags.Owner == "" {
				return nil
			}
			return s.transport.Put(ctx, ownerKey(tags.Owner, address), nil, nil)
		})
	})
	s.observe("put", start, err)
	if err != nil {
		return PutReceipt{}, s.mapErr("put", err)
	}

	s.logger.Debug("blob stored",
		zap.String("address", address),
		zap.Int("size", len(data)),
	)
	return PutReceipt{
		Address:           address,
		Size:              int64(len(data)),
		StoredAt:          tags.CreatedMs,
		RetentionEpochEnd: RetentionEpochEnd(tags.CreatedMs, s.epochDays),
	}, nil
}

func (s *store) Get(ctx context.Context, address string) (Object, error) {
	start := s.clock()
	res, err := s.breaker.Execute(func() (interface{}, error) {
		return resilience.RetryWithResult(ctx, s.retry, func() (Object, error) {
			data, meta, err := s.transport.Get(ctx, blobKey(address))
			if err != nil {
				return Object{}, err
			}
			return Object{Bytes: data, Tags: decodeMeta(meta)}, nil
		})
	})
	s.observe("get", start, err)
	if err != nil {
		return Object{}, s.mapErr("get", err)
	}
	return res.(Object), nil
}

func (s *store) Head(ctx context.Context, address string) (Tags, error) {
	start := s.clock()
	res, err := s.breaker.Execute(func() (interface{}, error) {
		return resilience.RetryWithResult(ctx, s.retry, func() (map[string]string, error) {
			return s.transport.Head(ctx, blobKey(address))
		})
	})
	s.observe("head", start, err)
	if err != nil {
		return Tags{}, s.mapErr("head", err)
	}
	return decodeMeta(res.(map[string]string)), nil
}

func (s *store) Delete(ctx context.Context, address string) (bool, error) {
	start := s.clock()

	// Owner marker first so List stops reporting the address even if the
	// blob delete lags.
	var owner string
	if meta, err := s.transport.Head(ctx, blobKey(address)); err == nil {
		owner = meta["owner"]
	}

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, resilience.Retry(ctx, s.retry, func() error {
			if owner != "" {
				if err := s.transport.Delete(ctx, ownerKey(owner, address)); err != nil {
					return err
				}
			}
			return s.transport.Delete(ctx, blobKey(address))
		})
	})
	s.observe("delete", start, err)
	if err != nil {
		return false, s.mapErr("delete", err)
	}
	return true, nil
}

func (s *store) List(ctx context.Context, q ListQuery) (ListPage, error) {
	if q.Owner == "" {
		return ListPage{}, appErrors.NewInvalidInput("list requires an owner filter")
	}
	start := s.clock()
	prefix := ownerKeyPrefix + q.Owner + "/"

	cursor := ""
	if q.Cursor != "" {
		cursor = prefix + q.Cursor
	}

	res, err := s.breaker.Execute(func() (interface{}, error) {
		return resilience.RetryWithResult(ctx, s.retry, func() (ListPage, error) {
			keys, next, err := s.transport.List(ctx, prefix, q.Limit, cursor)
			if err != nil {
				return ListPage{}, err
			}
			page := ListPage{Addresses: make([]string, 0, len(keys))}
			for _, k := range keys {
				page.Addresses = append(page.Addresses, strings.TrimPrefix(k, prefix))
			}
			if next != "" {
				page.NextCursor = strings.TrimPrefix(next, prefix)
			}
			return page, nil
		})
	})
	s.observe("list", start, err)
	if err != nil {
		return ListPage{}, s.mapErr("list", err)
	}
	page := res.(ListPage)

	if q.Category != "" {
		filtered := page.Addresses[:0]
		for _, addr := range page.Addresses {
			tags, err := s.Head(ctx, addr)
			if err != nil {
				continue
			}
			if tags.Category == q.Category {
				filtered = append(filtered, addr)
			}
		}
		page.Addresses = filtered
	}
	return page, nil
}

func (s *store) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, ErrKeyNotFound) {
			status = "not_found"
		}
	}
	s.metrics.BlobOperations.WithLabelValues(op, status).Inc()
	s.metrics.BlobDuration.WithLabelValues(op).Observe(s.clock().Sub(start).Seconds())
}

func (s *store) mapErr(op string, err error) error {
	switch {
	case errors.Is(err, ErrKeyNotFound):
		return appErrors.NewNotFound(fmt.Sprintf("blob %s: address not found", op))
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return appErrors.NewStorageUnavailable("blob store circuit open", err)
	default:
		return appErrors.NewStorageUnavailable(fmt.Sprintf("blob %s failed", op), err)
	}
}
