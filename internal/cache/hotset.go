// Package cache implements the three-tier content cache: an in-process LRU
// in front of a shared Redis hot-set in front of the blob store. Addresses
// are content hashes, so entries never go stale; the TTL only bounds
// working-set growth.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrHotSetMiss is returned by a HotSet when the key is absent.
var ErrHotSetMiss = errors.New("cache: hot-set miss")

// HotSet is the shared second tier. Implementations: Redis, and a no-op for
// single-process deployments.
type HotSet interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

const hotSetKeyPrefix = "mv:blob:"

// RedisHotSet implements HotSet on go-redis.
type RedisHotSet struct {
	client *redis.Client
}

// RedisOptions configures the hot-set connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisHotSet connects and pings the Redis hot-set.
func NewRedisHotSet(opts RedisOptions) (*RedisHotSet, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisHotSet{client: client}, nil
}

func (r *RedisHotSet) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, hotSetKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrHotSetMiss
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (r *RedisHotSet) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, hotSetKeyPrefix+key, value, ttl).Err()
}

func (r *RedisHotSet) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, hotSetKeyPrefix+key).Err()
}

func (r *RedisHotSet) Close() error {
	return r.client.Close()
}

// NoopHotSet always misses. Used when the shared tier is disabled.
type NoopHotSet struct{}

func (NoopHotSet) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, ErrHotSetMiss
}

func (NoopHotSet) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}

func (NoopHotSet) Delete(ctx context.Context, key string) error { return nil }

func (NoopHotSet) Close() error { return nil }
