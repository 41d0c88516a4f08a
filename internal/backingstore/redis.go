// Package backingstore adapts external collaborators (Redis, S3) to the
// small interfaces internal/cache declares, so cache stays ignorant of the
// concrete client libraries. Grounded on micahg-cobblepod's
// internal/state/state.go (go-redis client construction + Ping probe) and
// internal/storage/s3.go (aws-sdk-go-v2 S3 client construction).
package backingstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisHotLookup implements internal/cache.HotLookup: a Redis-fronted
// search-string -> canonical-URL cache consulted before Postgres.
type RedisHotLookup struct {
	client *redis.Client
}

// NewRedisHotLookup dials addr and verifies connectivity with Ping, the
// same probe-on-construct style state.NewStateManager uses.
func NewRedisHotLookup(ctx context.Context, addr string) (*RedisHotLookup, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisHotLookup{client: client}, nil
}

// Get looks up query, returning ok=false (not an error) on a cache miss.
func (r *RedisHotLookup) Get(ctx context.Context, query string) (string, bool, error) {
	url, err := r.client.Get(ctx, query).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return url, true, nil
}

// Set stores query -> url with no expiry. Nothing evicts these keys, and
// internal/cache does not bound the number of search-string entries.
func (r *RedisHotLookup) Set(ctx context.Context, query, url string) error {
	return r.client.Set(ctx, query, url, 0).Err()
}

// Close releases the underlying connection pool.
func (r *RedisHotLookup) Close() error {
	return r.client.Close()
}
