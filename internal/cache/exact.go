package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultStoreTimeout = 500 * time.Millisecond

// RedisStore is a Redis-backed exact-match Store, recommended when several
// gateway replicas should share one cache.
//
// All operations degrade gracefully when Redis is unavailable:
//   - Get returns (nil, false) on any error.
//   - Set returns nil even on error (silent degradation keeps the gateway alive).
//   - Delete returns the underlying error so callers can log/handle it.
type RedisStore struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisStoreFromClient wraps an existing Redis client. The caller owns the
// client lifecycle (creation and Close).
func NewRedisStoreFromClient(cli *redis.Client) *RedisStore {
	return &RedisStore{client: cli, queryTimeout: defaultStoreTimeout}
}

// NewRedisStoreFromURL parses redisURL, creates a client, verifies the
// connection with a PING, and returns a RedisStore.
func NewRedisStoreFromURL(ctx context.Context, redisURL string) (*RedisStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return &RedisStore{client: cli, queryTimeout: defaultStoreTimeout}, nil
}

// Get retrieves the value for key. Returns (data, true) on a hit and
// (nil, false) on a miss or any error. Redis errors are logged at WARN level
// but never propagated.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	return val, true
}

// Set stores value under key with the given TTL. Returns nil even on Redis
// error — fail open, the cache write is best-effort.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Delete removes key. Returns the underlying error so callers can decide how
// to handle it.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}

	return nil
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
