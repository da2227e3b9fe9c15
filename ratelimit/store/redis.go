package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is a Redis-backed implementation of Store suitable for distributed deployments.
// Each key is a sorted set whose members are request arrivals scored by Unix
// milliseconds. Hit runs ZREMRANGEBYSCORE, ZCARD, ZADD, and EXPIRE inside a
// MULTI/EXEC transaction so no other client interleaves with the batch.
type Redis struct {
	client *redis.Client
	prefix string
	owned  bool
}

// RedisConfig holds configuration for Redis connection.
// All fields should be populated explicitly by your application code.
// Never reads environment variables directly.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379")
	URL string

	// Password for Redis authentication (optional, leave empty if not needed)
	Password string

	// DB is the Redis database number (0-15, default: 0)
	DB int

	// Prefix is prepended to all keys to namespace rate limit data (default: "rate_limit:")
	Prefix string

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout)
	WriteTimeout time.Duration
}

// DefaultPrefix namespaces event logs when no prefix is configured.
const DefaultPrefix = "rate_limit:"

// NewRedis creates a Redis store with its own client.
// Validates the connection with a ping before returning. Returns an error if
// the connection cannot be established within 5 seconds.
//
// Example:
//
//	st, err := store.NewRedis(store.RedisConfig{
//		URL:    "localhost:6379",
//		Prefix: "rate_limit:",
//	})
func NewRedis(config RedisConfig) (*Redis, error) {
	opts := &redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	st := NewRedisFromClient(client, config.Prefix)
	st.owned = true
	return st, nil
}

// NewRedisFromClient wraps a client owned by the caller. Close on the returned
// store leaves the client open.
func NewRedisFromClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{
		client: client,
		prefix: prefix,
	}
}

// Hit records an arrival for key and returns the number of arrivals that were
// already inside the window.
func (r *Redis) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	fullKey := r.prefix + key
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, fullKey, "-inf", cutoffScore(now, window))
		card = pipe.ZCard(ctx, fullKey)
		pipe.ZAdd(ctx, fullKey, redis.Z{Score: float64(nowMs), Member: member})
		pipe.Expire(ctx, fullKey, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis hit failed for key %q: %w", key, err)
	}

	return card.Val(), nil
}

// Count trims the log for key and returns its size.
func (r *Redis) Count(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	fullKey := r.prefix + key

	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, fullKey, "-inf", cutoffScore(now, window))
		card = pipe.ZCard(ctx, fullKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis count failed for key %q: %w", key, err)
	}

	return card.Val(), nil
}

// Reset removes the log for the given key.
func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis reset failed: %w", err)
	}
	return nil
}

// Close releases the Redis client connection when the store created it.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

// cutoffScore is the inclusive upper bound of expired scores.
func cutoffScore(now time.Time, window time.Duration) string {
	return strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
}
