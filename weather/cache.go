package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCachePrefix namespaces weather entries in Redis.
const DefaultCachePrefix = "weather:"

// RedisCache stores lookups as JSON strings with a TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a cache on an existing client. The client is not
// closed by the cache.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: DefaultCachePrefix, ttl: ttl}
}

// Get returns the cached data or ErrCacheMiss.
func (c *RedisCache) Get(ctx context.Context, location string) (Data, error) {
	raw, err := c.client.Get(ctx, c.prefix+location).Bytes()
	if errors.Is(err, redis.Nil) {
		return Data{}, ErrCacheMiss
	}
	if err != nil {
		return Data{}, fmt.Errorf("redis get: %w", err)
	}

	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return Data{}, fmt.Errorf("decode cached weather: %w", err)
	}
	return d, nil
}

// Set stores d for the cache TTL.
func (c *RedisCache) Set(ctx context.Context, location string, d Data) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode weather: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+location, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
