package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache remembers resolved opportunity keys across agent restarts so a
// freshly started process does not immediately re-chase a key it settled
// moments before going down.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wraps a connected client.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "solrun:resolved"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(oppKey string) string {
	return c.prefix + ":" + oppKey
}

// MarkResolved records a terminal resolution with the given TTL.
func (c *RedisCache) MarkResolved(ctx context.Context, oppKey string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(oppKey), time.Now().Format(time.RFC3339Nano), ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark %s resolved: %w", oppKey, err)
	}
	return nil
}

// WasResolved reports whether the key resolved within its TTL window.
func (c *RedisCache) WasResolved(ctx context.Context, oppKey string) (bool, error) {
	_, err := c.client.Get(ctx, c.key(oppKey)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read resolution for %s: %w", oppKey, err)
	}
	return true, nil
}
