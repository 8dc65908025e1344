package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a string key/value cache with per-entry TTL.
type Cache struct {
	client *Client
}

// NewCache creates a cache on top of client.
func NewCache(client *Client) *Cache {
	return &Cache{client: client}
}

// Get returns the cached value and whether it was present.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// Set stores value under key for ttl.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
