package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ContentCache stores immutable content by identifier.
type ContentCache struct {
	client *Client
	ttl    time.Duration
}

// NewContentCache creates a cache whose entries expire after ttl.
func NewContentCache(client *Client, ttl time.Duration) *ContentCache {
	return &ContentCache{client: client, ttl: ttl}
}

func (c *ContentCache) contentKey(id string) string {
	return c.client.key("content", id)
}

// Get returns the cached bytes and whether they were present.
func (c *ContentCache) Get(ctx context.Context, id string) ([]byte, bool, error) {
	data, err := c.client.rdb.Get(ctx, c.contentKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get content %s: %w", id, err)
	}
	return data, true, nil
}

// Set stores content under id.
func (c *ContentCache) Set(ctx context.Context, id string, data []byte) error {
	if err := c.client.rdb.Set(ctx, c.contentKey(id), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set content %s: %w", id, err)
	}
	return nil
}
