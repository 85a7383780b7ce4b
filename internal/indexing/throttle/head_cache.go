package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/infra/chain"
)

// HeadCache caches the chain head so that every deployment indexing the same
// network shares one head poll per TTL. Concurrent misses are coalesced.
// Block fetches pass straight through.
type HeadCache struct {
	endpoint chain.Endpoint
	ttl      time.Duration
	group    singleflight.Group

	mu       sync.RWMutex
	cached   uint64
	cachedAt time.Time
}

var _ chain.Endpoint = (*HeadCache)(nil)

// NewHeadCache creates a new head cache with the given TTL.
func NewHeadCache(endpoint chain.Endpoint, ttl time.Duration) *HeadCache {
	return &HeadCache{
		endpoint: endpoint,
		ttl:      ttl,
	}
}

// HeadNumber returns the cached chain head if within TTL, otherwise fetches fresh.
func (c *HeadCache) HeadNumber(ctx context.Context) (uint64, error) {
	c.mu.RLock()
	if !c.cachedAt.IsZero() && time.Since(c.cachedAt) < c.ttl {
		cached := c.cached
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do("head", func() (any, error) {
		head, err := c.endpoint.HeadNumber(ctx)
		if err != nil {
			return uint64(0), err
		}
		// A lower head is passed on as is: it may be a shorter fork.
		c.mu.Lock()
		c.cached = head
		c.cachedAt = time.Now()
		c.mu.Unlock()
		return head, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

func (c *HeadCache) BlockByNumber(ctx context.Context, number uint64) (*domain.Block, error) {
	return c.endpoint.BlockByNumber(ctx, number)
}

func (c *HeadCache) BlockByHash(ctx context.Context, hash common.Hash) (*domain.Block, error) {
	return c.endpoint.BlockByHash(ctx, hash)
}
