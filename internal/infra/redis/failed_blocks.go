package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/infra/storage"
)

// FailedBlockRepo implements storage.FailedBlockRepository using Redis.
// Each deployment has a sorted set of report ids scored by block number; the
// reports themselves are JSON blobs.
type FailedBlockRepo struct {
	client *Client
	ttl    time.Duration // 0 keeps reports until resolved
}

var _ storage.FailedBlockRepository = (*FailedBlockRepo)(nil)

// NewFailedBlockRepo creates a new Redis-backed failed block repository.
func NewFailedBlockRepo(client *Client, ttl time.Duration) *FailedBlockRepo {
	return &FailedBlockRepo{client: client, ttl: ttl}
}

// Key helpers
func (r *FailedBlockRepo) queueKey(deploymentID string) string {
	return r.client.key("failed_blocks", deploymentID)
}

func (r *FailedBlockRepo) blockKey(id string) string {
	return r.client.key("failed_block", id)
}

func (r *FailedBlockRepo) load(ctx context.Context, id string) (*domain.FailedBlock, error) {
	data, err := r.client.rdb.Get(ctx, r.blockKey(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var fb domain.FailedBlock
	if err := json.Unmarshal(data, &fb); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failed block: %w", err)
	}
	return &fb, nil
}

func (r *FailedBlockRepo) save(ctx context.Context, fb *domain.FailedBlock) error {
	data, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("failed to marshal failed block: %w", err)
	}

	_, err = r.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.blockKey(fb.ID), data, r.ttl)
		pipe.ZAdd(ctx, r.queueKey(fb.DeploymentID), redis.Z{
			Score:  float64(fb.BlockNumber),
			Member: fb.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save failed block: %w", err)
	}
	return nil
}

// Add adds a failed block to the queue.
func (r *FailedBlockRepo) Add(ctx context.Context, fb *domain.FailedBlock) error {
	if fb.Status == "" {
		fb.Status = domain.FailedBlockStatusPending
	}
	return r.save(ctx, fb)
}

// MarkResolved removes a report from its queue.
func (r *FailedBlockRepo) MarkResolved(ctx context.Context, id string) error {
	fb, err := r.load(ctx, id)
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get failed block: %w", err)
	}

	_, err = r.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.queueKey(fb.DeploymentID), id)
		pipe.Del(ctx, r.blockKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to resolve failed block: %w", err)
	}
	return nil
}

// GetAll retrieves all open reports of a deployment.
func (r *FailedBlockRepo) GetAll(ctx context.Context, deploymentID string) ([]*domain.FailedBlock, error) {
	ids, err := r.client.rdb.ZRange(ctx, r.queueKey(deploymentID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	blocks := make([]*domain.FailedBlock, 0, len(ids))
	for _, id := range ids {
		fb, err := r.load(ctx, id)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get failed block: %w", err)
		}
		blocks = append(blocks, fb)
	}

	return blocks, nil
}

// Count returns the number of open reports of a deployment.
func (r *FailedBlockRepo) Count(ctx context.Context, deploymentID string) (int, error) {
	count, err := r.client.rdb.ZCard(ctx, r.queueKey(deploymentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}
