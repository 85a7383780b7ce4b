package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/graphnode/internal/core/domain"
)

func setupClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb, "test"), mr
}

func failedBlock(id, deployment string, number uint64, retries int) *domain.FailedBlock {
	return &domain.FailedBlock{
		ID:           id,
		DeploymentID: deployment,
		BlockNumber:  number,
		FailureType:  domain.FailureTypeHandler,
		Error:        "boom",
		RetryCount:   retries,
		CreatedAt:    time.Now(),
	}
}

func TestFailedBlockRepo_AddAndGetAll(t *testing.T) {
	client, _ := setupClient(t)
	repo := NewFailedBlockRepo(client, 0)
	ctx := context.Background()

	require.NoError(t, repo.Add(ctx, failedBlock("b", "dep", 11, 0)))
	require.NoError(t, repo.Add(ctx, failedBlock("a", "dep", 10, 2)))
	require.NoError(t, repo.Add(ctx, failedBlock("c", "other", 5, 0)))

	all, err := repo.GetAll(ctx, "dep")
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Ordered by block number.
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, 2, all[0].RetryCount)
	assert.Equal(t, "b", all[1].ID)
	assert.Equal(t, domain.FailedBlockStatusPending, all[1].Status)

	count, err := repo.Count(ctx, "dep")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestFailedBlockRepo_MarkResolved(t *testing.T) {
	client, mr := setupClient(t)
	repo := NewFailedBlockRepo(client, 0)
	ctx := context.Background()

	require.NoError(t, repo.Add(ctx, failedBlock("a", "dep", 10, 0)))
	require.NoError(t, repo.MarkResolved(ctx, "a"))
	require.NoError(t, repo.MarkResolved(ctx, "a"))

	all, err := repo.GetAll(ctx, "dep")
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.False(t, mr.Exists("test:failed_block:a"))
}

func TestFailedBlockRepo_ExpiredBlobIsSkipped(t *testing.T) {
	client, mr := setupClient(t)
	repo := NewFailedBlockRepo(client, time.Hour)
	ctx := context.Background()

	require.NoError(t, repo.Add(ctx, failedBlock("a", "dep", 10, 0)))
	mr.FastForward(2 * time.Hour)

	all, err := repo.GetAll(ctx, "dep")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestContentCache_RoundTripAndExpiry(t *testing.T) {
	client, mr := setupClient(t)
	cache := NewContentCache(client, time.Minute)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "Qm1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "Qm1", []byte(`{"name":"x"}`)))
	data, ok, err := cache.Get(ctx, "Qm1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"name":"x"}`, string(data))

	mr.FastForward(2 * time.Minute)
	_, ok, err = cache.Get(ctx, "Qm1")
	require.NoError(t, err)
	assert.False(t, ok)
}
