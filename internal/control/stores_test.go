package control

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/graphnode/internal/core/config"
	"github.com/vietddude/graphnode/internal/core/domain"
	redisclient "github.com/vietddude/graphnode/internal/infra/redis"
	"github.com/vietddude/graphnode/internal/infra/storage/memory"
)

func TestOpenStores_Memory(t *testing.T) {
	stores, err := OpenStores(context.Background(), &config.AppConfig{}, nil)
	require.NoError(t, err)
	defer stores.Close()

	assert.IsType(t, &memory.MemoryStorage{}, stores.Store)
	assert.IsType(t, &memory.FailedRepo{}, stores.Failed)
	assert.Nil(t, stores.Content)
	assert.Nil(t, stores.DB())
}

func TestOpenStores_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.AppConfig{
		Redis: redisclient.Config{URL: "redis://" + mr.Addr()},
	}
	cfg.IPFS.CacheTTL = time.Hour

	stores, err := OpenStores(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer stores.Close()

	assert.IsType(t, &memory.MemoryStorage{}, stores.Store)
	assert.IsType(t, &redisclient.FailedBlockRepo{}, stores.Failed)
	require.NotNil(t, stores.Content)

	ctx := context.Background()
	require.NoError(t, stores.Failed.Add(ctx, &domain.FailedBlock{
		ID:           "f1",
		DeploymentID: "uni",
		BlockNumber:  12,
		Status:       domain.FailedBlockStatusPending,
		CreatedAt:    time.Now(),
	}))
	n, err := stores.Failed.Count(ctx, "uni")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, stores.Content.Set(ctx, "QmHash", []byte("hello")))
	data, ok, err := stores.Content.Get(ctx, "QmHash")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("hello"), data)
}

func TestOpenStores_RedisUnreachable(t *testing.T) {
	cfg := &config.AppConfig{
		Redis: redisclient.Config{URL: "redis://127.0.0.1:1"},
	}
	_, err := OpenStores(context.Background(), cfg, nil)
	assert.Error(t, err)
}
