package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/graphnode/internal/core/config"
	"github.com/vietddude/graphnode/internal/infra/ipfs"
	redisclient "github.com/vietddude/graphnode/internal/infra/redis"
	"github.com/vietddude/graphnode/internal/infra/storage"
	"github.com/vietddude/graphnode/internal/infra/storage/memory"
	"github.com/vietddude/graphnode/internal/infra/storage/postgres"
)

// failedReportTTL bounds how long resolved reports stay in Redis.
const failedReportTTL = 30 * 24 * time.Hour

// Stores bundles the persistence backends selected by configuration.
type Stores struct {
	Store  storage.Store
	Failed storage.FailedBlockRepository
	// Content caches fetched IPFS content; nil without Redis.
	Content ipfs.Cache

	db    *postgres.DB
	redis *redisclient.Client
}

// OpenStores connects the configured backends. An empty database URL selects
// the in-memory store; an empty Redis URL keeps failure reports next to the
// entities and disables the content cache.
func OpenStores(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stores{}

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		s.db = db
		s.Store = postgres.NewStore(db)
		s.Failed = postgres.NewFailedBlockRepo(db)
		logger.Info("using postgres storage")
	} else {
		mem := memory.NewMemoryStorage()
		s.Store = mem
		s.Failed = memory.NewFailedRepo(mem)
		logger.Info("using memory storage")
	}

	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.redis = client
		s.Failed = redisclient.NewFailedBlockRepo(client, failedReportTTL)
		s.Content = redisclient.NewContentCache(client, cfg.IPFS.CacheTTL)
		logger.Info("using redis for failure reports and content cache")
	}
	return s, nil
}

// DB returns the postgres connection, or nil for the memory store.
func (s *Stores) DB() *postgres.DB { return s.db }

// Close releases every connection.
func (s *Stores) Close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}
