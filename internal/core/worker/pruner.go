package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/graphnode/internal/infra/storage"
)

// PruneStore is what the pruner needs from the entity store.
type PruneStore interface {
	storage.CursorRepository
	storage.PruneRepository
}

// PrunerConfig controls how much history a deployment keeps.
type PrunerConfig struct {
	DeploymentID string
	// HistoryBlocks is the number of blocks below the cursor that stay
	// queryable. 0 disables pruning.
	HistoryBlocks uint64
	// ConfirmationDepth is the deepest revert the ingestor can issue; history
	// inside it is never pruned.
	ConfirmationDepth uint64
	Interval          time.Duration
}

// Pruner deletes entity history no reader or revert can reach any more.
type Pruner struct {
	cfg    PrunerConfig
	store  PruneStore
	logger *slog.Logger
}

// NewPruner creates a new Pruner worker.
func NewPruner(cfg PrunerConfig, store PruneStore, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "pruner", "deployment", cfg.DeploymentID),
	}
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.cfg.HistoryBlocks == 0 {
		return // Pruning disabled
	}

	interval := p.cfg.Interval
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial prune
	p.PruneOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PruneOnce(ctx)
		}
	}
}

// Horizon returns the height below which history may be dropped for a
// deployment whose cursor sits at height.
func (p *Pruner) Horizon(height uint64) (uint64, bool) {
	keep := max(p.cfg.HistoryBlocks, p.cfg.ConfirmationDepth+1)
	if height < keep {
		return 0, false
	}
	return height - keep, true
}

// PruneOnce runs a single pruning pass and returns the rows removed.
func (p *Pruner) PruneOnce(ctx context.Context) int64 {
	c, err := p.store.Cursor(ctx, p.cfg.DeploymentID)
	if err != nil {
		p.logger.Error("failed to load cursor", "error", err)
		return 0
	}
	height, ok := c.Height()
	if !ok {
		return 0
	}
	below, ok := p.Horizon(height)
	if !ok {
		return 0
	}

	removed, err := p.store.Prune(ctx, p.cfg.DeploymentID, below)
	if err != nil {
		p.logger.Error("failed to prune history", "below", below, "error", err)
		return 0
	}
	if removed > 0 {
		p.logger.Debug("pruned history", "below", below, "rows", removed)
	}
	return removed
}
