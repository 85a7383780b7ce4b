// Package cursor tracks the lifecycle of each deployment.
//
// The block position of a deployment is owned by the entity store: it only
// moves inside the same transaction that writes or reverts entity versions.
// This package layers the deployment state machine on top of it:
//
//	INIT -> SYNCING -> REORG -> SYNCING
//	SYNCING -> FAILED -> SYNCING (operator unfail)
//	PAUSED -> REORG is rejected
//
// It also keeps per-deployment throughput figures for the health endpoint.
//
//	manager := cursor.NewManager(store)
//	c, _ := manager.Initialize(ctx, "uniswap", 12_369_621)
//	manager.SetState(ctx, "uniswap", cursor.StateSyncing, "runner started")
//	manager.SetStateChangeCallback(func(id string, t cursor.Transition) {
//	    slog.Info("deployment state", "deployment", id, "from", t.From, "to", t.To)
//	})
package cursor

import (
	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/infra/storage"
)

// Cursor represents the persisted position of a deployment.
type Cursor = domain.Cursor

// State constants re-exported for convenience.
const (
	StateInit    = domain.CursorStateInit
	StateSyncing = domain.CursorStateSyncing
	StateReorg   = domain.CursorStateReorg
	StatePaused  = domain.CursorStatePaused
	StateFailed  = domain.CursorStateFailed
)

// NewManager creates a new cursor manager with the given repository.
func NewManager(repo storage.CursorRepository) *DefaultManager {
	return &DefaultManager{
		repo:             repo,
		blockTimeHistory: make(map[string]*MetricsCollector),
	}
}

// NewMetricsCollector creates a new metrics collector with the given window size.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &MetricsCollector{
		window:      windowSize,
		commits:     make([]commit, 0, windowSize),
		transitions: make([]Transition, 0, transitionHistory),
	}
}
