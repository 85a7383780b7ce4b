package storage

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/graphnode/internal/core/domain"
)

var (
	// ErrCursorNotFound is returned when a deployment has no cursor.
	ErrCursorNotFound = errors.New("cursor not found")

	// ErrCursorExists is returned when initializing an existing deployment.
	ErrCursorExists = errors.New("cursor already exists")

	// ErrConflict is returned by Apply when the block does not extend the cursor.
	ErrConflict = errors.New("block does not extend deployment cursor")

	// ErrUnknownBlock is returned by Revert when the target height was never applied.
	ErrUnknownBlock = errors.New("revert target not found")
)

// CursorRepository handles deployment cursor metadata. The block position is
// only ever moved by EntityRepository.Apply and Revert.
type CursorRepository interface {
	// InitCursor creates the cursor of a new deployment.
	InitCursor(ctx context.Context, deploymentID string, startBlock uint64) (*domain.Cursor, error)

	// Cursor retrieves the cursor of a deployment.
	Cursor(ctx context.Context, deploymentID string) (*domain.Cursor, error)

	// ListCursors returns every known cursor ordered by deployment id.
	ListCursors(ctx context.Context) ([]*domain.Cursor, error)

	// UpdateState records a state change without moving the block position.
	UpdateState(ctx context.Context, deploymentID string, state domain.CursorState, reason string) error
}

// EntityRepository is the versioned entity store.
type EntityRepository interface {
	// Apply writes the changes of block and advances the cursor to it in one
	// transaction. The cursor must sit at (block.Number-1, parentHash); if it
	// already sits at block the call is a no-op. Otherwise ErrConflict.
	Apply(
		ctx context.Context,
		deploymentID string,
		block domain.BlockPtr,
		parentHash common.Hash,
		changes domain.BlockChanges,
	) error

	// Revert hides every version, block pointer and dynamic source written
	// after block `to` and resets the cursor. Reverting to a height at or
	// above the cursor is a no-op. Returns the new cursor position.
	Revert(ctx context.Context, deploymentID string, to uint64) (*domain.BlockPtr, error)

	// Get returns the entity visible at height, or nil.
	Get(ctx context.Context, deploymentID string, key domain.EntityKey, height uint64) (domain.Entity, error)

	// QueryAt returns the entities matching q as of height.
	QueryAt(
		ctx context.Context,
		deploymentID string,
		height uint64,
		q domain.EntityQuery,
	) ([]domain.EntityRecord, error)
}

// BlockRepository exposes the canonical block pointers recorded by Apply.
type BlockRepository interface {
	// Pointers returns the non-reverted pointers with number >= from, ascending.
	Pointers(ctx context.Context, deploymentID string, from uint64) ([]domain.BlockPtr, error)
}

// DataSourceRepository exposes dynamic data sources recorded by Apply.
type DataSourceRepository interface {
	// DynamicSources returns the live dynamic sources in creation order.
	DynamicSources(ctx context.Context, deploymentID string) ([]domain.DynamicSource, error)
}

// PruneRepository removes history no reader can observe any more.
type PruneRepository interface {
	// Prune deletes reverted rows and superseded versions below height.
	// Returns the number of rows removed.
	Prune(ctx context.Context, deploymentID string, below uint64) (int64, error)
}

// Store bundles the repositories a deployment needs.
type Store interface {
	CursorRepository
	EntityRepository
	BlockRepository
	DataSourceRepository
	PruneRepository
}

// FailedBlockRepository handles the failed block report queue.
type FailedBlockRepository interface {
	// Add adds a failed block
	Add(ctx context.Context, failedBlock *domain.FailedBlock) error

	// MarkResolved removes a report after the operator cleared it
	MarkResolved(ctx context.Context, id string) error

	// GetAll retrieves all reports of a deployment
	GetAll(ctx context.Context, deploymentID string) ([]*domain.FailedBlock, error)

	// Count returns the count of reports of a deployment
	Count(ctx context.Context, deploymentID string) (int, error)
}
