package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/infra/storage"
)

// Handler records block failures for operators and clears them once the
// deployment is unfailed.
type Handler struct {
	repo   storage.FailedBlockRepository
	logger *slog.Logger
}

// NewHandler creates a new failed block handler.
func NewHandler(repo storage.FailedBlockRepository, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{repo: repo, logger: logger.With("component", "recovery")}
}

// HandleFailure is called by the runner when it gives up on a block.
func (h *Handler) HandleFailure(
	ctx context.Context,
	deploymentID string,
	block domain.BlockPtr,
	failureType domain.FailureType,
	attempts int,
	err error,
) (*domain.FailedBlock, error) {
	now := time.Now()
	failedBlock := &domain.FailedBlock{
		ID:           uuid.New().String(),
		DeploymentID: deploymentID,
		BlockNumber:  block.Number,
		BlockHash:    block.Hash.Hex(),
		FailureType:  failureType,
		Error:        err.Error(),
		RetryCount:   attempts,
		Status:       domain.FailedBlockStatusPending,
		LastAttempt:  now,
		CreatedAt:    now,
	}

	if err := h.repo.Add(ctx, failedBlock); err != nil {
		return nil, fmt.Errorf("failed to add failed block: %w", err)
	}
	h.logger.Warn("recorded failed block",
		"deployment", deploymentID,
		"block", block.Number,
		"type", failureType,
		"id", failedBlock.ID,
	)
	return failedBlock, nil
}

// Pending returns the open failure reports of a deployment.
func (h *Handler) Pending(ctx context.Context, deploymentID string) ([]*domain.FailedBlock, error) {
	return h.repo.GetAll(ctx, deploymentID)
}

// ResolveAll marks every open report of a deployment resolved.
func (h *Handler) ResolveAll(ctx context.Context, deploymentID string) (int, error) {
	pending, err := h.repo.GetAll(ctx, deploymentID)
	if err != nil {
		return 0, fmt.Errorf("failed to list failed blocks: %w", err)
	}
	for _, fb := range pending {
		if err := h.repo.MarkResolved(ctx, fb.ID); err != nil {
			return 0, fmt.Errorf("failed to resolve block %s: %w", fb.ID, err)
		}
	}
	return len(pending), nil
}
