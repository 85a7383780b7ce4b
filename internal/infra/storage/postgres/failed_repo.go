package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/infra/storage"
)

// FailedBlockRepo implements storage.FailedBlockRepository using PostgreSQL.
type FailedBlockRepo struct {
	db *DB
}

var _ storage.FailedBlockRepository = (*FailedBlockRepo)(nil)

// NewFailedBlockRepo creates a new PostgreSQL failed block repository.
func NewFailedBlockRepo(db *DB) *FailedBlockRepo {
	return &FailedBlockRepo{db: db}
}

type failedRow struct {
	ID           string    `db:"id"`
	DeploymentID string    `db:"deployment_id"`
	BlockNumber  int64     `db:"block_number"`
	BlockHash    string    `db:"block_hash"`
	FailureType  string    `db:"failure_type"`
	ErrorMsg     string    `db:"error_msg"`
	RetryCount   int       `db:"retry_count"`
	Status       string    `db:"status"`
	LastAttempt  time.Time `db:"last_attempt"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r failedRow) toDomain() *domain.FailedBlock {
	return &domain.FailedBlock{
		ID:           r.ID,
		DeploymentID: r.DeploymentID,
		BlockNumber:  uint64(r.BlockNumber),
		BlockHash:    r.BlockHash,
		FailureType:  domain.FailureType(r.FailureType),
		Error:        r.ErrorMsg,
		RetryCount:   r.RetryCount,
		Status:       domain.FailedBlockStatus(r.Status),
		LastAttempt:  r.LastAttempt,
		CreatedAt:    r.CreatedAt,
	}
}

const failedColumns = `id, deployment_id, block_number, block_hash, failure_type, error_msg,
	retry_count, status, last_attempt, created_at`

// Add adds a failed block.
func (r *FailedBlockRepo) Add(ctx context.Context, fb *domain.FailedBlock) error {
	status := fb.Status
	if status == "" {
		status = domain.FailedBlockStatusPending
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO failed_blocks (id, deployment_id, block_number, block_hash, failure_type,
			error_msg, retry_count, status, last_attempt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`,
		fb.ID, fb.DeploymentID, int64(fb.BlockNumber), fb.BlockHash, string(fb.FailureType),
		fb.Error, fb.RetryCount, string(status))
	if err != nil {
		return fmt.Errorf("failed to add failed block: %w", err)
	}
	return nil
}

// MarkResolved marks a failed block as resolved.
func (r *FailedBlockRepo) MarkResolved(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE failed_blocks SET status = 'resolved' WHERE id = $1`, id)
	return err
}

// GetAll returns all pending reports of a deployment.
func (r *FailedBlockRepo) GetAll(ctx context.Context, deploymentID string) ([]*domain.FailedBlock, error) {
	var rows []failedRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+failedColumns+`
		FROM failed_blocks
		WHERE deployment_id = $1 AND status = 'pending'
		ORDER BY created_at`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get all failed blocks: %w", err)
	}
	blocks := make([]*domain.FailedBlock, 0, len(rows))
	for _, row := range rows {
		blocks = append(blocks, row.toDomain())
	}
	return blocks, nil
}

// Count returns the number of pending reports.
func (r *FailedBlockRepo) Count(ctx context.Context, deploymentID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM failed_blocks WHERE deployment_id = $1 AND status = 'pending'`, deploymentID)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed blocks: %w", err)
	}
	return count, nil
}
