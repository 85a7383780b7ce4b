package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/indexing/metrics"
	"github.com/vietddude/graphnode/internal/infra/storage"
)

// UnitOfWork bundles the writes of one block into a single database
// transaction, so that all succeed or all fail.
type UnitOfWork struct {
	db           *DB
	tx           *sqlx.Tx
	deploymentID string
}

// NewUnitOfWork creates a new unit of work with an active transaction.
func (db *DB) NewUnitOfWork(ctx context.Context, deploymentID string) (*UnitOfWork, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{db: db, tx: tx, deploymentID: deploymentID}, nil
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	return err
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}

type cursorRow struct {
	StartBlock  int64          `db:"start_block"`
	BlockNumber sql.NullInt64  `db:"block_number"`
	BlockHash   sql.NullString `db:"block_hash"`
}

func (r cursorRow) block() *domain.BlockPtr {
	if !r.BlockNumber.Valid {
		return nil
	}
	return &domain.BlockPtr{Number: uint64(r.BlockNumber.Int64), Hash: common.HexToHash(r.BlockHash.String)}
}

// LockCursor reads the deployment cursor and holds its row lock until the
// transaction ends.
func (u *UnitOfWork) LockCursor(ctx context.Context) (*cursorRow, error) {
	var row cursorRow
	err := u.tx.GetContext(ctx, &row, `
		SELECT start_block, block_number, block_hash
		FROM deployment_cursors
		WHERE deployment_id = $1
		FOR UPDATE`, u.deploymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCursorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock cursor: %w", err)
	}
	return &row, nil
}

// SaveVersions appends entity versions at blockNumber using a multi-row INSERT.
// Operations on the same key keep only the last write.
func (u *UnitOfWork) SaveVersions(ctx context.Context, blockNumber uint64, ops []domain.EntityOperation) error {
	if len(ops) == 0 {
		return nil
	}

	last := make(map[domain.EntityKey]int, len(ops))
	for i, op := range ops {
		last[op.Key] = i
	}

	types := make([]string, 0, len(last))
	ids := make([]string, 0, len(last))
	datas := make([]sql.NullString, 0, len(last))
	for i, op := range ops {
		if last[op.Key] != i {
			continue
		}
		types = append(types, op.Key.Type)
		ids = append(ids, op.Key.ID)
		if op.Kind == domain.OpRemove {
			datas = append(datas, sql.NullString{})
			continue
		}
		raw, err := json.Marshal(op.Data)
		if err != nil {
			return fmt.Errorf("failed to encode entity %s: %w", op.Key, err)
		}
		datas = append(datas, sql.NullString{String: string(raw), Valid: true})
	}

	metrics.DBBatchSize.WithLabelValues("save_versions").Observe(float64(len(types)))

	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO entity_versions (deployment_id, entity_type, entity_id, block_number, data)
		SELECT $1, t.entity_type, t.entity_id, $2, t.data::jsonb
		FROM unnest($3::text[], $4::text[], $5::text[]) AS t(entity_type, entity_id, data)`,
		u.deploymentID, int64(blockNumber), pq.Array(types), pq.Array(ids), pq.Array(datas))
	if err != nil {
		return fmt.Errorf("failed to insert entity versions: %w", err)
	}
	return nil
}

// SavePointer records block as canonical for the deployment.
func (u *UnitOfWork) SavePointer(ctx context.Context, block domain.BlockPtr) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO block_pointers (deployment_id, block_number, block_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (deployment_id, block_number, block_hash) DO UPDATE SET reverted = FALSE`,
		u.deploymentID, int64(block.Number), block.Hash.Hex())
	if err != nil {
		return fmt.Errorf("failed to save block pointer: %w", err)
	}
	return nil
}

// SaveDynamicSources records data sources created while processing blockNumber.
func (u *UnitOfWork) SaveDynamicSources(ctx context.Context, blockNumber uint64, sources []domain.DynamicSource) error {
	if len(sources) == 0 {
		return nil
	}
	templates := make([]string, len(sources))
	addresses := make([]string, len(sources))
	for i, ds := range sources {
		templates[i] = ds.Template
		addresses[i] = ds.Address.Hex()
	}
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO dynamic_data_sources (deployment_id, template, address, created_at)
		SELECT $1, t.template, t.address, $2
		FROM unnest($3::text[], $4::text[]) WITH ORDINALITY AS t(template, address, ord)
		ORDER BY t.ord`,
		u.deploymentID, int64(blockNumber), pq.Array(templates), pq.Array(addresses))
	if err != nil {
		return fmt.Errorf("failed to insert dynamic sources: %w", err)
	}
	return nil
}

// MoveCursor points the cursor at block, or clears it when block is nil.
func (u *UnitOfWork) MoveCursor(ctx context.Context, block *domain.BlockPtr) error {
	var number sql.NullInt64
	var hash sql.NullString
	if block != nil {
		number = sql.NullInt64{Int64: int64(block.Number), Valid: true}
		hash = sql.NullString{String: block.Hash.Hex(), Valid: true}
	}
	_, err := u.tx.ExecContext(ctx, `
		UPDATE deployment_cursors
		SET block_number = $2, block_hash = $3, updated_at = NOW()
		WHERE deployment_id = $1`,
		u.deploymentID, number, hash)
	if err != nil {
		return fmt.Errorf("failed to move cursor: %w", err)
	}
	return nil
}

// PointerAt returns the canonical pointer at number, or nil.
func (u *UnitOfWork) PointerAt(ctx context.Context, number uint64) (*domain.BlockPtr, error) {
	var hash string
	err := u.tx.GetContext(ctx, &hash, `
		SELECT block_hash FROM block_pointers
		WHERE deployment_id = $1 AND block_number = $2 AND NOT reverted`,
		u.deploymentID, int64(number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read block pointer: %w", err)
	}
	return &domain.BlockPtr{Number: number, Hash: common.HexToHash(hash)}, nil
}

// MarkReverted flags every row written after block `to` as reverted.
func (u *UnitOfWork) MarkReverted(ctx context.Context, to uint64) error {
	statements := []string{
		`UPDATE entity_versions SET reverted = TRUE
		 WHERE deployment_id = $1 AND block_number > $2 AND NOT reverted`,
		`UPDATE block_pointers SET reverted = TRUE
		 WHERE deployment_id = $1 AND block_number > $2 AND NOT reverted`,
		`UPDATE dynamic_data_sources SET reverted = TRUE
		 WHERE deployment_id = $1 AND created_at > $2 AND NOT reverted`,
	}
	for _, stmt := range statements {
		if _, err := u.tx.ExecContext(ctx, stmt, u.deploymentID, int64(to)); err != nil {
			return fmt.Errorf("failed to mark reverted: %w", err)
		}
	}
	return nil
}
