package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/indexing/metrics"
	"github.com/vietddude/graphnode/internal/infra/storage"
)

// Store implements storage.Store on PostgreSQL. Versions are never updated
// in place; reverts only flip the reverted flag.
type Store struct {
	db *DB
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a new PostgreSQL entity store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// -----------------------------------------------------------------------------
// Cursor Repository
// -----------------------------------------------------------------------------

type cursorRecord struct {
	DeploymentID string         `db:"deployment_id"`
	StartBlock   int64          `db:"start_block"`
	BlockNumber  sql.NullInt64  `db:"block_number"`
	BlockHash    sql.NullString `db:"block_hash"`
	State        string         `db:"state"`
	Reason       string         `db:"reason"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r cursorRecord) toDomain() *domain.Cursor {
	c := &domain.Cursor{
		DeploymentID: r.DeploymentID,
		StartBlock:   uint64(r.StartBlock),
		State:        domain.CursorState(r.State),
		Reason:       r.Reason,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.BlockNumber.Valid {
		c.Block = &domain.BlockPtr{
			Number: uint64(r.BlockNumber.Int64),
			Hash:   common.HexToHash(r.BlockHash.String),
		}
	}
	return c
}

const cursorColumns = `deployment_id, start_block, block_number, block_hash, state, reason, updated_at`

// InitCursor creates the cursor of a new deployment.
func (s *Store) InitCursor(ctx context.Context, deploymentID string, startBlock uint64) (*domain.Cursor, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO deployment_cursors (deployment_id, start_block, state)
		VALUES ($1, $2, $3)
		ON CONFLICT (deployment_id) DO NOTHING`,
		deploymentID, int64(startBlock), string(domain.CursorStateInit))
	if err != nil {
		return nil, fmt.Errorf("failed to init cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, storage.ErrCursorExists
	}
	return s.Cursor(ctx, deploymentID)
}

// Cursor retrieves the cursor of a deployment.
func (s *Store) Cursor(ctx context.Context, deploymentID string) (*domain.Cursor, error) {
	var row cursorRecord
	err := s.db.GetContext(ctx, &row,
		`SELECT `+cursorColumns+` FROM deployment_cursors WHERE deployment_id = $1`, deploymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCursorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return row.toDomain(), nil
}

// ListCursors returns every cursor ordered by deployment id.
func (s *Store) ListCursors(ctx context.Context) ([]*domain.Cursor, error) {
	var rows []cursorRecord
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+cursorColumns+` FROM deployment_cursors ORDER BY deployment_id`); err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	out := make([]*domain.Cursor, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// UpdateState updates cursor state.
func (s *Store) UpdateState(
	ctx context.Context,
	deploymentID string,
	state domain.CursorState,
	reason string,
) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployment_cursors SET state = $2, reason = $3, updated_at = NOW()
		WHERE deployment_id = $1`,
		deploymentID, string(state), reason)
	if err != nil {
		return fmt.Errorf("failed to update cursor state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrCursorNotFound
	}
	return nil
}

// -----------------------------------------------------------------------------
// Entity Repository
// -----------------------------------------------------------------------------

// Apply commits the changes of one block and advances the cursor.
func (s *Store) Apply(
	ctx context.Context,
	deploymentID string,
	block domain.BlockPtr,
	parentHash common.Hash,
	changes domain.BlockChanges,
) error {
	start := time.Now()
	defer func() {
		metrics.StoreCommitDuration.WithLabelValues(deploymentID, "apply").Observe(time.Since(start).Seconds())
	}()

	uow, err := s.db.NewUnitOfWork(ctx, deploymentID)
	if err != nil {
		return err
	}
	defer func() { _ = uow.Rollback() }()

	row, err := uow.LockCursor(ctx)
	if err != nil {
		return err
	}
	cur := row.block()
	switch {
	case cur != nil && *cur == block:
		return nil
	case cur == nil && block.Number != uint64(row.StartBlock):
		return fmt.Errorf("%w: expected start block %d, got %s", storage.ErrConflict, row.StartBlock, block)
	case cur != nil && (cur.Number+1 != block.Number || cur.Hash != parentHash):
		return fmt.Errorf("%w: cursor at %s, got %s with parent %s",
			storage.ErrConflict, cur, block, parentHash.TerminalString())
	}

	if err := uow.SaveVersions(ctx, block.Number, changes.Operations); err != nil {
		return err
	}
	if err := uow.SavePointer(ctx, block); err != nil {
		return err
	}
	if err := uow.SaveDynamicSources(ctx, block.Number, changes.DynamicSources); err != nil {
		return err
	}
	if err := uow.MoveCursor(ctx, &block); err != nil {
		return err
	}
	if err := uow.Commit(); err != nil {
		return fmt.Errorf("failed to commit block %s: %w", block, err)
	}
	return nil
}

// Revert hides everything written after block `to`.
func (s *Store) Revert(ctx context.Context, deploymentID string, to uint64) (*domain.BlockPtr, error) {
	start := time.Now()
	defer func() {
		metrics.StoreCommitDuration.WithLabelValues(deploymentID, "revert").Observe(time.Since(start).Seconds())
	}()

	uow, err := s.db.NewUnitOfWork(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = uow.Rollback() }()

	row, err := uow.LockCursor(ctx)
	if err != nil {
		return nil, err
	}
	cur := row.block()
	if cur == nil {
		return nil, nil
	}
	if to >= cur.Number {
		return cur, nil
	}

	var target *domain.BlockPtr
	if to >= uint64(row.StartBlock) {
		target, err = uow.PointerAt(ctx, to)
		if err != nil {
			return nil, err
		}
		if target == nil {
			return nil, fmt.Errorf("%w: block %d of %s", storage.ErrUnknownBlock, to, deploymentID)
		}
	}

	if err := uow.MarkReverted(ctx, to); err != nil {
		return nil, err
	}
	if err := uow.MoveCursor(ctx, target); err != nil {
		return nil, err
	}
	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit revert to %d: %w", to, err)
	}
	return target, nil
}

// Get returns the entity visible at height, or nil.
func (s *Store) Get(
	ctx context.Context,
	deploymentID string,
	key domain.EntityKey,
	height uint64,
) (domain.Entity, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `
		SELECT data FROM entity_versions
		WHERE deployment_id = $1 AND entity_type = $2 AND entity_id = $3
		  AND block_number <= $4 AND NOT reverted
		ORDER BY block_number DESC, id DESC
		LIMIT 1`,
		deploymentID, key.Type, key.ID, int64(height))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %s: %w", key, err)
	}
	if data == nil {
		return nil, nil
	}
	var e domain.Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode entity %s: %w", key, err)
	}
	return e, nil
}

type versionRow struct {
	EntityID    string `db:"entity_id"`
	BlockNumber int64  `db:"block_number"`
	Data        []byte `db:"data"`
}

// QueryAt returns entities of q.Type visible at height.
func (s *Store) QueryAt(
	ctx context.Context,
	deploymentID string,
	height uint64,
	q domain.EntityQuery,
) ([]domain.EntityRecord, error) {
	if q.Type == "" {
		return nil, fmt.Errorf("query requires an entity type")
	}

	args := []any{deploymentID, q.Type, int64(height)}
	var inner, outer strings.Builder
	inner.WriteString(`
		SELECT DISTINCT ON (entity_id) entity_id, block_number, data
		FROM entity_versions
		WHERE deployment_id = $1 AND entity_type = $2 AND block_number <= $3 AND NOT reverted`)
	if q.ID != "" {
		args = append(args, q.ID)
		fmt.Fprintf(&inner, " AND entity_id = $%d", len(args))
	}
	inner.WriteString(" ORDER BY entity_id, block_number DESC, id DESC")

	outer.WriteString("SELECT entity_id, block_number, data FROM (")
	outer.WriteString(inner.String())
	outer.WriteString(") v WHERE v.data IS NOT NULL")
	// Whole-value equality per attribute, as in EntityQuery.Matches.
	for _, attr := range slices.Sorted(maps.Keys(q.Where)) {
		want, err := json.Marshal(q.Where[attr])
		if err != nil {
			return nil, fmt.Errorf("failed to encode filter on %s: %w", attr, err)
		}
		args = append(args, attr, string(want))
		fmt.Fprintf(&outer, " AND v.data -> $%d = $%d::jsonb", len(args)-1, len(args))
	}
	args = append(args, q.Limit(), q.Skip)
	fmt.Fprintf(&outer, ` ORDER BY v.entity_id COLLATE "C" LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	var rows []versionRow
	if err := s.db.SelectContext(ctx, &rows, outer.String(), args...); err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.Type, err)
	}

	out := make([]domain.EntityRecord, 0, len(rows))
	for _, r := range rows {
		var e domain.Entity
		if err := json.Unmarshal(r.Data, &e); err != nil {
			return nil, fmt.Errorf("failed to decode %s#%s: %w", q.Type, r.EntityID, err)
		}
		out = append(out, domain.EntityRecord{
			Key:   domain.EntityKey{Type: q.Type, ID: r.EntityID},
			Block: uint64(r.BlockNumber),
			Data:  e,
		})
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Block / Data Source Repository
// -----------------------------------------------------------------------------

// Pointers returns canonical block pointers from `from` upward.
func (s *Store) Pointers(ctx context.Context, deploymentID string, from uint64) ([]domain.BlockPtr, error) {
	var rows []struct {
		BlockNumber int64  `db:"block_number"`
		BlockHash   string `db:"block_hash"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT block_number, block_hash FROM block_pointers
		WHERE deployment_id = $1 AND block_number >= $2 AND NOT reverted
		ORDER BY block_number`,
		deploymentID, int64(from)); err != nil {
		return nil, fmt.Errorf("failed to load block pointers: %w", err)
	}
	out := make([]domain.BlockPtr, len(rows))
	for i, r := range rows {
		out[i] = domain.BlockPtr{Number: uint64(r.BlockNumber), Hash: common.HexToHash(r.BlockHash)}
	}
	return out, nil
}

// DynamicSources returns the live dynamic sources in creation order.
func (s *Store) DynamicSources(ctx context.Context, deploymentID string) ([]domain.DynamicSource, error) {
	var rows []struct {
		Template  string `db:"template"`
		Address   string `db:"address"`
		CreatedAt int64  `db:"created_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT template, address, created_at FROM dynamic_data_sources
		WHERE deployment_id = $1 AND NOT reverted
		ORDER BY id`,
		deploymentID); err != nil {
		return nil, fmt.Errorf("failed to load dynamic sources: %w", err)
	}
	out := make([]domain.DynamicSource, len(rows))
	for i, r := range rows {
		out[i] = domain.DynamicSource{
			Template:  r.Template,
			Address:   common.HexToAddress(r.Address),
			CreatedAt: uint64(r.CreatedAt),
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Prune Repository
// -----------------------------------------------------------------------------

// Prune deletes reverted rows and versions superseded below height.
func (s *Store) Prune(ctx context.Context, deploymentID string, below uint64) (int64, error) {
	statements := []string{
		`DELETE FROM entity_versions WHERE deployment_id = $1 AND reverted`,
		`DELETE FROM entity_versions v
		 WHERE v.deployment_id = $1 AND NOT v.reverted AND EXISTS (
		     SELECT 1 FROM entity_versions n
		     WHERE n.deployment_id = v.deployment_id
		       AND n.entity_type = v.entity_type
		       AND n.entity_id = v.entity_id
		       AND NOT n.reverted
		       AND n.block_number > v.block_number
		       AND n.block_number <= $2)`,
		`DELETE FROM block_pointers WHERE deployment_id = $1 AND (reverted OR block_number < $2)`,
		`DELETE FROM dynamic_data_sources WHERE deployment_id = $1 AND reverted`,
	}

	var removed int64
	for i, stmt := range statements {
		args := []any{deploymentID}
		if strings.Contains(stmt, "$2") {
			args = append(args, int64(below))
		}
		res, err := s.db.ExecContext(ctx, stmt, args...)
		if err != nil {
			return removed, fmt.Errorf("prune step %d failed: %w", i, err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	return removed, nil
}
