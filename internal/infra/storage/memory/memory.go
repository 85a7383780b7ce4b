package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/infra/storage"
)

type pointer struct {
	ptr      domain.BlockPtr
	reverted bool
}

type source struct {
	ds       domain.DynamicSource
	reverted bool
}

type deployment struct {
	cursor   domain.Cursor
	versions map[domain.EntityKey][]*domain.EntityVersion // ascending by block
	pointers []pointer
	sources  []source
}

// MemoryStorage is a mutex-guarded implementation of storage.Store used in
// tests and when no database is configured.
type MemoryStorage struct {
	deployments map[string]*deployment
	failed      map[string][]*domain.FailedBlock
	mu          sync.RWMutex
}

var _ storage.Store = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		deployments: make(map[string]*deployment),
		failed:      make(map[string][]*domain.FailedBlock),
	}
}

// -----------------------------------------------------------------------------
// Cursor Repository
// -----------------------------------------------------------------------------

func (s *MemoryStorage) InitCursor(ctx context.Context, deploymentID string, startBlock uint64) (*domain.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deployments[deploymentID]; ok {
		return nil, storage.ErrCursorExists
	}
	d := &deployment{
		cursor: domain.Cursor{
			DeploymentID: deploymentID,
			StartBlock:   startBlock,
			State:        domain.CursorStateInit,
			UpdatedAt:    time.Now(),
		},
		versions: make(map[domain.EntityKey][]*domain.EntityVersion),
	}
	s.deployments[deploymentID] = d
	return copyCursor(&d.cursor), nil
}

func (s *MemoryStorage) Cursor(ctx context.Context, deploymentID string) (*domain.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deployments[deploymentID]
	if !ok {
		return nil, storage.ErrCursorNotFound
	}
	return copyCursor(&d.cursor), nil
}

func (s *MemoryStorage) ListCursors(ctx context.Context) ([]*domain.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Cursor, 0, len(s.deployments))
	for _, d := range s.deployments {
		out = append(out, copyCursor(&d.cursor))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeploymentID < out[j].DeploymentID })
	return out, nil
}

func (s *MemoryStorage) UpdateState(
	ctx context.Context,
	deploymentID string,
	state domain.CursorState,
	reason string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deployments[deploymentID]
	if !ok {
		return storage.ErrCursorNotFound
	}
	d.cursor.State = state
	d.cursor.Reason = reason
	d.cursor.UpdatedAt = time.Now()
	return nil
}

func copyCursor(c *domain.Cursor) *domain.Cursor {
	out := *c
	if c.Block != nil {
		b := *c.Block
		out.Block = &b
	}
	return &out
}

// -----------------------------------------------------------------------------
// Entity Repository
// -----------------------------------------------------------------------------

func (s *MemoryStorage) Apply(
	ctx context.Context,
	deploymentID string,
	block domain.BlockPtr,
	parentHash common.Hash,
	changes domain.BlockChanges,
) error {
	// Normalize before taking the lock so a bad value leaves no trace.
	ops := make([]domain.EntityOperation, len(changes.Operations))
	for i, op := range changes.Operations {
		data, err := domain.NormalizeEntity(op.Data)
		if err != nil {
			return fmt.Errorf("entity %s: %w", op.Key, err)
		}
		ops[i] = domain.EntityOperation{Kind: op.Kind, Key: op.Key, Data: data}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deployments[deploymentID]
	if !ok {
		return storage.ErrCursorNotFound
	}

	cur := d.cursor.Block
	switch {
	case cur != nil && *cur == block:
		return nil
	case cur == nil && block.Number != d.cursor.StartBlock:
		return fmt.Errorf("%w: expected start block %d, got %s",
			storage.ErrConflict, d.cursor.StartBlock, block)
	case cur != nil && (cur.Number+1 != block.Number || cur.Hash != parentHash):
		return fmt.Errorf("%w: cursor at %s, got %s with parent %s",
			storage.ErrConflict, cur, block, parentHash.TerminalString())
	}

	for _, op := range ops {
		v := &domain.EntityVersion{Key: op.Key, Block: block.Number}
		if op.Kind == domain.OpSet {
			v.Data = op.Data
		}
		history := d.versions[op.Key]
		if n := len(history); n > 0 && !history[n-1].Reverted && history[n-1].Block == block.Number {
			history[n-1] = v
			continue
		}
		d.versions[op.Key] = append(history, v)
	}

	d.pointers = append(d.pointers, pointer{ptr: block})
	for _, ds := range changes.DynamicSources {
		ds.CreatedAt = block.Number
		d.sources = append(d.sources, source{ds: ds})
	}

	b := block
	d.cursor.Block = &b
	d.cursor.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStorage) Revert(ctx context.Context, deploymentID string, to uint64) (*domain.BlockPtr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deployments[deploymentID]
	if !ok {
		return nil, storage.ErrCursorNotFound
	}
	cur := d.cursor.Block
	if cur == nil {
		return nil, nil
	}
	if to >= cur.Number {
		b := *cur
		return &b, nil
	}

	var target *domain.BlockPtr
	if to >= d.cursor.StartBlock {
		for i := len(d.pointers) - 1; i >= 0; i-- {
			p := d.pointers[i]
			if !p.reverted && p.ptr.Number == to {
				b := p.ptr
				target = &b
				break
			}
		}
		if target == nil {
			return nil, fmt.Errorf("%w: block %d of %s", storage.ErrUnknownBlock, to, deploymentID)
		}
	}

	for _, history := range d.versions {
		for _, v := range history {
			if v.Block > to {
				v.Reverted = true
			}
		}
	}
	for i := range d.pointers {
		if d.pointers[i].ptr.Number > to {
			d.pointers[i].reverted = true
		}
	}
	for i := range d.sources {
		if d.sources[i].ds.CreatedAt > to {
			d.sources[i].reverted = true
		}
	}

	d.cursor.Block = target
	d.cursor.UpdatedAt = time.Now()
	if target == nil {
		return nil, nil
	}
	b := *target
	return &b, nil
}

// visible returns the version of history readers see at height.
func visible(history []*domain.EntityVersion, height uint64) *domain.EntityVersion {
	for i := len(history) - 1; i >= 0; i-- {
		v := history[i]
		if v.Reverted || v.Block > height {
			continue
		}
		return v
	}
	return nil
}

func (s *MemoryStorage) Get(
	ctx context.Context,
	deploymentID string,
	key domain.EntityKey,
	height uint64,
) (domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deployments[deploymentID]
	if !ok {
		return nil, storage.ErrCursorNotFound
	}
	v := visible(d.versions[key], height)
	if v == nil || v.Data == nil {
		return nil, nil
	}
	return v.Data.Clone(), nil
}

func (s *MemoryStorage) QueryAt(
	ctx context.Context,
	deploymentID string,
	height uint64,
	q domain.EntityQuery,
) ([]domain.EntityRecord, error) {
	if q.Type == "" {
		return nil, fmt.Errorf("query requires an entity type")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deployments[deploymentID]
	if !ok {
		return nil, storage.ErrCursorNotFound
	}

	var matches []domain.EntityRecord
	for key, history := range d.versions {
		if key.Type != q.Type || (q.ID != "" && key.ID != q.ID) {
			continue
		}
		v := visible(history, height)
		if v == nil || v.Data == nil || !q.Matches(v.Data) {
			continue
		}
		matches = append(matches, domain.EntityRecord{Key: key, Block: v.Block, Data: v.Data.Clone()})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Key.ID < matches[j].Key.ID })

	if q.Skip >= len(matches) {
		return nil, nil
	}
	matches = matches[q.Skip:]
	if limit := q.Limit(); len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// -----------------------------------------------------------------------------
// Block / Data Source Repository
// -----------------------------------------------------------------------------

func (s *MemoryStorage) Pointers(ctx context.Context, deploymentID string, from uint64) ([]domain.BlockPtr, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deployments[deploymentID]
	if !ok {
		return nil, storage.ErrCursorNotFound
	}
	var out []domain.BlockPtr
	for _, p := range d.pointers {
		if !p.reverted && p.ptr.Number >= from {
			out = append(out, p.ptr)
		}
	}
	return out, nil
}

func (s *MemoryStorage) DynamicSources(ctx context.Context, deploymentID string) ([]domain.DynamicSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deployments[deploymentID]
	if !ok {
		return nil, storage.ErrCursorNotFound
	}
	var out []domain.DynamicSource
	for _, src := range d.sources {
		if !src.reverted {
			out = append(out, src.ds)
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Prune Repository
// -----------------------------------------------------------------------------

func (s *MemoryStorage) Prune(ctx context.Context, deploymentID string, below uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deployments[deploymentID]
	if !ok {
		return 0, storage.ErrCursorNotFound
	}

	var removed int64
	for key, history := range d.versions {
		kept := history[:0]
		live := make([]*domain.EntityVersion, 0, len(history))
		for _, v := range history {
			if v.Reverted {
				removed++
				continue
			}
			live = append(live, v)
		}
		for i, v := range live {
			// Superseded by a newer version that is itself below the horizon.
			if i+1 < len(live) && live[i+1].Block <= below {
				removed++
				continue
			}
			kept = append(kept, v)
		}
		if len(kept) == 0 {
			delete(d.versions, key)
			continue
		}
		d.versions[key] = kept
	}

	pointers := d.pointers[:0]
	for _, p := range d.pointers {
		if p.reverted || p.ptr.Number < below {
			removed++
			continue
		}
		pointers = append(pointers, p)
	}
	d.pointers = pointers

	sources := d.sources[:0]
	for _, src := range d.sources {
		if src.reverted {
			removed++
			continue
		}
		sources = append(sources, src)
	}
	d.sources = sources

	return removed, nil
}
