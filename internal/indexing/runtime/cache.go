package runtime

import (
	"context"

	"github.com/vietddude/graphnode/internal/core/domain"
)

// View is the read side of the in-progress block a handler runs against.
type View interface {
	Get(ctx context.Context, key domain.EntityKey) (domain.Entity, error)
}

// Getter reads committed entity state at a height.
type Getter interface {
	Get(ctx context.Context, deploymentID string, key domain.EntityKey, height uint64) (domain.Entity, error)
}

type cached struct {
	data    domain.Entity // nil means removed
	written bool
}

// EntityCache accumulates the writes of one block. Reads see the block's own
// writes first and fall through to committed state as of the previous block.
type EntityCache struct {
	store      Getter
	deployment string
	height     uint64
	hasHeight  bool

	entries map[domain.EntityKey]*cached
	order   []domain.EntityKey
}

// NewEntityCache creates the cache for a block. base is the cursor the block
// is applied on top of; nil means nothing has been committed yet.
func NewEntityCache(store Getter, deployment string, base *domain.BlockPtr) *EntityCache {
	c := &EntityCache{
		store:      store,
		deployment: deployment,
		entries:    make(map[domain.EntityKey]*cached),
	}
	if base != nil {
		c.height = base.Number
		c.hasHeight = true
	}
	return c
}

// Get returns the entity as the in-progress block sees it.
func (c *EntityCache) Get(ctx context.Context, key domain.EntityKey) (domain.Entity, error) {
	if e, ok := c.entries[key]; ok {
		return e.data.Clone(), nil
	}
	if !c.hasHeight {
		return nil, nil
	}
	data, err := c.store.Get(ctx, c.deployment, key, c.height)
	if err != nil {
		return nil, err
	}
	c.entries[key] = &cached{data: data}
	return data.Clone(), nil
}

// Apply records the operations of a successful invocation.
func (c *EntityCache) Apply(ops []domain.EntityOperation) {
	for _, op := range ops {
		e, ok := c.entries[op.Key]
		if !ok {
			e = &cached{}
			c.entries[op.Key] = e
		}
		if !e.written {
			e.written = true
			c.order = append(c.order, op.Key)
		}
		if op.Kind == domain.OpRemove {
			e.data = nil
			continue
		}
		e.data = op.Data.Clone()
	}
}

// Operations returns the net writes of the block, one per entity in
// first-write order.
func (c *EntityCache) Operations() []domain.EntityOperation {
	ops := make([]domain.EntityOperation, 0, len(c.order))
	for _, key := range c.order {
		e := c.entries[key]
		if e.data == nil {
			ops = append(ops, domain.EntityOperation{Kind: domain.OpRemove, Key: key})
			continue
		}
		ops = append(ops, domain.EntityOperation{Kind: domain.OpSet, Key: key, Data: e.data.Clone()})
	}
	return ops
}
