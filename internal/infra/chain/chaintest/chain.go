// Package chaintest provides an in-memory chain endpoint with forks for tests.
package chaintest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/infra/chain"
)

// Hash derives a deterministic block hash from a tag.
func Hash(tag string) common.Hash {
	return crypto.Keccak256Hash([]byte(tag))
}

// Chain is a mutable canonical chain starting at block 0.
type Chain struct {
	mu        sync.Mutex
	canonical []*domain.Block
	byHash    map[common.Hash]*domain.Block
	failNext  int
	calls     int
	corrupt   map[uint64]int // number -> remaining corrupted responses
}

var _ chain.Endpoint = (*Chain)(nil)

// New creates a chain holding only a genesis block tagged "genesis".
func New() *Chain {
	c := &Chain{
		byHash:  make(map[common.Hash]*domain.Block),
		corrupt: make(map[uint64]int),
	}
	c.Extend("genesis")
	return c
}

// Extend appends a block tagged tag on top of the canonical head.
func (c *Chain) Extend(tag string, events ...domain.RawEvent) *domain.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extendLocked(tag, events)
}

func (c *Chain) extendLocked(tag string, events []domain.RawEvent) *domain.Block {
	b := &domain.Block{
		Number:    uint64(len(c.canonical)),
		Hash:      Hash(tag),
		Timestamp: uint64(1_700_000_000 + len(c.canonical)*12),
		Events:    events,
	}
	if n := len(c.canonical); n > 0 {
		b.ParentHash = c.canonical[n-1].Hash
	}
	for i := range b.Events {
		if b.Events[i].TxHash == (common.Hash{}) {
			b.Events[i].TxHash = Hash(fmt.Sprintf("%s/tx%d", tag, b.Events[i].TxIndex))
		}
	}
	c.canonical = append(c.canonical, b)
	c.byHash[b.Hash] = b
	return b
}

// Fork drops every canonical block above number and returns the new tip
// after appending the given tags. Old blocks stay reachable by hash.
func (c *Chain) Fork(number uint64, tags ...string) *domain.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canonical = c.canonical[:number+1]
	var tip *domain.Block
	for _, tag := range tags {
		tip = c.extendLocked(tag, nil)
	}
	return tip
}

// Block returns the canonical block at number.
func (c *Chain) Block(number uint64) *domain.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	if number >= uint64(len(c.canonical)) {
		return nil
	}
	return c.canonical[number]
}

// FailNext makes the next n endpoint calls fail with chain.ErrUnavailable.
func (c *Chain) FailNext(n int) {
	c.mu.Lock()
	c.failNext = n
	c.mu.Unlock()
}

// Corrupt makes the next n responses for number carry a broken parent hash.
func (c *Chain) Corrupt(number uint64, n int) {
	c.mu.Lock()
	c.corrupt[number] = n
	c.mu.Unlock()
}

// Calls returns the number of endpoint calls served.
func (c *Chain) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *Chain) enter() error {
	c.calls++
	if c.failNext > 0 {
		c.failNext--
		return fmt.Errorf("%w: injected failure", chain.ErrUnavailable)
	}
	return nil
}

func (c *Chain) HeadNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(); err != nil {
		return 0, err
	}
	return uint64(len(c.canonical) - 1), nil
}

func (c *Chain) BlockByNumber(ctx context.Context, number uint64) (*domain.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(); err != nil {
		return nil, err
	}
	if number >= uint64(len(c.canonical)) {
		return nil, nil
	}
	b := *c.canonical[number]
	if n := c.corrupt[number]; n > 0 {
		c.corrupt[number] = n - 1
		b.ParentHash = b.Hash
	}
	return &b, nil
}

func (c *Chain) BlockByHash(ctx context.Context, hash common.Hash) (*domain.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(); err != nil {
		return nil, err
	}
	b, ok := c.byHash[hash]
	if !ok {
		return nil, nil
	}
	out := *b
	return &out, nil
}
