package chain

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/graphnode/internal/core/domain"
)

// ErrUnavailable wraps transient endpoint failures (network, rate limits).
var ErrUnavailable = errors.New("chain endpoint unavailable")

// Endpoint is the boundary between the ingestor and a chain node.
type Endpoint interface {
	// HeadNumber returns the latest block number reported by the node.
	HeadNumber(ctx context.Context) (uint64, error)

	// BlockByNumber fetches the canonical block at number with its events.
	// Returns (nil, nil) when the node does not have the block yet.
	BlockByNumber(ctx context.Context, number uint64) (*domain.Block, error)

	// BlockByHash fetches a block by hash with its events.
	// Returns (nil, nil) when the node does not know the hash.
	BlockByHash(ctx context.Context, hash common.Hash) (*domain.Block, error)
}
