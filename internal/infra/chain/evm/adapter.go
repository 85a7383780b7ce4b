package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/indexing/metrics"
	"github.com/vietddude/graphnode/internal/infra/chain"
)

// Client is the subset of ethclient.Client the adapter uses.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error)
	BlockReceipts(ctx context.Context, blockNrOrHash rpc.BlockNumberOrHash) ([]*types.Receipt, error)
}

var _ Client = (*ethclient.Client)(nil)

// Adapter turns JSON-RPC blocks and receipts into domain blocks.
type Adapter struct {
	network string
	client  Client
	signer  types.Signer
	log     *slog.Logger
}

var _ chain.Endpoint = (*Adapter)(nil)

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, network, url string) (*Adapter, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", network, err)
	}
	return NewAdapter(ctx, network, client)
}

// NewAdapter creates an adapter over client, resolving the chain id for
// sender recovery.
func NewAdapter(ctx context.Context, network string, client Client) (*Adapter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	id, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: chain id of %s: %v", chain.ErrUnavailable, network, err)
	}
	return &Adapter{
		network: network,
		client:  client,
		signer:  types.LatestSignerForChainID(id),
		log:     slog.Default().With("component", "evm", "network", network),
	}, nil
}

func (a *Adapter) observe(method string, start time.Time, err error) {
	metrics.EndpointLatency.WithLabelValues(a.network, method).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.EndpointErrors.WithLabelValues(a.network, method).Inc()
	}
}

func (a *Adapter) HeadNumber(ctx context.Context) (uint64, error) {
	start := time.Now()
	n, err := a.client.BlockNumber(ctx)
	a.observe("eth_blockNumber", start, err)
	if err != nil {
		return 0, fmt.Errorf("%w: eth_blockNumber: %v", chain.ErrUnavailable, err)
	}
	metrics.ChainHeadBlock.WithLabelValues(a.network).Set(float64(n))
	return n, nil
}

func (a *Adapter) BlockByNumber(ctx context.Context, number uint64) (*domain.Block, error) {
	start := time.Now()
	blk, err := a.client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	a.observe("eth_getBlockByNumber", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: eth_getBlockByNumber %d: %v", chain.ErrUnavailable, number, err)
	}
	return a.withReceipts(ctx, blk)
}

func (a *Adapter) BlockByHash(ctx context.Context, hash common.Hash) (*domain.Block, error) {
	start := time.Now()
	blk, err := a.client.BlockByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	a.observe("eth_getBlockByHash", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: eth_getBlockByHash %s: %v", chain.ErrUnavailable, hash.TerminalString(), err)
	}
	return a.withReceipts(ctx, blk)
}

func (a *Adapter) withReceipts(ctx context.Context, blk *types.Block) (*domain.Block, error) {
	var receipts []*types.Receipt
	if len(blk.Transactions()) > 0 {
		start := time.Now()
		var err error
		receipts, err = a.client.BlockReceipts(ctx, rpc.BlockNumberOrHashWithHash(blk.Hash(), false))
		a.observe("eth_getBlockReceipts", start, err)
		if err != nil {
			return nil, fmt.Errorf("%w: eth_getBlockReceipts %d: %v", chain.ErrUnavailable, blk.NumberU64(), err)
		}
	}
	return a.convert(blk, receipts)
}

// convert builds the domain block. Each successful transaction with a
// recipient and calldata contributes a call event followed by its logs.
func (a *Adapter) convert(blk *types.Block, receipts []*types.Receipt) (*domain.Block, error) {
	txs := blk.Transactions()
	if len(receipts) != len(txs) {
		return nil, fmt.Errorf("%w: block %d has %d transactions but %d receipts",
			domain.ErrMalformedBlock, blk.NumberU64(), len(txs), len(receipts))
	}

	out := &domain.Block{
		Number:     blk.NumberU64(),
		Hash:       blk.Hash(),
		ParentHash: blk.ParentHash(),
		Timestamp:  blk.Time(),
	}

	for i, tx := range txs {
		r := receipts[i]
		if r.TxHash != tx.Hash() {
			return nil, fmt.Errorf("%w: receipt %d of block %d is for %s",
				domain.ErrMalformedBlock, i, blk.NumberU64(), r.TxHash.TerminalString())
		}
		if r.Status != types.ReceiptStatusSuccessful {
			continue
		}

		if to := tx.To(); to != nil && len(tx.Data()) >= 4 {
			// Unsupported transaction types fail the same way on every
			// fetch, so the call is dropped rather than the block.
			from, err := types.Sender(a.signer, tx)
			if err != nil {
				a.log.Warn("skipping call with unrecoverable sender",
					"block", blk.NumberU64(), "tx", tx.Hash().Hex(), "type", tx.Type(), "error", err)
			} else {
				out.Events = append(out.Events, domain.RawEvent{
					Kind:    domain.RawEventCall,
					TxIndex: uint(i),
					TxHash:  tx.Hash(),
					Address: *to,
					From:    from,
					Input:   tx.Data(),
					Value:   tx.Value(),
				})
			}
		}

		for _, l := range r.Logs {
			out.Events = append(out.Events, domain.RawEvent{
				Kind:     domain.RawEventLog,
				TxIndex:  uint(i),
				LogIndex: l.Index,
				TxHash:   tx.Hash(),
				Address:  l.Address,
				Topics:   l.Topics,
				Data:     l.Data,
			})
		}
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
