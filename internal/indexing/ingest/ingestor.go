// Package ingest follows a chain endpoint block by block and turns what it
// sees into an ordered stream of new blocks and reverts.
//
// # Reorg detection
//
// Every fetched block is checked against the head of the segment by parent
// hash. While the endpoint head is at or below the segment head, the block
// at the endpoint head is compared with the segment instead, which catches
// forks that replace the tip at the same height or with a shorter chain. On
// a mismatch the ingestor walks the new chain backwards through the
// endpoint until it reaches a block in the segment, then emits a revert to
// that ancestor followed by every block of the new chain. Reorgs reaching
// more than the confirmation depth below the endpoint head are not handled
// automatically and surface as ErrDeepReorg.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/indexing/metrics"
	"github.com/vietddude/graphnode/internal/indexing/recovery"
	"github.com/vietddude/graphnode/internal/indexing/throttle"
	"github.com/vietddude/graphnode/internal/infra/chain"
)

var ErrDeepReorg = errors.New("reorg deeper than confirmation depth")

// errRetry marks conditions that clear by waiting: missing blocks on a
// lagging node and malformed responses.
var errRetry = errors.New("retry later")

type EventKind string

const (
	EventNewBlock EventKind = "new_block"
	EventRevert   EventKind = "revert"
)

// ChainEvent is one step of the canonical chain as seen by a deployment.
type ChainEvent struct {
	Kind  EventKind
	Block *domain.Block    // EventNewBlock
	To    *domain.BlockPtr // EventRevert; nil reverts to before the start block
	Depth uint64           // EventRevert; number of blocks unwound
}

type Config struct {
	Deployment        string
	Network           string
	StartBlock        uint64
	ConfirmationDepth uint64
	PollInterval      time.Duration
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	Adaptive          throttle.AdaptiveConfig
}

// Ingestor produces the chain events of one deployment. It is not safe for
// concurrent use; each deployment loop owns its own.
type Ingestor struct {
	cfg        Config
	endpoint   chain.Endpoint
	segment    *Segment
	pending    []ChainEvent
	backoff    *recovery.ExponentialBackoff
	controller *throttle.AdaptiveController
	head       atomic.Uint64
	logger     *slog.Logger
}

func New(cfg Config, endpoint chain.Endpoint, logger *slog.Logger) *Ingestor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = time.Second
	}
	if cfg.RetryMaxDelay < cfg.RetryInitialDelay {
		cfg.RetryMaxDelay = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		cfg:      cfg,
		endpoint: endpoint,
		segment:  NewSegment(int(cfg.ConfirmationDepth) + 1),
		backoff: &recovery.ExponentialBackoff{
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
		},
		controller: throttle.NewAdaptiveController(cfg.PollInterval, cfg.Adaptive),
		logger:     logger.With("component", "ingestor", "network", cfg.Network),
	}
}

// Reset discards buffered events and reseeds the segment from committed
// block pointers, oldest first.
func (i *Ingestor) Reset(ptrs []domain.BlockPtr) {
	i.pending = nil
	i.segment.Reset(ptrs)
}

// Head returns the last head number reported by the endpoint.
func (i *Ingestor) Head() uint64 {
	return i.head.Load()
}

func (i *Ingestor) nextNumber() uint64 {
	if tip := i.segment.Head(); tip != nil {
		return tip.Number + 1
	}
	return i.cfg.StartBlock
}

// Next blocks until the next chain event is known. Endpoint failures are
// retried with backoff; only ctx cancellation and ErrDeepReorg are returned.
func (i *Ingestor) Next(ctx context.Context) (ChainEvent, error) {
	attempt := 0
	for {
		if len(i.pending) > 0 {
			return i.popPending(), nil
		}
		if err := ctx.Err(); err != nil {
			return ChainEvent{}, err
		}

		ev, err := i.poll(ctx)
		switch {
		case err == nil:
			return ev, nil
		case errors.Is(err, ErrDeepReorg):
			return ChainEvent{}, err
		case ctx.Err() != nil:
			return ChainEvent{}, ctx.Err()
		case errors.Is(err, errRetry):
			if !sleep(ctx, i.interval(0)) {
				return ChainEvent{}, ctx.Err()
			}
		default:
			i.logger.Warn("endpoint request failed, retrying",
				"attempt", attempt+1, "delay", i.backoff.GetDelay(attempt), "error", err)
			if !recovery.Wait(ctx, i.backoff, attempt) {
				return ChainEvent{}, ctx.Err()
			}
			attempt++
		}
	}
}

func (i *Ingestor) poll(ctx context.Context) (ChainEvent, error) {
	next := i.nextNumber()

	head, err := i.endpoint.HeadNumber(ctx)
	if err != nil {
		return ChainEvent{}, fmt.Errorf("head: %w", err)
	}
	i.head.Store(head)
	if next > head {
		if err := i.verifyTip(ctx, head); err != nil {
			return ChainEvent{}, err
		}
		return i.popPending(), nil
	}
	if d := i.interval(int64(head - next)); d > 0 {
		if !sleep(ctx, d) {
			return ChainEvent{}, ctx.Err()
		}
	}

	b, err := i.endpoint.BlockByNumber(ctx, next)
	if err != nil {
		return ChainEvent{}, fmt.Errorf("block %d: %w", next, err)
	}
	if b == nil {
		return ChainEvent{}, errRetry
	}
	if err := i.check(b, next); err != nil {
		return ChainEvent{}, err
	}

	tip := i.segment.Head()
	if tip == nil || b.ParentHash == tip.Hash {
		i.segment.Push(b.Ptr())
		return ChainEvent{Kind: EventNewBlock, Block: b}, nil
	}

	i.logger.Info("parent hash mismatch, walking back",
		"block", b.Number, "parent", b.ParentHash.TerminalString(), "segment_head", tip.String())
	if err := i.reorg(ctx, head, b); err != nil {
		return ChainEvent{}, err
	}
	return i.popPending(), nil
}

func (i *Ingestor) interval(lag int64) time.Duration {
	d := i.controller.ComputeInterval(lag)
	if i.cfg.Deployment != "" {
		metrics.PollInterval.WithLabelValues(i.cfg.Deployment).Set(i.controller.GetCurrentInterval().Seconds())
	}
	return d
}

func (i *Ingestor) popPending() ChainEvent {
	ev := i.pending[0]
	i.pending = i.pending[1:]
	return ev
}

// verifyTip compares the endpoint's block at min(head, tip) with the
// segment. A matching block means there is nothing new yet.
func (i *Ingestor) verifyTip(ctx context.Context, head uint64) error {
	tip := i.segment.Head()
	if tip == nil {
		return errRetry
	}
	n := min(head, tip.Number)
	known, ok := i.segment.At(n)
	if !ok {
		return errRetry
	}

	b, err := i.endpoint.BlockByNumber(ctx, n)
	if err != nil {
		return fmt.Errorf("block %d: %w", n, err)
	}
	if b == nil {
		return errRetry
	}
	if err := i.check(b, n); err != nil {
		return err
	}
	if b.Hash == known.Hash {
		return errRetry
	}

	i.logger.Info("canonical block replaced, walking back",
		"block", n, "hash", b.Hash.TerminalString(), "segment_head", tip.String())
	return i.reorg(ctx, head, b)
}

// check drops responses that fail validation; they are fetched again later.
func (i *Ingestor) check(b *domain.Block, want uint64) error {
	err := b.Validate()
	if err == nil && b.Number != want {
		err = fmt.Errorf("%w: asked for %d, got %d", domain.ErrMalformedBlock, want, b.Number)
	}
	if err != nil {
		i.logger.Warn("dropping malformed block", "block", want, "error", err)
		return fmt.Errorf("%w: %v", errRetry, err)
	}
	return nil
}

func (i *Ingestor) reorg(ctx context.Context, head uint64, b *domain.Block) error {
	newChain := []*domain.Block{b}
	cur := b

	var ancestor *domain.BlockPtr
	for cur.Number > i.cfg.StartBlock {
		parent := cur.ParentPtr()
		if i.segment.Has(parent) {
			ancestor = &parent
			break
		}
		if parent.Number < i.segment.Base() || parent.Number+i.cfg.ConfirmationDepth < head {
			return fmt.Errorf("%w: no common ancestor at or above %d (head %d, depth %d)",
				ErrDeepReorg, parent.Number, head, i.cfg.ConfirmationDepth)
		}

		pb, err := i.endpoint.BlockByHash(ctx, parent.Hash)
		if err != nil {
			return fmt.Errorf("block %s: %w", parent.Hash.TerminalString(), err)
		}
		if pb == nil {
			return errRetry
		}
		if err := i.check(pb, parent.Number); err != nil {
			return err
		}
		if pb.Hash != parent.Hash {
			return fmt.Errorf("%w: asked for %s, got %s", errRetry, parent.Hash.TerminalString(), pb.Hash.TerminalString())
		}
		newChain = append([]*domain.Block{pb}, newChain...)
		cur = pb
	}

	if ancestor != nil && ancestor.Number+i.cfg.ConfirmationDepth < head {
		return fmt.Errorf("%w: common ancestor %s is %d blocks below head %d",
			ErrDeepReorg, ancestor, head-ancestor.Number, head)
	}
	// ancestor stays nil when the start block itself was replaced.
	if ancestor == nil && i.cfg.StartBlock+i.cfg.ConfirmationDepth < head+1 {
		return fmt.Errorf("%w: start block %d replaced (head %d, depth %d)",
			ErrDeepReorg, i.cfg.StartBlock, head, i.cfg.ConfirmationDepth)
	}

	oldTip := i.segment.Head()
	i.segment.TruncateTo(ancestor)

	var depth uint64
	if ancestor != nil {
		depth = oldTip.Number - ancestor.Number
	} else {
		depth = oldTip.Number - i.cfg.StartBlock + 1
	}

	i.pending = append(i.pending, ChainEvent{Kind: EventRevert, To: ancestor, Depth: depth})
	for _, nb := range newChain {
		i.segment.Push(nb.Ptr())
		i.pending = append(i.pending, ChainEvent{Kind: EventNewBlock, Block: nb})
	}
	i.logger.Warn("reorg detected",
		"depth", depth, "ancestor", ancestorString(ancestor), "new_blocks", len(newChain))
	return nil
}

func ancestorString(p *domain.BlockPtr) string {
	if p == nil {
		return "none"
	}
	return p.String()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
