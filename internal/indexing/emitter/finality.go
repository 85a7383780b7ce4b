package emitter

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/vietddude/graphnode/internal/core/domain"
)

// FinalityBuffer publishes applied and reverted events straight away and
// holds a copy of each applied event until it is `confirmations` blocks deep,
// then publishes it again as finalized. Reverted blocks are never finalized.
type FinalityBuffer struct {
	inner         Emitter
	confirmations uint64
	pending       map[uint64][]*domain.ChangeEvent // blockNum -> events
	mu            sync.Mutex
}

// NewFinalityBuffer creates a new buffer that waits for 'confirmations' blocks before finalizing.
func NewFinalityBuffer(inner Emitter, confirmations uint64) *FinalityBuffer {
	return &FinalityBuffer{
		inner:         inner,
		confirmations: confirmations,
		pending:       make(map[uint64][]*domain.ChangeEvent),
	}
}

// Applied publishes an applied event and queues it for finalization.
func (f *FinalityBuffer) Applied(ctx context.Context, event *domain.ChangeEvent) error {
	if err := f.inner.Emit(ctx, event); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	final := *event
	final.Kind = domain.ChangeFinalized

	// If 0 confirmations required, finalize immediately
	if f.confirmations == 0 {
		final.EmittedAt = time.Now()
		return f.inner.Emit(ctx, &final)
	}

	blockNum := event.Block.Number
	f.pending[blockNum] = append(f.pending[blockNum], &final)
	return nil
}

// Reverted drops pending events above the revert target and publishes the revert.
func (f *FinalityBuffer) Reverted(ctx context.Context, event *domain.ChangeEvent) error {
	f.mu.Lock()
	for blockNum := range f.pending {
		if blockNum > event.Block.Number {
			delete(f.pending, blockNum)
		}
	}
	f.mu.Unlock()

	return f.inner.Emit(ctx, event)
}

// OnNewBlock notifies the buffer of the current chain head and finalizes
// every pending block at least `confirmations` deep, lowest first.
func (f *FinalityBuffer) OnNewBlock(ctx context.Context, head uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if head < f.confirmations {
		return nil
	}
	safeBlock := head - f.confirmations

	var blocksToEmit []uint64
	for blockNum := range f.pending {
		if blockNum <= safeBlock {
			blocksToEmit = append(blocksToEmit, blockNum)
		}
	}
	slices.Sort(blocksToEmit)

	now := time.Now()
	for _, blockNum := range blocksToEmit {
		events := f.pending[blockNum]
		for _, ev := range events {
			ev.EmittedAt = now
		}
		if len(events) > 0 {
			if err := f.inner.EmitBatch(ctx, events); err != nil {
				return fmt.Errorf("failed to emit finalized events for block %d: %w", blockNum, err)
			}
		}
		delete(f.pending, blockNum)
	}

	return nil
}

// PendingCount returns the number of pending events for a block.
func (f *FinalityBuffer) PendingCount(blockNum uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending[blockNum])
}
