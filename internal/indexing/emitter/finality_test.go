package emitter

import (
	"context"
	"testing"

	"github.com/vietddude/graphnode/internal/core/domain"
)

// MockEmitter for testing
type MockEmitter struct {
	EmittedEvents     []*domain.ChangeEvent
	EmittedBatchCount int
}

func (m *MockEmitter) Emit(ctx context.Context, event *domain.ChangeEvent) error {
	m.EmittedEvents = append(m.EmittedEvents, event)
	return nil
}

func (m *MockEmitter) EmitBatch(ctx context.Context, events []*domain.ChangeEvent) error {
	m.EmittedEvents = append(m.EmittedEvents, events...)
	m.EmittedBatchCount++
	return nil
}

func (m *MockEmitter) Close() error {
	return nil
}

func (m *MockEmitter) kinds(kind domain.ChangeKind) []uint64 {
	var out []uint64
	for _, ev := range m.EmittedEvents {
		if ev.Kind == kind {
			out = append(out, ev.Block.Number)
		}
	}
	return out
}

func applied(n uint64) *domain.ChangeEvent {
	return &domain.ChangeEvent{Deployment: "dep", Kind: domain.ChangeApplied, Block: domain.BlockPtr{Number: n}}
}

func TestFinalityBuffer_QueueAndEmit(t *testing.T) {
	mock := &MockEmitter{}
	buffer := NewFinalityBuffer(mock, 10) // 10 confirmations required
	ctx := context.Background()

	_ = buffer.Applied(ctx, applied(100))
	_ = buffer.Applied(ctx, applied(101))

	if got := mock.kinds(domain.ChangeApplied); len(got) != 2 {
		t.Fatalf("expected 2 applied events, got %v", got)
	}
	if count := buffer.PendingCount(100); count != 1 {
		t.Errorf("expected 1 pending event for block 100, got %d", count)
	}

	// New block 105: (105 - 100 = 5) < 10. Should NOT finalize.
	_ = buffer.OnNewBlock(ctx, 105)
	if got := mock.kinds(domain.ChangeFinalized); len(got) != 0 {
		t.Errorf("expected 0 finalized events, got %v", got)
	}

	// New block 110: block 100 is 10 deep, 101 is not.
	_ = buffer.OnNewBlock(ctx, 110)

	got := mock.kinds(domain.ChangeFinalized)
	if len(got) != 1 || got[0] != 100 {
		t.Fatalf("expected block 100 finalized, got %v", got)
	}
	if count := buffer.PendingCount(101); count != 1 {
		t.Errorf("expected 1 pending for block 101, got %d", count)
	}
}

func TestFinalityBuffer_RevertDiscards(t *testing.T) {
	mock := &MockEmitter{}
	buffer := NewFinalityBuffer(mock, 10)
	ctx := context.Background()

	_ = buffer.Applied(ctx, applied(100))
	_ = buffer.Applied(ctx, applied(101))
	_ = buffer.Reverted(ctx, &domain.ChangeEvent{
		Deployment: "dep",
		Kind:       domain.ChangeReverted,
		Block:      domain.BlockPtr{Number: 100},
	})

	if count := buffer.PendingCount(101); count != 0 {
		t.Errorf("expected 0 pending events after revert, got %d", count)
	}

	_ = buffer.OnNewBlock(ctx, 200)

	got := mock.kinds(domain.ChangeFinalized)
	if len(got) != 1 || got[0] != 100 {
		t.Errorf("expected only block 100 finalized, got %v", got)
	}
	if got := mock.kinds(domain.ChangeReverted); len(got) != 1 {
		t.Errorf("expected revert to be published, got %v", got)
	}
}

func TestFinalityBuffer_ZeroConfirmations(t *testing.T) {
	mock := &MockEmitter{}
	buffer := NewFinalityBuffer(mock, 0)

	_ = buffer.Applied(context.Background(), applied(100))

	if len(mock.EmittedEvents) != 2 || mock.EmittedEvents[1].Kind != domain.ChangeFinalized {
		t.Errorf("expected applied and finalized events immediately, got %d", len(mock.EmittedEvents))
	}
}

func TestFinalityBuffer_FinalizesInBlockOrder(t *testing.T) {
	mock := &MockEmitter{}
	buffer := NewFinalityBuffer(mock, 5)
	ctx := context.Background()

	for _, n := range []uint64{102, 100, 101} {
		_ = buffer.Applied(ctx, applied(n))
	}

	_ = buffer.OnNewBlock(ctx, 200)

	got := mock.kinds(domain.ChangeFinalized)
	if len(got) != 3 || got[0] != 100 || got[1] != 101 || got[2] != 102 {
		t.Errorf("expected finalized 100,101,102, got %v", got)
	}
}
