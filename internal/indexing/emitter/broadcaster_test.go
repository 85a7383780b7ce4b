package emitter

import (
	"context"
	"testing"

	"github.com/vietddude/graphnode/internal/core/domain"
)

func TestBroadcaster_FiltersByDeployment(t *testing.T) {
	b := NewBroadcaster()
	ctx := context.Background()

	all, unsubAll := b.Subscribe("", 4)
	defer unsubAll()
	one, unsubOne := b.Subscribe("a", 4)
	defer unsubOne()

	_ = b.Emit(ctx, &domain.ChangeEvent{Deployment: "a", Kind: domain.ChangeApplied})
	_ = b.Emit(ctx, &domain.ChangeEvent{Deployment: "b", Kind: domain.ChangeApplied})

	if len(all) != 2 {
		t.Errorf("wildcard subscriber got %d events, want 2", len(all))
	}
	if len(one) != 1 {
		t.Errorf("filtered subscriber got %d events, want 1", len(one))
	}
}

func TestBroadcaster_DropsWhenFull(t *testing.T) {
	b := NewBroadcaster()
	ctx := context.Background()

	_, unsub := b.Subscribe("", 1)
	_ = b.Emit(ctx, &domain.ChangeEvent{Deployment: "a"})
	_ = b.Emit(ctx, &domain.ChangeEvent{Deployment: "a"})

	if b.Dropped() != 1 {
		t.Errorf("expected 1 dropped event, got %d", b.Dropped())
	}

	unsub()
	unsub() // idempotent
}

func TestBroadcaster_CloseClosesSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch, _ := b.Subscribe("", 1)

	_ = b.Close()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
}
