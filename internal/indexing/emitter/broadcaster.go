package emitter

import (
	"context"
	"sync"

	"github.com/vietddude/graphnode/internal/core/domain"
)

// Broadcaster fans change events out to in-process subscribers. Slow
// subscribers lose events rather than block the runner; Dropped counts them.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	nextID  int
	dropped uint64
	closed  bool
}

type subscription struct {
	deployment string
	ch         chan domain.ChangeEvent
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]*subscription)}
}

// Subscribe registers a subscriber. An empty deployment receives every event.
// The returned function unsubscribes and closes the channel.
func (b *Broadcaster) Subscribe(deployment string, buffer int) (<-chan domain.ChangeEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.ChangeEvent, max(buffer, 1))
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscription{deployment: deployment, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

func (b *Broadcaster) Emit(ctx context.Context, event *domain.ChangeEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		if s.deployment != "" && s.deployment != event.Deployment {
			continue
		}
		select {
		case s.ch <- *event:
		default:
			b.dropped++
		}
	}
	return nil
}

func (b *Broadcaster) EmitBatch(ctx context.Context, events []*domain.ChangeEvent) error {
	for _, ev := range events {
		_ = b.Emit(ctx, ev)
	}
	return nil
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
	b.closed = true
	return nil
}

// Dropped returns the number of events lost to full subscriber buffers.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
