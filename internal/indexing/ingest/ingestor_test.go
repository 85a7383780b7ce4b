package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/infra/chain/chaintest"
)

// =============================================================================
// Helpers
// =============================================================================

func testConfig(start, depth uint64) Config {
	return Config{
		Network:           "test",
		StartBlock:        start,
		ConfirmationDepth: depth,
		PollInterval:      time.Millisecond,
		RetryInitialDelay: time.Millisecond,
		RetryMaxDelay:     5 * time.Millisecond,
	}
}

func next(t *testing.T, ing *Ingestor) ChainEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := ing.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	return ev
}

func expectBlock(t *testing.T, ev ChainEvent, want *domain.Block) {
	t.Helper()
	if ev.Kind != EventNewBlock {
		t.Fatalf("expected new block %d, got %s", want.Number, ev.Kind)
	}
	if ev.Block.Ptr() != want.Ptr() {
		t.Fatalf("got block %s, want %s", ev.Block.Ptr(), want.Ptr())
	}
}

func drain(t *testing.T, ing *Ingestor, c *chaintest.Chain, from, to uint64) {
	t.Helper()
	for n := from; n <= to; n++ {
		expectBlock(t, next(t, ing), c.Block(n))
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestNext_LinearChain(t *testing.T) {
	c := chaintest.New()
	c.Extend("a")
	c.Extend("b")
	ing := New(testConfig(0, 3), c, nil)

	drain(t, ing, c, 0, 2)
	if ing.Head() != 2 {
		t.Errorf("head = %d, want 2", ing.Head())
	}

	c.Extend("c")
	ev := next(t, ing)
	expectBlock(t, ev, c.Block(3))
	if ev.Block.ParentHash != c.Block(2).Hash {
		t.Error("emitted block does not link to its predecessor")
	}
}

func TestNext_WaitsForNewBlocks(t *testing.T) {
	c := chaintest.New()
	ing := New(testConfig(0, 3), c, nil)
	drain(t, ing, c, 0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := ing.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected to wait at head, got %v", err)
	}
}

func TestNext_Reorg(t *testing.T) {
	c := chaintest.New()
	c.Extend("a")
	c.Extend("b")
	c.Extend("c")
	ing := New(testConfig(0, 3), c, nil)
	drain(t, ing, c, 0, 3)

	c.Fork(1, "b2", "c2", "d2")

	ev := next(t, ing)
	if ev.Kind != EventRevert || ev.To == nil || *ev.To != c.Block(1).Ptr() || ev.Depth != 2 {
		t.Fatalf("expected revert to block 1, got %+v", ev)
	}
	drain(t, ing, c, 2, 4)

	if tip := ing.segment.Head(); tip == nil || *tip != c.Block(4).Ptr() {
		t.Errorf("segment head = %v, want d2", tip)
	}
}

func TestNext_ReorgAtSameHeight(t *testing.T) {
	c := chaintest.New()
	c.Extend("a")
	c.Extend("b")
	ing := New(testConfig(0, 3), c, nil)
	drain(t, ing, c, 0, 2)

	// The tip is replaced without the chain growing.
	c.Fork(1, "b2")

	ev := next(t, ing)
	if ev.Kind != EventRevert || ev.To == nil || *ev.To != c.Block(1).Ptr() || ev.Depth != 1 {
		t.Fatalf("expected revert to block 1, got %+v", ev)
	}
	drain(t, ing, c, 2, 2)
}

func TestNext_ReorgToShorterChain(t *testing.T) {
	c := chaintest.New()
	c.Extend("a")
	c.Extend("b")
	ing := New(testConfig(0, 3), c, nil)
	drain(t, ing, c, 0, 2)

	c.Fork(0, "a2")

	ev := next(t, ing)
	if ev.Kind != EventRevert || ev.To == nil || *ev.To != c.Block(0).Ptr() || ev.Depth != 2 {
		t.Fatalf("expected revert to block 0, got %+v", ev)
	}
	drain(t, ing, c, 1, 1)

	c.Extend("b2")
	drain(t, ing, c, 2, 2)
}

func TestNext_LowerHeadOnSameChainWaits(t *testing.T) {
	c := chaintest.New()
	c.Extend("a")
	c.Extend("b")
	ing := New(testConfig(0, 3), c, nil)
	drain(t, ing, c, 0, 2)

	// A lagging node: block 1 still matches, block 2 is just not there yet.
	lagging := chaintest.New()
	lagging.Extend("a")
	ing.endpoint = lagging

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := ing.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected to wait for the lagging node, got %v", err)
	}
}

func TestNext_DeepReorg(t *testing.T) {
	c := chaintest.New()
	c.Extend("a")
	c.Extend("b")
	c.Extend("c")
	ing := New(testConfig(0, 1), c, nil)
	drain(t, ing, c, 0, 3)

	c.Fork(0, "a2", "b2", "c2", "d2")

	_, err := ing.Next(context.Background())
	if !errors.Is(err, ErrDeepReorg) {
		t.Fatalf("expected ErrDeepReorg, got %v", err)
	}
}

func TestNext_ConfirmationDepthBoundary(t *testing.T) {
	build := func(depth uint64) (*Ingestor, *chaintest.Chain) {
		c := chaintest.New()
		for _, tag := range []string{"a", "b", "c", "d"} {
			c.Extend(tag)
		}
		ing := New(testConfig(0, depth), c, nil)
		drain(t, ing, c, 0, 4)
		// New head 5, common ancestor 2.
		c.Fork(2, "c2", "d2", "e2")
		return ing, c
	}

	ing, c := build(3)
	ev := next(t, ing)
	if ev.Kind != EventRevert || ev.To == nil || ev.To.Number != 2 {
		t.Fatalf("reorg at the confirmation depth must be handled, got %+v", ev)
	}
	drain(t, ing, c, 3, 5)

	ing, _ = build(2)
	if _, err := ing.Next(context.Background()); !errors.Is(err, ErrDeepReorg) {
		t.Fatalf("reorg one block past the confirmation depth must fail, got %v", err)
	}
}

func TestNext_StartBlockReplaced(t *testing.T) {
	c := chaintest.New()
	c.Extend("a")
	c.Extend("b")
	c.Extend("c")
	ing := New(testConfig(2, 5), c, nil)
	drain(t, ing, c, 2, 3)

	c.Fork(1, "x2", "x3", "x4")

	ev := next(t, ing)
	if ev.Kind != EventRevert || ev.To != nil || ev.Depth != 2 {
		t.Fatalf("expected revert to before the start block, got %+v", ev)
	}
	drain(t, ing, c, 2, 4)
}

func TestNext_MalformedBlockIsRetried(t *testing.T) {
	c := chaintest.New()
	c.Extend("a")
	c.Extend("b")
	c.Corrupt(2, 2)
	ing := New(testConfig(0, 3), c, nil)

	drain(t, ing, c, 0, 2)
}

func TestNext_TransientErrorsAreRetried(t *testing.T) {
	c := chaintest.New()
	c.Extend("a")
	ing := New(testConfig(0, 3), c, nil)

	c.FailNext(3)
	drain(t, ing, c, 0, 1)
	if c.Calls() < 5 {
		t.Errorf("expected failed calls to be retried, saw %d calls", c.Calls())
	}
}

func TestReset_ResumesAfterCommittedPointers(t *testing.T) {
	c := chaintest.New()
	for _, tag := range []string{"a", "b", "c"} {
		c.Extend(tag)
	}
	ing := New(testConfig(0, 3), c, nil)
	ing.Reset([]domain.BlockPtr{c.Block(0).Ptr(), c.Block(1).Ptr()})

	drain(t, ing, c, 2, 3)
}

// =============================================================================
// Segment
// =============================================================================

func TestSegment(t *testing.T) {
	ptr := func(n uint64, tag string) domain.BlockPtr {
		return domain.BlockPtr{Number: n, Hash: chaintest.Hash(tag)}
	}

	s := NewSegment(3)
	s.Reset([]domain.BlockPtr{ptr(1, "a"), ptr(5, "e"), ptr(6, "f")})
	if s.Len() != 2 || s.Base() != 5 {
		t.Fatalf("Reset kept %d blocks from %d, want the contiguous tail", s.Len(), s.Base())
	}

	s.Push(ptr(7, "g"))
	s.Push(ptr(8, "h"))
	if s.Len() != 3 || s.Base() != 6 {
		t.Errorf("capacity not enforced: len %d base %d", s.Len(), s.Base())
	}
	if !s.Has(ptr(7, "g")) || s.Has(ptr(7, "x")) || s.Has(ptr(5, "e")) {
		t.Error("Has mismatch")
	}

	to := ptr(6, "f")
	s.TruncateTo(&to)
	if h := s.Head(); h == nil || *h != to {
		t.Errorf("head after truncate = %v", h)
	}
	s.TruncateTo(nil)
	if s.Head() != nil {
		t.Error("expected empty segment")
	}
}
