package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/infra/storage"
)

// =============================================================================
// Helpers
// =============================================================================

func hash(tag string) common.Hash {
	return common.BytesToHash([]byte(tag))
}

func ptr(n uint64, tag string) domain.BlockPtr {
	return domain.BlockPtr{Number: n, Hash: hash(tag)}
}

func setOp(typ, id string, data domain.Entity) domain.EntityOperation {
	return domain.EntityOperation{Kind: domain.OpSet, Key: domain.EntityKey{Type: typ, ID: id}, Data: data}
}

func removeOp(typ, id string) domain.EntityOperation {
	return domain.EntityOperation{Kind: domain.OpRemove, Key: domain.EntityKey{Type: typ, ID: id}}
}

func newStore(t *testing.T, start uint64) *MemoryStorage {
	t.Helper()
	s := NewMemoryStorage()
	if _, err := s.InitCursor(context.Background(), "dep", start); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return s
}

func mustApply(t *testing.T, s *MemoryStorage, b domain.BlockPtr, parent common.Hash, ops ...domain.EntityOperation) {
	t.Helper()
	if err := s.Apply(context.Background(), "dep", b, parent, domain.BlockChanges{Operations: ops}); err != nil {
		t.Fatalf("Apply %s failed: %v", b, err)
	}
}

func owner(t *testing.T, s *MemoryStorage, height uint64) any {
	t.Helper()
	e, err := s.Get(context.Background(), "dep", domain.EntityKey{Type: "Token", ID: "1"}, height)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if e == nil {
		return nil
	}
	return e["owner"]
}

// =============================================================================
// Apply
// =============================================================================

func TestApply_StartBlockAndLinkage(t *testing.T) {
	s := newStore(t, 100)
	ctx := context.Background()

	err := s.Apply(ctx, "dep", ptr(101, "b101"), hash("b100"), domain.BlockChanges{})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict before start block, got %v", err)
	}

	mustApply(t, s, ptr(100, "b100"), hash("b99"))

	err = s.Apply(ctx, "dep", ptr(101, "b101"), hash("other"), domain.BlockChanges{})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict on parent mismatch, got %v", err)
	}

	err = s.Apply(ctx, "dep", ptr(102, "b102"), hash("b101"), domain.BlockChanges{})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict on gap, got %v", err)
	}

	mustApply(t, s, ptr(101, "b101"), hash("b100"))

	c, _ := s.Cursor(ctx, "dep")
	if c.Block == nil || *c.Block != ptr(101, "b101") {
		t.Errorf("cursor = %v, want 101", c.Block)
	}
}

func TestApply_Idempotent(t *testing.T) {
	s := newStore(t, 100)
	op := setOp("Token", "1", domain.Entity{"id": "1", "owner": "X"})

	mustApply(t, s, ptr(100, "b100"), hash("b99"), op)
	mustApply(t, s, ptr(100, "b100"), hash("b99"), setOp("Token", "1", domain.Entity{"id": "1", "owner": "Z"}))

	if got := owner(t, s, 100); got != "X" {
		t.Errorf("owner after duplicate apply = %v, want X", got)
	}
	if n := len(s.deployments["dep"].versions[domain.EntityKey{Type: "Token", ID: "1"}]); n != 1 {
		t.Errorf("expected 1 version after duplicate apply, got %d", n)
	}
}

func TestApply_RemoveHidesEntity(t *testing.T) {
	s := newStore(t, 0)
	mustApply(t, s, ptr(0, "g"), common.Hash{}, setOp("Token", "1", domain.Entity{"owner": "X"}))
	mustApply(t, s, ptr(1, "b1"), hash("g"), removeOp("Token", "1"))

	if got := owner(t, s, 0); got != "X" {
		t.Errorf("owner at 0 = %v, want X", got)
	}
	if got := owner(t, s, 1); got != nil {
		t.Errorf("owner at 1 = %v, want removed", got)
	}
}

// =============================================================================
// Revert
// =============================================================================

func TestRevert_TokenOwnerScenario(t *testing.T) {
	s := newStore(t, 100)
	ctx := context.Background()

	mustApply(t, s, ptr(100, "b100"), hash("b99"), setOp("Token", "1", domain.Entity{"id": "1", "owner": "X"}))
	mustApply(t, s, ptr(101, "b101"), hash("b100"), setOp("Token", "1", domain.Entity{"id": "1", "owner": "Y"}))

	if got := owner(t, s, 101); got != "Y" {
		t.Fatalf("owner at 101 = %v, want Y", got)
	}

	to, err := s.Revert(ctx, "dep", 100)
	if err != nil {
		t.Fatalf("Revert failed: %v", err)
	}
	if to == nil || *to != ptr(100, "b100") {
		t.Fatalf("revert target = %v", to)
	}

	// Second revert is a no-op.
	if _, err := s.Revert(ctx, "dep", 100); err != nil {
		t.Fatalf("repeated Revert failed: %v", err)
	}

	mustApply(t, s, ptr(101, "b101x"), hash("b100"))

	if got := owner(t, s, 101); got != "X" {
		t.Errorf("owner at 101 after reorg = %v, want X", got)
	}
	if got := owner(t, s, 100); got != "X" {
		t.Errorf("owner at 100 = %v, want X", got)
	}
}

func TestRevert_ReorgEquivalence(t *testing.T) {
	build := func(fork bool) *MemoryStorage {
		s := newStore(t, 0)
		mustApply(t, s, ptr(0, "A"), common.Hash{}, setOp("Pair", "p", domain.Entity{"reserve": "1"}))
		mustApply(t, s, ptr(1, "B"), hash("A"), setOp("Pair", "p", domain.Entity{"reserve": "2"}))
		if fork {
			mustApply(t, s, ptr(2, "C1"), hash("B"),
				setOp("Pair", "p", domain.Entity{"reserve": "3"}),
				setOp("Pair", "q", domain.Entity{"reserve": "9"}))
			if _, err := s.Revert(context.Background(), "dep", 1); err != nil {
				t.Fatalf("Revert failed: %v", err)
			}
		}
		mustApply(t, s, ptr(2, "C2"), hash("B"), setOp("Pair", "p", domain.Entity{"reserve": "4"}))
		return s
	}

	direct, reorged := build(false), build(true)
	for h := uint64(0); h <= 2; h++ {
		a, _ := direct.QueryAt(context.Background(), "dep", h, domain.EntityQuery{Type: "Pair"})
		b, _ := reorged.QueryAt(context.Background(), "dep", h, domain.EntityQuery{Type: "Pair"})
		if len(a) != len(b) {
			t.Fatalf("height %d: %d vs %d entities", h, len(a), len(b))
		}
		for i := range a {
			if a[i].Key != b[i].Key || a[i].Data["reserve"] != b[i].Data["reserve"] {
				t.Errorf("height %d: %v vs %v", h, a[i], b[i])
			}
		}
	}
}

func TestRevert_BeforeStartBlock(t *testing.T) {
	s := newStore(t, 10)
	mustApply(t, s, ptr(10, "b10"), hash("b9"), setOp("Token", "1", domain.Entity{"owner": "X"}))

	to, err := s.Revert(context.Background(), "dep", 9)
	if err != nil {
		t.Fatalf("Revert failed: %v", err)
	}
	if to != nil {
		t.Fatalf("expected empty cursor, got %v", to)
	}
	mustApply(t, s, ptr(10, "b10x"), hash("b9x"))
	if got := owner(t, s, 10); got != nil {
		t.Errorf("owner = %v, want nil", got)
	}
}

func TestRevert_DropsDynamicSources(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()
	addr := common.HexToAddress("0x01")

	mustApply(t, s, ptr(0, "A"), common.Hash{})
	err := s.Apply(ctx, "dep", ptr(1, "B"), hash("A"), domain.BlockChanges{
		DynamicSources: []domain.DynamicSource{{Template: "Pair", Address: addr}},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	srcs, _ := s.DynamicSources(ctx, "dep")
	if len(srcs) != 1 || srcs[0].CreatedAt != 1 {
		t.Fatalf("unexpected sources %+v", srcs)
	}
	if _, err := s.Revert(ctx, "dep", 0); err != nil {
		t.Fatalf("Revert failed: %v", err)
	}
	srcs, _ = s.DynamicSources(ctx, "dep")
	if len(srcs) != 0 {
		t.Errorf("expected sources to be reverted, got %+v", srcs)
	}
}

// =============================================================================
// Query / Prune
// =============================================================================

func TestQueryAt_WhereAndPaging(t *testing.T) {
	s := newStore(t, 0)
	mustApply(t, s, ptr(0, "A"), common.Hash{},
		setOp("Token", "3", domain.Entity{"owner": "X"}),
		setOp("Token", "1", domain.Entity{"owner": "X"}),
		setOp("Token", "2", domain.Entity{"owner": "Y"}),
	)

	got, err := s.QueryAt(context.Background(), "dep", 0, domain.EntityQuery{
		Type:  "Token",
		Where: map[string]any{"owner": "X"},
	})
	if err != nil {
		t.Fatalf("QueryAt failed: %v", err)
	}
	if len(got) != 2 || got[0].Key.ID != "1" || got[1].Key.ID != "3" {
		t.Fatalf("unexpected result %+v", got)
	}

	got, _ = s.QueryAt(context.Background(), "dep", 0, domain.EntityQuery{Type: "Token", First: 1, Skip: 1})
	if len(got) != 1 || got[0].Key.ID != "2" {
		t.Errorf("unexpected page %+v", got)
	}
}

func TestQueryAt_NestedWhereIsEquality(t *testing.T) {
	s := newStore(t, 0)
	mustApply(t, s, ptr(0, "A"), common.Hash{},
		setOp("Token", "1", domain.Entity{"meta": map[string]any{"a": 1, "b": 2}, "tags": []any{"x", "y"}}),
		setOp("Token", "2", domain.Entity{"meta": map[string]any{"a": 1}, "tags": []any{"x"}}),
	)

	tests := []struct {
		name  string
		where map[string]any
		want  []string
	}{
		{"object subset", map[string]any{"meta": map[string]any{"a": 1}}, []string{"2"}},
		{"object equal", map[string]any{"meta": map[string]any{"b": 2, "a": 1}}, []string{"1"}},
		{"list subset", map[string]any{"tags": []any{"x"}}, []string{"2"}},
		{"list order", map[string]any{"tags": []any{"y", "x"}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.QueryAt(context.Background(), "dep", 0, domain.EntityQuery{Type: "Token", Where: tt.where})
			if err != nil {
				t.Fatalf("QueryAt failed: %v", err)
			}
			var ids []string
			for _, r := range got {
				ids = append(ids, r.Key.ID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("got %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Errorf("got %v, want %v", ids, tt.want)
				}
			}
		})
	}
}

func TestPrune_KeepsVisibleState(t *testing.T) {
	s := newStore(t, 0)
	mustApply(t, s, ptr(0, "A"), common.Hash{}, setOp("Token", "1", domain.Entity{"owner": "A"}))
	mustApply(t, s, ptr(1, "B"), hash("A"), setOp("Token", "1", domain.Entity{"owner": "B"}))
	mustApply(t, s, ptr(2, "C"), hash("B"), setOp("Token", "1", domain.Entity{"owner": "C"}))
	mustApply(t, s, ptr(3, "D"), hash("C"), setOp("Token", "1", domain.Entity{"owner": "D"}))
	if _, err := s.Revert(context.Background(), "dep", 2); err != nil {
		t.Fatalf("Revert failed: %v", err)
	}

	removed, err := s.Prune(context.Background(), "dep", 2)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed == 0 {
		t.Fatal("expected rows to be pruned")
	}
	if got := owner(t, s, 2); got != "C" {
		t.Errorf("owner at 2 = %v, want C", got)
	}
	ptrs, _ := s.Pointers(context.Background(), "dep", 0)
	if len(ptrs) != 1 || ptrs[0].Number != 2 {
		t.Errorf("unexpected pointers %+v", ptrs)
	}
}
