package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/infra/ipfs"
	"github.com/vietddude/graphnode/internal/manifest"
)

// =============================================================================
// Helpers
// =============================================================================

type mapView map[domain.EntityKey]domain.Entity

func (v mapView) Get(ctx context.Context, key domain.EntityKey) (domain.Entity, error) {
	return v[key].Clone(), nil
}

type errView struct{}

func (errView) Get(ctx context.Context, key domain.EntityKey) (domain.Entity, error) {
	return nil, errors.New("connection reset")
}

type stubFetcher map[string]string

func (s stubFetcher) Cat(ctx context.Context, cid string) ([]byte, error) {
	cid, err := ipfs.NormalizeCID(cid)
	if err != nil {
		return nil, err
	}
	if d, ok := s[cid]; ok {
		return []byte(d), nil
	}
	return nil, ipfs.ErrNotFound
}

func newRuntime(t *testing.T, cfg Config, code string) (*Runtime, *manifest.DataSource) {
	t.Helper()
	addr := common.HexToAddress("0xaa")
	ds := &manifest.DataSource{Name: "Token", Address: &addr, CodeName: "token.lua", Code: []byte(code)}
	m := &manifest.Manifest{
		DataSources: []*manifest.DataSource{ds},
		Templates: map[string]*manifest.DataSource{
			"Pair": {Name: "Pair", CodeName: "pair.lua", Code: []byte("function handlePair(event, host) end")},
		},
	}
	rt, err := New(cfg, "dep", m, stubFetcher{"QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG": `{"name":"x"}`}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return rt, ds
}

func transferPayload() domain.TriggerPayload {
	return domain.TriggerPayload{
		Kind:  domain.TriggerLog,
		Block: domain.BlockPtr{Number: 101, Hash: common.HexToHash("0x101")},
		Params: []domain.Param{
			{Name: "from", Value: "0xa11"},
			{Name: "to", Value: "0xb0b"},
			{Name: "tokenId", Value: "1"},
		},
	}
}

func invoke(t *testing.T, rt *Runtime, ds *manifest.DataSource, handler string, view View) (*Result, error) {
	t.Helper()
	if view == nil {
		view = mapView{}
	}
	return rt.Invoke(context.Background(), ds, handler, transferPayload(), view)
}

func expectFailure(t *testing.T, err error, kind FailureKind) *Failure {
	t.Helper()
	f, ok := AsFailure(err)
	if !ok {
		t.Fatalf("expected *Failure, got %v", err)
	}
	if f.Kind != kind {
		t.Fatalf("failure kind = %s (%s), want %s", f.Kind, f.Message, kind)
	}
	return f
}

// =============================================================================
// Store access
// =============================================================================

func TestInvoke_ReadYourOwnWrites(t *testing.T) {
	rt, ds := newRuntime(t, Config{}, `
function handleTransfer(event, host)
  host.store.set("Token", event.params.tokenId, { owner = event.params.to })
  local t = host.store.get("Token", event.params.tokenId)
  if t.owner ~= event.params.to then error("write not visible") end
end`)

	res, err := invoke(t, rt, ds, "handleTransfer", nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if len(res.Operations) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(res.Operations))
	}
	op := res.Operations[0]
	if op.Kind != domain.OpSet || op.Key != (domain.EntityKey{Type: "Token", ID: "1"}) {
		t.Errorf("unexpected op %+v", op)
	}
	if op.Data["owner"] != "0xb0b" || op.Data["id"] != "1" {
		t.Errorf("unexpected data %+v", op.Data)
	}
	if res.FuelUsed <= 0 {
		t.Error("expected fuel to be accounted")
	}
}

func TestInvoke_ReadsThroughView(t *testing.T) {
	rt, ds := newRuntime(t, Config{}, `
function handleTransfer(event, host)
  local c = host.store.get("Counter", "c") or { count = 0 }
  c.count = c.count + 1
  host.store.set("Counter", "c", c)
  host.store.remove("Token", "9")
end`)

	view := mapView{{Type: "Counter", ID: "c"}: {"id": "c", "count": float64(41)}}
	res, err := invoke(t, rt, ds, "handleTransfer", view)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if len(res.Operations) != 2 {
		t.Fatalf("expected 2 operations, got %+v", res.Operations)
	}
	if got := res.Operations[0].Data["count"]; got != float64(42) {
		t.Errorf("count = %v, want 42", got)
	}
	if res.Operations[1].Kind != domain.OpRemove {
		t.Errorf("expected remove, got %+v", res.Operations[1])
	}
	if view[domain.EntityKey{Type: "Counter", ID: "c"}]["count"] != float64(41) {
		t.Error("view was mutated")
	}
}

func TestInvoke_StateDoesNotSurvive(t *testing.T) {
	rt, ds := newRuntime(t, Config{}, `
calls = 0
function handleTransfer(event, host)
  calls = calls + 1
  host.store.set("Calls", "1", { n = calls })
end`)

	for i := 0; i < 2; i++ {
		res, err := invoke(t, rt, ds, "handleTransfer", nil)
		if err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
		if n := res.Operations[0].Data["n"]; n != float64(1) {
			t.Errorf("invocation %d saw n = %v, want 1", i, n)
		}
	}
}

func TestInvoke_Sandbox(t *testing.T) {
	rt, ds := newRuntime(t, Config{}, `
function handleTransfer(event, host)
  host.store.set("Env", "1", {
    os = type(os), io = type(io), require = type(require), load = type(load),
    dofile = type(dofile), random = type(math.random), print = type(print),
    pairs = type(pairs), upper = string.upper("x"),
    refs = tostring({}) .. " " .. tostring(handleTransfer),
    formatted = string.format("%s %s %d", {}, print, 3),
    named = tostring(setmetatable({}, { __tostring = function() return "token" end })),
  })
end`)

	res, err := invoke(t, rt, ds, "handleTransfer", nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	data := res.Operations[0].Data
	for _, name := range []string{"os", "io", "require", "load", "dofile", "random", "print"} {
		if data[name] != "nil" {
			t.Errorf("%s is reachable from mappings: %v", name, data[name])
		}
	}
	if data["pairs"] != "function" || data["upper"] != "X" {
		t.Errorf("standard helpers missing: %+v", data)
	}
	if data["refs"] != "table function" {
		t.Errorf("tostring exposes addresses: %v", data["refs"])
	}
	if data["formatted"] != "table nil 3" {
		t.Errorf("string.format exposes addresses: %v", data["formatted"])
	}
	if data["named"] != "token" {
		t.Errorf("__tostring ignored: %v", data["named"])
	}
}

func TestInvoke_ReplayStoresSameValues(t *testing.T) {
	rt, ds := newRuntime(t, Config{}, `
function handleTransfer(event, host)
  host.store.set("Token", "1", { tag = tostring({}) .. tostring(handleTransfer) })
end`)

	var first any
	for i := 0; i < 3; i++ {
		res, err := invoke(t, rt, ds, "handleTransfer", nil)
		if err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
		tag := res.Operations[0].Data["tag"]
		if i == 0 {
			first = tag
		} else if tag != first {
			t.Fatalf("run %d stored %v, first run stored %v", i, tag, first)
		}
	}
}

// =============================================================================
// Failures
// =============================================================================

func TestInvoke_FuelExhausted(t *testing.T) {
	rt, ds := newRuntime(t, Config{Fuel: 10_000}, `
function handleTransfer(event, host)
  host.store.set("Token", "1", { owner = "x" })
  while true do end
end`)

	res, err := invoke(t, rt, ds, "handleTransfer", nil)
	if res != nil {
		t.Fatal("expected no result")
	}
	f := expectFailure(t, err, FailureFuel)
	if !errors.Is(f, ErrFuelExhausted) || !f.Deterministic() {
		t.Errorf("unexpected failure %+v", f)
	}
}

func TestInvoke_Timeout(t *testing.T) {
	rt, ds := newRuntime(t, Config{Fuel: 1 << 60, Timeout: 50 * time.Millisecond}, `
function handleTransfer(event, host)
  while true do end
end`)

	_, err := invoke(t, rt, ds, "handleTransfer", nil)
	f := expectFailure(t, err, FailureTimeout)
	if !errors.Is(f, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", f.Err)
	}
}

func TestInvoke_HandlerError(t *testing.T) {
	rt, ds := newRuntime(t, Config{}, `
function handleTransfer(event, host)
  host.store.set("Token", "1", { owner = "x" })
  error("boom")
end`)

	_, err := invoke(t, rt, ds, "handleTransfer", nil)
	f := expectFailure(t, err, FailureHandler)
	if !strings.Contains(f.Message, "boom") {
		t.Errorf("message = %q", f.Message)
	}
}

func TestInvoke_AbortCannotBeCaught(t *testing.T) {
	rt, ds := newRuntime(t, Config{}, `
function handleTransfer(event, host)
  pcall(host.abort, "invalid transfer")
  host.store.set("Token", "1", { owner = "x" })
end`)

	_, err := invoke(t, rt, ds, "handleTransfer", nil)
	f := expectFailure(t, err, FailureHandler)
	if f.Message != "aborted: invalid transfer" {
		t.Errorf("message = %q", f.Message)
	}
}

func TestInvoke_HostFailure(t *testing.T) {
	rt, ds := newRuntime(t, Config{}, `
function handleTransfer(event, host)
  pcall(host.store.get, "Token", "1")
end`)

	_, err := invoke(t, rt, ds, "handleTransfer", errView{})
	f := expectFailure(t, err, FailureHost)
	if f.Deterministic() {
		t.Error("host failures must not be deterministic")
	}
}

func TestInvoke_MissingHandler(t *testing.T) {
	rt, ds := newRuntime(t, Config{}, `function other(event, host) end`)
	_, err := invoke(t, rt, ds, "handleTransfer", nil)
	expectFailure(t, err, FailureHandler)
}

func TestInvoke_CallerCancellation(t *testing.T) {
	rt, ds := newRuntime(t, Config{Fuel: 1 << 60}, `
function handleTransfer(event, host)
  while true do end
end`)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := rt.Invoke(ctx, ds, "handleTransfer", transferPayload(), mapView{})
	if _, ok := AsFailure(err); ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline, got %v", err)
	}
}

func TestCompile_SyntaxError(t *testing.T) {
	if _, err := Compile("bad.lua", []byte("function (")); err == nil {
		t.Fatal("expected compile error")
	}
}

// =============================================================================
// Host utilities
// =============================================================================

func TestInvoke_HostUtilities(t *testing.T) {
	rt, ds := newRuntime(t, Config{}, `
function handleTransfer(event, host)
  host.store.set("Math", "1", {
    sum = host.bigint.add("123456789012345678901234567890", "1"),
    pow = host.bigint.pow(2, 100),
    hex = host.bigint.to_hex("255"),
    cmp = host.bigint.cmp("0x10", 16),
    quot = host.bigdecimal.div("1", "3", 4),
    prod = host.bigdecimal.mul("1.5", "2"),
    hash = host.crypto.keccak256(""),
    meta = host.ipfs.cat("/ipfs/QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"),
    missing = host.ipfs.cat("QmZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ") == nil,
  })
  host.log.info("indexed", "token", event.params.tokenId)
end`)

	res, err := invoke(t, rt, ds, "handleTransfer", nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	want := domain.Entity{
		"sum":     "123456789012345678901234567891",
		"pow":     "1267650600228229401496703205376",
		"hex":     "0xff",
		"cmp":     float64(0),
		"quot":    "0.3333",
		"prod":    "3",
		"hash":    "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		"meta":    `{"name":"x"}`,
		"missing": true,
	}
	data := res.Operations[0].Data
	for k, v := range want {
		if data[k] != v {
			t.Errorf("%s = %v, want %v", k, data[k], v)
		}
	}
}

func TestInvoke_DivisionByZero(t *testing.T) {
	rt, ds := newRuntime(t, Config{}, `
function handleTransfer(event, host)
  host.bigint.div("1", "0")
end`)

	_, err := invoke(t, rt, ds, "handleTransfer", nil)
	expectFailure(t, err, FailureHandler)
}

func TestInvoke_CreateDataSource(t *testing.T) {
	rt, ds := newRuntime(t, Config{}, `
function handleTransfer(event, host)
  host.create_data_source("Pair", "0x00000000000000000000000000000000000000cc")
  host.create_data_source("Pair", "0x00000000000000000000000000000000000000cc")
end

function handleUnknown(event, host)
  host.create_data_source("Nope", "0x00000000000000000000000000000000000000cc")
end`)

	res, err := invoke(t, rt, ds, "handleTransfer", nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	want := domain.DynamicSource{Template: "Pair", Address: common.HexToAddress("0xcc"), CreatedAt: 101}
	if len(res.DynamicSources) != 1 || res.DynamicSources[0] != want {
		t.Errorf("unexpected dynamic sources %+v", res.DynamicSources)
	}

	_, err = invoke(t, rt, ds, "handleUnknown", nil)
	expectFailure(t, err, FailureHandler)
}

func TestInvoke_TemplateInstance(t *testing.T) {
	rt, _ := newRuntime(t, Config{}, `function handleTransfer(event, host) end`)
	tpl, _ := rt.manifest.Template("Pair")
	inst := tpl.Instantiate(common.HexToAddress("0xcc"), 5)

	if _, err := rt.Invoke(context.Background(), inst, "handlePair", transferPayload(), mapView{}); err != nil {
		t.Fatalf("Invoke on template instance failed: %v", err)
	}
}
