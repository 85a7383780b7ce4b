package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	lua "github.com/yuin/gopher-lua"

	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/infra/ipfs"
	"github.com/vietddude/graphnode/internal/manifest"
)

const (
	hostCallFuel     = 100
	maxStringSize    = 1 << 20
	maxPowExponent   = 255
	defaultDivScale  = 18
	maxDecimalScale  = 100
	bytesPerFuelUnit = 32
)

// invocation is the state of one handler call. It is the only thing the
// host functions can reach.
type invocation struct {
	rt      *Runtime
	ctx     context.Context
	meter   *meteredContext
	view    View
	source  *manifest.DataSource
	handler string
	block   domain.BlockPtr
	logger  *slog.Logger

	staged  map[domain.EntityKey]*cached
	ops     []domain.EntityOperation
	created []domain.DynamicSource

	hostErr  error
	aborted  bool
	abortMsg string
}

func (inv *invocation) charge(L *lua.LState, n int64) {
	if !inv.meter.charge(n) {
		L.RaiseError("%s", ErrFuelExhausted.Error())
	}
}

// fail records an I/O failure behind the host interface. Mapping code may
// catch the raised error with pcall but the invocation still fails.
func (inv *invocation) fail(L *lua.LState, err error) {
	if inv.hostErr == nil {
		inv.hostErr = err
	}
	L.RaiseError("host error: %s", err.Error())
}

func (inv *invocation) hostTable(L *lua.LState) *lua.LTable {
	host := L.CreateTable(0, 8)
	host.RawSetString("store", L.SetFuncs(L.CreateTable(0, 3), map[string]lua.LGFunction{
		"get":    inv.storeGet,
		"set":    inv.storeSet,
		"remove": inv.storeRemove,
	}))
	host.RawSetString("ipfs", L.SetFuncs(L.CreateTable(0, 1), map[string]lua.LGFunction{
		"cat": inv.ipfsCat,
	}))
	host.RawSetString("log", L.SetFuncs(L.CreateTable(0, 4), map[string]lua.LGFunction{
		"debug": inv.logAt(slog.LevelDebug),
		"info":  inv.logAt(slog.LevelInfo),
		"warn":  inv.logAt(slog.LevelWarn),
		"error": inv.logAt(slog.LevelError),
	}))
	host.RawSetString("bigint", L.SetFuncs(L.CreateTable(0, 9), map[string]lua.LGFunction{
		"add":    inv.bigBinary(func(a, b *big.Int) *big.Int { return new(big.Int).Add(a, b) }),
		"sub":    inv.bigBinary(func(a, b *big.Int) *big.Int { return new(big.Int).Sub(a, b) }),
		"mul":    inv.bigBinary(func(a, b *big.Int) *big.Int { return new(big.Int).Mul(a, b) }),
		"div":    inv.bigDiv(false),
		"mod":    inv.bigDiv(true),
		"pow":    inv.bigPow,
		"cmp":    inv.bigCmp,
		"abs":    inv.bigAbs,
		"to_hex": inv.bigToHex,
	}))
	host.RawSetString("bigdecimal", L.SetFuncs(L.CreateTable(0, 7), map[string]lua.LGFunction{
		"add":       inv.decBinary(decimal.Decimal.Add),
		"sub":       inv.decBinary(decimal.Decimal.Sub),
		"mul":       inv.decBinary(decimal.Decimal.Mul),
		"div":       inv.decDiv,
		"cmp":       inv.decCmp,
		"truncate":  inv.decTruncate,
		"to_bigint": inv.decToBigInt,
	}))
	host.RawSetString("crypto", L.SetFuncs(L.CreateTable(0, 1), map[string]lua.LGFunction{
		"keccak256": inv.keccak256,
	}))
	host.RawSetString("create_data_source", L.NewFunction(inv.createDataSource))
	host.RawSetString("abort", L.NewFunction(inv.abort))
	return host
}

// -----------------------------------------------------------------------------
// store
// -----------------------------------------------------------------------------

func checkKey(L *lua.LState) domain.EntityKey {
	typ, id := L.CheckString(1), L.CheckString(2)
	if typ == "" {
		L.ArgError(1, "entity type must not be empty")
	}
	if id == "" {
		L.ArgError(2, "entity id must not be empty")
	}
	return domain.EntityKey{Type: typ, ID: id}
}

func (inv *invocation) storeGet(L *lua.LState) int {
	inv.charge(L, hostCallFuel)
	key := checkKey(L)

	if e, ok := inv.staged[key]; ok {
		L.Push(toLua(L, e.data))
		return 1
	}
	data, err := inv.view.Get(inv.ctx, key)
	if err != nil {
		inv.fail(L, fmt.Errorf("load %s: %w", key, err))
		return 0
	}
	L.Push(toLua(L, data))
	return 1
}

func (inv *invocation) storeSet(L *lua.LState) int {
	inv.charge(L, hostCallFuel)
	key := checkKey(L)
	data, err := entityFromLua(L.CheckTable(3))
	if err != nil {
		L.ArgError(3, err.Error())
		return 0
	}
	if id, ok := data["id"]; ok && id != key.ID {
		L.ArgError(3, fmt.Sprintf("entity id %v does not match key %s", id, key.ID))
		return 0
	}
	data["id"] = key.ID
	data, err = domain.NormalizeEntity(data)
	if err != nil {
		L.ArgError(3, err.Error())
		return 0
	}

	inv.staged[key] = &cached{data: data, written: true}
	inv.ops = append(inv.ops, domain.EntityOperation{Kind: domain.OpSet, Key: key, Data: data})
	return 0
}

func (inv *invocation) storeRemove(L *lua.LState) int {
	inv.charge(L, hostCallFuel)
	key := checkKey(L)
	inv.staged[key] = &cached{written: true}
	inv.ops = append(inv.ops, domain.EntityOperation{Kind: domain.OpRemove, Key: key})
	return 0
}

// -----------------------------------------------------------------------------
// ipfs
// -----------------------------------------------------------------------------

func (inv *invocation) ipfsCat(L *lua.LState) int {
	inv.charge(L, hostCallFuel)
	cid := L.CheckString(1)

	if inv.rt.fetcher == nil {
		inv.fail(L, ipfs.ErrDisabled)
		return 0
	}
	data, err := inv.rt.fetcher.Cat(inv.ctx, cid)
	switch {
	case errors.Is(err, ipfs.ErrNotFound):
		L.Push(lua.LNil)
		return 1
	case errors.Is(err, ipfs.ErrInvalidCID), errors.Is(err, ipfs.ErrTooLarge):
		L.ArgError(1, err.Error())
		return 0
	case err != nil:
		inv.fail(L, err)
		return 0
	}
	inv.charge(L, int64(len(data))/bytesPerFuelUnit)
	L.Push(lua.LString(data))
	return 1
}

// -----------------------------------------------------------------------------
// log
// -----------------------------------------------------------------------------

func (inv *invocation) logAt(level slog.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		inv.charge(L, hostCallFuel)
		msg := L.CheckString(1)
		var attrs []any
		for i := 2; i+1 <= L.GetTop(); i += 2 {
			attrs = append(attrs, L.Get(i).String(), L.Get(i+1).String())
		}
		inv.logger.Log(inv.ctx, level, msg, attrs...)
		return 0
	}
}

// -----------------------------------------------------------------------------
// bigint
// -----------------------------------------------------------------------------

func checkBigInt(L *lua.LState, n int) *big.Int {
	switch v := L.Get(n).(type) {
	case lua.LNumber:
		f := float64(v)
		if f != float64(int64(f)) {
			L.ArgError(n, "integer expected")
		}
		return big.NewInt(int64(f))
	case lua.LString:
		s := strings.TrimSpace(string(v))
		base := 10
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			s, base = s[2:], 16
		}
		x, ok := new(big.Int).SetString(s, base)
		if !ok {
			L.ArgError(n, fmt.Sprintf("invalid integer %q", string(v)))
		}
		return x
	default:
		L.ArgError(n, "integer expected, got "+v.Type().String())
		return nil
	}
}

func (inv *invocation) pushBig(L *lua.LState, x *big.Int) int {
	inv.charge(L, int64(x.BitLen()/64))
	L.Push(lua.LString(x.String()))
	return 1
}

func (inv *invocation) bigBinary(op func(a, b *big.Int) *big.Int) lua.LGFunction {
	return func(L *lua.LState) int {
		inv.charge(L, hostCallFuel)
		return inv.pushBig(L, op(checkBigInt(L, 1), checkBigInt(L, 2)))
	}
}

func (inv *invocation) bigDiv(mod bool) lua.LGFunction {
	return func(L *lua.LState) int {
		inv.charge(L, hostCallFuel)
		a, b := checkBigInt(L, 1), checkBigInt(L, 2)
		if b.Sign() == 0 {
			L.RaiseError("division by zero")
			return 0
		}
		if mod {
			return inv.pushBig(L, new(big.Int).Rem(a, b))
		}
		return inv.pushBig(L, new(big.Int).Quo(a, b))
	}
}

func (inv *invocation) bigPow(L *lua.LState) int {
	inv.charge(L, hostCallFuel)
	base, exp := checkBigInt(L, 1), L.CheckInt(2)
	if exp < 0 || exp > maxPowExponent {
		L.ArgError(2, fmt.Sprintf("exponent must be within 0..%d", maxPowExponent))
		return 0
	}
	inv.charge(L, int64(base.BitLen()*exp/64))
	return inv.pushBig(L, new(big.Int).Exp(base, big.NewInt(int64(exp)), nil))
}

func (inv *invocation) bigCmp(L *lua.LState) int {
	inv.charge(L, hostCallFuel)
	L.Push(lua.LNumber(checkBigInt(L, 1).Cmp(checkBigInt(L, 2))))
	return 1
}

func (inv *invocation) bigAbs(L *lua.LState) int {
	inv.charge(L, hostCallFuel)
	return inv.pushBig(L, new(big.Int).Abs(checkBigInt(L, 1)))
}

func (inv *invocation) bigToHex(L *lua.LState) int {
	inv.charge(L, hostCallFuel)
	x := checkBigInt(L, 1)
	if x.Sign() < 0 {
		L.ArgError(1, "negative integers have no hex form")
		return 0
	}
	L.Push(lua.LString(hexutil.EncodeBig(x)))
	return 1
}

// -----------------------------------------------------------------------------
// bigdecimal
// -----------------------------------------------------------------------------

func checkDecimal(L *lua.LState, n int) decimal.Decimal {
	switch v := L.Get(n).(type) {
	case lua.LNumber:
		return decimal.NewFromFloat(float64(v))
	case lua.LString:
		d, err := decimal.NewFromString(strings.TrimSpace(string(v)))
		if err != nil {
			L.ArgError(n, fmt.Sprintf("invalid decimal %q", string(v)))
		}
		return d
	default:
		L.ArgError(n, "decimal expected, got "+v.Type().String())
		return decimal.Zero
	}
}

func (inv *invocation) decBinary(op func(a, b decimal.Decimal) decimal.Decimal) lua.LGFunction {
	return func(L *lua.LState) int {
		inv.charge(L, hostCallFuel)
		L.Push(lua.LString(op(checkDecimal(L, 1), checkDecimal(L, 2)).String()))
		return 1
	}
}

func (inv *invocation) decDiv(L *lua.LState) int {
	inv.charge(L, hostCallFuel)
	a, b := checkDecimal(L, 1), checkDecimal(L, 2)
	scale := L.OptInt(3, defaultDivScale)
	if scale < 0 || scale > maxDecimalScale {
		L.ArgError(3, fmt.Sprintf("scale must be within 0..%d", maxDecimalScale))
		return 0
	}
	if b.IsZero() {
		L.RaiseError("division by zero")
		return 0
	}
	L.Push(lua.LString(a.DivRound(b, int32(scale)).String()))
	return 1
}

func (inv *invocation) decCmp(L *lua.LState) int {
	inv.charge(L, hostCallFuel)
	L.Push(lua.LNumber(checkDecimal(L, 1).Cmp(checkDecimal(L, 2))))
	return 1
}

func (inv *invocation) decTruncate(L *lua.LState) int {
	inv.charge(L, hostCallFuel)
	d, places := checkDecimal(L, 1), L.CheckInt(2)
	if places < 0 || places > maxDecimalScale {
		L.ArgError(2, fmt.Sprintf("places must be within 0..%d", maxDecimalScale))
		return 0
	}
	L.Push(lua.LString(d.Truncate(int32(places)).String()))
	return 1
}

func (inv *invocation) decToBigInt(L *lua.LState) int {
	inv.charge(L, hostCallFuel)
	return inv.pushBig(L, checkDecimal(L, 1).BigInt())
}

// -----------------------------------------------------------------------------
// crypto
// -----------------------------------------------------------------------------

func (inv *invocation) keccak256(L *lua.LState) int {
	inv.charge(L, hostCallFuel)
	s := L.CheckString(1)
	data := []byte(s)
	if b, err := hexutil.Decode(s); err == nil {
		data = b
	}
	inv.charge(L, int64(len(data))/bytesPerFuelUnit)
	L.Push(lua.LString(hexutil.Encode(crypto.Keccak256(data))))
	return 1
}

// -----------------------------------------------------------------------------
// control
// -----------------------------------------------------------------------------

func (inv *invocation) createDataSource(L *lua.LState) int {
	inv.charge(L, hostCallFuel)
	name, addr := L.CheckString(1), L.CheckString(2)
	if _, ok := inv.rt.manifest.Template(name); !ok {
		L.ArgError(1, fmt.Sprintf("unknown template %q", name))
		return 0
	}
	if !common.IsHexAddress(addr) {
		L.ArgError(2, fmt.Sprintf("invalid address %q", addr))
		return 0
	}
	ds := domain.DynamicSource{Template: name, Address: common.HexToAddress(addr), CreatedAt: inv.block.Number}
	for _, existing := range inv.created {
		if existing == ds {
			return 0
		}
	}
	inv.created = append(inv.created, ds)
	inv.logger.Debug("created data source", "template", name, "address", ds.Address.Hex())
	return 0
}

func (inv *invocation) abort(L *lua.LState) int {
	msg := L.OptString(1, "aborted")
	inv.aborted = true
	inv.abortMsg = msg
	L.RaiseError("abort: %s", msg)
	return 0
}

// stringRep replaces string.rep so a single call cannot allocate without
// paying for it.
func (inv *invocation) stringRep(L *lua.LState) int {
	s, n, sep := L.CheckString(1), L.CheckInt(2), L.OptString(3, "")
	if n <= 0 {
		L.Push(lua.LString(""))
		return 1
	}
	size := int64(len(s)+len(sep)) * int64(n)
	if size > maxStringSize {
		L.RaiseError("string.rep: result exceeds %d bytes", maxStringSize)
		return 0
	}
	inv.charge(L, size/bytesPerFuelUnit)

	parts := make([]string, n)
	for i := range parts {
		parts[i] = s
	}
	L.Push(lua.LString(strings.Join(parts, sep)))
	return 1
}
