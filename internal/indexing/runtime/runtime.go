// Package runtime executes mapping handlers in a sandboxed Lua VM.
//
// Every invocation gets a fresh interpreter with only the base, table,
// string and math libraries, minus everything that reaches the filesystem,
// loads code or is nondeterministic. Handlers reach the outside world only
// through the host table passed as their second argument. Execution is bounded
// by fuel, charged per VM instruction and per host call, and by a wall-clock
// timeout.
package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/indexing/metrics"
	"github.com/vietddude/graphnode/internal/infra/ipfs"
	"github.com/vietddude/graphnode/internal/manifest"
)

var blockedGlobals = []string{
	"collectgarbage", "dofile", "load", "loadfile", "loadstring", "module",
	"require", "print", "_printregs", "getfenv", "setfenv", "newproxy",
}

type Config struct {
	Fuel            int64
	Timeout         time.Duration
	CallStackSize   int
	RegistrySize    int
	RegistryMaxSize int
}

func DefaultConfig() Config {
	return Config{
		Fuel:            10_000_000,
		Timeout:         30 * time.Second,
		CallStackSize:   200,
		RegistrySize:    20 * 1024,
		RegistryMaxSize: 80 * 1024,
	}
}

// Result is what a successful invocation hands back to the runner.
type Result struct {
	Operations     []domain.EntityOperation
	DynamicSources []domain.DynamicSource
	FuelUsed       int64
}

// Runtime runs the handlers of one deployment.
type Runtime struct {
	cfg        Config
	deployment string
	manifest   *manifest.Manifest
	protos     map[string]*lua.FunctionProto
	fetcher    ipfs.Fetcher
	logger     *slog.Logger
}

// Compile parses mapping code into a reusable function prototype.
func Compile(name string, code []byte) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(bytes.NewReader(code), name)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return proto, nil
}

// New compiles the mapping code of every data source and template of m.
func New(cfg Config, deployment string, m *manifest.Manifest, fetcher ipfs.Fetcher, logger *slog.Logger) (*Runtime, error) {
	def := DefaultConfig()
	if cfg.Fuel <= 0 {
		cfg.Fuel = def.Fuel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CallStackSize <= 0 {
		cfg.CallStackSize = def.CallStackSize
	}
	if cfg.RegistrySize <= 0 {
		cfg.RegistrySize = def.RegistrySize
	}
	if cfg.RegistryMaxSize <= 0 {
		cfg.RegistryMaxSize = def.RegistryMaxSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runtime{
		cfg:        cfg,
		deployment: deployment,
		manifest:   m,
		protos:     make(map[string]*lua.FunctionProto),
		fetcher:    fetcher,
		logger:     logger,
	}

	sources := append([]*manifest.DataSource{}, m.DataSources...)
	for _, t := range m.Templates {
		sources = append(sources, t)
	}
	for _, ds := range sources {
		proto, err := Compile(ds.CodeName, ds.Code)
		if err != nil {
			return nil, fmt.Errorf("data source %s: %w", ds.Name, err)
		}
		r.protos[ds.Name] = proto
	}
	return r, nil
}

func protoKey(ds *manifest.DataSource) string {
	if ds.Template != "" {
		return ds.Template
	}
	return ds.Name
}

func (r *Runtime) newState(inv *invocation) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		CallStackSize:   r.cfg.CallStackSize,
		RegistrySize:    r.cfg.RegistrySize,
		RegistryMaxSize: r.cfg.RegistryMaxSize,
	})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, name := range blockedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetGlobal("tostring", L.NewFunction(toString))
	if m, ok := L.GetGlobal("math").(*lua.LTable); ok {
		m.RawSetString("random", lua.LNil)
		m.RawSetString("randomseed", lua.LNil)
	}
	if s, ok := L.GetGlobal("string").(*lua.LTable); ok {
		s.RawSetString("rep", L.NewFunction(inv.stringRep))
		s.RawSetString("dump", lua.LNil)
		if format, ok := s.RawGetString("format").(*lua.LFunction); ok {
			s.RawSetString("format", L.NewFunction(stringFormat(format)))
		}
	}
	return L
}

// opaque renders reference values by type name only. Their default string
// form carries a heap address, which differs between runs.
func opaque(L *lua.LState, v lua.LValue) lua.LValue {
	switch v.Type() {
	case lua.LTTable, lua.LTFunction, lua.LTUserData, lua.LTThread, lua.LTChannel:
		if L.GetMetaField(v, "__tostring") != lua.LNil {
			return L.ToStringMeta(v)
		}
		return lua.LString(v.Type().String())
	}
	return v
}

func toString(L *lua.LState) int {
	L.Push(lua.LString(opaque(L, L.CheckAny(1)).String()))
	return 1
}

// stringFormat wraps string.format so that reference arguments are
// formatted through opaque.
func stringFormat(format *lua.LFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		top := L.GetTop()
		args := make([]lua.LValue, 0, top)
		for i := 1; i <= top; i++ {
			v := L.Get(i)
			if i > 1 {
				v = opaque(L, v)
			}
			args = append(args, v)
		}
		L.Push(format)
		for _, v := range args {
			L.Push(v)
		}
		L.Call(len(args), 1)
		return 1
	}
}

// Invoke runs handler of source for one trigger. Reads go through view;
// writes are buffered and only returned when the handler succeeds. A
// handler that cannot complete yields a *Failure; cancellation of ctx is
// returned as is.
func (r *Runtime) Invoke(
	ctx context.Context,
	source *manifest.DataSource,
	handler string,
	payload domain.TriggerPayload,
	view View,
) (*Result, error) {
	proto, ok := r.protos[protoKey(source)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source.Name)
	}

	tctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	meter := newMeteredContext(tctx, r.cfg.Fuel)
	defer meter.release()

	inv := &invocation{
		rt:      r,
		ctx:     tctx,
		meter:   meter,
		view:    view,
		source:  source,
		handler: handler,
		block:   payload.Block,
		staged:  make(map[domain.EntityKey]*cached),
		logger: r.logger.With(
			"source", "mapping",
			"data_source", source.Name,
			"handler", handler,
			"block", payload.Block.Number,
		),
	}

	L := r.newState(inv)
	defer L.Close()
	L.SetContext(meter)

	start := time.Now()
	err := r.run(L, proto, inv, payload)
	metrics.HandlerDuration.WithLabelValues(r.deployment, handler).Observe(time.Since(start).Seconds())

	if err == nil && inv.hostErr == nil && !inv.aborted && !meter.exhausted.Load() {
		return &Result{
			Operations:     inv.ops,
			DynamicSources: inv.created,
			FuelUsed:       meter.used(r.cfg.Fuel),
		}, nil
	}

	if ctx.Err() != nil && !meter.exhausted.Load() {
		return nil, ctx.Err()
	}

	f := &Failure{Source: source.Name, Handler: handler}
	switch {
	case meter.exhausted.Load():
		f.Kind, f.Message, f.Err = FailureFuel, fmt.Sprintf("used more than %d units", r.cfg.Fuel), ErrFuelExhausted
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		f.Kind, f.Message, f.Err = FailureTimeout, fmt.Sprintf("ran longer than %s", r.cfg.Timeout), ErrTimeout
	case inv.hostErr != nil:
		f.Kind, f.Message, f.Err = FailureHost, inv.hostErr.Error(), inv.hostErr
	case inv.aborted:
		f.Kind, f.Message = FailureHandler, "aborted: "+inv.abortMsg
	default:
		f.Kind, f.Message, f.Err = FailureHandler, err.Error(), err
	}
	metrics.HandlerFailures.WithLabelValues(r.deployment, string(f.Kind)).Inc()
	return nil, f
}

func (r *Runtime) run(L *lua.LState, proto *lua.FunctionProto, inv *invocation, payload domain.TriggerPayload) error {
	chunk := L.NewFunctionFromProto(proto)
	if err := L.CallByParam(lua.P{Fn: chunk, NRet: 0, Protect: true}); err != nil {
		return err
	}
	fn, ok := L.GetGlobal(inv.handler).(*lua.LFunction)
	if !ok {
		return fmt.Errorf("handler %s is not defined", inv.handler)
	}
	return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, payloadToLua(L, payload), inv.hostTable(L))
}
