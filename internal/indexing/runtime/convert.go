package runtime

import (
	"fmt"
	"math"
	"sort"

	lua "github.com/yuin/gopher-lua"

	"github.com/vietddude/graphnode/internal/core/domain"
)

const maxValueDepth = 32

// toLua converts an entity attribute value into a Lua value. Map keys are
// inserted in sorted order so iteration with pairs is reproducible.
func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(x)
	case bool:
		return lua.LBool(x)
	case float64:
		return lua.LNumber(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case uint64:
		return lua.LNumber(x)
	case []any:
		tbl := L.CreateTable(len(x), 0)
		for _, item := range x {
			tbl.Append(toLua(L, item))
		}
		return tbl
	case map[string]any:
		return mapToLua(L, x)
	case domain.Entity:
		return mapToLua(L, x)
	default:
		return lua.LString(fmt.Sprint(x))
	}
}

func mapToLua(L *lua.LState, m map[string]any) *lua.LTable {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tbl := L.CreateTable(0, len(m))
	for _, k := range keys {
		tbl.RawSetString(k, toLua(L, m[k]))
	}
	return tbl
}

// fromLua converts a Lua value into an entity attribute value. Tables with
// only the keys 1..n become lists, tables with string keys become maps.
func fromLua(v lua.LValue, depth int) (any, error) {
	if depth > maxValueDepth {
		return nil, fmt.Errorf("value nested deeper than %d", maxValueDepth)
	}
	switch x := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(x), nil
	case lua.LString:
		return string(x), nil
	case lua.LNumber:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("number %v cannot be stored", f)
		}
		return f, nil
	case *lua.LTable:
		return tableFromLua(x, depth)
	default:
		return nil, fmt.Errorf("%s values cannot be stored", v.Type())
	}
}

func tableFromLua(tbl *lua.LTable, depth int) (any, error) {
	n := tbl.MaxN()
	count := 0
	var err error
	tbl.ForEach(func(k, _ lua.LValue) {
		count++
		if _, ok := k.(lua.LString); !ok && n == 0 && err == nil {
			err = fmt.Errorf("table keys must be strings, got %s", k.Type())
		}
	})
	if err != nil {
		return nil, err
	}

	if n > 0 && n == count {
		list := make([]any, n)
		for i := 1; i <= n; i++ {
			item, err := fromLua(tbl.RawGetInt(i), depth+1)
			if err != nil {
				return nil, err
			}
			list[i-1] = item
		}
		return list, nil
	}
	if n > 0 {
		return nil, fmt.Errorf("table mixes list and map keys")
	}

	m := make(map[string]any, count)
	var convErr error
	tbl.ForEach(func(k, val lua.LValue) {
		if convErr != nil {
			return
		}
		item, err := fromLua(val, depth+1)
		if err != nil {
			convErr = fmt.Errorf("%s: %w", string(k.(lua.LString)), err)
			return
		}
		m[string(k.(lua.LString))] = item
	})
	if convErr != nil {
		return nil, convErr
	}
	return m, nil
}

// entityFromLua converts a Lua table into an entity.
func entityFromLua(tbl *lua.LTable) (domain.Entity, error) {
	v, err := tableFromLua(tbl, 0)
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case map[string]any:
		return domain.Entity(x), nil
	default:
		return nil, fmt.Errorf("entity must be a table with string keys")
	}
}

// payloadToLua builds the event argument handed to handlers.
func payloadToLua(L *lua.LState, p domain.TriggerPayload) *lua.LTable {
	block := L.CreateTable(0, 3)
	block.RawSetString("number", lua.LNumber(p.Block.Number))
	block.RawSetString("hash", lua.LString(p.Block.Hash.Hex()))
	block.RawSetString("timestamp", lua.LNumber(p.Timestamp))

	ev := L.CreateTable(0, 12)
	ev.RawSetString("kind", lua.LString(p.Kind))
	ev.RawSetString("block", block)
	if p.Kind == domain.TriggerBlock {
		return ev
	}

	ev.RawSetString("address", lua.LString(p.Address))
	ev.RawSetString("tx_hash", lua.LString(p.TxHash))
	ev.RawSetString("tx_index", lua.LNumber(p.TxIndex))
	ev.RawSetString("signature", lua.LString(p.Signature))
	if p.Kind == domain.TriggerLog {
		ev.RawSetString("log_index", lua.LNumber(p.LogIndex))
	}
	if p.From != "" {
		ev.RawSetString("from", lua.LString(p.From))
	}
	ev.RawSetString("params", paramsToLua(L, p.Params))
	ev.RawSetString("param_list", paramListToLua(L, p.Params))
	if p.Outputs != nil {
		ev.RawSetString("outputs", paramsToLua(L, p.Outputs))
	}
	return ev
}

func paramsToLua(L *lua.LState, params []domain.Param) *lua.LTable {
	tbl := L.CreateTable(0, len(params))
	for _, p := range params {
		tbl.RawSetString(p.Name, toLua(L, p.Value))
	}
	return tbl
}

func paramListToLua(L *lua.LState, params []domain.Param) *lua.LTable {
	tbl := L.CreateTable(len(params), 0)
	for _, p := range params {
		entry := L.CreateTable(0, 2)
		entry.RawSetString("name", lua.LString(p.Name))
		entry.RawSetString("value", toLua(L, p.Value))
		tbl.Append(entry)
	}
	return tbl
}
