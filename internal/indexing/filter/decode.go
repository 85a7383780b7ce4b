package filter

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vietddude/graphnode/internal/core/domain"
)

// decodeLog decodes the indexed topics and data of a log in ABI order.
// Indexed reference types (strings, bytes, arrays, tuples) are only present
// as their hash and are returned as such.
func decodeLog(ev abi.Event, topics []common.Hash, data []byte) ([]domain.Param, error) {
	indexed := 0
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed++
		}
	}
	if len(topics) != indexed+1 {
		return nil, fmt.Errorf("event %s: expected %d topics, got %d", ev.Sig, indexed+1, len(topics))
	}

	plain, err := ev.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("event %s: unpack data: %w", ev.Sig, err)
	}

	params := make([]domain.Param, 0, len(ev.Inputs))
	t, p := 1, 0
	for i, in := range ev.Inputs {
		var value any
		if in.Indexed {
			value, err = decodeTopic(in.Type, topics[t])
			if err != nil {
				return nil, fmt.Errorf("event %s: topic %d: %w", ev.Sig, t, err)
			}
			t++
		} else {
			value = normalize(plain[p])
			p++
		}
		params = append(params, domain.Param{Name: argName(in, i), Value: value})
	}
	return params, nil
}

func decodeTopic(typ abi.Type, topic common.Hash) (any, error) {
	switch typ.T {
	case abi.IntTy, abi.UintTy, abi.BoolTy, abi.AddressTy, abi.FixedBytesTy:
		out, err := abi.Arguments{{Type: typ}}.Unpack(topic.Bytes())
		if err != nil {
			return nil, err
		}
		return normalize(out[0]), nil
	default:
		return hexutil.Encode(topic.Bytes()), nil
	}
}

// decodeArgs decodes call input or output bytes.
func decodeArgs(args abi.Arguments, data []byte) ([]domain.Param, error) {
	values, err := args.Unpack(data)
	if err != nil {
		return nil, err
	}
	params := make([]domain.Param, len(args))
	for i, arg := range args {
		params[i] = domain.Param{Name: argName(arg, i), Value: normalize(values[i])}
	}
	return params, nil
}

func argName(arg abi.Argument, i int) string {
	if arg.Name == "" {
		return "param" + strconv.Itoa(i)
	}
	return arg.Name
}

// normalize maps ABI-decoded Go values onto strings, bools and lists.
func normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case *big.Int:
		if x == nil {
			return nil
		}
		return x.String()
	case common.Address:
		return hexutil.Encode(x.Bytes())
	case common.Hash:
		return hexutil.Encode(x.Bytes())
	case []byte:
		return hexutil.Encode(x)
	case string, bool:
		return x
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return hexutil.Encode(b)
		}
		return normalizeList(rv)
	case reflect.Slice:
		return normalizeList(rv)
	case reflect.Struct:
		out := make([]any, rv.NumField())
		for i := range out {
			out[i] = normalize(rv.Field(i).Interface())
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return normalize(rv.Elem().Interface())
	}
	return fmt.Sprint(v)
}

func normalizeList(rv reflect.Value) []any {
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = normalize(rv.Index(i).Interface())
	}
	return out
}
