package wasm

import (
	"context"
	"fmt"
	"math"
	"reflect"

	"github.com/tetratelabs/wazero/api"

	"github.com/plbridge/plbridge/internal/coerce"
	"github.com/plbridge/plbridge/types"
)

var _ coerce.WordMethod = (*Function)(nil)

// Function is an exported Wasm function. It satisfies coerce.WordMethod, so
// primitive results come back as raw words without boxing.
type Function struct {
	mod     *module
	name    string
	fn      api.Function
	params  []api.ValueType
	result  api.ValueType
	hasRes  bool
	pTypes  []reflect.Type
	retType reflect.Type
}

func goType(vt api.ValueType) (reflect.Type, error) {
	switch vt {
	case api.ValueTypeI32:
		return reflect.TypeOf(int32(0)), nil
	case api.ValueTypeI64:
		return reflect.TypeOf(int64(0)), nil
	case api.ValueTypeF32:
		return reflect.TypeOf(float32(0)), nil
	case api.ValueTypeF64:
		return reflect.TypeOf(float64(0)), nil
	default:
		return nil, fmt.Errorf("wasm value type %s has no managed counterpart", api.ValueTypeName(vt))
	}
}

func newFunction(m *module, export string, fn api.Function) (*Function, error) {
	def := fn.Definition()
	f := &Function{mod: m, name: m.name + "." + export, fn: fn, params: def.ParamTypes()}
	for _, vt := range f.params {
		t, err := goType(vt)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		f.pTypes = append(f.pTypes, t)
	}
	switch res := def.ResultTypes(); len(res) {
	case 0:
	case 1:
		t, err := goType(res[0])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		f.result, f.hasRes, f.retType = res[0], true, t
	default:
		return nil, fmt.Errorf("%s returns %d values, at most one is supported", f.name, len(res))
	}
	return f, nil
}

func (f *Function) Name() string { return f.name }

func (f *Function) ParamTypes() []reflect.Type { return f.pTypes }

func (f *Function) ReturnType() reflect.Type { return f.retType }

func (f *Function) encode(args []any) ([]uint64, error) {
	if len(args) != len(f.params) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", f.name, len(f.params), len(args))
	}
	out := make([]uint64, len(args))
	for i, a := range args {
		if types.IsNil(a) {
			return nil, fmt.Errorf("%s argument %d: %w", f.name, i+1, ErrNullArgument)
		}
		rv := reflect.Indirect(reflect.ValueOf(a))
		switch f.params[i] {
		case api.ValueTypeI32, api.ValueTypeI64:
			var v int64
			switch {
			case rv.CanInt():
				v = rv.Int()
			case rv.CanUint() && rv.Uint() <= math.MaxInt64:
				v = int64(rv.Uint())
			case rv.Kind() == reflect.Bool:
				if rv.Bool() {
					v = 1
				}
			default:
				return nil, fmt.Errorf("%s argument %d: %T is not an integer", f.name, i+1, a)
			}
			if f.params[i] == api.ValueTypeI32 {
				if v < math.MinInt32 || v > math.MaxUint32 {
					return nil, fmt.Errorf("%s argument %d: %d does not fit in i32", f.name, i+1, v)
				}
				out[i] = api.EncodeI32(int32(v))
			} else {
				out[i] = api.EncodeI64(v)
			}
		case api.ValueTypeF32, api.ValueTypeF64:
			var v float64
			switch {
			case rv.CanFloat():
				v = rv.Float()
			case rv.CanInt():
				v = float64(rv.Int())
			default:
				return nil, fmt.Errorf("%s argument %d: %T is not a number", f.name, i+1, a)
			}
			if f.params[i] == api.ValueTypeF32 {
				out[i] = api.EncodeF32(float32(v))
			} else {
				out[i] = api.EncodeF64(v)
			}
		}
	}
	return out, nil
}

func (f *Function) call(ctx context.Context, args []any) ([]uint64, error) {
	params, err := f.encode(args)
	if err != nil {
		return nil, err
	}
	f.mod.callMu.Lock()
	defer f.mod.callMu.Unlock()
	res, err := f.fn.Call(ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("wasm function %s failed: %w", f.name, err)
	}
	return res, nil
}

// Call runs the function and boxes its result.
func (f *Function) Call(ctx context.Context, args []any) (any, error) {
	res, err := f.call(ctx, args)
	if err != nil || !f.hasRes {
		return nil, err
	}
	switch f.result {
	case api.ValueTypeI32:
		return api.DecodeI32(res[0]), nil
	case api.ValueTypeI64:
		return int64(res[0]), nil
	case api.ValueTypeF32:
		return api.DecodeF32(res[0]), nil
	default:
		return api.DecodeF64(res[0]), nil
	}
}

// CallWord runs the function and returns its result as the raw word wazero
// produced: i32 in the low 32 bits, floats as IEEE-754 bits.
func (f *Function) CallWord(ctx context.Context, args []any) (uint64, error) {
	if !f.hasRes {
		return 0, fmt.Errorf("%s returns no value", f.name)
	}
	res, err := f.call(ctx, args)
	if err != nil {
		return 0, err
	}
	return res[0], nil
}
