package coerce

import (
	"context"
	"fmt"
	"reflect"

	"github.com/plbridge/plbridge/types"
)

// arrayStrategy maps a one-dimensional array to a slice of the element
// strategy's managed type.
type arrayStrategy struct {
	base
	elem Strategy
}

func newArray(oid types.Oid, name string, elem Strategy) *arrayStrategy {
	return &arrayStrategy{
		base: base{oid: oid, name: name, typ: reflect.SliceOf(elem.ManagedType())},
		elem: elem,
	}
}

// Elem returns the element strategy.
func (s *arrayStrategy) Elem() Strategy { return s.elem }

// Nillable reports whether values of t can be nil, and so carry SQL NULL.
func Nillable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
		return true
	}
	return false
}

func (s *arrayStrategy) ToManaged(env *Env, d types.Datum) (any, error) {
	_, vals, err := types.ExpandArray(d)
	if err != nil {
		return nil, err
	}
	et := s.elem.ManagedType()
	out := reflect.MakeSlice(s.typ, len(vals), len(vals))
	for i, v := range vals {
		if v.IsNull {
			if !Nillable(et) {
				return nil, fmt.Errorf("element %d is null and %s cannot carry null", i+1, et)
			}
			continue
		}
		m, err := s.elem.ToManaged(env, v.Value)
		if err != nil {
			return nil, wrapErr(s.elem, types.ToManaged, err)
		}
		out.Index(i).Set(reflect.ValueOf(m))
	}
	return out.Interface(), nil
}

func (s *arrayStrategy) ToNative(env *Env, v any) (types.Datum, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return types.Datum{}, mismatch(s, v)
	}
	vals := make([]types.NullableDatum, rv.Len())
	for i := range vals {
		nd, err := Native(env, s.elem, rv.Index(i).Interface())
		if err != nil {
			return types.Datum{}, err
		}
		vals[i] = nd
	}
	return types.FlattenArray(s.elem.Oid(), vals)
}

func (s *arrayStrategy) Invoke(ctx context.Context, env *Env, m Method, args []any) (types.NullableDatum, error) {
	return invokeGeneric(ctx, env, s, m, args)
}
