package coerce

import (
	"context"
	"fmt"
	"reflect"

	"github.com/plbridge/plbridge/internal/catalog"
	"github.com/plbridge/plbridge/types"
)

// textFallback carries any type with text input and output functions as a
// string, round-tripping through the catalog's conversion functions.
type textFallback struct {
	base
	cat *catalog.Catalog
}

func newTextFallback(cat *catalog.Catalog, t *catalog.TypeInfo) *textFallback {
	return &textFallback{base: base{oid: t.Oid, name: t.Name, typ: stringType}, cat: cat}
}

func (s *textFallback) ToManaged(_ *Env, d types.Datum) (any, error) {
	return s.cat.Output(s.oid, d)
}

func (s *textFallback) ToNative(_ *Env, v any) (types.Datum, error) {
	var text string
	switch x := v.(type) {
	case string:
		text = x
	case *string:
		text = *x
	case fmt.Stringer:
		text = x.String()
	default:
		return types.Datum{}, mismatch(s, v)
	}
	return s.cat.Input(s.oid, text)
}

func (s *textFallback) Invoke(ctx context.Context, env *Env, m Method, args []any) (types.NullableDatum, error) {
	return invokeGeneric(ctx, env, s, m, args)
}

// voidStrategy discards whatever the method returns.
type voidStrategy struct {
	base
}

func newVoid() *voidStrategy {
	return &voidStrategy{base: base{oid: types.VoidOid, name: "void"}}
}

func (s *voidStrategy) ToManaged(*Env, types.Datum) (any, error) { return nil, nil }

func (s *voidStrategy) ToNative(*Env, any) (types.Datum, error) { return types.Datum{}, nil }

func (s *voidStrategy) Invoke(ctx context.Context, _ *Env, m Method, args []any) (types.NullableDatum, error) {
	_, err := m.Call(ctx, args)
	return types.Null, err
}

// domainStrategy reuses the strategy of the domain's base type and enforces the
// domain's constraints on the way in.
type domainStrategy struct {
	Strategy
	oid  types.Oid
	name string
	cat  *catalog.Catalog
}

func (s *domainStrategy) Oid() types.Oid   { return s.oid }
func (s *domainStrategy) TypeName() string { return s.name }

func (s *domainStrategy) ToNative(env *Env, v any) (types.Datum, error) {
	d, err := s.Strategy.ToNative(env, v)
	if err != nil {
		return types.Datum{}, err
	}
	return d, s.cat.CheckDomain(s.oid, types.NotNull(d))
}

func (s *domainStrategy) Invoke(ctx context.Context, env *Env, m Method, args []any) (types.NullableDatum, error) {
	res, err := s.Strategy.Invoke(ctx, env, m, args)
	if err != nil {
		return types.Null, err
	}
	if err := s.cat.CheckDomain(s.oid, res); err != nil {
		return types.Null, err
	}
	return res, nil
}

// adapter converts between the managed type of an inner strategy and a
// declared type the function uses instead, such as *int32 for int32 or
// int64 for int32.
type adapter struct {
	Strategy
	typ reflect.Type
	// toDeclared and fromDeclared convert a non-nil managed value.
	toDeclared   func(v any) (any, error)
	fromDeclared func(v any) (any, error)
}

func (a *adapter) ClassName() string         { return className(a.typ) }
func (a *adapter) Signature() string         { return SignatureOf(a.typ) }
func (a *adapter) ManagedType() reflect.Type { return a.typ }

func (a *adapter) ToManaged(env *Env, d types.Datum) (any, error) {
	v, err := a.Strategy.ToManaged(env, d)
	if err != nil {
		return nil, err
	}
	return a.toDeclared(v)
}

func (a *adapter) ToNative(env *Env, v any) (types.Datum, error) {
	inner, err := a.fromDeclared(v)
	if err != nil {
		return types.Datum{}, err
	}
	return a.Strategy.ToNative(env, inner)
}

// Invoke takes the boxed path, the inner strategy's word path assumes the
// inner managed type.
func (a *adapter) Invoke(ctx context.Context, env *Env, m Method, args []any) (types.NullableDatum, error) {
	return invokeGeneric(ctx, env, a, m, args)
}

// Boxed adapts a strategy over T to the managed type *T, which can carry nil.
func Boxed(s Strategy) Strategy {
	inner := s.ManagedType()
	return &adapter{
		Strategy: s,
		typ:      reflect.PointerTo(inner),
		toDeclared: func(v any) (any, error) {
			p := reflect.New(inner)
			p.Elem().Set(reflect.ValueOf(v))
			return p.Interface(), nil
		},
		fromDeclared: func(v any) (any, error) {
			rv := reflect.ValueOf(v)
			if rv.Kind() != reflect.Pointer || rv.Type().Elem() != inner {
				return nil, fmt.Errorf("%T is not %s", v, reflect.PointerTo(inner))
			}
			return rv.Elem().Interface(), nil
		},
	}
}

// Unboxed adapts a strategy over *T to the managed type T.
func Unboxed(s Strategy) Strategy {
	elem := s.ManagedType().Elem()
	return &adapter{
		Strategy: s,
		typ:      elem,
		toDeclared: func(v any) (any, error) {
			rv := reflect.ValueOf(v)
			if rv.IsNil() {
				return nil, fmt.Errorf("null cannot be passed as %s", elem)
			}
			return rv.Elem().Interface(), nil
		},
		fromDeclared: func(v any) (any, error) {
			p := reflect.New(elem)
			p.Elem().Set(reflect.ValueOf(v))
			return p.Interface(), nil
		},
	}
}

// Widened adapts a numeric strategy to a wider numeric declared type, e.g. an
// int2 column read as int32 or a float4 read as float64. Numeric scalars
// accept any numeric kind on the way back and check the range themselves.
func Widened(s Strategy, declared reflect.Type) Strategy {
	return &adapter{
		Strategy: s,
		typ:      declared,
		toDeclared: func(v any) (any, error) {
			return reflect.ValueOf(v).Convert(declared).Interface(), nil
		},
		fromDeclared: func(v any) (any, error) { return v, nil },
	}
}

// isWidening reports whether every value of from fits in to without loss.
func isWidening(from, to reflect.Type) bool {
	if from == to {
		return false
	}
	if from.PkgPath() != "" || to.PkgPath() != "" {
		return false
	}
	rank := map[reflect.Kind]int{reflect.Int16: 1, reflect.Int32: 2, reflect.Int64: 3}
	switch {
	case rank[from.Kind()] > 0 && rank[to.Kind()] > 0:
		return rank[from.Kind()] < rank[to.Kind()]
	case from.Kind() == reflect.Float32 && to.Kind() == reflect.Float64:
		return true
	}
	return false
}

// boolAsInt adapts the bool strategy to an int32 declared type, the way Wasm
// passes booleans.
func boolAsInt(s Strategy) Strategy {
	return &adapter{
		Strategy: s,
		typ:      int32Type,
		toDeclared: func(v any) (any, error) {
			if v.(bool) {
				return int32(1), nil
			}
			return int32(0), nil
		},
		fromDeclared: func(v any) (any, error) {
			rv := reflect.ValueOf(v)
			if !rv.CanInt() {
				return nil, fmt.Errorf("%T cannot be stored as bool", v)
			}
			return rv.Int() != 0, nil
		},
	}
}
