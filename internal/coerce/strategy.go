package coerce

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/plbridge/plbridge/internal/handle"
	"github.com/plbridge/plbridge/internal/memory"
	"github.com/plbridge/plbridge/types"
)

// Strategy converts values of one SQL type between their Datum form and a
// managed Go value. ToManaged and ToNative never see SQL NULL, see Managed and
// Native for the null-aware entry points.
type Strategy interface {
	Oid() types.Oid
	TypeName() string
	// ClassName is the managed type as Go prints it, e.g. "int32" or "pl.Row".
	ClassName() string
	// Signature is the calling signature of the managed type: Z S I J F D for
	// booleans, integers and floats, [ for slices and Lname; for everything else.
	Signature() string
	ManagedType() reflect.Type
	// IsDynamic is true for strategies whose row shape depends on the call.
	IsDynamic() bool
	ToManaged(env *Env, d types.Datum) (any, error)
	ToNative(env *Env, v any) (types.Datum, error)
	// Invoke calls m and converts its result with this strategy. Strategies
	// for primitive types call WordMethods without boxing the result.
	Invoke(ctx context.Context, env *Env, m Method, args []any) (types.NullableDatum, error)
}

// Method is a callable implementation of a function.
type Method interface {
	Name() string
	ParamTypes() []reflect.Type
	// ReturnType is nil for methods without a result.
	ReturnType() reflect.Type
	Call(ctx context.Context, args []any) (any, error)
}

// WordMethod is a Method that can return its primitive result as a raw
// machine word. Integers are sign extended from their declared width and
// floats are IEEE-754 bit patterns of the declared width.
type WordMethod interface {
	Method
	CallWord(ctx context.Context, args []any) (uint64, error)
}

// Env carries what a conversion may need beyond the value itself.
type Env struct {
	Registry *Registry
	Cache    *handle.Cache
	// Region receives the structures surfaced to managed code during the call.
	Region *memory.Context
	// Scope caches record strategies for the duration of one call.
	Scope *Scope
}

// Scope holds the call-local record strategies. It is never shared between calls.
type Scope struct {
	records map[string]Strategy
}

func NewScope() *Scope {
	return &Scope{records: make(map[string]Strategy)}
}

// Len reports how many record shapes the scope has resolved.
func (s *Scope) Len() int { return len(s.records) }

// Managed converts a nullable datum. SQL NULL becomes nil.
func Managed(env *Env, s Strategy, v types.NullableDatum) (any, error) {
	if v.IsNull {
		return nil, nil
	}
	out, err := s.ToManaged(env, v.Value)
	if err != nil {
		return nil, wrapErr(s, types.ToManaged, err)
	}
	return out, nil
}

// Native converts a managed value. nil, including typed nil pointers and
// slices, becomes SQL NULL.
func Native(env *Env, s Strategy, v any) (types.NullableDatum, error) {
	if types.IsNil(v) {
		return types.Null, nil
	}
	d, err := s.ToNative(env, v)
	if err != nil {
		return types.Null, wrapErr(s, types.ToNative, err)
	}
	return types.NotNull(d), nil
}

// invokeGeneric is the boxed call path shared by all strategies.
func invokeGeneric(ctx context.Context, env *Env, s Strategy, m Method, args []any) (types.NullableDatum, error) {
	res, err := m.Call(ctx, args)
	if err != nil {
		return types.Null, err
	}
	return Native(env, s, res)
}

// wrapErr attaches the type and direction to a conversion failure, leaving
// errors that already classify themselves alone.
func wrapErr(s Strategy, dir types.Direction, err error) error {
	var (
		ce  *types.CoercionError
		ut  *types.UnknownTypeError
		ust *types.UnsupportedTypeError
		ue  *types.UnresolvedElementTypeError
		sh  *types.StaleHandleError
	)
	if errors.As(err, &ce) || errors.As(err, &ut) || errors.As(err, &ust) || errors.As(err, &ue) || errors.As(err, &sh) {
		return err
	}
	return &types.CoercionError{Oid: s.Oid(), TypeName: s.TypeName(), Direction: dir, Err: err}
}

func mismatch(s Strategy, v any) error {
	return fmt.Errorf("%T cannot be stored as %s (managed type %s)", v, s.TypeName(), s.ClassName())
}

// SignatureOf renders the calling signature of a managed type.
func SignatureOf(t reflect.Type) string {
	if t == nil {
		return "V"
	}
	if t.PkgPath() != "" {
		return "L" + t.String() + ";"
	}
	switch t.Kind() {
	case reflect.Bool:
		return "Z"
	case reflect.Int8, reflect.Uint8:
		return "B"
	case reflect.Int16:
		return "S"
	case reflect.Int32:
		return "I"
	case reflect.Int64:
		return "J"
	case reflect.Float32:
		return "F"
	case reflect.Float64:
		return "D"
	case reflect.Slice, reflect.Array:
		return "[" + SignatureOf(t.Elem())
	default:
		return "L" + t.String() + ";"
	}
}

func className(t reflect.Type) string {
	if t == nil {
		return "void"
	}
	return t.String()
}

// base carries the descriptive half of a strategy.
type base struct {
	oid  types.Oid
	name string
	typ  reflect.Type
}

func (b base) Oid() types.Oid            { return b.oid }
func (b base) TypeName() string          { return b.name }
func (b base) ClassName() string         { return className(b.typ) }
func (b base) Signature() string         { return SignatureOf(b.typ) }
func (b base) ManagedType() reflect.Type { return b.typ }
func (b base) IsDynamic() bool           { return false }
