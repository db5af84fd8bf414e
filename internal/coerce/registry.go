package coerce

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/plbridge/plbridge/internal/catalog"
	"github.com/plbridge/plbridge/types"
)

// Factory builds a strategy for a catalog type.
type Factory func(r *Registry, t *catalog.TypeInfo) (Strategy, error)

// Registry maps SQL types to conversion strategies. Strategies of static types
// are built once and shared, record strategies live in a call's Scope.
type Registry struct {
	cat    *catalog.Catalog
	logger zerolog.Logger

	mtx      sync.RWMutex
	builtins map[types.Oid]Strategy
	defaults map[types.Oid]Factory
	byOid    map[types.Oid]Strategy
	byClass  map[string]Factory
	// gen counts changes that may alter a resolution made earlier.
	gen atomic.Uint64
}

func NewRegistry(cat *catalog.Catalog, logger zerolog.Logger) *Registry {
	return &Registry{
		cat:      cat,
		logger:   logger.With().Str("module", "coerce").Logger(),
		builtins: builtinScalars(),
		defaults: make(map[types.Oid]Factory),
		byOid:    make(map[types.Oid]Strategy),
		byClass:  make(map[string]Factory),
	}
}

func (r *Registry) Catalog() *catalog.Catalog { return r.cat }

// RegisterDefault replaces the default strategy of oid.
func (r *Registry) RegisterDefault(oid types.Oid, f Factory) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.defaults[oid] = f
	// arrays and domains built over the old default are cached too
	clear(r.byOid)
	r.gen.Add(1)
	r.logger.Debug().Stringer("oid", oid).Msg("default strategy replaced")
}

// RegisterForClass makes a strategy available to functions that name class
// for a parameter or return value.
func (r *Registry) RegisterForClass(class string, f Factory) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.byClass[class] = f
	r.gen.Add(1)
	r.logger.Debug().Str("class", class).Msg("class strategy registered")
}

// Invalidate drops every cached strategy. Call it after catalog types change.
func (r *Registry) Invalidate() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	clear(r.byOid)
	r.gen.Add(1)
}

// Generation changes whenever a registration or invalidation may make an
// earlier resolution stale. Holders of resolved strategies compare it to
// the value they resolved under.
func (r *Registry) Generation() uint64 { return r.gen.Load() }

// Resolve returns the default strategy of oid. The anonymous record strategy
// is never cached, every call gets its own.
func (r *Registry) Resolve(oid types.Oid) (Strategy, error) {
	r.mtx.RLock()
	s, ok := r.byOid[oid]
	f := r.defaults[oid]
	r.mtx.RUnlock()
	if ok {
		return s, nil
	}
	t, err := r.cat.Type(oid)
	if err != nil {
		return nil, err
	}
	if f != nil {
		s, err = f(r, t)
	} else {
		s, err = r.build(t)
	}
	if err != nil {
		return nil, err
	}
	if s.IsDynamic() {
		return s, nil
	}
	r.mtx.Lock()
	if cached, ok := r.byOid[oid]; ok {
		s = cached
	} else {
		r.byOid[oid] = s
	}
	r.mtx.Unlock()
	return s, nil
}

func (r *Registry) build(t *catalog.TypeInfo) (Strategy, error) {
	switch t.Category {
	case catalog.Base:
		if s, ok := r.builtins[t.Oid]; ok {
			return s, nil
		}
		return newTextFallback(r.cat, t), nil
	case catalog.Enum:
		return newTextFallback(r.cat, t), nil
	case catalog.Domain:
		s, err := r.Resolve(t.BaseOid)
		if err != nil {
			return nil, err
		}
		return &domainStrategy{Strategy: s, oid: t.Oid, name: t.Name, cat: r.cat}, nil
	case catalog.Composite:
		return newComposite(t.Oid, t.Name, t.RelDesc), nil
	case catalog.Array:
		elem, err := r.Resolve(t.ElemOid)
		if err != nil {
			return nil, &types.UnresolvedElementTypeError{ContainerOid: t.Oid, ElemOid: t.ElemOid, Err: err}
		}
		return newArray(t.Oid, t.Name, elem), nil
	case catalog.Pseudo:
		switch t.Oid {
		case types.VoidOid:
			return newVoid(), nil
		case types.RecordOid:
			return newRecord(nil), nil
		case types.RecordArrayOid:
			return newArray(t.Oid, t.Name, newRecord(nil)), nil
		case types.CstringOid, types.UnknownOid:
			return r.builtins[t.Oid], nil
		}
	}
	return nil, &types.UnsupportedTypeError{Oid: t.Oid, Name: t.Name, Reason: fmt.Sprintf("%s types have no managed representation", t.Category)}
}

// ResolveRecord returns the record strategy for one row shape, cached in scope
// for the rest of the call. A nil desc gives the shape-less record strategy
// that reads the shape from each value.
func (r *Registry) ResolveRecord(desc *types.TupleDesc, scope *Scope) Strategy {
	if desc == nil {
		return newRecord(nil)
	}
	key := desc.String()
	if s, ok := scope.records[key]; ok {
		return s
	}
	s := newRecord(desc)
	scope.records[key] = s
	r.logger.Debug().Str("desc", key).Msg("record strategy built")
	return s
}

// ResolveClass builds the strategy registered under class for oid.
func (r *Registry) ResolveClass(class string, oid types.Oid) (Strategy, error) {
	r.mtx.RLock()
	f, ok := r.byClass[class]
	r.mtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no strategy registered for class %q", class)
	}
	t, err := r.cat.Type(oid)
	if err != nil {
		return nil, err
	}
	return f(r, t)
}

// ResolveParam picks the strategy for one parameter (pos >= 0) or the return
// value (pos == -1) of fn. In order of precedence: the class named by the
// function, the default of oid, its boxed or unboxed form, a lossless numeric
// widening, the text form for string, and the default again for any. A nil
// declared type takes the default.
func (r *Registry) ResolveParam(fn string, pos int, oid types.Oid, declared reflect.Type, class string) (Strategy, error) {
	if class != "" {
		s, err := r.ResolveClass(class, oid)
		if err != nil {
			return nil, &types.SignatureMismatchError{Function: fn, Position: pos, Declared: class, Oid: oid, Expected: err.Error()}
		}
		if declared == nil {
			return s, nil
		}
		out, ok := substitute(declared, s)
		if !ok {
			return nil, &types.SignatureMismatchError{Function: fn, Position: pos, Declared: className(declared), Oid: oid, Expected: s.ClassName()}
		}
		return out, nil
	}
	s, err := r.Resolve(oid)
	if err != nil {
		return nil, err
	}
	if declared == nil || s.ManagedType() == nil {
		return s, nil
	}
	out, ok := r.adapt(oid, s, declared, pos < 0)
	if !ok {
		return nil, &types.SignatureMismatchError{Function: fn, Position: pos, Declared: className(declared), Oid: oid, Expected: s.ClassName()}
	}
	return out, nil
}

// adapt fits s to declared. Results only travel towards the backend, so a
// result may also be declared narrower than the managed type.
func (r *Registry) adapt(oid types.Oid, s Strategy, declared reflect.Type, result bool) (Strategy, bool) {
	if out, ok := substitute(declared, s); ok {
		return out, true
	}
	md := s.ManagedType()
	switch {
	case isWidening(md, declared), result && isWidening(declared, md):
		return Widened(s, declared), true
	case md == boolType && declared == int32Type:
		return boolAsInt(s), true
	case result && md.Kind() == reflect.Interface && declared.Implements(md):
		// e.g. *pl.Record returned for a composite
		return s, true
	case result && md == rowType && declared == rowMapType:
		return s, true
	}
	if arr, ok := s.(*arrayStrategy); ok && declared.Kind() == reflect.Slice {
		elem, ok := r.adapt(arr.elem.Oid(), arr.elem, declared.Elem(), result)
		if !ok {
			return nil, false
		}
		out := newArray(arr.oid, arr.name, elem)
		// elements of a []any stay in a []any
		out.typ = declared
		return out, true
	}
	if declared == stringType {
		t, err := r.cat.Type(oid)
		if err != nil || (t.Category == catalog.Pseudo && t.Oid != types.CstringOid && t.Oid != types.UnknownOid) {
			return nil, false
		}
		return newTextFallback(r.cat, t), true
	}
	return nil, false
}

// CanSubstitute reports whether values of declared can be passed through s:
// declared is s's managed type, any, an interface the managed type
// implements, or the boxed or unboxed counterpart of the managed type.
func CanSubstitute(declared reflect.Type, s Strategy) bool {
	_, ok := substitute(declared, s)
	return ok
}

// substitute returns s fitted to declared when CanSubstitute holds.
func substitute(declared reflect.Type, s Strategy) (Strategy, bool) {
	md := s.ManagedType()
	switch {
	case declared == nil:
		return s, md == nil
	case md == nil:
		return nil, false
	case declared == md || declared == anyType:
		return s, true
	case declared.Kind() == reflect.Interface && md.Implements(declared):
		return s, true
	case declared == reflect.PointerTo(md):
		return Boxed(s), true
	case md.Kind() == reflect.Pointer && declared == md.Elem():
		return Unboxed(s), true
	}
	return nil, false
}
