package coerce

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/plbridge/plbridge/internal/handle"
	"github.com/plbridge/plbridge/pl"
	"github.com/plbridge/plbridge/types"
)

var (
	rowType    = reflect.TypeOf((*pl.Row)(nil)).Elem()
	rowMapType = reflect.TypeOf(map[string]any(nil))
)

var _ pl.WritableRow = (*RowView)(nil)

// RowView exposes a tuple held in the call's memory context as a pl.Row.
// Every access goes through the tuple's handle, so a view kept past the end of
// its call fails with a StaleHandleError. A writable view records Set calls in
// an overlay and leaves the tuple itself untouched.
type RowView struct {
	env      *Env
	h        *handle.Handle
	desc     *types.TupleDesc
	cols     []Strategy
	overlay  map[int]types.NullableDatum
	writable bool
}

// NewRowView places tup in env.Region and returns a view of it.
func NewRowView(env *Env, tup *types.Tuple, writable bool) (*RowView, error) {
	h, err := env.Cache.View(env.Region, tup, "tuple")
	if err != nil {
		return nil, err
	}
	return &RowView{
		env:      env,
		h:        h,
		desc:     tup.Desc(),
		cols:     make([]Strategy, tup.NumAttrs()),
		overlay:  make(map[int]types.NullableDatum),
		writable: writable,
	}, nil
}

func (r *RowView) Desc() *types.TupleDesc { return r.desc }

func (r *RowView) Writable() bool { return r.writable }

func (r *RowView) Len() int { return r.desc.NumAttrs() }

func (r *RowView) Columns() []string { return r.desc.Columns() }

// Handle returns the handle of the underlying tuple.
func (r *RowView) Handle() *handle.Handle { return r.h }

func (r *RowView) base() (*types.Tuple, error) {
	return handle.Load[*types.Tuple](r.h)
}

func (r *RowView) column(i int) (Strategy, error) {
	if i < 0 || i >= len(r.cols) {
		return nil, fmt.Errorf("column index %d out of range [0, %d)", i, len(r.cols))
	}
	if r.cols[i] == nil {
		s, err := r.env.Registry.Resolve(r.desc.Attr(i).TypeOid)
		if err != nil {
			return nil, err
		}
		r.cols[i] = s
	}
	return r.cols[i], nil
}

func (r *RowView) index(name string) (int, error) {
	i := r.desc.Index(name)
	if i < 0 {
		return -1, fmt.Errorf("no column named %q in %s", name, r.desc)
	}
	return i, nil
}

// Datum returns column i in its native form, edits included.
func (r *RowView) Datum(i int) (types.NullableDatum, error) {
	tup, err := r.base()
	if err != nil {
		return types.Null, err
	}
	if v, ok := r.overlay[i]; ok {
		return v, nil
	}
	return tup.Value(i)
}

func (r *RowView) Get(i int) (any, error) {
	s, err := r.column(i)
	if err != nil {
		return nil, err
	}
	v, err := r.Datum(i)
	if err != nil {
		return nil, err
	}
	return Managed(r.env, s, v)
}

func (r *RowView) GetByName(name string) (any, error) {
	i, err := r.index(name)
	if err != nil {
		return nil, err
	}
	return r.Get(i)
}

func (r *RowView) IsNull(i int) (bool, error) {
	v, err := r.Datum(i)
	if err != nil {
		return false, err
	}
	return v.IsNull, nil
}

func (r *RowView) Set(i int, v any) error {
	if !r.writable {
		return pl.ErrReadOnlyRow
	}
	if _, err := r.base(); err != nil {
		return err
	}
	s, err := r.column(i)
	if err != nil {
		return err
	}
	nd, err := Native(r.env, s, v)
	if err != nil {
		return err
	}
	if nd.IsNull && r.desc.Attr(i).NotNull {
		return &types.CoercionError{
			Oid: s.Oid(), TypeName: s.TypeName(), Direction: types.ToNative,
			Err: fmt.Errorf("column %q does not allow null values", r.desc.Attr(i).Name),
		}
	}
	r.overlay[i] = nd
	return nil
}

func (r *RowView) SetByName(name string, v any) error {
	i, err := r.index(name)
	if err != nil {
		return err
	}
	return r.Set(i, v)
}

// Modified returns a copy of the edits made through Set.
func (r *RowView) Modified() map[int]types.NullableDatum {
	out := make(map[int]types.NullableDatum, len(r.overlay))
	for i, v := range r.overlay {
		out[i] = v
	}
	return out
}

// Tuple returns the row with all edits applied. Without edits it is the
// original tuple.
func (r *RowView) Tuple() (*types.Tuple, error) {
	tup, err := r.base()
	if err != nil {
		return nil, err
	}
	if len(r.overlay) == 0 {
		return tup, nil
	}
	return tup.Modify(r.overlay)
}

// Reset drops the edits so the view can be filled again.
func (r *RowView) Reset() {
	clear(r.overlay)
}

// Release invalidates the view ahead of its call's end.
func (r *RowView) Release() error {
	return r.h.Release()
}

// compositeStrategy converts named composites and records to pl.Row.
type compositeStrategy struct {
	base
	desc    *types.TupleDesc
	dynamic bool
}

func newComposite(oid types.Oid, name string, desc *types.TupleDesc) *compositeStrategy {
	return &compositeStrategy{base: base{oid: oid, name: name, typ: rowType}, desc: desc}
}

func newRecord(desc *types.TupleDesc) *compositeStrategy {
	return &compositeStrategy{base: base{oid: types.RecordOid, name: "record", typ: rowType}, desc: desc, dynamic: true}
}

func (s *compositeStrategy) IsDynamic() bool { return s.dynamic }

// Desc returns the row shape, nil for a record whose shape comes with each value.
func (s *compositeStrategy) Desc() *types.TupleDesc { return s.desc }

func (s *compositeStrategy) ToManaged(env *Env, d types.Datum) (any, error) {
	desc := s.desc
	if desc == nil {
		oid, embedded, err := types.FlatTupleType(d)
		if err != nil {
			return nil, err
		}
		if embedded == nil {
			// a named composite passed where a record is expected
			t, err := env.Registry.Catalog().Type(oid)
			if err != nil {
				return nil, err
			}
			if t.RelDesc == nil {
				return nil, fmt.Errorf("record value of type %s carries no row shape", t.Name)
			}
			embedded = t.RelDesc
		}
		desc = embedded
	}
	tup, err := types.ExpandTuple(d, desc)
	if err != nil {
		return nil, err
	}
	return NewRowView(env, tup, false)
}

func (s *compositeStrategy) ToNative(env *Env, v any) (types.Datum, error) {
	tup, err := s.tupleOf(env, v)
	if err != nil {
		return types.Datum{}, err
	}
	return types.FlattenTuple(tup)
}

func (s *compositeStrategy) tupleOf(env *Env, v any) (*types.Tuple, error) {
	if view, ok := v.(*RowView); ok {
		tup, err := view.Tuple()
		if err != nil {
			return nil, err
		}
		switch {
		case s.desc == nil, s.desc == tup.Desc():
			return tup, nil
		case s.desc.Equal(tup.Desc()):
			return types.NewTuple(s.desc, tup.Values()...)
		}
	}
	if s.desc == nil {
		return nil, fmt.Errorf("the row shape of %T is unknown, the call has no record descriptor", v)
	}
	var get func(i int) (any, error)
	switch row := v.(type) {
	case pl.Row:
		idx, err := matchColumns(row.Columns(), s.desc)
		if err != nil {
			return nil, err
		}
		get = func(i int) (any, error) { return row.Get(idx[i]) }
	case map[string]any:
		get = func(i int) (any, error) {
			name := s.desc.Attr(i).Name
			if val, ok := row[name]; ok {
				return val, nil
			}
			for k, val := range row {
				if strings.EqualFold(k, name) {
					return val, nil
				}
			}
			return nil, nil
		}
	default:
		return nil, mismatch(s, v)
	}
	values := make([]types.NullableDatum, s.desc.NumAttrs())
	for i, attr := range s.desc.Attrs() {
		col, err := env.Registry.Resolve(attr.TypeOid)
		if err != nil {
			return nil, err
		}
		val, err := get(i)
		if err != nil {
			return nil, err
		}
		nd, err := Native(env, col, val)
		if err != nil {
			return nil, err
		}
		values[i] = nd
	}
	return types.NewTuple(s.desc, values...)
}

func (s *compositeStrategy) Invoke(ctx context.Context, env *Env, m Method, args []any) (types.NullableDatum, error) {
	return invokeGeneric(ctx, env, s, m, args)
}

// matchColumns maps the columns of desc to positions in cols, by name when all
// names match and by position otherwise.
func matchColumns(cols []string, desc *types.TupleDesc) ([]int, error) {
	if len(cols) != desc.NumAttrs() {
		return nil, fmt.Errorf("row has %d columns, %s expects %d", len(cols), desc, desc.NumAttrs())
	}
	idx := make([]int, len(cols))
	for i, attr := range desc.Attrs() {
		idx[i] = -1
		for j, c := range cols {
			if strings.EqualFold(c, attr.Name) {
				idx[i] = j
				break
			}
		}
		if idx[i] < 0 {
			for k := range idx {
				idx[k] = k
			}
			return idx, nil
		}
	}
	return idx, nil
}
