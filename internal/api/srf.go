package api

import (
	"context"

	"github.com/jackc/pgerrcode"

	"github.com/plbridge/plbridge/internal/coerce"
	"github.com/plbridge/plbridge/pl"
	"github.com/plbridge/plbridge/types"
)

// SRFState is a set-returning call between two rows. The iterator or
// provider lives in a region of its own under the transaction context, so it
// outlives the per-row invocations but not the transaction.
type SRFState struct {
	id     uint64
	fn     *function
	name   string
	t      *tracker
	fr     *frame
	result coerce.Strategy
	iter   pl.Iterator
	rows   pl.ResultSetProvider
	row    *coerce.RowView
	n      int
	closed bool
}

// ID is the call ID, unique for the lifetime of the dispatcher.
func (s *SRFState) ID() uint64 { return s.id }

// Rows is the number of rows produced so far.
func (s *SRFState) Rows() int { return s.n }

func (s *SRFState) Closed() bool { return s.closed }

// CallSet produces the next row of a set-returning function. The first call
// invokes the method and stores the call in ci.SRF, later calls with the same
// ci continue it. more is false once the set is exhausted, the call is then
// closed and ci.SRF cleared.
func (d *Dispatcher) CallSet(ctx context.Context, ci *CallInfo) (res types.NullableDatum, more bool, err error) {
	st := ci.SRF
	if st == nil {
		f, err := d.lookup(ctx, ci.Fn)
		if err != nil {
			return types.Null, false, d.translate(d.nameOf(ci.Fn), err)
		}
		if f.fn != setFunction {
			return types.Null, false, d.translate(f.info.QualifiedName(),
				pl.Errorf(pgerrcode.FeatureNotSupported, "function %s does not return a set", f.info.QualifiedName()))
		}
		if st, err = d.startSet(ctx, f, ci); err != nil || st == nil {
			return types.Null, false, err
		}
		ci.SRF = st
	}
	if st.closed {
		ci.SRF = nil
		return types.Null, false, nil
	}
	res, more, err = d.nextRow(ctx, st)
	if err != nil || !more {
		ci.SRF = nil
	}
	return res, more, err
}

// ShutdownSRF closes a set-returning call that the backend stops reading
// before it is exhausted.
func (d *Dispatcher) ShutdownSRF(ci *CallInfo) error {
	st := ci.SRF
	if st == nil {
		return nil
	}
	ci.SRF = nil
	return d.translate(st.name, d.closeSRF(st))
}

// OpenSets reports how many set-returning calls are open.
func (d *Dispatcher) OpenSets() int {
	return d.srfs.len()
}

func (d *Dispatcher) startSet(ctx context.Context, f *function, ci *CallInfo) (st *SRFState, err error) {
	name := f.info.QualifiedName()
	t := d.track(name)
	t.to(Entered)
	defer func() {
		if err != nil {
			t.to(Failed)
			err = d.translate(name, err)
		}
	}()

	if f.info.Strict && hasNull(ci.Args) {
		t.to(Returned)
		return nil, nil
	}
	b, err := d.binding(f, ci)
	if err != nil {
		return nil, err
	}
	parent, err := d.txn.Context()
	if err != nil {
		return nil, err
	}
	env, err := d.newEnv(parent, "SRF "+name)
	if err != nil {
		return nil, err
	}
	st = &SRFState{fn: f, name: name, t: t, result: b.result}
	st.fr = &frame{env: env, name: name, perms: f.perms, restricted: true}
	var v any
	defer func() {
		if err != nil {
			if cerr := closeValue(v); cerr != nil {
				d.logger.Warn().Err(cerr).Str("function", name).Msg("closing a failed set failed")
			}
			env.Region.Delete()
		}
	}()
	d.push(st.fr)
	defer d.pop(st.fr)

	args, err := d.coerceArgs(env, f, b, ci.Args)
	if err != nil {
		return nil, err
	}
	t.to(ArgsCoerced)
	if v, err = d.callMethod(ctx, name, f.method, args); err != nil {
		return nil, err
	}
	t.to(Invoked)

	switch {
	case types.IsNil(v):
		// an empty set
	case f.rows:
		desc := ci.ResultDesc
		if b.result == nil {
			if desc == nil {
				return nil, pl.Errorf(pgerrcode.FeatureNotSupported,
					"function returning setof record called in context that cannot accept type record")
			}
			st.result = d.reg.ResolveRecord(desc, env.Scope)
		} else {
			ti, err := d.cat.Type(b.retOid)
			if err != nil {
				return nil, err
			}
			desc = ti.RelDesc
		}
		st.rows = v.(pl.ResultSetProvider)
		if st.row, err = coerce.NewRowView(env, types.EmptyTuple(desc), true); err != nil {
			return nil, err
		}
	default:
		if it, ok := v.(pl.Iterator); ok {
			st.iter = it
		} else {
			st.iter = newSliceValues(v)
		}
	}
	d.srfs.start(st)
	return st, nil
}

func (d *Dispatcher) callMethod(ctx context.Context, name string, m coerce.Method, args []any) (v any, err error) {
	defer recoverCall(name, &err)
	return m.Call(d.callContext(ctx), args)
}

func (d *Dispatcher) nextRow(ctx context.Context, st *SRFState) (res types.NullableDatum, more bool, err error) {
	defer func() {
		if err != nil {
			st.t.to(Failed)
			if cerr := d.closeSRF(st); cerr != nil {
				d.logger.Warn().Err(cerr).Str("function", st.name).Msg("closing a failed set failed")
			}
			err = d.translate(st.name, err)
		}
	}()
	d.push(st.fr)
	defer d.pop(st.fr)

	res, more, err = d.produce(st)
	if err != nil {
		return types.Null, false, err
	}
	if !more {
		if err = d.closeSRF(st); err != nil {
			return types.Null, false, err
		}
		st.t.to(Returned)
		return types.Null, false, nil
	}
	st.n++
	st.t.to(ResultCoerced)
	return res, true, nil
}

func (d *Dispatcher) produce(st *SRFState) (res types.NullableDatum, more bool, err error) {
	defer recoverCall(st.name, &err)
	env := st.fr.env
	switch {
	case st.rows != nil:
		st.row.Reset()
		if more, err = st.rows.AssignRowValues(st.row, st.n); err != nil || !more {
			return types.Null, false, err
		}
		res, err = coerce.Native(env, st.result, st.row)
	case st.iter != nil:
		if !st.iter.Next() {
			return types.Null, false, st.iter.Err()
		}
		res, err = coerce.Native(env, st.result, st.iter.Value())
	default:
		return types.Null, false, nil
	}
	return res, err == nil, err
}

// closeSRF closes the iterator or provider of st exactly once and deletes
// the call's region.
func (d *Dispatcher) closeSRF(st *SRFState) (err error) {
	if st.closed {
		return nil
	}
	st.closed = true
	d.srfs.end(st.id)
	defer st.fr.env.Region.Delete()
	defer recoverCall(st.name, &err)
	switch {
	case st.rows != nil:
		return st.rows.Close()
	case st.iter != nil:
		return st.iter.Close()
	}
	return nil
}

func closeValue(v any) error {
	if types.IsNil(v) {
		return nil
	}
	switch c := v.(type) {
	case pl.ResultSetProvider:
		return c.Close()
	case pl.Iterator:
		return c.Close()
	}
	return nil
}
