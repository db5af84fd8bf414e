package api

import (
	"context"
	"fmt"

	"github.com/jackc/pgerrcode"

	"github.com/plbridge/plbridge/internal/coerce"
	"github.com/plbridge/plbridge/pl"
	"github.com/plbridge/plbridge/types"
)

// CallInfo is one function call as the backend describes it.
type CallInfo struct {
	Fn   types.Oid
	Args []types.NullableDatum
	// ArgTypes holds the actual argument types. Only functions with
	// polymorphic parameters need it.
	ArgTypes []types.Oid
	// ResultDesc is the row shape expected from a function returning record.
	ResultDesc *types.TupleDesc
	// SRF carries a set-returning call across its per-row invocations. It is
	// set by the first CallSet and cleared when the set is exhausted or shut down.
	SRF *SRFState
}

// State is a step of one call.
type State uint8

const (
	Entered State = iota + 1
	ArgsCoerced
	Invoked
	ResultCoerced
	Returned
	Failed
)

func (s State) String() string {
	switch s {
	case Entered:
		return "entered"
	case ArgsCoerced:
		return "args_coerced"
	case Invoked:
		return "invoked"
	case ResultCoerced:
		return "result_coerced"
	case Returned:
		return "returned"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Observer sees the state transitions of every call.
type Observer func(fn string, s State)

// tracker reports the states of one call. Failed is final.
type tracker struct {
	fn     string
	obs    Observer
	failed bool
}

func (d *Dispatcher) track(fn string) *tracker {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &tracker{fn: fn, obs: d.observer}
}

func (t *tracker) to(s State) {
	if t.obs == nil || t.failed {
		return
	}
	t.failed = s == Failed
	t.obs(t.fn, s)
}

// observed reports Invoked when the method returns without error, between
// argument and result conversion.
func observed(m coerce.Method, t *tracker) coerce.Method {
	if t.obs == nil {
		return m
	}
	om := observedMethod{Method: m, t: t}
	if wm, ok := m.(coerce.WordMethod); ok {
		return observedWordMethod{observedMethod: om, word: wm}
	}
	return om
}

type observedMethod struct {
	coerce.Method
	t *tracker
}

func (m observedMethod) Call(ctx context.Context, args []any) (any, error) {
	v, err := m.Method.Call(ctx, args)
	if err == nil {
		m.t.to(Invoked)
	}
	return v, err
}

type observedWordMethod struct {
	observedMethod
	word coerce.WordMethod
}

func (m observedWordMethod) CallWord(ctx context.Context, args []any) (uint64, error) {
	w, err := m.word.CallWord(ctx, args)
	if err == nil {
		m.t.to(Invoked)
	}
	return w, err
}

// Call runs a function that returns a single value.
func (d *Dispatcher) Call(ctx context.Context, ci *CallInfo) (types.NullableDatum, error) {
	f, err := d.lookup(ctx, ci.Fn)
	if err != nil {
		return types.Null, d.translate(d.nameOf(ci.Fn), err)
	}
	switch f.fn {
	case triggerFunction:
		return types.Null, d.translate(f.info.QualifiedName(),
			pl.Errorf(pgerrcode.FeatureNotSupported, "trigger functions can only be called as triggers"))
	case setFunction:
		return types.Null, d.translate(f.info.QualifiedName(),
			pl.Errorf(pgerrcode.FeatureNotSupported, "set-valued function called in context that cannot accept a set"))
	}
	return d.invoke(ctx, f, ci)
}

func (d *Dispatcher) invoke(ctx context.Context, f *function, ci *CallInfo) (res types.NullableDatum, err error) {
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
		return types.Null, nil
	}
	b, err := d.binding(f, ci)
	if err != nil {
		return types.Null, err
	}
	fr, leave, err := d.enter(name, f.perms, true)
	if err != nil {
		return types.Null, err
	}
	defer leave()

	args, err := d.coerceArgs(fr.env, f, b, ci.Args)
	if err != nil {
		return types.Null, err
	}
	t.to(ArgsCoerced)

	result := b.result
	if result == nil {
		result = d.reg.ResolveRecord(ci.ResultDesc, fr.env.Scope)
	}
	res, err = d.run(ctx, fr.env, name, result, observed(f.method, t), args)
	if err != nil {
		return types.Null, err
	}
	t.to(ResultCoerced)
	t.to(Returned)
	return res, nil
}

func (d *Dispatcher) run(ctx context.Context, env *coerce.Env, name string, s coerce.Strategy, m coerce.Method, args []any) (res types.NullableDatum, err error) {
	defer recoverCall(name, &err)
	return s.Invoke(d.callContext(ctx), env, m, args)
}

func hasNull(args []types.NullableDatum) bool {
	for _, a := range args {
		if a.IsNull {
			return true
		}
	}
	return false
}

// coerceArgs converts the arguments of one call. NULL may only reach
// parameters that can hold nil.
func (d *Dispatcher) coerceArgs(env *coerce.Env, f *function, b *binding, in []types.NullableDatum) ([]any, error) {
	if len(in) != len(b.params) {
		return nil, pl.Errorf(pgerrcode.UndefinedParameter, "function %s takes %d arguments, got %d",
			f.info.QualifiedName(), len(b.params), len(in))
	}
	pts := f.method.ParamTypes()
	args := make([]any, len(in))
	for i, v := range in {
		s := b.params[i]
		if v.IsNull {
			if !coerce.Nillable(pts[i]) {
				return nil, &types.CoercionError{
					Oid: s.Oid(), TypeName: s.TypeName(), Direction: types.ToManaged,
					Err: fmt.Errorf("argument %d is null but parameter type %s cannot hold null", i+1, pts[i]),
				}
			}
			continue
		}
		a, err := coerce.Managed(env, s, v)
		if err != nil {
			return nil, err
		}
		args[i] = a
	}
	return args, nil
}
