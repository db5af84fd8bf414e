package api

import (
	"context"
	"reflect"
	"slices"

	"github.com/jackc/pgerrcode"

	"github.com/plbridge/plbridge/internal/catalog"
	"github.com/plbridge/plbridge/internal/coerce"
	"github.com/plbridge/plbridge/internal/deploy"
	"github.com/plbridge/plbridge/pl"
	"github.com/plbridge/plbridge/types"
)

var (
	providerType    = reflect.TypeOf((*pl.ResultSetProvider)(nil)).Elem()
	iteratorType    = reflect.TypeOf((*pl.Iterator)(nil)).Elem()
	triggerDataType = reflect.TypeOf((*pl.TriggerData)(nil)).Elem()
)

type fnKind uint8

const (
	plainFunction fnKind = iota
	setFunction
	triggerFunction
)

// function is a catalog function bound to its method. It is what the
// dispatcher caches per function Oid.
type function struct {
	info   *catalog.FunctionInfo
	method coerce.Method
	bundle string
	kind   deploy.Kind
	perms  []types.Permission
	fn     fnKind
	// rows marks a set of composites produced through a ResultSetProvider.
	rows bool
	// fixed holds the strategies of a function without polymorphic types.
	// Polymorphic functions are bound on every call.
	fixed *binding
	// gen is the registry generation the strategies were resolved under.
	gen uint64
}

// binding holds the strategies of one call's parameters and result. For a
// set-returning function the result is the strategy of one element.
type binding struct {
	params []coerce.Strategy
	// result is nil for records, whose shape comes with the call.
	result coerce.Strategy
	retOid types.Oid
}

func isPolymorphic(oid types.Oid) bool {
	switch oid {
	case types.AnyElementOid, types.AnyArrayOid, types.AnyOid:
		return true
	}
	return false
}

func typeString(t reflect.Type) string {
	if t == nil {
		return "no result"
	}
	return t.String()
}

func classAt(classes []string, i int) string {
	if i < len(classes) {
		return classes[i]
	}
	return ""
}

// prepare resolves the method of info and checks it against the declared
// signature, so mismatches surface before the first call.
func (d *Dispatcher) prepare(ctx context.Context, info *catalog.FunctionInfo) (*function, error) {
	gen := d.reg.Generation()
	res, err := d.resolver.Resolve(ctx, info)
	if err != nil {
		return nil, err
	}
	f := &function{info: info, method: res.Method, bundle: res.Bundle, kind: res.Kind, perms: res.Permissions, gen: gen}
	qn := info.QualifiedName()

	if info.RetType == types.TriggerOid {
		f.fn = triggerFunction
		if err := validateTrigger(info, res); err != nil {
			return nil, err
		}
		return f, nil
	}

	if n := len(res.Method.ParamTypes()); n != len(info.ArgTypes) {
		return nil, pl.Errorf(pgerrcode.InvalidFunctionDefinition,
			"function %s has %d arguments but method %s takes %d", qn, len(info.ArgTypes), res.Method.Name(), n)
	}

	if info.RetSet {
		if res.Kind == deploy.KindWasm {
			return nil, pl.Errorf(pgerrcode.FeatureNotSupported, "function %s: Wasm methods cannot return sets", qn)
		}
		f.fn = setFunction
		rows, err := d.isRowType(info.RetType)
		if err != nil {
			return nil, err
		}
		rt := res.Method.ReturnType()
		switch {
		case rows:
			if rt == nil || !rt.Implements(providerType) {
				return nil, &types.SignatureMismatchError{Function: qn, Position: -1, Declared: typeString(rt), Oid: info.RetType, Expected: "pl.ResultSetProvider"}
			}
			f.rows = true
		case rt != nil && (rt.Implements(iteratorType) || rt.Kind() == reflect.Slice):
		default:
			return nil, &types.SignatureMismatchError{Function: qn, Position: -1, Declared: typeString(rt), Oid: info.RetType, Expected: "pl.Iterator or a slice"}
		}
	}

	if slices.ContainsFunc(info.ArgTypes, isPolymorphic) {
		if (info.RetType == types.AnyElementOid || info.RetType == types.AnyArrayOid) &&
			!slices.ContainsFunc(info.ArgTypes, func(o types.Oid) bool { return o == types.AnyElementOid || o == types.AnyArrayOid }) {
			return nil, pl.Errorf(pgerrcode.InvalidFunctionDefinition,
				"function %s: a polymorphic result needs an anyelement or anyarray argument", qn)
		}
		return f, nil
	}
	if isPolymorphic(info.RetType) {
		return nil, pl.Errorf(pgerrcode.InvalidFunctionDefinition,
			"function %s: a polymorphic result needs a polymorphic argument", qn)
	}
	if f.fixed, err = d.bind(f, nil); err != nil {
		return nil, err
	}
	return f, nil
}

func (d *Dispatcher) isRowType(oid types.Oid) (bool, error) {
	if oid == types.RecordOid {
		return true, nil
	}
	t, err := d.cat.Type(oid)
	if err != nil {
		return false, err
	}
	return t.Category == catalog.Composite, nil
}

// binding returns the strategies of one call.
func (d *Dispatcher) binding(f *function, ci *CallInfo) (*binding, error) {
	if f.fixed != nil {
		return f.fixed, nil
	}
	return d.bind(f, ci.ArgTypes)
}

func (d *Dispatcher) bind(f *function, actual []types.Oid) (*binding, error) {
	info := f.info
	qn := info.QualifiedName()
	oids, ret, err := d.resolveTypes(info, actual)
	if err != nil {
		return nil, err
	}
	pts := f.method.ParamTypes()
	b := &binding{params: make([]coerce.Strategy, len(oids)), retOid: ret}
	for i, oid := range oids {
		s, err := d.reg.ResolveParam(qn, i, oid, pts[i], classAt(info.ParamClasses, i))
		if err != nil {
			return nil, err
		}
		b.params[i] = s
	}

	rt := f.method.ReturnType()
	switch {
	case f.fn == setFunction && f.rows:
		if ret != types.RecordOid {
			if b.result, err = d.reg.Resolve(ret); err != nil {
				return nil, err
			}
		}
	case f.fn == setFunction:
		var declared reflect.Type
		if !rt.Implements(iteratorType) {
			declared = rt.Elem()
		}
		if b.result, err = d.reg.ResolveParam(qn, -1, ret, declared, info.RetClass); err != nil {
			return nil, err
		}
	case ret == types.RecordOid:
	default:
		s, err := d.reg.ResolveParam(qn, -1, ret, rt, info.RetClass)
		if err != nil {
			return nil, err
		}
		if rt == nil && s.ManagedType() != nil {
			return nil, &types.SignatureMismatchError{Function: qn, Position: -1, Declared: typeString(rt), Oid: ret, Expected: s.ClassName()}
		}
		b.result = s
	}
	return b, nil
}

// resolveTypes replaces the polymorphic types of info with the actual types
// of one call. All anyelement arguments and the elements of all anyarray
// arguments must agree, a polymorphic result takes that type.
func (d *Dispatcher) resolveTypes(info *catalog.FunctionInfo, actual []types.Oid) ([]types.Oid, types.Oid, error) {
	qn := info.QualifiedName()
	oids := slices.Clone(info.ArgTypes)
	var elem types.Oid
	for i, oid := range info.ArgTypes {
		if !isPolymorphic(oid) {
			continue
		}
		if i >= len(actual) || actual[i] == types.InvalidOid {
			return nil, 0, pl.Errorf(pgerrcode.IndeterminateDatatype, "could not determine the actual type of argument %d of %s", i+1, qn)
		}
		oids[i] = actual[i]
		if oid == types.AnyOid {
			continue
		}
		e := actual[i]
		if oid == types.AnyArrayOid {
			t, err := d.cat.Type(actual[i])
			if err != nil {
				return nil, 0, err
			}
			if t.Category != catalog.Array {
				return nil, 0, pl.Errorf(pgerrcode.DatatypeMismatch, "argument %d of %s is declared anyarray but is %s", i+1, qn, t.Name)
			}
			e = t.ElemOid
		}
		if elem != types.InvalidOid && elem != e {
			return nil, 0, pl.Errorf(pgerrcode.DatatypeMismatch, "polymorphic arguments of %s do not agree on one element type", qn)
		}
		elem = e
	}

	ret := info.RetType
	switch ret {
	case types.AnyElementOid:
		ret = elem
	case types.AnyArrayOid:
		t, err := d.cat.Type(elem)
		if err != nil {
			return nil, 0, err
		}
		if t.ArrayOid == types.InvalidOid {
			return nil, 0, pl.Errorf(pgerrcode.UndefinedObject, "could not find array type for data type %s", t.Name)
		}
		ret = t.ArrayOid
	}
	return oids, ret, nil
}

// validateTrigger checks a trigger function eagerly. Trigger methods are Go
// functions taking pl.TriggerData and returning only an error.
func validateTrigger(info *catalog.FunctionInfo, res *Resolved) error {
	qn := info.QualifiedName()
	if res.Kind == deploy.KindWasm {
		return &types.TriggerContractError{Function: qn, Reason: "Wasm methods cannot implement triggers"}
	}
	if len(info.ArgTypes) != 0 {
		return &types.TriggerContractError{Function: qn, Reason: "trigger functions take no declared arguments"}
	}
	gm, ok := res.Method.(*goMethod)
	if !ok {
		return &types.TriggerContractError{Function: qn, Reason: "the method is not a Go function"}
	}
	pts := gm.ParamTypes()
	if len(pts) != 1 || pts[0] != triggerDataType || gm.ReturnType() != nil || !gm.ReturnsError() {
		return &types.TriggerContractError{Function: qn, Reason: "method " + gm.Name() + " must have the signature func(pl.TriggerData) error"}
	}
	return nil
}
