package api

import (
	"context"
	"fmt"
	"reflect"

	"github.com/plbridge/plbridge/internal/coerce"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// goMethod calls a Go function registered in a bundle. The function may take
// a leading context.Context and return nothing, a value, an error, or a value
// and an error.
type goMethod struct {
	name    string
	fn      reflect.Value
	withCtx bool
	params  []reflect.Type
	ret     reflect.Type
	withErr bool
}

var _ coerce.Method = (*goMethod)(nil)

func newGoMethod(name string, fn any) (*goMethod, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("method %s is a %T, not a function", name, fn)
	}
	t := v.Type()
	if t.IsVariadic() {
		return nil, fmt.Errorf("method %s is variadic", name)
	}
	m := &goMethod{name: name, fn: v}
	for i := 0; i < t.NumIn(); i++ {
		in := t.In(i)
		if i == 0 && in == contextType {
			m.withCtx = true
			continue
		}
		m.params = append(m.params, in)
	}
	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errorType {
			m.withErr = true
		} else {
			m.ret = t.Out(0)
		}
	case 2:
		if t.Out(1) != errorType {
			return nil, fmt.Errorf("method %s: second result must be error, not %s", name, t.Out(1))
		}
		m.ret, m.withErr = t.Out(0), true
	default:
		return nil, fmt.Errorf("method %s returns %d results", name, t.NumOut())
	}
	return m, nil
}

func (m *goMethod) Name() string { return m.name }

func (m *goMethod) ParamTypes() []reflect.Type { return m.params }

func (m *goMethod) ReturnType() reflect.Type { return m.ret }

// ReturnsError reports whether the function's last result is an error.
func (m *goMethod) ReturnsError() bool { return m.withErr }

func (m *goMethod) Call(ctx context.Context, args []any) (any, error) {
	if len(args) != len(m.params) {
		return nil, fmt.Errorf("method %s takes %d arguments, got %d", m.name, len(m.params), len(args))
	}
	in := make([]reflect.Value, 0, len(args)+1)
	if m.withCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, a := range args {
		pt := m.params[i]
		if a == nil {
			in = append(in, reflect.Zero(pt))
			continue
		}
		v := reflect.ValueOf(a)
		switch {
		case v.Type().AssignableTo(pt):
		case v.Type().ConvertibleTo(pt):
			v = v.Convert(pt)
		default:
			return nil, fmt.Errorf("method %s: argument %d is %s, want %s", m.name, i+1, v.Type(), pt)
		}
		in = append(in, v)
	}
	out := m.fn.Call(in)

	var err error
	if m.withErr {
		if e := out[len(out)-1]; !e.IsNil() {
			err = e.Interface().(error)
		}
	}
	if m.ret == nil {
		return nil, err
	}
	return out[0].Interface(), err
}
