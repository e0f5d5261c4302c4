package component

import (
	"context"
	"fmt"
	"reflect"
	"slices"

	"github.com/delmic/odemis-sub009/internal/va"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// MethodOption configures an exposed method.
type MethodOption func(*Method)

// Params names the parameters of the method, in order, so callers may pass
// them as keyword arguments.
func Params(names ...string) MethodOption {
	return func(m *Method) { m.params = names }
}

// Oneway marks the method as fire-and-forget: remote callers do not wait
// for it to run, and its result is dropped.
func Oneway() MethodOption {
	return func(m *Method) { m.oneway = true }
}

// MethodDescriptor describes an exposed method to remote clients.
type MethodDescriptor struct {
	Params []string `json:"params,omitempty"`
	Arity  int      `json:"arity"`
	Oneway bool     `json:"oneway,omitempty"`
}

// Method is a function exposed by a component, invoked by name with
// arguments decoded from the wire.
//
// The function may take a context.Context as first parameter. It may return
// nothing, a value, an error, or a value and an error.
type Method struct {
	name   string
	fn     reflect.Value
	in     []reflect.Type
	hasCtx bool
	params []string
	oneway bool
}

func newMethod(name string, fn any, opts []MethodOption) (*Method, error) {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func {
		return nil, fmt.Errorf("method %s: %T is not a function", name, fn)
	}
	t := rv.Type()
	if t.IsVariadic() {
		return nil, fmt.Errorf("method %s: variadic functions are not supported", name)
	}
	switch {
	case t.NumOut() > 2:
		return nil, fmt.Errorf("method %s: too many results", name)
	case t.NumOut() == 2 && t.Out(1) != errorType:
		return nil, fmt.Errorf("method %s: second result must be an error", name)
	}

	m := &Method{name: name, fn: rv}
	for i := range t.NumIn() {
		if i == 0 && t.In(0) == contextType {
			m.hasCtx = true
			continue
		}
		m.in = append(m.in, t.In(i))
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.params != nil && len(m.params) != len(m.in) {
		return nil, fmt.Errorf("method %s: %d parameter names for %d parameters", name, len(m.params), len(m.in))
	}
	return m, nil
}

// Name returns the exposed name.
func (m *Method) Name() string {
	return m.name
}

// Oneway reports whether the method is fire-and-forget.
func (m *Method) Oneway() bool {
	return m.oneway
}

// Descriptor describes the method.
func (m *Method) Descriptor() MethodDescriptor {
	return MethodDescriptor{Params: slices.Clone(m.params), Arity: len(m.in), Oneway: m.oneway}
}

// Call converts the arguments to the parameter types and calls the function.
// Errors about the arguments wrap ErrArgument; the error returned by the
// function is passed through unchanged.
func (m *Method) Call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	in, err := m.bind(args, kwargs)
	if err != nil {
		return nil, err
	}
	if m.hasCtx {
		in = append([]reflect.Value{reflect.ValueOf(ctx)}, in...)
	}
	return m.call(in)
}

func (m *Method) bind(args []any, kwargs map[string]any) ([]reflect.Value, error) {
	provided := len(args) + len(kwargs)
	if len(args) > len(m.in) || (len(kwargs) == 0 && provided != len(m.in)) {
		return nil, fmt.Errorf("%w: wrong number of arguments for %s; expected %d, provided %d",
			ErrArgument, m.name, len(m.in), provided)
	}

	in := make([]reflect.Value, len(m.in))
	for i, arg := range args {
		v, err := va.Convert(arg, m.in[i])
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d of %s: %v", ErrArgument, i+1, m.name, err)
		}
		in[i] = v
	}
	for name, arg := range kwargs {
		i := slices.Index(m.params, name)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s got an unexpected keyword argument %q", ErrArgument, m.name, name)
		}
		if in[i].IsValid() {
			return nil, fmt.Errorf("%w: %s got multiple values for argument %q", ErrArgument, m.name, name)
		}
		v, err := va.Convert(arg, m.in[i])
		if err != nil {
			return nil, fmt.Errorf("%w: argument %q of %s: %v", ErrArgument, name, m.name, err)
		}
		in[i] = v
	}
	for i, v := range in {
		if !v.IsValid() {
			return nil, fmt.Errorf("%w: %s missing argument %d; expected %d, provided %d",
				ErrArgument, m.name, i+1, len(m.in), provided)
		}
	}
	return in, nil
}

func (m *Method) call(in []reflect.Value) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("component: method %s panicked: %v", m.name, r)
		}
	}()

	out := m.fn.Call(in)
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if m.fn.Type().Out(0) == errorType {
			return nil, asError(out[0])
		}
		return out[0].Interface(), nil
	default:
		return out[0].Interface(), asError(out[1])
	}
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}
