package component

import (
	"context"
	"fmt"

	"github.com/delmic/odemis-sub009/internal/dataflow"
	"github.com/delmic/odemis-sub009/internal/va"
)

var _ Proxy = (*LocalProxy)(nil)

// LocalProxy adapts a component of the current process to Proxy.
type LocalProxy struct {
	c        *Component
	resolver Resolver
}

// NewLocalProxy wraps c. Related components are resolved through r; with a
// nil r, only components of c's own container can be resolved.
func NewLocalProxy(c *Component, r Resolver) *LocalProxy {
	return &LocalProxy{c: c, resolver: r}
}

// Component returns the wrapped component.
func (p *LocalProxy) Component() *Component {
	return p.c
}

func (p *LocalProxy) Name() string         { return p.c.Name() }
func (p *LocalProxy) Role() string         { return p.c.Role() }
func (p *LocalProxy) Ref() Ref             { return p.c.Ref() }
func (p *LocalProxy) Describe() Descriptor { return p.c.Describe() }

func (p *LocalProxy) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	return p.InvokeKw(ctx, method, args, nil)
}

func (p *LocalProxy) InvokeKw(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	v, err := p.c.Invoke(ctx, method, args, kwargs)
	if err != nil {
		return v, err
	}
	if c, ok := v.(*Component); ok {
		return p.lookup(ctx, c.Ref())
	}
	return v, nil
}

// InvokeOneway runs the method in the background.
func (p *LocalProxy) InvokeOneway(ctx context.Context, method string, args ...any) error {
	m, err := p.c.Method(method)
	if err != nil {
		return err
	}
	go func() {
		if _, err := m.Call(context.WithoutCancel(ctx), args, nil); err != nil {
			p.c.Logger().Warn("oneway call failed", "component", p.c.Name(), "method", method, "error", err)
		}
	}()
	return nil
}

func (p *LocalProxy) GetAttr(_ context.Context, name string) (any, error) {
	return p.c.GetAttr(name)
}

func (p *LocalProxy) SetAttr(_ context.Context, name string, value any) error {
	return p.c.SetAttr(name, value)
}

func (p *LocalProxy) VA(name string) (VAProxy, error) {
	a, err := p.c.VA(name)
	if err != nil {
		return nil, err
	}
	return &localVA{name: name, a: a}, nil
}

func (p *LocalProxy) DataFlow(name string) (DataFlowProxy, error) {
	df, err := p.c.DataFlow(name)
	if err != nil {
		return nil, err
	}
	return &localDataFlow{name: name, df: df, owner: p.c}, nil
}

func (p *LocalProxy) Event(name string) (EventProxy, error) {
	t, err := p.c.Event(name)
	if err != nil {
		return nil, err
	}
	return &localEvent{name: name, t: t, owner: p.c.Ref()}, nil
}

func (p *LocalProxy) Parent(ctx context.Context) (Proxy, error) {
	parent := p.c.Parent()
	if parent.IsZero() {
		return nil, nil
	}
	return p.lookup(ctx, parent)
}

func (p *LocalProxy) Children(ctx context.Context) ([]Proxy, error) {
	return p.lookupAll(ctx, p.c.Children())
}

func (p *LocalProxy) Affects(ctx context.Context) ([]Proxy, error) {
	return p.lookupAll(ctx, p.c.Affects())
}

func (p *LocalProxy) lookup(ctx context.Context, ref Ref) (Proxy, error) {
	if p.resolver != nil {
		return p.resolver.Lookup(ctx, ref)
	}
	ct := p.c.Container()
	if ct == nil {
		return nil, fmt.Errorf("%w: %s is not registered", ErrLookup, p.c.Name())
	}
	c, err := ct.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return NewLocalProxy(c, nil), nil
}

func (p *LocalProxy) lookupAll(ctx context.Context, refs []Ref) ([]Proxy, error) {
	out := make([]Proxy, 0, len(refs))
	for _, ref := range refs {
		proxy, err := p.lookup(ctx, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, proxy)
	}
	return out, nil
}

type localVA struct {
	name string
	a    va.Attribute
}

func (v *localVA) Name() string              { return v.name }
func (v *localVA) Descriptor() va.Descriptor { return v.a.Descriptor() }

func (v *localVA) Value(context.Context) (any, error) {
	return v.a.Get(), nil
}

func (v *localVA) Set(_ context.Context, value any) error {
	return v.a.Set(value)
}

func (v *localVA) Subscribe(_ context.Context, l va.Listener, init bool) error {
	v.a.Subscribe(l, init)
	return nil
}

func (v *localVA) Unsubscribe(_ context.Context, l va.Listener) error {
	v.a.Unsubscribe(l)
	return nil
}

type localDataFlow struct {
	name  string
	df    *dataflow.DataFlow
	owner *Component
}

func (d *localDataFlow) Name() string { return d.name }

func (d *localDataFlow) Subscribe(_ context.Context, l dataflow.Listener) error {
	return d.df.Subscribe(l)
}

func (d *localDataFlow) Unsubscribe(_ context.Context, l dataflow.Listener) error {
	d.df.Unsubscribe(l)
	return nil
}

func (d *localDataFlow) Get(ctx context.Context) (*dataflow.DataArray, error) {
	return d.df.Get(ctx)
}

func (d *localDataFlow) SynchronizedOn(_ context.Context, e EventProxy) error {
	if e == nil {
		return d.df.SynchronizedOn(nil)
	}
	t, err := ResolveEvent(d.owner.Container(), e)
	if err != nil {
		return err
	}
	return d.df.SynchronizedOn(t)
}

func (d *localDataFlow) EventType(context.Context) (string, error) {
	return d.df.EventType(), nil
}

// ResolveEvent returns the trigger designated by e in ct.
func ResolveEvent(ct *Container, e EventProxy) (dataflow.Trigger, error) {
	if ct == nil {
		return nil, fmt.Errorf("%w: event %s of %s", ErrLookup, e.Name(), e.Owner())
	}
	c, err := ct.Resolve(e.Owner())
	if err != nil {
		return nil, err
	}
	return c.Event(e.Name())
}

type localEvent struct {
	name  string
	t     dataflow.Trigger
	owner Ref
}

func (e *localEvent) Name() string { return e.name }
func (e *localEvent) Owner() Ref   { return e.owner }
func (e *localEvent) Type() string { return e.t.Type() }

func (e *localEvent) Notify(context.Context) error {
	return e.t.Notify()
}
