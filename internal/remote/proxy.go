package remote

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/delmic/odemis-sub009/internal/component"
	"github.com/delmic/odemis-sub009/internal/dataflow"
	"github.com/delmic/odemis-sub009/internal/observer"
	"github.com/delmic/odemis-sub009/internal/va"
)

var _ component.Proxy = (*ComponentProxy)(nil)

// clientEncoder encodes call arguments. Futures cannot be passed to another
// process.
var clientEncoder = &encoder{}

// ComponentProxy is a component of another process, reached through a Conn.
//
// The descriptor is fetched once, when the proxy is built: member names and
// read-only attributes are served from it without round trip.
type ComponentProxy struct {
	conn     *Conn
	desc     component.Descriptor
	roattrs  map[string]any
	resolver component.Resolver
	logger   Logger

	mu        sync.Mutex
	vas       map[string]*vaProxy
	dataflows map[string]*dataFlowProxy
}

// NewComponentProxy fetches the descriptor of component name on conn.
// Components met in results and relations are resolved through r.
func NewComponentProxy(ctx context.Context, conn *Conn, name string, r component.Resolver) (*ComponentProxy, error) {
	reply, _, err := conn.Call(ctx, Message{Op: OpDescribe, Component: name})
	if err != nil {
		return nil, err
	}
	if reply.Descriptor == nil {
		return nil, fmt.Errorf("%w: no descriptor for %s", ErrProtocol, name)
	}

	dec := conn.decoder()
	roattrs := make(map[string]any, len(reply.Descriptor.ROAttrs))
	for k, v := range reply.Descriptor.ROAttrs {
		x, err := dec.decode(v)
		if err != nil {
			return nil, fmt.Errorf("roattribute %s: %w", k, err)
		}
		roattrs[k] = x
	}

	desc := reply.Descriptor.Descriptor
	desc.ROAttrs = roattrs
	return &ComponentProxy{
		conn:      conn,
		desc:      desc,
		roattrs:   roattrs,
		resolver:  r,
		logger:    conn.logger,
		vas:       make(map[string]*vaProxy),
		dataflows: make(map[string]*dataFlowProxy),
	}, nil
}

func (p *ComponentProxy) Name() string                   { return p.desc.Ref.Name }
func (p *ComponentProxy) Role() string                   { return p.desc.Role }
func (p *ComponentProxy) Ref() component.Ref             { return p.desc.Ref }
func (p *ComponentProxy) Describe() component.Descriptor { return p.desc }

// Conn returns the connection of the proxy.
func (p *ComponentProxy) Conn() *Conn {
	return p.conn
}

func (p *ComponentProxy) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	return p.InvokeKw(ctx, method, args, nil)
}

func (p *ComponentProxy) InvokeKw(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	msg, err := p.call(OpInvoke, method, args, kwargs)
	if err != nil {
		return nil, err
	}
	_, v, err := p.conn.Call(ctx, msg)
	if err != nil {
		return nil, err
	}
	return p.resolve(ctx, v)
}

func (p *ComponentProxy) InvokeOneway(_ context.Context, method string, args ...any) error {
	if _, ok := p.desc.Methods[method]; !ok {
		return fmt.Errorf("%w: %s has no method %q", component.ErrNoAttribute, p.Name(), method)
	}
	msg, err := p.call(OpInvoke, method, args, nil)
	if err != nil {
		return err
	}
	return p.conn.Send(msg)
}

func (p *ComponentProxy) call(op, member string, args []any, kwargs map[string]any) (Message, error) {
	values, err := clientEncoder.encodeAll(args)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", component.ErrArgument, err)
	}
	kw, err := clientEncoder.encodeMap(kwargs)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", component.ErrArgument, err)
	}
	return Message{Op: op, Component: p.Name(), Member: member, Args: values, Kwargs: kw}, nil
}

// resolve turns the component and event handles of a result into proxies.
func (p *ComponentProxy) resolve(ctx context.Context, v any) (any, error) {
	switch x := v.(type) {
	case component.Ref:
		return p.lookup(ctx, x)
	case EventHandle:
		owner, err := p.lookup(ctx, x.Ref)
		if err != nil {
			return nil, err
		}
		return owner.Event(x.Name)
	case []any:
		for i, item := range x {
			r, err := p.resolve(ctx, item)
			if err != nil {
				return nil, err
			}
			x[i] = r
		}
	}
	return v, nil
}

func (p *ComponentProxy) GetAttr(ctx context.Context, name string) (any, error) {
	if v, ok := p.roattrs[name]; ok {
		return v, nil
	}
	_, v, err := p.conn.Call(ctx, Message{Op: OpGetAttr, Component: p.Name(), Member: name})
	return v, err
}

func (p *ComponentProxy) SetAttr(ctx context.Context, name string, value any) error {
	if _, ok := p.roattrs[name]; ok {
		return fmt.Errorf("%w: attribute %s of %s", va.ErrReadOnly, name, p.Name())
	}
	msg, err := p.call(OpSetAttr, name, []any{value}, nil)
	if err != nil {
		return err
	}
	_, _, err = p.conn.Call(ctx, msg)
	return err
}

// VA returns the proxy of a VA. The same proxy is returned on every call,
// so its subscriptions are shared.
func (p *ComponentProxy) VA(name string) (component.VAProxy, error) {
	d, ok := p.desc.VAs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no VA %q", component.ErrNoAttribute, p.Name(), name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.vas[name]
	if !ok {
		v = &vaProxy{p: p, name: name, desc: d}
		v.fan.SetLogger(p.logger)
		p.vas[name] = v
	}
	return v, nil
}

func (p *ComponentProxy) DataFlow(name string) (component.DataFlowProxy, error) {
	if !slices.Contains(p.desc.DataFlows, name) {
		return nil, fmt.Errorf("%w: %s has no DataFlow %q", component.ErrNoAttribute, p.Name(), name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.dataflows[name]
	if !ok {
		d = &dataFlowProxy{p: p, name: name}
		p.dataflows[name] = d
	}
	return d, nil
}

func (p *ComponentProxy) Event(name string) (component.EventProxy, error) {
	typ, ok := p.desc.Events[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no Event %q", component.ErrNoAttribute, p.Name(), name)
	}
	return &eventProxy{p: p, name: name, typ: typ}, nil
}

func (p *ComponentProxy) Parent(ctx context.Context) (component.Proxy, error) {
	if p.desc.Parent == nil || p.desc.Parent.IsZero() {
		return nil, nil
	}
	return p.lookup(ctx, *p.desc.Parent)
}

// Children reads the children VA, which changes over the life of the
// component.
func (p *ComponentProxy) Children(ctx context.Context) ([]component.Proxy, error) {
	v, err := p.VA(component.ChildrenVA)
	if err != nil {
		return nil, err
	}
	value, err := v.Value(ctx)
	if err != nil {
		return nil, err
	}
	items, _ := value.([]any)
	out := make([]component.Proxy, 0, len(items))
	for _, item := range items {
		ref, ok := item.(component.Ref)
		if !ok {
			return nil, fmt.Errorf("%w: child of type %T", ErrProtocol, item)
		}
		child, err := p.lookup(ctx, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

func (p *ComponentProxy) Affects(ctx context.Context) ([]component.Proxy, error) {
	out := make([]component.Proxy, 0, len(p.desc.Affects))
	for _, ref := range p.desc.Affects {
		c, err := p.lookup(ctx, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (p *ComponentProxy) lookup(ctx context.Context, ref component.Ref) (component.Proxy, error) {
	if p.resolver != nil {
		return p.resolver.Lookup(ctx, ref)
	}
	if ref.Container != p.desc.Ref.Container {
		return nil, fmt.Errorf("%w: %s is in another container", component.ErrLookup, ref)
	}
	return NewComponentProxy(ctx, p.conn, ref.Name, nil)
}

// vaProxy mirrors a remote VA.
//
// The first local listener opens one subscription on the server and the
// last one closes it. Changes are numbered by the server; the mirror only
// moves forward, and local listeners get them through a Fanout, which keeps
// each listener's values in order.
type vaProxy struct {
	p    *ComponentProxy
	name string
	desc va.Descriptor
	fan  va.Fanout

	// subMu is held across the subscribe and unsubscribe round trips.
	subMu sync.Mutex
	sub   string

	mu    sync.Mutex
	cur   string // subscription the mirror belongs to
	value any
	seq   uint64
}

func (v *vaProxy) Name() string              { return v.name }
func (v *vaProxy) Descriptor() va.Descriptor { return v.desc }

func (v *vaProxy) Value(ctx context.Context) (any, error) {
	v.mu.Lock()
	if v.cur != "" && v.seq > 0 {
		value := v.value
		v.mu.Unlock()
		return value, nil
	}
	v.mu.Unlock()

	_, value, err := v.p.conn.Call(ctx, Message{Op: OpVAGet, Component: v.p.Name(), Member: v.name})
	return value, err
}

func (v *vaProxy) Set(ctx context.Context, value any) error {
	if v.desc.ReadOnly {
		return fmt.Errorf("%w: VA %s of %s", va.ErrReadOnly, v.name, v.p.Name())
	}
	msg, err := v.p.call(OpVASet, v.name, []any{value}, nil)
	if err != nil {
		return err
	}
	_, _, err = v.p.conn.Call(ctx, msg)
	return err
}

func (v *vaProxy) Subscribe(ctx context.Context, l va.Listener, init bool) error {
	v.subMu.Lock()
	select {
	case <-v.p.conn.Done():
		v.subMu.Unlock()
		return v.p.conn.err()
	default:
	}

	if v.sub == "" {
		id := uuid.NewString()
		v.p.conn.handle(id, func(msg Message) { v.onNotify(id, msg) })
		reply, value, err := v.p.conn.Call(ctx, Message{Op: OpVASubscribe, Component: v.p.Name(), Member: v.name, Sub: id})
		if err != nil {
			v.p.conn.unhandle(id)
			v.subMu.Unlock()
			return err
		}
		v.sub = id
		v.mu.Lock()
		v.cur = id
		if reply.Seq > v.seq {
			v.value, v.seq = value, reply.Seq
		}
		v.mu.Unlock()
	}

	added := v.fan.Add(l)
	v.mu.Lock()
	value, seq := v.value, v.seq
	v.mu.Unlock()
	v.subMu.Unlock()

	if added && init {
		v.fan.Deliver(l, value, seq)
	}
	return nil
}

func (v *vaProxy) Unsubscribe(ctx context.Context, l va.Listener) error {
	v.subMu.Lock()
	defer v.subMu.Unlock()

	if !v.fan.Remove(l) || v.fan.Len() > 0 || v.sub == "" {
		return nil
	}
	return v.closeSub(ctx)
}

// closeSub ends the server subscription. Must be called with subMu held.
func (v *vaProxy) closeSub(ctx context.Context) error {
	id := v.sub
	v.sub = ""
	v.p.conn.unhandle(id)
	v.mu.Lock()
	v.cur, v.value, v.seq = "", nil, 0
	v.mu.Unlock()

	_, _, err := v.p.conn.Call(ctx, Message{Op: OpVAUnsubscribe, Component: v.p.Name(), Member: v.name, Sub: id})
	return err
}

func (v *vaProxy) onNotify(id string, msg Message) {
	if msg.Value == nil {
		return
	}
	value, err := v.p.conn.decoder().decode(*msg.Value)
	if err != nil {
		v.p.logger.Warn("invalid VA notification", "component", v.p.Name(), "va", v.name, "error", err)
		return
	}

	v.mu.Lock()
	if v.cur != id || msg.Seq <= v.seq {
		v.mu.Unlock()
		return
	}
	v.value, v.seq = value, msg.Seq
	v.mu.Unlock()

	v.fan.Publish(value, msg.Seq)
	if v.fan.Len() == 0 {
		// Every listener went away during the broadcast.
		go func() {
			v.subMu.Lock()
			defer v.subMu.Unlock()
			if v.sub == id && v.fan.Len() == 0 {
				//nolint:errcheck // Best-effort; the server drops it with the connection otherwise
				v.closeSub(context.Background())
			}
		}()
	}
}

// dataFlowProxy forwards the data of a remote DataFlow to local listeners,
// through a single server subscription.
type dataFlowProxy struct {
	p    *ComponentProxy
	name string

	listeners observer.Set[dataflow.Listener]

	subMu sync.Mutex
	sub   string
}

func (d *dataFlowProxy) Name() string { return d.name }

func (d *dataFlowProxy) Subscribe(ctx context.Context, l dataflow.Listener) error {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	select {
	case <-d.p.conn.Done():
		return d.p.conn.err()
	default:
	}
	if !d.listeners.Add(l) || d.sub != "" {
		return nil
	}

	id := uuid.NewString()
	d.p.conn.handle(id, d.onData)
	_, _, err := d.p.conn.Call(ctx, Message{Op: OpDFSubscribe, Component: d.p.Name(), Member: d.name, Sub: id})
	if err != nil {
		d.p.conn.unhandle(id)
		d.listeners.Remove(l)
		return err
	}
	d.sub = id
	return nil
}

func (d *dataFlowProxy) Unsubscribe(ctx context.Context, l dataflow.Listener) error {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	if !d.listeners.Remove(l) || d.listeners.Len() > 0 || d.sub == "" {
		return nil
	}
	return d.closeSub(ctx)
}

func (d *dataFlowProxy) closeSub(ctx context.Context) error {
	id := d.sub
	d.sub = ""
	d.p.conn.unhandle(id)
	_, _, err := d.p.conn.Call(ctx, Message{Op: OpDFUnsubscribe, Component: d.p.Name(), Member: d.name, Sub: id})
	return err
}

func (d *dataFlowProxy) onData(msg Message) {
	if msg.Value == nil {
		return
	}
	value, err := d.p.conn.decoder().decode(*msg.Value)
	if err != nil {
		d.p.logger.Warn("invalid data notification", "component", d.p.Name(), "dataflow", d.name, "error", err)
		return
	}
	data, ok := value.(*dataflow.DataArray)
	if !ok {
		d.p.logger.Warn("unexpected data", "component", d.p.Name(), "dataflow", d.name, "type", fmt.Sprintf("%T", value))
		return
	}

	pruned := d.listeners.Broadcast(func(l dataflow.Listener) error {
		return l.OnData(data)
	}, func(l dataflow.Listener, err error) {
		d.p.logger.Warn("dataflow listener failed", "component", d.p.Name(), "dataflow", d.name, "error", err)
	})
	if pruned > 0 {
		go func() {
			d.subMu.Lock()
			defer d.subMu.Unlock()
			if d.sub != "" && d.listeners.Len() == 0 {
				//nolint:errcheck // Best-effort; the server drops it with the connection otherwise
				d.closeSub(context.Background())
			}
		}()
	}
}

func (d *dataFlowProxy) Get(ctx context.Context) (*dataflow.DataArray, error) {
	_, v, err := d.p.conn.Call(ctx, Message{Op: OpDFGet, Component: d.p.Name(), Member: d.name})
	if err != nil {
		return nil, err
	}
	data, ok := v.(*dataflow.DataArray)
	if !ok {
		return nil, fmt.Errorf("%w: get returned %T", ErrProtocol, v)
	}
	return data, nil
}

func (d *dataFlowProxy) SynchronizedOn(ctx context.Context, e component.EventProxy) error {
	var arg any
	if e != nil {
		if e.Owner().Container != d.p.Ref().Container {
			return fmt.Errorf("%w: event %s of %s is in another container", component.ErrArgument, e.Name(), e.Owner())
		}
		arg = EventHandle{Ref: e.Owner(), Name: e.Name()}
	}
	msg, err := d.p.call(OpDFSync, d.name, []any{arg}, nil)
	if err != nil {
		return err
	}
	_, _, err = d.p.conn.Call(ctx, msg)
	return err
}

func (d *dataFlowProxy) EventType(ctx context.Context) (string, error) {
	_, v, err := d.p.conn.Call(ctx, Message{Op: OpDFEventType, Component: d.p.Name(), Member: d.name})
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// eventProxy fires a remote Event.
type eventProxy struct {
	p    *ComponentProxy
	name string
	typ  string
}

func (e *eventProxy) Name() string         { return e.name }
func (e *eventProxy) Owner() component.Ref { return e.p.Ref() }
func (e *eventProxy) Type() string         { return e.typ }

func (e *eventProxy) Notify(ctx context.Context) error {
	_, _, err := e.p.conn.Call(ctx, Message{Op: OpEventNotify, Component: e.p.Name(), Member: e.name})
	return err
}
