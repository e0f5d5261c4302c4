package remote

import (
	"fmt"
	"sync"

	"github.com/delmic/odemis-sub009/internal/component"
	"github.com/delmic/odemis-sub009/internal/dataflow"
	"github.com/delmic/odemis-sub009/internal/va"
)

// serverDecoder decodes call arguments. Clients never send futures.
var serverDecoder = &decoder{}

// controlOps are the operations which may change the state of a component.
var controlOps = map[string]bool{
	OpInvoke:       true,
	OpSetAttr:      true,
	OpVASet:        true,
	OpDFSync:       true,
	OpEventNotify:  true,
	OpFutureCancel: true,
}

// handleCall runs one call and queues its reply.
func (s *session) handleCall(msg Message) {
	reply := Message{Type: TypeReply, ID: msg.ID}
	result, err := s.dispatch(msg, &reply)

	var exported []exportedFuture
	if err == nil && reply.Value == nil && reply.Descriptor == nil {
		var val Value
		val, err = s.encoder(&exported).encode(result)
		reply.Value = &val
	}
	if err != nil {
		reply.Value = nil
		reply.Descriptor = nil
		reply.Error = toWire(err)
	}

	if msg.Oneway {
		if err != nil {
			s.hub.logger.Warn("oneway call failed",
				"session", s.id, "component", msg.Component, "method", msg.Member, "error", err)
		}
	} else if err := s.enqueue(reply); err != nil {
		s.hub.logger.Debug("reply not sent", "session", s.id, "op", msg.Op, "error", err)
	}
	s.watch(exported)
}

// dispatch executes msg. Operations whose reply carries more than a value
// fill reply directly.
func (s *session) dispatch(msg Message, reply *Message) (any, error) {
	if !s.control && controlOps[msg.Op] {
		return nil, fmt.Errorf("%w: %s on %s", ErrPermission, msg.Op, msg.Component)
	}
	if msg.Op == OpFutureCancel {
		f, ok := s.future(msg.Future)
		if !ok {
			// Already ended; its outcome is on its way.
			return false, nil
		}
		return f.Cancel(), nil
	}

	c, err := s.hub.ct.Component(msg.Component)
	if err != nil {
		return nil, err
	}

	switch msg.Op {
	case OpDescribe:
		d, err := s.describe(c)
		if err != nil {
			return nil, err
		}
		reply.Descriptor = d
		return nil, nil

	case OpInvoke:
		args, err := serverDecoder.decodeAll(msg.Args)
		if err != nil {
			return nil, err
		}
		kwargs, err := serverDecoder.decodeMap(msg.Kwargs)
		if err != nil {
			return nil, err
		}
		return c.Invoke(s.ctx, msg.Member, args, kwargs)

	case OpGetAttr:
		return c.GetAttr(msg.Member)

	case OpSetAttr:
		v, err := s.argValue(msg)
		if err != nil {
			return nil, err
		}
		return nil, c.SetAttr(msg.Member, v)

	case OpVAGet:
		a, err := c.VA(msg.Member)
		if err != nil {
			return nil, err
		}
		return a.Get(), nil

	case OpVASet:
		a, err := c.VA(msg.Member)
		if err != nil {
			return nil, err
		}
		v, err := s.argValue(msg)
		if err != nil {
			return nil, err
		}
		return nil, a.Set(v)

	case OpVASubscribe:
		return nil, s.subscribeVA(c, msg, reply)

	case OpVAUnsubscribe:
		s.mu.Lock()
		sub, ok := s.vaSubs[msg.Sub]
		delete(s.vaSubs, msg.Sub)
		s.mu.Unlock()
		if ok {
			sub.attr.Unsubscribe(sub)
		}
		return nil, nil

	case OpDFSubscribe:
		return nil, s.subscribeDataFlow(c, msg)

	case OpDFUnsubscribe:
		s.mu.Lock()
		sub, ok := s.dfSubs[msg.Sub]
		delete(s.dfSubs, msg.Sub)
		s.mu.Unlock()
		if ok {
			sub.df.Unsubscribe(sub)
		}
		return nil, nil

	case OpDFGet:
		df, err := c.DataFlow(msg.Member)
		if err != nil {
			return nil, err
		}
		return df.Get(s.ctx)

	case OpDFSync:
		df, err := c.DataFlow(msg.Member)
		if err != nil {
			return nil, err
		}
		v, err := s.argValue(msg)
		if err != nil {
			return nil, err
		}
		switch h := v.(type) {
		case nil:
			return nil, df.SynchronizedOn(nil)
		case EventHandle:
			owner, err := s.hub.ct.Resolve(h.Ref)
			if err != nil {
				return nil, err
			}
			t, err := owner.Event(h.Name)
			if err != nil {
				return nil, err
			}
			return nil, df.SynchronizedOn(t)
		default:
			return nil, fmt.Errorf("%w: cannot synchronize on %T", component.ErrArgument, v)
		}

	case OpDFEventType:
		df, err := c.DataFlow(msg.Member)
		if err != nil {
			return nil, err
		}
		return df.EventType(), nil

	case OpEventNotify:
		t, err := c.Event(msg.Member)
		if err != nil {
			return nil, err
		}
		return nil, t.Notify()
	}
	return nil, fmt.Errorf("%w: unknown operation %q", ErrProtocol, msg.Op)
}

func (s *session) argValue(msg Message) (any, error) {
	if len(msg.Args) != 1 {
		return nil, fmt.Errorf("%w: %s expects one argument, got %d", ErrProtocol, msg.Op, len(msg.Args))
	}
	return serverDecoder.decode(msg.Args[0])
}

func (s *session) describe(c *component.Component) (*wireDescriptor, error) {
	d := c.Describe()
	roattrs := d.ROAttrs
	d.ROAttrs = nil

	wd := &wireDescriptor{Descriptor: d, ROAttrs: make(map[string]Value, len(roattrs))}
	enc := &encoder{}
	for name, v := range roattrs {
		val, err := enc.encode(v)
		if err != nil {
			return nil, fmt.Errorf("roattribute %s: %w", name, err)
		}
		wd.ROAttrs[name] = val
	}
	return wd, nil
}

func (s *session) subscribeVA(c *component.Component, msg Message, reply *Message) error {
	a, err := c.VA(msg.Member)
	if err != nil {
		return err
	}
	if msg.Sub == "" {
		return fmt.Errorf("%w: missing subscription id", ErrProtocol)
	}

	sub := &vaSub{s: s, id: msg.Sub, attr: a}
	s.mu.Lock()
	old := s.vaSubs[msg.Sub]
	s.vaSubs[msg.Sub] = sub
	s.mu.Unlock()
	if old != nil {
		old.attr.Unsubscribe(old)
	}

	a.Subscribe(sub, true)

	sub.mu.Lock()
	seq, last := sub.seq, sub.last
	sub.mu.Unlock()
	if seq == 0 {
		// The initial delivery was refused: the session is closing.
		return ErrConnectionClosed
	}
	val, err := (&encoder{}).encode(last)
	if err != nil {
		return err
	}
	reply.Value = &val
	reply.Seq = seq
	return nil
}

func (s *session) subscribeDataFlow(c *component.Component, msg Message) error {
	df, err := c.DataFlow(msg.Member)
	if err != nil {
		return err
	}
	if msg.Sub == "" {
		return fmt.Errorf("%w: missing subscription id", ErrProtocol)
	}

	sub := &dfSub{s: s, id: msg.Sub, df: df}
	s.mu.Lock()
	old := s.dfSubs[msg.Sub]
	s.dfSubs[msg.Sub] = sub
	s.mu.Unlock()
	if old != nil {
		old.df.Unsubscribe(old)
	}

	if err := df.Subscribe(sub); err != nil {
		s.mu.Lock()
		if s.dfSubs[msg.Sub] == sub {
			delete(s.dfSubs, msg.Sub)
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// vaSub forwards the changes of a VA to a client. Changes are numbered per
// subscription, starting at 1 with the initial value.
type vaSub struct {
	s    *session
	id   string
	attr va.Attribute

	mu   sync.Mutex
	seq  uint64
	last any
}

func (v *vaSub) OnChange(value any) error {
	val, err := (&encoder{}).encode(value)
	if err != nil {
		v.s.hub.logger.Error("cannot send VA value", "session", v.s.id, "error", err)
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.s.enqueue(Message{Type: TypeNotify, Op: NotifyVA, Sub: v.id, Seq: v.seq + 1, Value: &val}); err != nil {
		return err
	}
	v.seq++
	v.last = value
	return nil
}

// dfSub forwards the data of a DataFlow to a client.
type dfSub struct {
	s  *session
	id string
	df *dataflow.DataFlow
}

func (d *dfSub) OnData(data *dataflow.DataArray) error {
	val, err := (&encoder{}).encode(data)
	if err != nil {
		d.s.hub.logger.Error("cannot send data", "session", d.s.id, "error", err)
		return nil
	}
	return d.s.enqueue(Message{Type: TypeNotify, Op: NotifyData, Sub: d.id, Value: &val})
}
