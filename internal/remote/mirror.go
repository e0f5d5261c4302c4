package remote

import (
	"context"

	"github.com/delmic/odemis-sub009/internal/future"
)

// mirror is the client side of a Future running in another process. It is
// completed by the future.done notification, or with ErrConnectionClosed
// when the connection is lost first.
type mirror struct {
	f  *future.Future
	pf *future.ProgressiveFuture

	// arrived is closed by the read goroutine once the future.done
	// notification is received; final holds it. Guarded by Conn.mu.
	arrived  chan struct{}
	final    Message
	finished bool
}

// arrive records the future.done notification. Called with Conn.mu held.
func (m *mirror) arrive(msg Message) {
	if m.finished {
		return
	}
	m.finished = true
	m.final = msg
	close(m.arrived)
}

// decoder returns the decoder of values received on c, turning future
// handles into mirrors.
func (c *Conn) decoder() *decoder {
	return &decoder{future: c.newMirror}
}

// newMirror creates the mirror of h. Mirrors start running, so that Cancel
// always goes through the owner of the Future.
func (c *Conn) newMirror(h futureHandle) any {
	m := &mirror{arrived: make(chan struct{})}
	var out any
	if h.Progressive {
		m.pf = future.NewProgressive(0)
		m.f = m.pf.Future
		out = m.pf
	} else {
		m.f = future.New()
		out = m.f
	}

	id := h.ID
	m.f.SetLogger(c.logger)
	m.f.SetCanceller(func() error {
		_, _, err := c.Call(context.Background(), Message{Op: OpFutureCancel, Future: id})
		// The outcome is applied here: the caller may be the dispatch
		// goroutine, which would otherwise never reach the notification.
		select {
		case <-m.arrived:
			m.handle(c, m.final)
		case <-c.done:
		}
		return err
	})
	m.f.SetRunning()
	if m.pf != nil {
		m.pf.SetProgress(fromUnixSeconds(h.Start), fromUnixSeconds(h.End))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		m.f.Complete(nil, c.err())
		return out
	}
	c.futures[id] = m
	if msg, ok := c.finals[id]; ok {
		m.arrive(msg)
	}
	c.mu.Unlock()
	return out
}

func (m *mirror) handle(c *Conn, msg Message) {
	switch msg.Op {
	case NotifyFutureProgress:
		if m.pf != nil {
			m.pf.SetProgress(fromUnixSeconds(msg.Start), fromUnixSeconds(msg.End))
		}
	case NotifyFutureDone:
		if m.f.IsDone() {
			return
		}
		if msg.Error != nil {
			m.f.Complete(nil, fromWire(msg.Error))
			return
		}
		var v any
		var err error
		if msg.Value != nil {
			v, err = c.decoder().decode(*msg.Value)
		}
		m.f.Complete(v, err)
	}
}
