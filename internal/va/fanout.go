package va

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/delmic/odemis-sub009/internal/observer"
)

// Listener receives the new value of a VA after each accepted change.
//
// Implementations must be comparable (use a pointer type, or Func); the same
// listener value identifies the subscription for Unsubscribe. Returning an
// error wrapping observer.ErrGone removes the subscription.
type Listener interface {
	OnChange(value any) error
}

type funcListener struct {
	fn func(any)
}

func (f *funcListener) OnChange(v any) error {
	f.fn(v)
	return nil
}

// Func adapts a plain function into a Listener. Each call returns a distinct
// listener, keep it to unsubscribe later.
func Func(fn func(value any)) Listener {
	return &funcListener{fn: fn}
}

// Logger defines the logging interface used to report failing listeners.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Fanout delivers sequenced values to a set of listeners.
//
// Delivery to one listener is serialized and ordered by sequence number: a
// listener never receives a value older than one it already got, even when
// values are published from several goroutines. A listener may read, write,
// subscribe or unsubscribe from inside its callback; a value published while
// it is running is queued and handed over when the callback returns.
//
// VA uses a Fanout for its subscribers; the remote proxies reuse it to fan a
// single server subscription out to local listeners.
type Fanout struct {
	set observer.Set[*subscription]

	mu    sync.Mutex
	index map[Listener]*subscription

	logMu  sync.RWMutex
	logger Logger
}

// SetLogger sets the logger receiving listener failures.
func (f *Fanout) SetLogger(logger Logger) {
	f.logMu.Lock()
	f.logger = logger
	f.logMu.Unlock()
}

func (f *Fanout) log() Logger {
	f.logMu.RLock()
	defer f.logMu.RUnlock()
	if f.logger == nil {
		return noopLogger{}
	}
	return f.logger
}

// Add subscribes l. It returns false if l was already subscribed.
func (f *Fanout) Add(l Listener) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.index == nil {
		f.index = make(map[Listener]*subscription)
	}
	if _, ok := f.index[l]; ok {
		return false
	}
	s := &subscription{l: l}
	f.index[l] = s
	f.set.Add(s)
	return true
}

// Remove unsubscribes l. It returns false if l was not subscribed.
func (f *Fanout) Remove(l Listener) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.index[l]
	if !ok {
		return false
	}
	delete(f.index, l)
	s.close()
	return f.set.Remove(s)
}

// Len returns the number of subscribed listeners.
func (f *Fanout) Len() int {
	return f.set.Len()
}

// Clear unsubscribes every listener.
func (f *Fanout) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for l, s := range f.index {
		s.close()
		delete(f.index, l)
	}
	f.set.Clear()
}

// Publish delivers value (change number seq) to every listener.
func (f *Fanout) Publish(value any, seq uint64) {
	f.set.Broadcast(func(s *subscription) error {
		return s.deliver(value, seq)
	}, func(s *subscription, err error) {
		f.log().Warn("va listener failed", "listener", fmt.Sprintf("%T", s.l), "error", err)
	})
	f.forgetPruned()
}

// Deliver hands value to the single listener l, as the initial value of a
// new subscription. Nothing happens if l already saw change seq or a later one.
func (f *Fanout) Deliver(l Listener, value any, seq uint64) {
	f.mu.Lock()
	s, ok := f.index[l]
	f.mu.Unlock()
	if !ok {
		return
	}

	err := s.deliver(value, seq)
	switch {
	case err == nil:
	case errors.Is(err, observer.ErrGone):
		f.Remove(l)
	default:
		f.log().Warn("va listener failed", "listener", fmt.Sprintf("%T", l), "error", err)
	}
}

// forgetPruned drops index entries whose subscription was pruned by a broadcast.
func (f *Fanout) forgetPruned() {
	if f.set.Len() == f.indexLen() {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for l, s := range f.index {
		if !f.set.Contains(s) {
			s.close()
			delete(f.index, l)
		}
	}
}

func (f *Fanout) indexLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.index)
}

type pending struct {
	value any
	seq   uint64
}

// subscription serializes the deliveries to one listener.
type subscription struct {
	l Listener

	mu      sync.Mutex
	last    uint64
	queue   []pending
	running bool
	closed  bool
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
}

// deliver queues (value, seq) and, unless another goroutine is already
// delivering to this listener, drains the queue in sequence order.
func (s *subscription) deliver(value any, seq uint64) error {
	s.mu.Lock()
	if s.closed || seq <= s.last {
		s.mu.Unlock()
		return nil
	}
	i := sort.Search(len(s.queue), func(i int) bool { return s.queue[i].seq >= seq })
	if i == len(s.queue) || s.queue[i].seq != seq {
		s.queue = append(s.queue, pending{})
		copy(s.queue[i+1:], s.queue[i:])
		s.queue[i] = pending{value: value, seq: seq}
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true

	var firstErr error
	for len(s.queue) > 0 && !s.closed {
		p := s.queue[0]
		s.queue = s.queue[1:]
		if p.seq <= s.last {
			continue
		}
		s.last = p.seq
		s.mu.Unlock()

		err := callListener(s.l, p.value)

		s.mu.Lock()
		if err == nil {
			continue
		}
		if errors.Is(err, observer.ErrGone) {
			s.queue = nil
			s.running = false
			s.mu.Unlock()
			return err
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	s.running = false
	s.mu.Unlock()
	return firstErr
}

func callListener(l Listener, value any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return l.OnChange(value)
}
