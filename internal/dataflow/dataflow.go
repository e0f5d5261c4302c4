package dataflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/delmic/odemis-sub009/internal/observer"
)

// Logger defines the logging interface used by the package.
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

// Listener receives the data pushed by a DataFlow.
//
// Implementations must be comparable. Returning an error wrapping
// observer.ErrGone unsubscribes the listener.
type Listener interface {
	OnData(data *DataArray) error
}

type funcListener struct {
	fn func(*DataArray)
}

func (f *funcListener) OnData(data *DataArray) error {
	f.fn(data)
	return nil
}

// Func adapts a function into a Listener. Keep the returned value to unsubscribe.
func Func(fn func(data *DataArray)) Listener {
	return &funcListener{fn: fn}
}

// Producer is the hardware side of a DataFlow. StartGenerate is called when
// the first listener subscribes, StopGenerate when the last one leaves; each
// exactly once per transition. Neither may subscribe to the same DataFlow.
type Producer interface {
	StartGenerate()
	StopGenerate()
}

// Resetter is implemented by producers keeping sequence counters.
type Resetter interface {
	Reset()
}

// Getter is implemented by producers able to acquire a single datum
// without entering the generating state.
type Getter interface {
	Acquire(ctx context.Context) (*DataArray, error)
}

// DataFlow is a push-based stream of DataArrays whose generation follows
// its subscriptions, optionally gated by a software Event.
type DataFlow struct {
	producer Producer

	// genMu serializes the idle/generating transitions, so StartGenerate and
	// StopGenerate are never called concurrently nor twice in a row.
	genMu     sync.Mutex
	listeners observer.Set[Listener]

	mu         sync.Mutex
	logger     Logger
	generating bool
	exclusive  bool
	closed     bool
	trigger    Trigger
	pending    int           // trigger fires not consumed yet
	wake       chan struct{} // closed and replaced on every gate change
	sync       *syncListener
}

// New creates a DataFlow fed by producer (which may be nil for flows that are
// only fed through Notify).
func New(producer Producer) *DataFlow {
	df := &DataFlow{
		producer: producer,
		logger:   noopLogger{},
		wake:     make(chan struct{}),
	}
	df.sync = &syncListener{df: df}
	return df
}

// SetLogger sets the logger receiving listener failures.
func (df *DataFlow) SetLogger(logger Logger) {
	df.mu.Lock()
	defer df.mu.Unlock()
	df.logger = logger
}

func (df *DataFlow) log() Logger {
	df.mu.Lock()
	defer df.mu.Unlock()
	return df.logger
}

// Subscribe adds l. The first subscription starts generation.
//
// It fails with ErrBusy while an exclusive operation is in progress, and with
// ErrClosed after Close. Subscribing an existing listener is a no-op.
func (df *DataFlow) Subscribe(l Listener) error {
	df.genMu.Lock()
	defer df.genMu.Unlock()

	df.mu.Lock()
	switch {
	case df.closed:
		df.mu.Unlock()
		return ErrClosed
	case df.exclusive:
		df.mu.Unlock()
		return ErrBusy
	}
	df.mu.Unlock()

	if !df.listeners.Add(l) {
		return nil
	}
	df.updateGeneration()
	return nil
}

// Unsubscribe removes l. Removing the last listener stops generation.
// Unsubscribing a listener which is not subscribed is a no-op.
func (df *DataFlow) Unsubscribe(l Listener) {
	df.genMu.Lock()
	defer df.genMu.Unlock()

	if df.listeners.Remove(l) {
		df.updateGeneration()
	}
}

// updateGeneration starts or stops the producer to match the listener count.
// Must be called with genMu held.
func (df *DataFlow) updateGeneration() {
	want := df.listeners.Len() > 0

	df.mu.Lock()
	if want == df.generating || (want && df.closed) {
		df.mu.Unlock()
		return
	}
	df.generating = want
	if want {
		df.pending = 0
	}
	df.mu.Unlock()

	if df.producer == nil {
		return
	}
	if want {
		df.log().Debug("dataflow start generating")
		df.producer.StartGenerate()
	} else {
		df.log().Debug("dataflow stop generating")
		df.producer.StopGenerate()
	}
}

// Notify delivers data to a snapshot of the listeners. A failing listener is
// logged and does not prevent delivery to the others. Listeners found gone are
// dropped, which may stop generation.
func (df *DataFlow) Notify(data *DataArray) {
	pruned := df.listeners.Broadcast(func(l Listener) error {
		return l.OnData(data)
	}, func(l Listener, err error) {
		df.log().Warn("dataflow listener failed", "listener", fmt.Sprintf("%T", l), "error", err)
	})
	if pruned > 0 {
		// Notify runs on the producer goroutine, which StopGenerate may wait for.
		go func() {
			df.genMu.Lock()
			defer df.genMu.Unlock()
			df.updateGeneration()
		}()
	}
}

// Get acquires one datum, whether or not the DataFlow is generating.
func (df *DataFlow) Get(ctx context.Context) (*DataArray, error) {
	df.mu.Lock()
	closed, exclusive := df.closed, df.exclusive
	df.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if exclusive {
		return nil, ErrBusy
	}

	if g, ok := df.producer.(Getter); ok {
		return g.Acquire(ctx)
	}

	l := &oneShot{ch: make(chan *DataArray, 1)}
	if err := df.Subscribe(l); err != nil {
		return nil, err
	}
	defer df.Unsubscribe(l)

	select {
	case data := <-l.ch:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type oneShot struct {
	ch chan *DataArray
}

func (o *oneShot) OnData(data *DataArray) error {
	select {
	case o.ch <- data:
	default:
	}
	return nil
}

// Reset clears the producer's sequence counters, if it has any.
func (df *DataFlow) Reset() {
	if r, ok := df.producer.(Resetter); ok {
		r.Reset()
	}
}

// BeginExclusive marks the start of an operation which must not run together
// with generation (a one-off measurement, typically). It fails with ErrBusy
// if the DataFlow is generating or another exclusive operation is running.
// While held, Subscribe and Get fail fast with ErrBusy.
func (df *DataFlow) BeginExclusive() (release func(), err error) {
	df.genMu.Lock()
	defer df.genMu.Unlock()
	df.mu.Lock()
	defer df.mu.Unlock()

	if df.closed {
		return nil, ErrClosed
	}
	if df.exclusive || df.generating {
		return nil, ErrBusy
	}
	df.exclusive = true

	var once sync.Once
	return func() {
		once.Do(func() {
			df.mu.Lock()
			df.exclusive = false
			df.mu.Unlock()
		})
	}, nil
}

// SynchronizedOn gates generation on t.
//
// With a software Event, WaitTrigger blocks the producer until the event
// fires, each fire releasing one acquisition. With a HwTrigger the
// synchronization is recorded but nothing blocks in software. With nil, the
// gate is removed and a blocked producer resumes free-running.
func (df *DataFlow) SynchronizedOn(t Trigger) error {
	df.mu.Lock()
	if df.closed {
		df.mu.Unlock()
		return ErrClosed
	}
	old := df.trigger
	if old == t {
		df.mu.Unlock()
		return nil
	}
	df.trigger = t
	df.pending = 0
	df.wakeLocked()
	df.mu.Unlock()

	if old != nil {
		old.RemoveListener(df.sync)
	}
	if t != nil {
		t.AddListener(df.sync)
	}
	return nil
}

// Trigger returns the current synchronization, or nil.
func (df *DataFlow) Trigger() Trigger {
	df.mu.Lock()
	defer df.mu.Unlock()
	return df.trigger
}

// EventType returns TypeSoftware or TypeHardware according to the current
// synchronization, or "" when not synchronized.
func (df *DataFlow) EventType() string {
	df.mu.Lock()
	defer df.mu.Unlock()
	if df.trigger == nil {
		return ""
	}
	return df.trigger.Type()
}

// WaitTrigger is called by producers before each acquisition. It returns
// immediately unless the DataFlow is synchronized on a software Event, in
// which case it consumes one fire, blocking until there is one. It returns
// ctx.Err() when ctx ends and ErrClosed when the DataFlow is closed.
func (df *DataFlow) WaitTrigger(ctx context.Context) error {
	for {
		df.mu.Lock()
		if df.closed {
			df.mu.Unlock()
			return ErrClosed
		}
		if df.trigger == nil || df.trigger.Type() != TypeSoftware {
			df.mu.Unlock()
			return nil
		}
		if df.pending > 0 {
			df.pending--
			df.mu.Unlock()
			return nil
		}
		wake := df.wake
		df.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (df *DataFlow) wakeLocked() {
	close(df.wake)
	df.wake = make(chan struct{})
}

type syncListener struct {
	df *DataFlow
}

func (s *syncListener) OnEvent() {
	df := s.df
	df.mu.Lock()
	defer df.mu.Unlock()
	if df.generating && df.trigger != nil && df.trigger.Type() == TypeSoftware {
		df.pending++
		df.wakeLocked()
	}
}

// Generating reports whether the producer is started.
func (df *DataFlow) Generating() bool {
	df.mu.Lock()
	defer df.mu.Unlock()
	return df.generating
}

// Listeners returns the number of subscribed listeners.
func (df *DataFlow) Listeners() int {
	return df.listeners.Len()
}

// Close drops every listener, stops generation and detaches the trigger.
// The DataFlow cannot be used afterwards.
func (df *DataFlow) Close() {
	df.genMu.Lock()
	defer df.genMu.Unlock()

	df.mu.Lock()
	if df.closed {
		df.mu.Unlock()
		return
	}
	df.closed = true
	old := df.trigger
	df.trigger = nil
	df.wakeLocked()
	df.mu.Unlock()

	if old != nil {
		old.RemoveListener(df.sync)
	}
	if n := df.listeners.Clear(); n > 0 {
		df.log().Debug("dataflow closed with listeners", "count", n)
	}

	df.mu.Lock()
	stop := df.generating
	df.generating = false
	df.mu.Unlock()
	if stop && df.producer != nil {
		df.producer.StopGenerate()
	}
}
