package future

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a Future.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateFinished  State = "finished"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateCancelled
}

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

// Task is the body of an asynchronous operation. ctx is cancelled when the
// future is cancelled while running; the task should then stop at its next
// checkpoint and return ctx.Err() or ErrCancelled.
type Task func(ctx context.Context, f *Future) (any, error)

// Future is the handle of an asynchronous operation.
//
// It moves from pending to running, then to exactly one of finished or
// cancelled. A finished future holds either a result or the error returned
// by its task.
type Future struct {
	id     string
	logger Logger

	mu        sync.Mutex
	state     State
	result    any
	err       error
	cancelReq bool
	ctx       context.Context
	cancel    context.CancelFunc
	canceller func() error
	callbacks []func(*Future)
	onRunning func()
	done      chan struct{}
}

// New creates a pending future driven externally through SetRunning and
// Complete (the mirror of a future living in another process, for instance).
func New() *Future {
	ctx, cancel := context.WithCancel(context.Background())
	return &Future{
		id:     uuid.NewString(),
		logger: noopLogger{},
		state:  StatePending,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// NewFinished returns a future already finished with v and err, for
// operations which complete instantaneously.
func NewFinished(v any, err error) *Future {
	f := New()
	f.Complete(v, err)
	return f
}

// ID returns the unique identifier of the future.
func (f *Future) ID() string {
	return f.id
}

// SetLogger sets the logger receiving callback panics.
func (f *Future) SetLogger(logger Logger) {
	f.mu.Lock()
	f.logger = logger
	f.mu.Unlock()
}

// Context returns the context handed to the task, cancelled on Cancel.
func (f *Future) Context() context.Context {
	return f.ctx
}

// SetCanceller installs fn, called by Cancel on a running future in addition
// to cancelling the task context. It typically stops the hardware.
func (f *Future) SetCanceller(fn func() error) {
	f.mu.Lock()
	f.canceller = fn
	f.mu.Unlock()
}

// State returns the current state.
func (f *Future) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Running reports whether the task is executing.
func (f *Future) Running() bool {
	return f.State() == StateRunning
}

// Cancelled reports whether the future ended cancelled.
func (f *Future) Cancelled() bool {
	return f.State() == StateCancelled
}

// IsDone reports whether the future reached a terminal state.
func (f *Future) IsDone() bool {
	return f.State().Terminal()
}

// Done returns a channel closed when the future reaches a terminal state.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// SetRunning moves a pending future to running. It returns false if the
// future was not pending, in which case its task must not run.
func (f *Future) SetRunning() bool {
	f.mu.Lock()
	if f.state != StatePending {
		f.mu.Unlock()
		return false
	}
	f.state = StateRunning
	hook := f.onRunning
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return true
}

// Complete moves the future to its terminal state. An error wrapping
// ErrCancelled, or a context cancellation following a Cancel request, ends it
// cancelled; anything else ends it finished with v and err. It returns false
// if the future was already terminal.
func (f *Future) Complete(v any, err error) bool {
	f.mu.Lock()
	if f.state.Terminal() {
		f.mu.Unlock()
		return false
	}
	if errors.Is(err, ErrCancelled) || (f.cancelReq && errors.Is(err, context.Canceled)) {
		f.state = StateCancelled
	} else {
		f.state = StateFinished
		f.result, f.err = v, err
	}
	f.finishLocked()
	return true
}

// finishLocked releases the waiters and runs the done callbacks of a future
// just made terminal. It is called with f.mu held and releases it.
func (f *Future) finishLocked() {
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	f.cancel()
	close(f.done)
	for _, cb := range callbacks {
		f.runCallback(cb)
	}
}

// Cancel requests the cancellation of the operation.
//
// A pending future is cancelled at once and Cancel returns true. A terminal
// future is left unchanged: Cancel returns true only if it was already
// cancelled. A running future has its context cancelled and its canceller
// called; Cancel then waits for the task to end and returns true only if it
// stopped cancelled rather than finishing.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	switch f.state {
	case StatePending:
		f.state = StateCancelled
		f.finishLocked()
		return true
	case StateFinished:
		f.mu.Unlock()
		return false
	case StateCancelled:
		f.mu.Unlock()
		return true
	}

	f.cancelReq = true
	canceller := f.canceller
	logger := f.logger
	f.mu.Unlock()

	f.cancel()
	if canceller != nil {
		if err := canceller(); err != nil {
			logger.Warn("future canceller failed", "future", f.id, "error", err)
		}
	}
	<-f.done
	return f.Cancelled()
}

// Result waits for the future to end and returns its outcome: ErrCancelled
// if cancelled, otherwise the task's result and error. If ctx ends first, it
// returns an error wrapping ErrTimeout and ctx.Err(); the operation itself is
// not affected.
func (f *Future) Result(ctx context.Context) (any, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateCancelled {
		return nil, ErrCancelled
	}
	return f.result, f.err
}

// ResultTimeout is Result with a timeout. A zero or negative timeout waits
// forever.
func (f *Future) ResultTimeout(timeout time.Duration) (any, error) {
	if timeout <= 0 {
		return f.Result(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return f.Result(ctx)
}

// AddDoneCallback registers fn, called exactly once when the future reaches
// its terminal state, or immediately if it already has.
func (f *Future) AddDoneCallback(fn func(*Future)) {
	f.mu.Lock()
	if !f.state.Terminal() {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.runCallback(fn)
}

func (f *Future) runCallback(fn func(*Future)) {
	defer func() {
		if r := recover(); r != nil {
			f.mu.Lock()
			logger := f.logger
			f.mu.Unlock()
			logger.Error("future callback panicked", "future", f.id, "panic", r)
		}
	}()
	fn(f)
}

// run executes task if the future can still start.
func (f *Future) run(task Task) {
	if !f.SetRunning() {
		return
	}
	v, err := f.safeTask(task)
	f.Complete(v, err)
}

func (f *Future) safeTask(task Task) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("future: task panicked: %v", r)
		}
	}()
	return task(f.ctx, f)
}
