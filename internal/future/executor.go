package future

import (
	"context"
	"sync"
	"time"
)

type job struct {
	f   *Future
	run func()
}

// Executor runs tasks on a fixed pool of workers, in submission order.
//
// With a single worker, tasks run strictly one at a time: a future reaches
// its terminal state, done callbacks included, before the next task starts.
// This is the executor of a hardware component whose operations must not
// overlap.
type Executor struct {
	logger Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []job
	closed bool
	wg     sync.WaitGroup
}

// NewExecutor starts an executor with the given number of workers (at least one).
func NewExecutor(workers int) *Executor {
	if workers < 1 {
		workers = 1
	}
	e := &Executor{logger: noopLogger{}}
	e.cond = sync.NewCond(&e.mu)
	e.wg.Add(workers)
	for range workers {
		go e.worker()
	}
	return e
}

// SetLogger sets the logger given to the futures created afterwards.
func (e *Executor) SetLogger(logger Logger) {
	e.mu.Lock()
	e.logger = logger
	e.mu.Unlock()
}

// Submit queues task and returns its future.
func (e *Executor) Submit(task Task) (*Future, error) {
	f := New()
	if err := e.enqueue(f, func() { f.run(task) }); err != nil {
		return nil, err
	}
	return f, nil
}

// SubmitProgressive queues a progressive task expected to last estimate.
func (e *Executor) SubmitProgressive(estimate time.Duration, task ProgressiveTask) (*ProgressiveFuture, error) {
	pf := NewProgressive(estimate)
	run := func() {
		pf.run(func(ctx context.Context, _ *Future) (any, error) {
			return task(ctx, pf)
		})
	}
	if err := e.enqueue(pf.Future, run); err != nil {
		return nil, err
	}
	return pf, nil
}

func (e *Executor) enqueue(f *Future, run func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrShutdown
	}
	f.logger = e.logger
	e.queue = append(e.queue, job{f: f, run: run})
	e.cond.Signal()
	return nil
}

// Pending returns the number of queued tasks not started yet.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Shutdown stops accepting tasks and waits for the workers to drain the
// queue. With cancelPending, queued tasks are cancelled instead of run; the
// running ones always complete.
func (e *Executor) Shutdown(cancelPending bool) {
	e.mu.Lock()
	e.closed = true
	var dropped []job
	if cancelPending {
		dropped = e.queue
		e.queue = nil
	}
	e.cond.Broadcast()
	e.mu.Unlock()

	for _, j := range dropped {
		j.f.Cancel()
	}
	e.wg.Wait()
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		j := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		j.run()
	}
}
