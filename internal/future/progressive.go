package future

import (
	"context"
	"slices"
	"sync"
	"time"
)

// ProgressiveTask is the body of a progressive operation.
type ProgressiveTask func(ctx context.Context, pf *ProgressiveFuture) (any, error)

// ProgressiveFuture is a Future carrying an estimate of its start and end
// times, which the task refines with SetProgress.
type ProgressiveFuture struct {
	*Future

	pmu      sync.Mutex
	start    time.Time
	end      time.Time
	duration time.Duration
	updaters []func(start, end time.Time)
}

// NewProgressive creates a pending progressive future expected to last
// estimate once running.
func NewProgressive(estimate time.Duration) *ProgressiveFuture {
	now := time.Now()
	pf := &ProgressiveFuture{
		Future:   New(),
		start:    now,
		end:      now.Add(estimate),
		duration: estimate,
	}
	pf.onRunning = pf.started
	return pf
}

// Progress returns the current estimate.
func (pf *ProgressiveFuture) Progress() (start, end time.Time) {
	pf.pmu.Lock()
	defer pf.pmu.Unlock()
	return pf.start, pf.end
}

// SetProgress updates the estimate and informs the update callbacks. A zero
// time leaves the corresponding bound unchanged.
func (pf *ProgressiveFuture) SetProgress(start, end time.Time) {
	pf.pmu.Lock()
	if !start.IsZero() {
		pf.start = start
	}
	if !end.IsZero() {
		pf.end = end
	}
	pf.pmu.Unlock()
	pf.emit()
}

// AddUpdateCallback registers fn, called at once with the current estimate
// and then on each update. Updates stop once the future is terminal.
func (pf *ProgressiveFuture) AddUpdateCallback(fn func(start, end time.Time)) {
	pf.pmu.Lock()
	pf.updaters = append(pf.updaters, fn)
	start, end := pf.start, pf.end
	pf.pmu.Unlock()
	pf.callUpdater(fn, start, end)
}

// started re-bases the estimate on the actual start time.
func (pf *ProgressiveFuture) started() {
	now := time.Now()
	pf.pmu.Lock()
	pf.start = now
	pf.end = now.Add(pf.duration)
	pf.pmu.Unlock()
	pf.emit()
}

func (pf *ProgressiveFuture) emit() {
	if pf.IsDone() {
		return
	}
	pf.pmu.Lock()
	updaters := slices.Clone(pf.updaters)
	start, end := pf.start, pf.end
	pf.pmu.Unlock()

	for _, fn := range updaters {
		pf.callUpdater(fn, start, end)
	}
}

func (pf *ProgressiveFuture) callUpdater(fn func(start, end time.Time), start, end time.Time) {
	defer func() {
		if r := recover(); r != nil {
			pf.mu.Lock()
			logger := pf.logger
			pf.mu.Unlock()
			logger.Error("future update callback panicked", "future", pf.id, "panic", r)
		}
	}()
	fn(start, end)
}
