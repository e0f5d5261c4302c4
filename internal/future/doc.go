// Package future provides handles on asynchronous operations.
//
// A Future moves from pending to running and ends either finished (with a
// result or an error) or cancelled. Cancellation is cooperative: the task
// receives a context cancelled on request and should return at its next
// checkpoint. Cancel races with natural completion, and its return value
// tells which one won.
//
// A ProgressiveFuture adds a (start, end) estimate, refreshed when the task
// starts and whenever it calls SetProgress.
//
// Executors run tasks in submission order on a fixed set of workers. Hardware
// components use a single-worker executor, so their moves never overlap:
//
//	exec := future.NewExecutor(1)
//	defer exec.Shutdown(true)
//
//	pf, err := exec.SubmitProgressive(2*time.Second, func(ctx context.Context, pf *future.ProgressiveFuture) (any, error) {
//	    return nil, stage.move(ctx, shift)
//	})
//	if err != nil {
//	    return err
//	}
//	_, err = pf.ResultTimeout(10 * time.Second)
package future
