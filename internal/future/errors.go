package future

import "errors"

// Domain errors for futures.
var (
	// ErrCancelled is returned by Result on a cancelled future. A task may
	// also return it to report that it stopped on a cancellation request.
	ErrCancelled = errors.New("future: cancelled")

	// ErrTimeout is returned by Result when its context expires first.
	ErrTimeout = errors.New("future: timeout")

	// ErrShutdown is returned when submitting to a stopped executor.
	ErrShutdown = errors.New("future: executor shut down")
)
