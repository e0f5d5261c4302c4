package process

import "errors"

var (
	// ErrAlreadyRunning is returned by Start while the process runs.
	ErrAlreadyRunning = errors.New("process: already running")

	// ErrUnhealthy is the exit cause of a process killed after failing its
	// health checks.
	ErrUnhealthy = errors.New("process: killed after failed health checks")
)
