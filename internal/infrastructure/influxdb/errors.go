package influxdb

import "errors"

// Errors returned by the history client. Write errors are asynchronous and
// reach the SetOnError callback instead.
var (
	// ErrDisabled is returned by Connect when history recording is turned
	// off in the configuration.
	ErrDisabled = errors.New("influxdb: history recording disabled")

	// ErrConnectionFailed is returned by Connect when the server does not
	// answer its ping, or answers unhealthy.
	ErrConnectionFailed = errors.New("influxdb: server unreachable")

	// ErrNotConnected is returned once the client is closed.
	ErrNotConnected = errors.New("influxdb: client closed")
)
