package component

import "errors"

// Domain errors for components and containers.
//
// These errors can be checked using errors.Is(), also on errors returned by
// remote proxies, which wrap the same sentinels.
var (
	// ErrLookup is returned when a container or component name is unknown.
	ErrLookup = errors.New("component: not found")

	// ErrNameInUse is returned when creating a container whose name is
	// already bound in the process or in the directory.
	ErrNameInUse = errors.New("component: container name in use")

	// ErrDuplicateName is returned when registering a component whose name
	// already exists in the container.
	ErrDuplicateName = errors.New("component: duplicate name")

	// ErrAlreadyOwned is returned when registering a component that belongs
	// to another container.
	ErrAlreadyOwned = errors.New("component: owned by another container")

	// ErrNoAttribute is returned for an unknown method, attribute, VA,
	// DataFlow or Event.
	ErrNoAttribute = errors.New("component: no such attribute")

	// ErrArgument is returned when a method is called with the wrong number
	// or types of arguments.
	ErrArgument = errors.New("component: invalid arguments")

	// ErrTerminated is returned when using a terminated container.
	ErrTerminated = errors.New("component: terminated")
)
