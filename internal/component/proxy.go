package component

import (
	"context"

	"github.com/delmic/odemis-sub009/internal/dataflow"
	"github.com/delmic/odemis-sub009/internal/va"
)

// Proxy is the capability set of a component as seen by a client. The same
// interface is implemented by LocalProxy, for components of the current
// process, and by the network proxies of package remote.
//
// Results of Invoke keep their Go type, except components, which come back
// as Proxies, and futures, which come back as *future.Future or
// *future.ProgressiveFuture.
type Proxy interface {
	Name() string
	Role() string
	Ref() Ref

	// Describe returns the descriptor fetched when the proxy was built.
	Describe() Descriptor

	Invoke(ctx context.Context, method string, args ...any) (any, error)
	InvokeKw(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error)

	// InvokeOneway sends the call without waiting for it to run. Errors
	// raised by the method are only logged by the callee.
	InvokeOneway(ctx context.Context, method string, args ...any) error

	// GetAttr returns a read-only attribute (from the descriptor, without
	// round trip) or the current value of a VA.
	GetAttr(ctx context.Context, name string) (any, error)
	SetAttr(ctx context.Context, name string, value any) error

	VA(name string) (VAProxy, error)
	DataFlow(name string) (DataFlowProxy, error)
	Event(name string) (EventProxy, error)

	// Parent returns the parent component, or nil if there is none.
	Parent(ctx context.Context) (Proxy, error)
	Children(ctx context.Context) ([]Proxy, error)
	Affects(ctx context.Context) ([]Proxy, error)
}

// VAProxy gives access to a VA of a component.
type VAProxy interface {
	Name() string
	Descriptor() va.Descriptor

	// Value returns the current value. A remote proxy with subscribers
	// serves it from its local mirror.
	Value(ctx context.Context) (any, error)

	// Set writes the value, always validated by the owner of the VA.
	Set(ctx context.Context, value any) error

	Subscribe(ctx context.Context, l va.Listener, init bool) error
	Unsubscribe(ctx context.Context, l va.Listener) error
}

// DataFlowProxy gives access to a DataFlow of a component.
type DataFlowProxy interface {
	Name() string
	Subscribe(ctx context.Context, l dataflow.Listener) error
	Unsubscribe(ctx context.Context, l dataflow.Listener) error
	Get(ctx context.Context) (*dataflow.DataArray, error)

	// SynchronizedOn gates the DataFlow on e, or removes the gate if e is
	// nil. e must belong to the same container as the DataFlow.
	SynchronizedOn(ctx context.Context, e EventProxy) error
	EventType(ctx context.Context) (string, error)
}

// EventProxy gives access to an Event or HwTrigger of a component.
type EventProxy interface {
	Name() string

	// Owner returns the component declaring the event.
	Owner() Ref

	// Type returns dataflow.TypeSoftware or dataflow.TypeHardware.
	Type() string
	Notify(ctx context.Context) error
}

// Resolver turns component handles into proxies.
type Resolver interface {
	Lookup(ctx context.Context, ref Ref) (Proxy, error)
}
