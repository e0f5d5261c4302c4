// Package component implements the object model of the runtime: components,
// the containers hosting them and the proxies through which clients use
// them.
//
// A Component exposes named members:
//   - VAs (package va), observable and validated properties
//   - DataFlows and Events (package dataflow)
//   - methods, called by name with positional or keyword arguments
//   - read-only attributes, fixed at construction
//
// Components reference each other through Refs (container name and
// component name), resolved on use through the container or a Resolver.
// Parent/children cycles therefore need no special handling.
//
// Clients never hold a *Component of another process. They use a Proxy,
// implemented here by LocalProxy and in package remote by a network-backed
// proxy with the same behaviour.
//
// Usage:
//
//	stage := component.New("stage", "stage")
//	stage.AddVA("speed", va.NewFloatContinuous(2.0, -1, 3.4, va.Unit("m/s")))
//	stage.Expose("moveRel", s.moveRel, component.Params("shift"))
//
//	if err := container.Register(stage); err != nil {
//	    return err
//	}
package component
