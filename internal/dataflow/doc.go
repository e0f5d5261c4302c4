// Package dataflow implements DataFlows, push-based data streams whose
// production follows their subscriptions, and the Event and HwTrigger
// primitives used to synchronize them.
//
// A DataFlow calls its Producer's StartGenerate when the first listener
// subscribes and StopGenerate when the last one leaves, exactly once per
// transition even under concurrent subscriptions. Producers push data with
// Notify; a failing listener never prevents delivery to the others.
//
// Synchronization:
//
//	trigger := dataflow.NewEvent()
//	df.SynchronizedOn(trigger) // producer blocks in WaitTrigger
//	df.Subscribe(listener)
//	trigger.Notify()           // releases exactly one acquisition
//
// A HwTrigger can be attached the same way to document a hardware
// synchronization; it never blocks the producer and cannot be fired.
package dataflow
