package dataflow

import (
	"fmt"

	"github.com/delmic/odemis-sub009/internal/observer"
)

// Event types, as reported by DataFlow.EventType.
const (
	TypeSoftware = "sw"
	TypeHardware = "hw"
)

// EventListener is informed each time an Event fires.
// Implementations must be comparable.
type EventListener interface {
	OnEvent()
}

// Trigger is what a DataFlow can be synchronized on: a software Event, or a
// HwTrigger which only documents a hardware synchronization.
type Trigger interface {
	// Type returns TypeSoftware or TypeHardware.
	Type() string

	// Notify fires the trigger.
	Notify() error

	AddListener(l EventListener)
	RemoveListener(l EventListener)
}

// Event is a software signal. Each Notify informs every current listener
// exactly once.
type Event struct {
	listeners observer.Set[EventListener]
	logger    Logger
}

// NewEvent creates a software event.
func NewEvent() *Event {
	return &Event{logger: noopLogger{}}
}

// SetLogger sets the logger receiving listener panics.
func (e *Event) SetLogger(logger Logger) {
	e.logger = logger
}

// Type returns TypeSoftware.
func (e *Event) Type() string {
	return TypeSoftware
}

// Notify fires the event.
func (e *Event) Notify() error {
	e.listeners.Broadcast(func(l EventListener) error {
		l.OnEvent()
		return nil
	}, func(l EventListener, err error) {
		e.logger.Warn("event listener failed", "listener", fmt.Sprintf("%T", l), "error", err)
	})
	return nil
}

// AddListener registers l.
func (e *Event) AddListener(l EventListener) {
	e.listeners.Add(l)
}

// RemoveListener unregisters l.
func (e *Event) RemoveListener(l EventListener) {
	e.listeners.Remove(l)
}

// Listeners returns the number of registered listeners.
func (e *Event) Listeners() int {
	return e.listeners.Len()
}

// HwTrigger marks a synchronization performed by hardware electronics (a
// TTL line between two devices, for instance). It can be inspected and
// attached to a DataFlow, but never fired by software.
type HwTrigger struct {
	listeners observer.Set[EventListener]
}

// NewHwTrigger creates a hardware trigger.
func NewHwTrigger() *HwTrigger {
	return &HwTrigger{}
}

// Type returns TypeHardware.
func (h *HwTrigger) Type() string {
	return TypeHardware
}

// Notify always fails with ErrHardwareTrigger.
func (h *HwTrigger) Notify() error {
	return ErrHardwareTrigger
}

// AddListener registers l; it will never be informed.
func (h *HwTrigger) AddListener(l EventListener) {
	h.listeners.Add(l)
}

// RemoveListener unregisters l.
func (h *HwTrigger) RemoveListener(l EventListener) {
	h.listeners.Remove(l)
}

// Listeners returns the number of attached listeners.
func (h *HwTrigger) Listeners() int {
	return h.listeners.Len()
}
