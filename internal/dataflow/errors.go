package dataflow

import "errors"

// Domain errors for the dataflow package.
var (
	// ErrBusy is returned when subscribing to (or reading from) a DataFlow
	// while a conflicting exclusive operation holds it.
	ErrBusy = errors.New("dataflow: busy with an exclusive operation")

	// ErrHardwareTrigger is returned by HwTrigger.Notify: a hardware trigger
	// is driven by electronics and cannot be fired by software.
	ErrHardwareTrigger = errors.New("dataflow: hardware trigger cannot be fired by software")

	// ErrClosed is returned when using a DataFlow after Close.
	ErrClosed = errors.New("dataflow: closed")

	// ErrInvalidShape is returned when a DataArray's values do not match its shape.
	ErrInvalidShape = errors.New("dataflow: values do not match shape")
)
