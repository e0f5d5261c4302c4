package remote

import (
	"context"
	"errors"

	"github.com/delmic/odemis-sub009/internal/component"
	"github.com/delmic/odemis-sub009/internal/dataflow"
	"github.com/delmic/odemis-sub009/internal/future"
	"github.com/delmic/odemis-sub009/internal/va"
)

// Domain errors for the transport.
var (
	// ErrConnectionClosed is returned by every call on a proxy whose
	// connection to the container is lost.
	ErrConnectionClosed = errors.New("remote: connection closed")

	// ErrRemote is wrapped by errors raised in another process whose kind
	// has no equivalent here.
	ErrRemote = errors.New("remote: error in remote process")

	// ErrProtocol is returned for malformed messages.
	ErrProtocol = errors.New("remote: protocol error")

	// ErrPermission is returned for calls the token of the connection does
	// not allow.
	ErrPermission = errors.New("remote: permission denied")
)

// errorCodes maps the sentinels which cross process boundaries to their wire
// code. Order matters: the first sentinel matched by errors.Is wins.
var errorCodes = []struct {
	code string
	err  error
}{
	{"lookup", component.ErrLookup},
	{"name_in_use", component.ErrNameInUse},
	{"duplicate_name", component.ErrDuplicateName},
	{"already_owned", component.ErrAlreadyOwned},
	{"no_attribute", component.ErrNoAttribute},
	{"argument", component.ErrArgument},
	{"terminated", component.ErrTerminated},
	{"type", va.ErrType},
	{"out_of_range", va.ErrOutOfRange},
	{"not_in_choices", va.ErrNotInChoices},
	{"invalid_value", va.ErrInvalidValue},
	{"read_only", va.ErrReadOnly},
	{"busy", dataflow.ErrBusy},
	{"hardware_trigger", dataflow.ErrHardwareTrigger},
	{"dataflow_closed", dataflow.ErrClosed},
	{"invalid_shape", dataflow.ErrInvalidShape},
	{"cancelled", future.ErrCancelled},
	{"timeout", future.ErrTimeout},
	{"shutdown", future.ErrShutdown},
	{"context_canceled", context.Canceled},
	{"deadline_exceeded", context.DeadlineExceeded},
	{"connection_closed", ErrConnectionClosed},
	{"protocol", ErrProtocol},
	{"permission", ErrPermission},
}

// WireError is an error as sent over the wire.
type WireError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// RemoteError is an error raised in another process. It keeps the original
// message and unwraps to the matching local sentinel, so errors.Is works as
// if the error had been raised locally.
type RemoteError struct {
	Code    string
	Message string

	sentinel error
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.sentinel
}

// toWire converts err for sending.
func toWire(err error) *WireError {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return &WireError{Code: re.Code, Message: re.Message}
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return &WireError{Code: ec.code, Message: err.Error()}
		}
	}
	return &WireError{Message: err.Error()}
}

// fromWire rebuilds a received error.
func fromWire(we *WireError) error {
	if we == nil {
		return nil
	}
	for _, ec := range errorCodes {
		if ec.code == we.Code {
			return &RemoteError{Code: we.Code, Message: we.Message, sentinel: ec.err}
		}
	}
	return &RemoteError{Code: we.Code, Message: we.Message, sentinel: ErrRemote}
}
