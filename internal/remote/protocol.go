package remote

import (
	"github.com/delmic/odemis-sub009/internal/component"
)

// Message types.
const (
	TypeCall   = "call"
	TypeReply  = "reply"
	TypeNotify = "notify"
)

// Call operations.
const (
	OpDescribe      = "describe"
	OpInvoke        = "invoke"
	OpGetAttr       = "getattr"
	OpSetAttr       = "setattr"
	OpVAGet         = "va.get"
	OpVASet         = "va.set"
	OpVASubscribe   = "va.subscribe"
	OpVAUnsubscribe = "va.unsubscribe"
	OpDFSubscribe   = "df.subscribe"
	OpDFUnsubscribe = "df.unsubscribe"
	OpDFGet         = "df.get"
	OpDFSync        = "df.sync"
	OpDFEventType   = "df.eventtype"
	OpEventNotify   = "event.notify"
	OpFutureCancel  = "future.cancel"
)

// Notification kinds, carried in Message.Op.
const (
	NotifyVA             = "va"
	NotifyData           = "data"
	NotifyFutureProgress = "future.progress"
	NotifyFutureDone     = "future.done"
)

// Message is the unit exchanged over a connection, encoded as one JSON text
// frame.
//
// A call names a component, and for member operations a VA, DataFlow, Event
// or method in Member. Its reply carries the same ID. Notifications carry a
// subscription id (Sub) chosen by the client, or a Future id.
type Message struct {
	Type      string           `json:"type"`
	ID        uint64           `json:"id,omitempty"`
	Op        string           `json:"op,omitempty"`
	Oneway    bool             `json:"oneway,omitempty"`
	Component string           `json:"component,omitempty"`
	Member    string           `json:"member,omitempty"`
	Args      []Value          `json:"args,omitempty"`
	Kwargs    map[string]Value `json:"kwargs,omitempty"`
	Value     *Value           `json:"value,omitempty"`
	Sub       string           `json:"sub,omitempty"`
	Seq       uint64           `json:"seq,omitempty"`
	Future    string           `json:"future,omitempty"`
	Start     float64          `json:"start,omitempty"`
	End       float64          `json:"end,omitempty"`
	Error     *WireError       `json:"error,omitempty"`

	Descriptor *wireDescriptor `json:"descriptor,omitempty"`
}

// wireDescriptor is a component.Descriptor whose read-only attributes are
// encoded with the value codec, so they keep their types.
type wireDescriptor struct {
	component.Descriptor
	ROAttrs map[string]Value `json:"roattributes,omitempty"`
}
