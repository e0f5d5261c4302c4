package mqtt

import "errors"

// Errors returned by the broker client.
var (
	ErrNotConnected      = errors.New("mqtt: broker not connected")
	ErrConnectionFailed  = errors.New("mqtt: cannot reach broker")
	ErrPublishFailed     = errors.New("mqtt: publish not acknowledged")
	ErrSubscribeFailed   = errors.New("mqtt: subscription refused")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscription refused")

	// ErrInvalidQoS is returned for a QoS above 2.
	ErrInvalidQoS = errors.New("mqtt: QoS must be 0, 1 or 2")

	// ErrInvalidTopic is returned for an empty topic.
	ErrInvalidTopic = errors.New("mqtt: empty topic")
)
