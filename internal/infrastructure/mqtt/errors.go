package mqtt

import "errors"

var (
	// ErrInvalidCredentials is returned by Connect without a host or client id.
	ErrInvalidCredentials = errors.New("mqtt: host and client id are required")

	// ErrConnectionFailed is returned when the broker cannot be reached or
	// the handshake fails for a reason other than the credentials.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrNotAuthorized is returned when the broker refused the credentials
	// (CONNACK "not authorised" or "bad user name or password"). The same
	// credentials will keep being refused.
	ErrNotAuthorized = errors.New("mqtt: not authorized")

	// ErrNotConnected is returned while the session is down and reconnecting.
	ErrNotConnected = errors.New("mqtt: client not connected")

	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrTimeout is returned when the broker does not acknowledge in time.
	ErrTimeout = errors.New("mqtt: timed out waiting for broker")

	ErrInvalidQoS   = errors.New("mqtt: QoS must be 0, 1 or 2")
	ErrInvalidTopic = errors.New("mqtt: empty topic")
)
