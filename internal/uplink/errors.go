package uplink

import "errors"

var (
	// ErrAuthRejected is returned when the cloud endpoint refuses the
	// session credential. The uplink answers it with one credential refresh.
	ErrAuthRejected = errors.New("uplink: credential rejected")

	// ErrPublishFailed is returned when a telemetry event could not be
	// delivered. It wraps the underlying cause.
	ErrPublishFailed = errors.New("uplink: publish failed")

	// ErrNotConnected is returned when no session is open.
	ErrNotConnected = errors.New("uplink: not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("uplink: closed")

	// ErrTwinRequest is returned when the desired-state snapshot request
	// fails or is answered with a non-success status.
	ErrTwinRequest = errors.New("uplink: desired-state request failed")
)
