package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when history is turned off.
	ErrDisabled = errors.New("influxdb: history disabled")

	// ErrConnectionFailed is returned by Connect when the server does not
	// answer its ping.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is returned by HealthCheck after Close.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrWriteFailed wraps asynchronous batch failures passed to the
	// SetOnError callback.
	ErrWriteFailed = errors.New("influxdb: batch write failed")
)
