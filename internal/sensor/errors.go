package sensor

import "errors"

var (
	// ErrUnavailable is returned when the sensor cannot be read.
	ErrUnavailable = errors.New("sensor: unavailable")

	// ErrInvalidReading is returned when a channel holds an unparsable value.
	ErrInvalidReading = errors.New("sensor: invalid reading")
)
