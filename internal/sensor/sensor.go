package sensor

import (
	"context"
	"time"
)

// Reading is one environmental sample.
//
// Units: Temperature in degrees Celsius, Humidity in percent relative
// humidity, Pressure in kilopascals.
type Reading struct {
	Temperature float64
	Humidity    float64
	Pressure    float64
	At          time.Time
}

// Metric names, shared with telemetry and the value store.
const (
	KeyTemperature = "temperature"
	KeyHumidity    = "humidity"
	KeyPressure    = "pressure"
)

// Metrics returns the reading keyed by metric name.
func (r Reading) Metrics() map[string]float64 {
	return map[string]float64{
		KeyTemperature: r.Temperature,
		KeyHumidity:    r.Humidity,
		KeyPressure:    r.Pressure,
	}
}

// Values returns the reading as value-store entries.
func (r Reading) Values() map[string]any {
	return map[string]any{
		KeyTemperature: r.Temperature,
		KeyHumidity:    r.Humidity,
		KeyPressure:    r.Pressure,
	}
}

// Sensor produces readings. Implementations must be safe to call from one
// goroutine at a time; the relay never reads concurrently.
type Sensor interface {
	Read(ctx context.Context) (Reading, error)
}
