package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the weather station.
const (
	// MeasurementWeather holds one point per sensor reading, one field per metric.
	MeasurementWeather = "weather"

	// MeasurementUplink records telemetry delivery outcomes.
	MeasurementUplink = "uplink"
)

// WriteReading records one sensor reading. The write is non-blocking; points
// are batched and sent asynchronously. Empty readings are ignored.
//
// Example:
//
//	client.WriteReading("station-01", map[string]float64{
//	    "temperature": 21.4, "humidity": 48.0, "pressure": 101.3,
//	}, time.Now())
func (c *Client) WriteReading(deviceID string, metrics map[string]float64, at time.Time) {
	if !c.IsConnected() || len(metrics) == 0 {
		return
	}
	c.writeAPI.WritePoint(readingPoint(deviceID, metrics, at))
}

// WriteUplinkResult records whether a telemetry publish reached the cloud.
func (c *Client) WriteUplinkResult(deviceID string, delivered bool, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(uplinkPoint(deviceID, delivered, at))
}

func readingPoint(deviceID string, metrics map[string]float64, at time.Time) *write.Point {
	fields := make(map[string]interface{}, len(metrics))
	for name, v := range metrics {
		fields[name] = v
	}
	return write.NewPoint(
		MeasurementWeather,
		map[string]string{"device_id": deviceID},
		fields,
		at,
	)
}

func uplinkPoint(deviceID string, delivered bool, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementUplink,
		map[string]string{"device_id": deviceID},
		map[string]interface{}{"delivered": delivered},
		at,
	)
}
