package uplink

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Metric names reported by the weather station.
const (
	MetricTemperature = "temperature"
	MetricHumidity    = "humidity"
	MetricPressure    = "pressure"
)

// Event is one telemetry sample.
type Event struct {
	// Metrics maps a metric name ("temperature") to its value.
	Metrics map[string]float64

	// Time is when the sample was taken. Zero means "now".
	Time time.Time
}

// payload renders e as the telemetry JSON document:
//
//	{"currentTemperature": 21.5, "currentHumidity": 40, "currentPressure": 101.3,
//	 "deviceId": "station-01", "time": "2024-03-01T12:00:00Z"}
func (e Event) payload(deviceID string, now time.Time) ([]byte, error) {
	at := e.Time
	if at.IsZero() {
		at = now
	}

	doc := make(map[string]any, len(e.Metrics)+2)
	for name, v := range e.Metrics {
		doc[fieldName(name)] = v
	}
	doc["deviceId"] = deviceID
	doc["time"] = at.UTC().Format(time.RFC3339)

	return json.Marshal(doc)
}

// fieldName maps a metric name to its telemetry field: "temperature" becomes
// "currentTemperature".
func fieldName(metric string) string {
	r, size := utf8.DecodeRuneInString(metric)
	if r == utf8.RuneError {
		return "current"
	}
	var b strings.Builder
	b.WriteString("current")
	b.WriteRune(unicode.ToUpper(r))
	b.WriteString(metric[size:])
	return b.String()
}
