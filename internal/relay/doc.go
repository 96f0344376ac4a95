// Package relay connects the weather station's sources and sinks.
//
// Remote configuration arriving from the uplink is written to the value
// store (origin "cloud"), which the bridge forwards to the UI. Sensor
// readings go to the uplink as telemetry and to the store (origin
// "sensor"); the two sinks are independent. An optional history sink
// keeps a local record of readings and publish outcomes.
package relay
