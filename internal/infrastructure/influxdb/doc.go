// Package influxdb keeps a local history of sensor readings in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library: a ping at Connect, a
// non-blocking batched WriteAPI, and asynchronous write errors delivered to
// the callback set with SetOnError.
//
// The history sink is optional (influxdb.enabled). It is independent of the
// cloud uplink: a reading is written here whether or not telemetry reached
// the cloud.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteReading("station-01", map[string]float64{"temperature": 21.4}, time.Now())
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
package influxdb
