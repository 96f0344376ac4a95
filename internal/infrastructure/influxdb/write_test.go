package influxdb

import (
	"errors"
	"testing"
	"time"

	"github.com/FdxDelveloper/iot-walkthrough/internal/infrastructure/config"
)

func TestReadingPoint(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p := readingPoint("station-01", map[string]float64{
		"temperature": 21.5,
		"humidity":    40,
	}, at)

	if p.Name() != MeasurementWeather {
		t.Errorf("Name() = %q, want %q", p.Name(), MeasurementWeather)
	}
	if !p.Time().Equal(at) {
		t.Errorf("Time() = %v, want %v", p.Time(), at)
	}

	tags := p.TagList()
	if len(tags) != 1 || tags[0].Key != "device_id" || tags[0].Value != "station-01" {
		t.Errorf("TagList() = %v, want device_id=station-01", tags)
	}

	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	if fields["temperature"] != 21.5 || fields["humidity"] != 40.0 {
		t.Errorf("FieldList() = %v", fields)
	}
}

func TestUplinkPoint(t *testing.T) {
	p := uplinkPoint("station-01", false, time.Now())

	if p.Name() != MeasurementUplink {
		t.Errorf("Name() = %q, want %q", p.Name(), MeasurementUplink)
	}
	fields := p.FieldList()
	if len(fields) != 1 || fields[0].Key != "delivered" || fields[0].Value != false {
		t.Errorf("FieldList() = %v, want delivered=false", fields)
	}
}

func TestBatchSettings(t *testing.T) {
	tests := []struct {
		name         string
		batch, flush int
		wantBatch    int
		wantFlush    time.Duration
	}{
		{name: "configured", batch: 5, flush: 2, wantBatch: 5, wantFlush: 2 * time.Second},
		{name: "zero", wantBatch: defaultBatchSize, wantFlush: defaultFlushInterval},
		{name: "negative", batch: -1, flush: -3, wantBatch: defaultBatchSize, wantFlush: defaultFlushInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, fl := batchSettings(config.InfluxDBConfig{BatchSize: tt.batch, FlushInterval: tt.flush})
			if b != tt.wantBatch || fl != tt.wantFlush {
				t.Errorf("batchSettings() = (%d, %v), want (%d, %v)", b, fl, tt.wantBatch, tt.wantFlush)
			}
		})
	}
}

func TestClientOptions(t *testing.T) {
	opts := clientOptions(config.InfluxDBConfig{BatchSize: 20, FlushInterval: 3})
	if opts.BatchSize() != 20 {
		t.Errorf("BatchSize() = %d, want 20", opts.BatchSize())
	}
	if opts.FlushInterval() != 3000 {
		t.Errorf("FlushInterval() = %d ms, want 3000", opts.FlushInterval())
	}
}

func TestWrites_AfterClose(t *testing.T) {
	c := &Client{}
	c.closed.Store(true)

	// Must not touch the nil write API.
	c.WriteReading("x", map[string]float64{"temperature": 1}, time.Now())
	c.WriteUplinkResult("x", true, time.Now())
	c.Flush()

	if c.IsConnected() {
		t.Error("IsConnected() = true after close")
	}
}

func TestDrainErrors(t *testing.T) {
	c := &Client{bucket: "readings"}
	var got []error
	c.SetOnError(func(err error) { got = append(got, err) })

	errs := make(chan error, 2)
	errs <- errors.New("timeout")
	errs <- errors.New("unauthorized")
	close(errs)
	c.drainErrors(errs)

	if c.Failures() != 2 {
		t.Errorf("Failures() = %d, want 2", c.Failures())
	}
	if len(got) != 2 {
		t.Fatalf("callback got %d errors, want 2", len(got))
	}
	for _, err := range got {
		if !errors.Is(err, ErrWriteFailed) {
			t.Errorf("callback error = %v, want ErrWriteFailed", err)
		}
	}
}
