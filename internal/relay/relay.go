package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/FdxDelveloper/iot-walkthrough/internal/infrastructure/config"
	"github.com/FdxDelveloper/iot-walkthrough/internal/infrastructure/influxdb"
	"github.com/FdxDelveloper/iot-walkthrough/internal/sensor"
	"github.com/FdxDelveloper/iot-walkthrough/internal/uplink"
	"github.com/FdxDelveloper/iot-walkthrough/internal/valuestore"
)

// Store origins written by the relay.
const (
	OriginCloud  = "cloud"
	OriginSensor = "sensor"
)

// DefaultInterval is the sensor polling period when none is configured.
const DefaultInterval = 5 * time.Second

// Publisher sends telemetry. *uplink.Uplink satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ev uplink.Event) error
}

// HistorySink records readings locally. *influxdb.Client satisfies it.
type HistorySink interface {
	WriteReading(deviceID string, metrics map[string]float64, at time.Time)
	WriteUplinkResult(deviceID string, delivered bool, at time.Time)
}

// Logger defines the logging interface used by the relay.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Relay wires sensor readings and remote configuration into the value
// store, and readings into the telemetry uplink.
//
// The uplink and the store are independent sinks: a failed publish never
// keeps a reading out of the store, and the other way round.
type Relay struct {
	store     *valuestore.Store
	publisher Publisher
	forward   map[string]struct{}

	sensor   sensor.Sensor
	interval time.Duration

	history  HistorySink
	deviceID string

	logger Logger

	inflight sync.WaitGroup
}

// Option configures a Relay.
type Option func(*Relay)

// WithSensor sets the sensor polled by Run and its period.
func WithSensor(s sensor.Sensor, interval time.Duration) Option {
	return func(r *Relay) {
		r.sensor = s
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithHistory records every reading and publish outcome in h.
func WithHistory(h HistorySink, deviceID string) Option {
	return func(r *Relay) {
		r.history = h
		r.deviceID = deviceID
	}
}

// New creates a relay. cfg.ForwardKeys limits which configuration keys
// reach the store; empty forwards all of them.
func New(cfg config.RelayConfig, store *valuestore.Store, publisher Publisher, opts ...Option) *Relay {
	r := &Relay{
		store:     store,
		publisher: publisher,
		interval:  DefaultInterval,
		logger:    noopLogger{},
	}
	if len(cfg.ForwardKeys) > 0 {
		r.forward = make(map[string]struct{}, len(cfg.ForwardKeys))
		for _, k := range cfg.ForwardKeys {
			r.forward[k] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetLogger sets the logger for the relay.
func (r *Relay) SetLogger(logger Logger) {
	r.logger = logger
}

var (
	_ uplink.ConfigHandler = (*Relay)(nil)
	_ HistorySink          = (*influxdb.Client)(nil)
)

// ApplyConfig forwards remote configuration entries to the store as one
// batch with origin "cloud".
func (r *Relay) ApplyConfig(_ context.Context, entries []uplink.ConfigEntry) error {
	values := make(map[string]any, len(entries))
	for _, e := range entries {
		if r.forward != nil {
			if _, ok := r.forward[e.Key]; !ok {
				r.logger.Debug("config key not forwarded", "key", e.Key)
				continue
			}
		}
		values[e.Key] = e.Value
	}
	if len(values) == 0 {
		return nil
	}

	changed, err := r.store.Set(OriginCloud, values)
	if err != nil {
		return fmt.Errorf("forwarding remote config: %w", err)
	}
	r.logger.Info("remote config applied", "entries", len(values), "changed", len(changed))
	return nil
}

// HandleReading sends r to the uplink in the background and stores it with
// origin "sensor".
func (r *Relay) HandleReading(ctx context.Context, reading sensor.Reading) {
	at := reading.At
	if at.IsZero() {
		at = time.Now()
	}
	metrics := reading.Metrics()

	if r.publisher != nil {
		r.inflight.Add(1)
		go func() {
			defer r.inflight.Done()
			err := r.publisher.Publish(ctx, uplink.Event{Metrics: metrics, Time: at})
			if err != nil {
				r.logger.Warn("telemetry publish failed", "error", err)
			}
			if r.history != nil {
				r.history.WriteUplinkResult(r.deviceID, err == nil, at)
			}
		}()
	}

	if _, err := r.store.Set(OriginSensor, reading.Values()); err != nil {
		r.logger.Warn("storing reading failed", "error", err)
	}

	if r.history != nil {
		r.history.WriteReading(r.deviceID, metrics, at)
	}
}

// Run polls the sensor every interval until ctx is cancelled, then waits
// for in-flight publishes. A failed read is logged and skipped.
func (r *Relay) Run(ctx context.Context) error {
	if r.sensor == nil {
		return fmt.Errorf("relay: no sensor configured")
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer r.inflight.Wait()

	r.logger.Info("relay polling sensor", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reading, err := r.sensor.Read(ctx)
			if err != nil {
				r.logger.Warn("sensor read failed", "error", err)
				continue
			}
			r.HandleReading(ctx, reading)
		}
	}
}

// Wait blocks until every background publish has finished.
func (r *Relay) Wait() {
	r.inflight.Wait()
}
