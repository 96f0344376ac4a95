package relay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FdxDelveloper/iot-walkthrough/internal/bridge"
	"github.com/FdxDelveloper/iot-walkthrough/internal/infrastructure/config"
	"github.com/FdxDelveloper/iot-walkthrough/internal/sensor"
	"github.com/FdxDelveloper/iot-walkthrough/internal/uplink"
	"github.com/FdxDelveloper/iot-walkthrough/internal/valuestore"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []uplink.Event
	err    error
	block  chan struct{}
}

func (p *fakePublisher) Publish(_ context.Context, ev uplink.Event) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fakeHistory struct {
	mu        sync.Mutex
	readings  int
	delivered []bool
}

func (h *fakeHistory) WriteReading(string, map[string]float64, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readings++
}

func (h *fakeHistory) WriteUplinkResult(_ string, delivered bool, _ time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivered = append(h.delivered, delivered)
}

type fakeSensor struct {
	mu    sync.Mutex
	reads int
	err   error
}

func (s *fakeSensor) Read(context.Context) (sensor.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.err != nil {
		return sensor.Reading{}, s.err
	}
	return sensor.Reading{Temperature: 20 + float64(s.reads), Humidity: 40, Pressure: 101.3, At: time.Now()}, nil
}

func (s *fakeSensor) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func TestApplyConfig_ForwardsAllByDefault(t *testing.T) {
	store := valuestore.New()
	r := New(config.RelayConfig{}, store, nil)

	var changes []valuestore.Change
	sub := store.Observe(func(c valuestore.Change) { changes = append(changes, c) })
	defer sub.Unsubscribe()

	err := r.ApplyConfig(context.Background(), []uplink.ConfigEntry{
		{Key: "ConfigTemperatureUnit", Value: "Fahrenheit"},
		{Key: "retries", Value: 3.0},
	})
	require.NoError(t, err)

	require.Len(t, changes, 1, "one batch")
	assert.Equal(t, OriginCloud, changes[0].Origin)
	assert.Equal(t, map[string]any{"ConfigTemperatureUnit": "Fahrenheit", "retries": 3.0}, changes[0].Values)
}

func TestApplyConfig_AllowList(t *testing.T) {
	store := valuestore.New()
	r := New(config.RelayConfig{ForwardKeys: []string{"ConfigTemperatureUnit"}}, store, nil)

	require.NoError(t, r.ApplyConfig(context.Background(), []uplink.ConfigEntry{
		{Key: "ConfigTemperatureUnit", Value: "Celsius"},
		{Key: "retries", Value: 3.0},
	}))

	assert.Equal(t, map[string]any{"ConfigTemperatureUnit": "Celsius"}, store.Snapshot())

	// Nothing allowed, nothing written.
	require.NoError(t, r.ApplyConfig(context.Background(), []uplink.ConfigEntry{{Key: "retries", Value: 4.0}}))
	assert.Equal(t, 1, store.Len())
}

func TestApplyConfig_UnsupportedValueReported(t *testing.T) {
	store := valuestore.New()
	r := New(config.RelayConfig{}, store, nil)

	err := r.ApplyConfig(context.Background(), []uplink.ConfigEntry{
		{Key: "ok", Value: "yes"},
		{Key: "bad", Value: []int{1}},
	})
	assert.ErrorIs(t, err, valuestore.ErrUnsupportedValueType)
	_, ok := store.Value("ok")
	assert.True(t, ok)
}

func TestHandleReading_IndependentSinks(t *testing.T) {
	store := valuestore.New()
	pub := &fakePublisher{err: errors.New("uplink down")}
	hist := &fakeHistory{}
	r := New(config.RelayConfig{}, store, pub, WithHistory(hist, "station-01"))

	r.HandleReading(context.Background(), sensor.Reading{Temperature: 21.5, Humidity: 40, Pressure: 101.3})
	r.Wait()

	assert.Equal(t, 1, pub.count())
	assert.Equal(t, map[string]any{"temperature": 21.5, "humidity": 40.0, "pressure": 101.3}, store.Snapshot())

	e, _ := store.Entry("temperature")
	assert.Equal(t, OriginSensor, e.Origin)

	assert.Equal(t, 1, hist.readings)
	assert.Equal(t, []bool{false}, hist.delivered)
}

func TestHandleReading_PublishDoesNotBlockStore(t *testing.T) {
	store := valuestore.New()
	pub := &fakePublisher{block: make(chan struct{})}
	r := New(config.RelayConfig{}, store, pub)

	r.HandleReading(context.Background(), sensor.Reading{Temperature: 18})
	v, ok := store.Value("temperature")
	require.True(t, ok, "stored before the publish completes")
	assert.Equal(t, 18.0, v)

	close(pub.block)
	r.Wait()
	require.Equal(t, 1, pub.count())
	assert.Equal(t, 18.0, pub.events[0].Metrics[sensor.KeyTemperature])
}

func TestRun_PollsSensor(t *testing.T) {
	store := valuestore.New()
	pub := &fakePublisher{}
	s := &fakeSensor{}
	r := New(config.RelayConfig{}, store, pub, WithSensor(s, 10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return pub.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	_, ok := store.Value("temperature")
	assert.True(t, ok)
}

func TestRun_SensorErrorsSkipped(t *testing.T) {
	store := valuestore.New()
	s := &fakeSensor{err: sensor.ErrUnavailable}
	r := New(config.RelayConfig{}, store, &fakePublisher{}, WithSensor(s, 10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return s.readCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, store.Len())
}

func TestRun_NoSensor(t *testing.T) {
	r := New(config.RelayConfig{}, valuestore.New(), nil)
	assert.Error(t, r.Run(context.Background()))
}

func TestHandleReading_ReachesBridgePeer(t *testing.T) {
	dir, err := os.MkdirTemp("", "relay")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.BridgeConfig{
		Contract:     "com.microsoft.showcase.appservice",
		SocketPath:   filepath.Join(dir, "bridge.sock"),
		WriteTimeout: 1,
		QueueSize:    16,
	}
	store := valuestore.New()
	srv := bridge.New(cfg, store)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.ListenAndServe(ctx) //nolint:errcheck // Ends with the context
	}()
	t.Cleanup(func() {
		cancel()
		srv.Close() //nolint:errcheck // Test cleanup
		<-served
	})

	var peer *bridge.Client
	require.Eventually(t, func() bool {
		dialCtx, dialCancel := context.WithTimeout(context.Background(), time.Second)
		defer dialCancel()
		peer, err = bridge.Dial(dialCtx, cfg.SocketPath, cfg.Contract)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { peer.Close() }) //nolint:errcheck // Test cleanup
	require.Eventually(t, srv.Attached, 2*time.Second, 10*time.Millisecond)

	r := New(config.RelayConfig{}, store, &fakePublisher{})
	r.HandleReading(context.Background(), sensor.Reading{Temperature: 21.5, Humidity: 40, Pressure: 101.3})
	r.Wait()

	want := map[string]any{"temperature": 21.5, "humidity": 40.0, "pressure": 101.3}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, peer.Snapshot())
	}, 2*time.Second, 10*time.Millisecond)
}
