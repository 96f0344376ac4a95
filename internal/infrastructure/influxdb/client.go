package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/FdxDelveloper/iot-walkthrough/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	// Readings arrive every few seconds, so flush often rather than wait
	// for a large batch.
	defaultBatchSize     = 50
	defaultFlushInterval = 10 * time.Second
)

// Client is the local reading history. Writes never block the caller: points
// are queued in the library's batching WriteAPI and failures surface through
// the SetOnError callback.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Writes after Close are dropped.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string

	closed    atomic.Bool
	closeOnce sync.Once

	// failures counts batches the server rejected or never received.
	failures atomic.Uint64

	onErrorMu sync.RWMutex
	onError   func(err error)
}

// Connect pings the server at cfg.URL (bounded by ctx and connectTimeout)
// and opens a batching writer for cfg.Org/cfg.Bucket.
//
// Returns ErrDisabled when cfg.Enabled is false.
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, clientOptions(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	ok, err := client.Ping(pingCtx)
	switch {
	case err != nil:
		client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, err)
	case !ok:
		client.Close()
		return nil, fmt.Errorf("%w: %s: server not ready", ErrConnectionFailed, cfg.URL)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
	}
	go c.drainErrors(c.writeAPI.Errors())
	return c, nil
}

// clientOptions maps the history config onto the library's batching options.
func clientOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batchSize, flushInterval := batchSettings(cfg)
	return influxdb2.DefaultOptions().
		SetBatchSize(uint(batchSize)).                           //nolint:gosec // batchSettings keeps it positive
		SetFlushInterval(uint(flushInterval / time.Millisecond)) //nolint:gosec // Positive duration
}

// batchSettings returns the configured batch size and flush interval, or
// the defaults for unset or negative values.
func batchSettings(cfg config.InfluxDBConfig) (batchSize int, flushInterval time.Duration) {
	batchSize = cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval = time.Duration(cfg.FlushInterval) * time.Second
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return batchSize, flushInterval
}

// drainErrors forwards asynchronous write failures until the writer closes.
func (c *Client) drainErrors(errs <-chan error) {
	for err := range errs {
		c.failures.Add(1)

		c.onErrorMu.RLock()
		fn := c.onError
		c.onErrorMu.RUnlock()

		if fn != nil {
			fn(fmt.Errorf("%w: bucket %s: %w", ErrWriteFailed, c.bucket, err))
		}
	}
}

// SetOnError sets the callback for failed batch writes. Errors wrap
// ErrWriteFailed.
func (c *Client) SetOnError(fn func(err error)) {
	c.onErrorMu.Lock()
	defer c.onErrorMu.Unlock()
	c.onError = fn
}

// Failures returns how many batch writes have failed since Connect.
func (c *Client) Failures() uint64 {
	return c.failures.Load()
}

// IsConnected reports whether the client is still open.
func (c *Client) IsConnected() bool {
	return !c.closed.Load()
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.closed.Load() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	ok, err := c.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	if !ok {
		return fmt.Errorf("influxdb health check: server not ready")
	}
	return nil
}

// Flush blocks until queued points are written. No-op after Close.
func (c *Client) Flush() {
	if c.closed.Load() {
		return
	}
	c.writeAPI.Flush()
}

// Close writes what is queued and releases the client. Calling Close more
// than once is safe.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeAPI.Flush()
		c.client.Close()
	})
	return nil
}
