package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/FdxDelveloper/iot-walkthrough/internal/infrastructure/config"
)

// connState is the session state as seen by callers.
type connState int32

const (
	// stateDown covers "never connected", "lost and reconnecting" and
	// "closed".
	stateDown connState = iota
	stateUp
	// stateRefused means the broker rejected the credentials; the
	// reconnect loop has stopped.
	stateRefused
)

// Client is one authenticated device session with the hub broker.
//
// Reconnection uses exponential backoff and stops for good when the broker
// refuses the credentials; the owner then replaces the Client with one
// holding fresh credentials.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriptions are restored on every reconnect.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	creds  Credentials

	state atomic.Int32 // connState

	subscriptions map[string]subscription
	subMu         sync.RWMutex

	// hooksMu guards the logger and the connection callbacks.
	hooksMu      sync.RWMutex
	logger       Logger
	onConnect    func()
	onDisconnect func(err error)

	// loopMu orders reconnect-loop starts against Close.
	loopMu    sync.Mutex
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Logger is the subset of logging.Logger the client uses.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// subscription holds subscription details for re-subscription on reconnect.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler is the callback signature for received messages.
//
// Handlers are invoked in separate goroutines by the paho library.
// They should not block for extended periods. A returned error is logged.
type MessageHandler func(topic string, payload []byte) error

// Connect opens a session to the broker named in creds.
//
// The initial attempt is made synchronously. An authorization refusal is
// reported as ErrNotAuthorized; any other failure as ErrConnectionFailed.
func Connect(cfg config.MQTTConfig, creds Credentials) (*Client, error) {
	if creds.Host == "" || creds.ClientID == "" {
		return nil, ErrInvalidCredentials
	}

	c := &Client{
		cfg:           cfg,
		creds:         creds,
		subscriptions: make(map[string]subscription),
		closing:       make(chan struct{}),
	}

	opts := buildClientOptions(cfg, creds).
		SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() }).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })

	c.client = pahomqtt.NewClient(opts)
	if err := c.connectOnce(); err != nil {
		return nil, err
	}

	// The connect handler runs asynchronously; be "up" as soon as Connect
	// returns.
	c.state.Store(int32(stateUp))
	return c, nil
}

// connectOnce performs a single connection attempt and classifies the result.
func (c *Client) connectOnce() error {
	token := c.client.Connect()
	err := waitToken(token, defaultConnectTimeout)
	switch {
	case err == nil:
		return nil
	case isAuthRefusal(token):
		c.state.Store(int32(stateRefused))
		return fmt.Errorf("%w: %w", ErrNotAuthorized, err)
	default:
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
}

// handleConnect runs on every successful (re)connect.
func (c *Client) handleConnect() {
	c.state.Store(int32(stateUp))
	c.restoreSubscriptions()

	c.hooksMu.RLock()
	fn := c.onConnect
	c.hooksMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// handleDisconnect runs when paho loses the connection and starts the
// reconnect loop unless the client is closing.
func (c *Client) handleDisconnect(err error) {
	c.state.Store(int32(stateDown))

	c.hooksMu.RLock()
	fn := c.onDisconnect
	c.hooksMu.RUnlock()
	if fn != nil {
		fn(err)
	}

	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	select {
	case <-c.closing:
		return
	default:
	}

	c.wg.Add(1)
	go c.reconnectLoop()
}

// reconnectLoop retries the connection with exponential backoff until it
// succeeds, the broker refuses the credentials, or the client is closed.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	delay, maxDelay := backoff(c.cfg)
	for {
		timer := time.NewTimer(delay)
		select {
		case <-c.closing:
			timer.Stop()
			return
		case <-timer.C:
		}

		err := c.connectOnce()
		switch {
		case err == nil:
			return
		case c.AuthRefused():
			c.warn("MQTT reconnect refused, credentials rejected", "client_id", c.creds.ClientID, "error", err)
			return
		}
		c.warn("MQTT reconnect failed", "client_id", c.creds.ClientID, "error", err, "retry_in", delay)
		delay = nextBackoff(delay, maxDelay)
	}
}

// restoreSubscriptions re-subscribes to all tracked topics after reconnect.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		// A failure shows up as missing messages; the next reconnect retries.
		c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	}
}

// Close disconnects from the broker and stops any reconnect loop.
// Calling Close more than once is safe.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	c.closeOnce.Do(func() {
		c.loopMu.Lock()
		close(c.closing)
		c.loopMu.Unlock()

		c.client.Disconnect(defaultDisconnectQuiesce)
		c.wg.Wait()
		c.state.Store(int32(stateDown))
	})
	return nil
}

// HealthCheck returns nil while the session is up.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	return c.connError()
}

// IsConnected reports whether the session is up.
func (c *Client) IsConnected() bool {
	return c.client != nil && connState(c.state.Load()) == stateUp && c.client.IsConnected()
}

// AuthRefused reports whether the broker refused the credentials.
func (c *Client) AuthRefused() bool {
	return connState(c.state.Load()) == stateRefused
}

// connError maps the session state to ErrNotAuthorized, ErrNotConnected or
// nil.
func (c *Client) connError() error {
	switch {
	case c.IsConnected():
		return nil
	case c.AuthRefused():
		return ErrNotAuthorized
	default:
		return ErrNotConnected
	}
}

// SetOnConnect sets a callback run after every successful reconnect.
func (c *Client) SetOnConnect(fn func()) {
	c.hooksMu.Lock()
	c.onConnect = fn
	c.hooksMu.Unlock()
}

// SetOnDisconnect sets a callback run when the connection is lost.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.hooksMu.Lock()
	c.onDisconnect = fn
	c.hooksMu.Unlock()
}

// SetLogger sets the logger for reconnect and handler failures. Without
// one they are dropped.
func (c *Client) SetLogger(logger Logger) {
	c.hooksMu.Lock()
	c.logger = logger
	c.hooksMu.Unlock()
}

func (c *Client) warn(msg string, args ...any) {
	c.hooksMu.RLock()
	logger := c.logger
	c.hooksMu.RUnlock()
	if logger != nil {
		logger.Warn(msg, args...)
	}
}

func (c *Client) logError(msg string, args ...any) {
	c.hooksMu.RLock()
	logger := c.logger
	c.hooksMu.RUnlock()
	if logger != nil {
		logger.Error(msg, args...)
	}
}

// wrapHandler adapts handler to paho, logging returned errors and
// recovering panics so one bad message cannot kill paho's router.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logError("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
		}
	}
}
