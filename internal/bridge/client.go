package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FdxDelveloper/iot-walkthrough/internal/valuestore"
)

// Origins used on the client's mirror store.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

// Client is the peer side of the bridge. It keeps a mirror of every value
// it has set, received as a reply, or received as a broadcast.
//
// Observe the mirror (Client.Observe) to be told about remote updates;
// changes with origin OriginRemote came from the bridge.
type Client struct {
	conn         frameConn
	contract     string
	peerID       string
	writeTimeout time.Duration

	mirror *valuestore.Store
	logger Logger

	done      chan struct{}
	errMu     sync.Mutex
	err       error
	closing   atomic.Bool
	closeOnce sync.Once
}

// Dial connects to the bridge Unix socket at socketPath and attaches under
// contract.
func Dial(ctx context.Context, socketPath, contract string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %w", ErrChannelClosed, socketPath, err)
	}
	return attachClient(ctx, newStreamConn(conn), contract)
}

// DialWebSocket connects to the bridge WebSocket endpoint at url
// (ws://host:port/bridge) and attaches under contract.
func DialWebSocket(ctx context.Context, url, contract string) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %w", ErrChannelClosed, url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // Handshake body is unused
	}
	return attachClient(ctx, newWSConn(conn), contract)
}

func attachClient(ctx context.Context, c frameConn, contract string) (*Client, error) {
	deadline := time.Now().Add(attachTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	stop := context.AfterFunc(ctx, func() { c.Close() }) //nolint:errcheck // Aborts the handshake
	defer stop()

	if err := c.WriteMessage(attachMessage(contract), time.Until(deadline)); err != nil {
		c.Close() //nolint:errcheck // Handshake failed
		return nil, fmt.Errorf("sending attach: %w", err)
	}

	//nolint:errcheck // Best-effort deadline; read error caught below
	c.SetReadDeadline(deadline)
	m, err := c.ReadMessage()
	if err != nil {
		c.Close() //nolint:errcheck // Handshake failed
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading attach reply: %w", err)
	}
	//nolint:errcheck // Clear the handshake deadline
	c.SetReadDeadline(time.Time{})

	switch m.Type {
	case TypeAttached:
	case TypeReject:
		c.Close() //nolint:errcheck // Rejected
		return nil, rejectError(m.Reason)
	default:
		c.Close() //nolint:errcheck // Handshake failed
		return nil, fmt.Errorf("%w: expected attached, got %q", ErrProtocol, m.Type)
	}

	cl := &Client{
		conn:         c,
		contract:     contract,
		peerID:       m.Peer,
		writeTimeout: defaultWriteTimeout,
		mirror:       valuestore.New(),
		logger:       noopLogger{},
		done:         make(chan struct{}),
	}
	go cl.readLoop()
	return cl, nil
}

// SetLogger sets the logger for the client and its mirror.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
	c.mirror.SetLogger(logger)
}

// PeerID returns the id the bridge assigned to this connection.
func (c *Client) PeerID() string {
	return c.peerID
}

// Set sends values to the bridge and records them in the mirror. Values
// that are not string, number or bool are skipped and reported in the
// returned error; the rest are still sent.
func (c *Client) Set(values map[string]any) error {
	normalized := make(map[string]any, len(values))
	var errs []error
	for k, v := range values {
		nv, err := valuestore.Normalize(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("key %q: %w", k, err))
			continue
		}
		normalized[k] = nv
	}
	if len(normalized) == 0 {
		return errors.Join(errs...)
	}

	if err := c.write(valuesMessage(normalized)); err != nil {
		return err
	}
	if _, err := c.mirror.Set(OriginLocal, normalized); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Get asks the bridge for keys. The reply, if any key is known, arrives
// asynchronously and lands in the mirror with origin OriginRemote.
func (c *Client) Get(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	req := make(map[string]any, len(keys))
	for _, k := range keys {
		req[k] = nil
	}
	return c.write(valuesMessage(req))
}

// Value returns the mirrored value of key.
func (c *Client) Value(key string) (any, bool) {
	return c.mirror.Value(key)
}

// Snapshot returns every mirrored value.
func (c *Client) Snapshot() map[string]any {
	return c.mirror.Snapshot()
}

// Observe registers fn for every change to the mirror, local or remote.
func (c *Client) Observe(fn func(valuestore.Change)) *valuestore.Subscription {
	return c.mirror.Observe(fn)
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open or after a
// clean Close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close detaches from the bridge and waits for the read loop to finish.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.conn.Close() //nolint:errcheck // Read loop reports real errors
	})
	<-c.done
	return nil
}

func (c *Client) write(m *Message) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	if err := c.conn.WriteMessage(m, c.writeTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrChannelClosed, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		m, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closing.Load() {
				c.errMu.Lock()
				c.err = fmt.Errorf("%w: %w", ErrChannelClosed, err)
				c.errMu.Unlock()
				c.logger.Debug("bridge connection ended", "error", err)
			}
			c.conn.Close() //nolint:errcheck // Already ended
			return
		}

		if m.Type != TypeValues {
			c.logger.Warn("unexpected bridge message", "type", m.Type)
			continue
		}
		values := make(map[string]any, len(m.Values))
		for k, v := range m.Values {
			if v != nil {
				values[k] = v
			}
		}
		if _, err := c.mirror.Set(OriginRemote, values); err != nil {
			c.logger.Warn("bridge update partially rejected", "error", err)
		}
	}
}
