package bridge

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// frameConn carries whole Messages over one transport. Reads happen on a
// single goroutine; writes are serialized by the implementation.
type frameConn interface {
	ReadMessage() (*Message, error)
	WriteMessage(m *Message, timeout time.Duration) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// streamConn is a CBOR stream over a byte-oriented connection. CBOR items
// are self-delimiting, so no extra framing is needed.
type streamConn struct {
	conn net.Conn
	dec  *cbor.Decoder

	writeMu sync.Mutex
}

func newStreamConn(conn net.Conn) *streamConn {
	return &streamConn{conn: conn, dec: decMode.NewDecoder(conn)}
}

func (c *streamConn) ReadMessage() (*Message, error) {
	var m Message
	if err := c.dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil, err
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if err := m.check(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *streamConn) WriteMessage(m *Message, timeout time.Duration) error {
	data, err := marshal(m)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		//nolint:errcheck // Best-effort deadline; write error caught below
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err = c.conn.Write(data)
	return err
}

func (c *streamConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *streamConn) RemoteAddr() string                { return c.conn.RemoteAddr().String() }
func (c *streamConn) Close() error                      { return c.conn.Close() }

// wsConn carries one CBOR message per binary WebSocket frame.
type wsConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadMessage() (*Message, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: expected binary frame", ErrProtocol)
	}
	return unmarshal(data)
}

func (c *wsConn) WriteMessage(m *Message, timeout time.Duration) error {
	data, err := marshal(m)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		//nolint:errcheck // Best-effort deadline; write error caught below
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *wsConn) RemoteAddr() string                { return c.conn.RemoteAddr().String() }

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	//nolint:errcheck // Best-effort close frame
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
