package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FdxDelveloper/iot-walkthrough/internal/infrastructure/config"
	"github.com/FdxDelveloper/iot-walkthrough/internal/valuestore"
)

const (
	// attachTimeout is how long a new connection may take to send its
	// attach message.
	attachTimeout = 10 * time.Second

	// defaultWriteTimeout bounds a single outbound write when the config
	// leaves it unset.
	defaultWriteTimeout = 5 * time.Second

	// defaultQueueSize is the per-peer outbound buffer when unset.
	defaultQueueSize = 64

	// socketMode restricts the Unix socket to the owner and group.
	socketMode = 0o660
)

// Logger defines the logging interface used by the bridge.
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

// Server relays a valuestore.Store to at most one peer attached under the
// configured contract name.
//
// Peer messages are batches of keys: keys with a value are stored (origin
// "peer:<id>"), keys with nil are answered from the store in a single reply
// carrying only the keys that exist. Every store change made by anyone else
// is forwarded to the attached peer. A peer's own sets are never echoed back.
//
// Thread Safety:
//   - All public methods are safe for concurrent use.
type Server struct {
	contract     string
	socketPath   string
	wsCfg        config.WebSocketConfig
	writeTimeout time.Duration
	queueSize    int

	store  *valuestore.Store
	sub    *valuestore.Subscription
	logger Logger

	mu     sync.RWMutex
	active *peer

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup

	closeOnce sync.Once
}

// peer is the single attached connection.
type peer struct {
	id     string
	origin string
	conn   frameConn

	mu     sync.Mutex // protects closed and sends on queue
	closed bool
	queue  chan *Message

	writerDone chan struct{}
}

// New creates a bridge over store. The bridge starts observing the store
// immediately; call Close to stop.
func New(cfg config.BridgeConfig, store *valuestore.Store) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		contract:     cfg.Contract,
		socketPath:   cfg.SocketPath,
		wsCfg:        cfg.WebSocket,
		writeTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		queueSize:    cfg.QueueSize,
		store:        store,
		logger:       noopLogger{},
		ctx:          ctx,
		cancel:       cancel,
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = defaultWriteTimeout
	}
	if s.queueSize <= 0 {
		s.queueSize = defaultQueueSize
	}

	s.sub = store.Observe(s.forward)
	return s
}

// SetLogger sets the logger for the bridge.
func (s *Server) SetLogger(logger Logger) {
	s.logger = logger
}

// Contract returns the contract name peers attach under.
func (s *Server) Contract() string {
	return s.contract
}

// Attached reports whether a peer currently holds the contract.
func (s *Server) Attached() bool {
	return s.activePeer() != nil
}

// PeerID returns the id of the attached peer, or "" if none.
func (s *Server) PeerID() string {
	if p := s.activePeer(); p != nil {
		return p.id
	}
	return ""
}

func (s *Server) activePeer() *peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// ListenAndServe listens on the configured Unix socket and serves peers
// until ctx is cancelled or Close is called. A stale socket file is removed
// first; the socket file is removed on return.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer os.Remove(s.socketPath) //nolint:errcheck // Best-effort cleanup

	if err := os.Chmod(s.socketPath, socketMode); err != nil {
		ln.Close() //nolint:errcheck // Already failing
		return fmt.Errorf("setting socket permissions: %w", err)
	}

	return s.Serve(ctx, ln)
}

// Serve accepts peers on ln until ctx is cancelled or Close is called, then
// waits for the connections it accepted to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	// Unblock Accept when either context ends.
	go func() {
		<-ctx.Done()
		ln.Close() //nolint:errcheck // Unblocks Accept
	}()

	s.logger.Info("bridge listening", "address", ln.Addr().String(), "contract", s.contract)

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, newStreamConn(conn))
		}()
	}

	wg.Wait()
	return nil
}

// handleConn runs one connection from attach to teardown.
func (s *Server) handleConn(ctx context.Context, c frameConn) {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		c.Close() //nolint:errcheck // Server is closing
		return
	}
	s.conns.Add(1)
	s.mu.Unlock()
	defer s.conns.Done()

	// Closing the connection unblocks the reader on shutdown.
	stop := context.AfterFunc(ctx, func() { c.Close() }) //nolint:errcheck // Unblocks reads
	defer stop()

	p, err := s.attach(c)
	if err != nil {
		s.logger.Warn("bridge attach rejected", "remote", c.RemoteAddr(), "error", err)
		//nolint:errcheck // Best-effort reject before closing
		c.WriteMessage(rejectMessage(rejectReason(err)), s.writeTimeout)
		c.Close() //nolint:errcheck // Rejected connection
		return
	}
	defer s.teardown(p)

	s.logger.Info("bridge peer attached", "peer", p.id, "remote", c.RemoteAddr())

	for {
		m, err := c.ReadMessage()
		if err != nil {
			if errors.Is(err, ErrProtocol) || errors.Is(err, ErrUnsupportedVersion) {
				s.logger.Warn("bridge peer sent invalid message", "peer", p.id, "error", err)
			} else {
				s.logger.Debug("bridge peer read ended", "peer", p.id, "error", err)
			}
			return
		}

		switch m.Type {
		case TypeValues:
			s.handleValues(p, m.Values)
		default:
			s.logger.Warn("bridge peer sent unexpected message", "peer", p.id, "type", m.Type)
		}
	}
}

// attach reads the attach message and claims the contract slot.
func (s *Server) attach(c frameConn) (*peer, error) {
	//nolint:errcheck // Best-effort deadline; read error caught below
	c.SetReadDeadline(time.Now().Add(attachTimeout))
	m, err := c.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading attach: %w", err)
	}
	//nolint:errcheck // Clear the attach deadline
	c.SetReadDeadline(time.Time{})

	if m.Type != TypeAttach {
		return nil, fmt.Errorf("%w: expected attach, got %q", ErrProtocol, m.Type)
	}
	if m.Contract != s.contract {
		return nil, fmt.Errorf("%w: %q", ErrContractMismatch, m.Contract)
	}

	id := uuid.NewString()
	p := &peer{
		id:         id,
		origin:     "peer:" + id,
		conn:       c,
		queue:      make(chan *Message, s.queueSize),
		writerDone: make(chan struct{}),
	}

	// The attached message is queued before p becomes visible to forward,
	// so it precedes every change sent to the peer.
	if err := p.enqueue(attachedMessage(s.contract, p.id)); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return nil, ErrContractBusy
	}
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return nil, ErrChannelClosed
	}
	s.active = p
	s.mu.Unlock()

	go s.writeLoop(p)

	return p, nil
}

// handleValues applies one peer batch: sets go to the store as a single
// batch, gets are answered in a single reply.
func (s *Server) handleValues(p *peer, values map[string]any) {
	sets := make(map[string]any, len(values))
	var gets []string
	for k, v := range values {
		if v == nil {
			gets = append(gets, k)
			continue
		}
		sets[k] = v
	}

	if len(sets) > 0 {
		if _, err := s.store.Set(p.origin, sets); err != nil {
			s.logger.Warn("bridge peer set partially rejected", "peer", p.id, "error", err)
		}
	}

	if len(gets) > 0 {
		found := s.store.Get(gets...)
		if len(found) == 0 {
			return
		}
		if err := p.enqueue(valuesMessage(found)); err != nil {
			s.logger.Warn("bridge reply dropped", "peer", p.id, "keys", len(found), "error", err)
		}
	}
}

// forward is the store observer: every change made by someone other than
// the attached peer is sent to it.
func (s *Server) forward(c valuestore.Change) {
	p := s.activePeer()
	if p != nil && c.Origin == p.origin {
		return
	}
	if err := s.send(p, c.Values); err != nil {
		if errors.Is(err, ErrChannelClosed) {
			s.logger.Debug("no bridge peer, change dropped", "origin", c.Origin, "keys", len(c.Values))
			return
		}
		s.logger.Warn("bridge broadcast dropped", "origin", c.Origin, "keys", len(c.Values), "error", err)
	}
}

// Broadcast sends values to the attached peer without touching the store.
// It returns ErrChannelClosed when no peer is attached.
func (s *Server) Broadcast(values map[string]any) error {
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
	if len(normalized) > 0 {
		if err := s.send(s.activePeer(), normalized); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) send(p *peer, values map[string]any) error {
	if p == nil {
		return ErrChannelClosed
	}
	return p.enqueue(valuesMessage(values))
}

// enqueue queues m for the writer without blocking.
func (p *peer) enqueue(m *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrChannelClosed
	}
	select {
	case p.queue <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Server) writeLoop(p *peer) {
	defer close(p.writerDone)
	for m := range p.queue {
		if err := p.conn.WriteMessage(m, s.writeTimeout); err != nil {
			s.logger.Warn("bridge write failed", "peer", p.id, "error", err)
			// Unblocks the reader, which tears the peer down.
			p.conn.Close() //nolint:errcheck // Connection is already failing
			for range p.queue {
			}
			return
		}
	}
}

// teardown releases the contract slot. When it returns no further message
// will be queued for p and its writer has finished.
func (s *Server) teardown(p *peer) {
	s.teardownSlot(p)
	<-p.writerDone
	p.conn.Close() //nolint:errcheck // Connection is done
	s.logger.Info("bridge peer detached", "peer", p.id)
}

// teardownSlot frees the slot and closes the queue, without waiting for
// the writer.
func (s *Server) teardownSlot(p *peer) {
	s.mu.Lock()
	if s.active == p {
		s.active = nil
	}
	s.mu.Unlock()

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
}

// HealthCheck reports whether the bridge is still serving.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("bridge health check: %w", ctx.Err())
	default:
	}
	if s.ctx.Err() != nil {
		return ErrChannelClosed
	}
	return nil
}

// Close stops observing the store, disconnects the peer and waits for every
// connection to finish. Values already in the store are kept.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.sub.Unsubscribe()

		s.mu.Lock()
		s.cancel()
		s.mu.Unlock()

		s.conns.Wait()
	})
	return nil
}
