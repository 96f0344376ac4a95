package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	defaultWebSocketPath = "/bridge"

	// defaultMaxMessageSize is the read limit for one WebSocket frame.
	defaultMaxMessageSize = 64 * 1024

	// gracefulShutdownTimeout is the maximum time to wait for in-flight
	// HTTP requests when the WebSocket listener stops.
	gracefulShutdownTimeout = 5 * time.Second
)

// upgrader configures the WebSocket upgrader. The listener is bound to a
// local address; the peer is identified by its attach message, not by
// origin.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Handler returns the HTTP routes of the WebSocket transport: the bridge
// endpoint and a health route reporting whether a peer is attached.
func (s *Server) Handler() http.Handler {
	path := s.wsCfg.Path
	if path == "" {
		path = defaultWebSocketPath
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get(path, s.handleWebSocket)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":   "ok",
		"contract": s.contract,
		"attached": s.Attached(),
	}
	if s.ctx.Err() != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "closed"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck // Best-effort response
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	limit := int64(s.wsCfg.MaxMessageSize)
	if limit <= 0 {
		limit = defaultMaxMessageSize
	}
	conn.SetReadLimit(limit)

	s.handleConn(s.ctx, newWSConn(conn))
}

// ListenAndServeWebSocket serves Handler on the configured listen address
// until ctx is cancelled or Close is called.
func (s *Server) ListenAndServeWebSocket(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.wsCfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("bridge websocket listening", "address", srv.Addr, "contract", s.contract)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("bridge websocket: %w", err)
	case <-ctx.Done():
	case <-s.ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down bridge websocket: %w", err)
	}
	return nil
}
