package stratum

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bardlex/gompsolo/internal/metrics"
	"github.com/bardlex/gompsolo/pkg/log"
)

// ServerConfig holds the connection limits applied to every session
type ServerConfig struct {
	MaxConnections int
	MaxMessageSize int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Server accepts miner connections over TCP and websocket and runs one
// Session per connection.
type Server struct {
	cfg     ServerConfig
	handler MessageHandler
	logger  *log.Logger

	// Authenticate, when set, gates websocket upgrades. A non-nil error
	// rejects the handshake with 401.
	Authenticate func(r *http.Request) error

	upgrader websocket.Upgrader

	sessions map[string]*Session
	mu       sync.RWMutex
	wg       sync.WaitGroup
	active   atomic.Int64

	listenerMu sync.Mutex
	listeners  []net.Listener
	closing    atomic.Bool
}

// NewServer creates a server dispatching to handler
func NewServer(cfg ServerConfig, handler MessageHandler, logger *log.Logger) *Server {
	return &Server{
		cfg:      cfg,
		handler:  handler,
		logger:   logger.WithComponent("stratum_server"),
		sessions: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: readBufferSize,
			// miners are not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeTCP accepts connections on ln until ctx is cancelled or the server
// shuts down
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	s.trackListener(ln)
	s.logger.Info("tcp listener started", "address", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.WithError(err).Error("failed to accept connection")
			continue
		}

		if !s.reserve() {
			s.logger.Warn("connection limit reached", "remote_addr", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}

		transport := NewTCPTransport(conn, s.cfg.MaxMessageSize, s.cfg.ReadTimeout, s.cfg.WriteTimeout)
		s.wg.Add(1)
		go s.serve(ctx, transport)
	}
}

// ServeWebSocket upgrades r and serves the connection. It is bound to the
// request lifetime of the surrounding http.Server.
func (s *Server) ServeWebSocket(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.closing.Load() {
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		if s.Authenticate != nil {
			if err := s.Authenticate(r); err != nil {
				s.logger.WithError(err).Warn("websocket authentication failed", "remote_addr", r.RemoteAddr)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		if !s.reserve() {
			http.Error(w, "pool is full", http.StatusServiceUnavailable)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.active.Add(-1)
			s.logger.WithError(err).Warn("websocket upgrade failed")
			return
		}

		transport := NewWebSocketTransport(conn, s.cfg.MaxMessageSize, s.cfg.ReadTimeout, s.cfg.WriteTimeout)
		s.wg.Add(1)
		go s.serve(ctx, transport)
	}
}

// reserve claims a connection slot
func (s *Server) reserve() bool {
	if s.cfg.MaxConnections <= 0 {
		s.active.Add(1)
		return true
	}
	if s.active.Add(1) > int64(s.cfg.MaxConnections) {
		s.active.Add(-1)
		return false
	}
	return true
}

func (s *Server) serve(ctx context.Context, transport Transport) {
	defer s.wg.Done()
	defer s.active.Add(-1)

	metrics.RecordConnectionAccepted(transport.Kind())
	defer metrics.RecordConnectionClosed(transport.Kind())

	session := NewSession(newSessionID(), transport, s.logger)

	s.mu.Lock()
	s.sessions[session.ID()] = session
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, session.ID())
		s.mu.Unlock()
	}()

	if err := session.Start(ctx, s.handler); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WithError(err).Debug("session ended with error", "session_id", session.ID())
	}
	s.logger.Debug("session closed",
		"session_id", session.ID(),
		"transport", transport.Kind(),
		"connected_for", time.Since(session.ConnectedAt()).Round(time.Second),
	)
}

func (s *Server) trackListener(ln net.Listener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, ln)
}

// ActiveConnections returns the number of open sessions
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

// Shutdown closes every listener and session and waits for the session
// goroutines to finish
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.closing.Store(true)

	s.listenerMu.Lock()
	for _, ln := range s.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("failed to close listener", "error", err)
		}
	}
	s.listenerMu.Unlock()

	s.mu.RLock()
	for _, session := range s.sessions {
		session.Close()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}

func newSessionID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format("150405.000000")))
	}
	return hex.EncodeToString(b)
}
