// Package server constructs and runs the relay listener with helpers for
// binding, serving, stopping and shutting down.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/gochat-relay/internal/audit"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Server accepts client connections and runs one Session per connection.
type Server struct {
	cfg      Config
	log      logrus.FieldLogger
	audit    audit.Appender
	metrics  *metrics
	registry *Registry
	router   *Router
	origins  *originPolicy
	upgrader websocket.Upgrader

	mu           sync.Mutex
	listener     net.Listener
	httpListener net.Listener
	httpServer   *http.Server
	sessions     map[*Session]struct{}
	stopped      bool
	stopSweep    chan struct{}
	sweeping     bool
	wg           sync.WaitGroup

	running atomic.Bool
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the operational logger. The default is the logrus
// standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithAudit sets the audit appender. The default discards audit lines.
func WithAudit(a audit.Appender) Option {
	return func(s *Server) {
		if a != nil {
			s.audit = a
		}
	}
}

// NewServer creates a relay for cfg. Nothing is bound until Listen.
func NewServer(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:       sanitizeConfig(cfg),
		log:       logrus.StandardLogger(),
		audit:     audit.Discard,
		metrics:   newMetrics(),
		sessions:  make(map[*Session]struct{}),
		stopSweep: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = newRegistry(s.log, s.metrics)
	s.router = newRouter(s.registry, s.log)
	s.origins = newOriginPolicy(s.cfg.AllowedOrigins, s.log)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	return s
}

// Registry returns the server's handle registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Router returns the server's delivery helpers.
func (s *Server) Router() *Router {
	return s.router
}

// Listen binds the relay port and, when configured, the HTTP address.
// Failures wrap ErrListenerBind.
func (s *Server) Listen() error {
	addr := s.cfg.ListenAddress()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w on %s: %v", ErrListenerBind, addr, err)
	}

	var httpLn net.Listener
	if s.cfg.HTTPAddress != "" {
		httpLn, err = net.Listen("tcp", s.cfg.HTTPAddress)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("%w on %s: %v", ErrListenerBind, s.cfg.HTTPAddress, err)
		}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = ln.Close()
		if httpLn != nil {
			_ = httpLn.Close()
		}
		return errors.New("server: Listen called after Stop")
	}
	s.listener = ln
	s.httpListener = httpLn
	s.mu.Unlock()

	s.log.WithField("addr", ln.Addr().String()).Info("Relay listening")
	return nil
}

// Start binds and then serves until Stop.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve runs the accept loop on the bound listener until Stop is called.
// A listener closed by Stop ends the loop with a nil error.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	httpLn := s.httpListener
	stopped := s.stopped
	s.mu.Unlock()

	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}
	if stopped {
		return nil
	}

	s.running.Store(true)
	defer s.running.Store(false)

	if httpLn != nil {
		s.serveHTTP(httpLn)
	}
	s.startSweeper()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isStopped() || errors.Is(err, net.ErrClosed) {
				s.log.Info("Relay stopped accepting connections")
				return nil
			}

			backoff = nextBackoff(backoff)
			s.log.WithError(err).Warnf("Accept error; retrying in %s", backoff)
			time.Sleep(backoff)
			continue
		}

		backoff = 0
		s.spawn(newTCPLineConn(conn, s.cfg.MaxLineLength))
	}
}

// Stop closes the listening sockets. Sessions already running are left
// alone. Stop is idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running.Store(false)
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopSweep)

	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.WithError(err).Warn("Error closing relay listener")
		}
	}
	if s.httpServer != nil {
		if err := s.httpServer.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.WithError(err).Warn("Error closing HTTP server")
		}
	} else if s.httpListener != nil {
		_ = s.httpListener.Close()
	}
}

// IsRunning reports whether the relay is accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the bound relay address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPAddr returns the bound HTTP address, or nil when HTTP is disabled.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// Shutdown stops accepting, closes every open session and waits for their
// goroutines to finish or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Stop()
	s.log.Info("Shutting down all client connections...")

	s.mu.Lock()
	open := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		if err := sess.Close(); err != nil && !isExpectedCloseError(err) {
			sess.entry().WithError(err).Warn("Error closing client connection")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.WithField("sessions", len(open)).Info("Relay shutdown completed")
		return nil
	case <-ctx.Done():
		s.log.Warn("Relay shutdown timeout reached, some sessions may still be running")
		return ctx.Err()
	}
}

// spawn starts a session for conn unless the server has stopped.
func (s *Server) spawn(conn lineConn) *Session {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	sess := newSession(s, conn)
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		sess.run()
	}()
	return sess
}

func (s *Server) forget(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// startSweeper launches the inactivity sweeper when one is configured. Only
// the first call starts it; it reports whether this call did.
func (s *Server) startSweeper() bool {
	if s.cfg.SweepInterval <= 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sweeping || s.stopped {
		return false
	}
	s.sweeping = true
	go s.sweep(s.cfg.SweepInterval)
	return true
}

// sweep closes sessions that sent no liveness signal within the inactivity
// timeout. It runs only when a sweep interval is configured.
func (s *Server) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.reapInactive()
		}
	}
}

func (s *Server) reapInactive() int {
	stale := s.registry.inactive(s.cfg.InactivityTimeout)
	for _, sess := range stale {
		sess.entry().Infof("No liveness signal for over %s; disconnecting", s.cfg.InactivityTimeout)
		if err := sess.Close(); err != nil && !isExpectedCloseError(err) {
			sess.entry().WithError(err).Warn("Error closing inactive client")
		}
	}
	return len(stale)
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return minAcceptBackoff
	}
	current *= 2
	if current > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return current
}
