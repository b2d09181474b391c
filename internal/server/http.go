// Package server exposes the optional HTTP surface: a health check, the
// WebSocket gateway into the chat room and the Prometheus metrics endpoint.
package server

import (
	"fmt"
	"net"
	"net/http"
	"time"
)

// Handler returns the HTTP routes served on the configured HTTP address.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.healthHandler)
	mux.HandleFunc("/ws", s.webSocketHandler)
	mux.Handle("/metrics", s.metrics.handler())
	return mux
}

func (s *Server) serveHTTP(ln net.Listener) {
	httpServer := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.httpServer = httpServer
	s.mu.Unlock()

	go func() {
		s.log.WithField("addr", ln.Addr().String()).Info("HTTP server listening")
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server stopped")
		}
	}()
}

// healthHandler responds with a plain text liveness message.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Relay is running! %d registered\n", s.registry.Len())
}

// webSocketHandler upgrades the request and attaches a session that speaks
// the line protocol, one text frame per line.
func (s *Server) webSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).WithField("remote", r.RemoteAddr).Warn("WebSocket upgrade failed")
		return
	}

	s.spawn(newWSLineConn(conn, s.cfg.MaxLineLength))
}
