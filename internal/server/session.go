// Package server manages individual client sessions: the registration
// handshake, the per-connection read loop and the serialized writer.
package server

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/gochat-relay/internal/audit"
)

type sessionState int32

const (
	stateConnected sessionState = iota
	stateRegistering
	stateActive
	stateClosing
	stateClosed
)

func (st sessionState) String() string {
	switch st {
	case stateRegistering:
		return "registering"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "connected"
	}
}

// Session owns one client connection from accept until close.
// The handle is written once, under the registry lock, and read through an
// atomic so the writer goroutine and other sessions can see it.
type Session struct {
	id      string
	conn    lineConn
	remote  net.Addr
	server  *Server
	log     *logrus.Entry
	out     *outbox
	limiter *rateLimiter

	handle atomic.Value
	state  atomic.Int32

	created    time.Time
	lastActive atomic.Int64

	writerOnce  sync.Once
	writerDone  chan struct{}
	closeOnce   sync.Once
	cleanupOnce sync.Once
}

func newSession(srv *Server, conn lineConn) *Session {
	id := uuid.NewString()
	remote := conn.RemoteAddr()

	s := &Session{
		id:         id,
		conn:       conn,
		remote:     remote,
		server:     srv,
		out:        newOutbox(),
		limiter:    newRateLimiter(srv.cfg.RateLimit.Burst, srv.cfg.RateLimit.RefillInterval),
		created:    time.Now(),
		writerDone: make(chan struct{}),
	}
	s.log = srv.log.WithFields(logrus.Fields{
		"session": id,
		"remote":  addrString(remote),
	})
	s.handle.Store("")
	s.MarkActive()
	srv.metrics.sessionsConnected.Inc()
	return s
}

// ID returns the session's unique identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// Handle returns the registered handle, or "" while registering.
func (s *Session) Handle() string {
	return s.handle.Load().(string)
}

func (s *Session) setHandle(handle string) {
	s.handle.Store(handle)
}

// RemoteAddr returns the peer's network address.
func (s *Session) RemoteAddr() net.Addr {
	return s.remote
}

func (s *Session) currentState() sessionState {
	return sessionState(s.state.Load())
}

func (s *Session) setState(st sessionState) {
	s.state.Store(int32(st))
}

// MarkActive records a liveness signal from the client.
func (s *Session) MarkActive() {
	s.lastActive.Store(int64(time.Since(s.created)))
}

// InactiveFor reports whether no liveness signal arrived within threshold.
func (s *Session) InactiveFor(threshold time.Duration) bool {
	last := time.Duration(s.lastActive.Load())
	return time.Since(s.created)-last > threshold
}

// Close closes the connection. The read loop then fails and the session
// cleans itself up.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

func (s *Session) entry() *logrus.Entry {
	if handle := s.Handle(); handle != "" {
		return s.log.WithField("handle", handle)
	}
	return s.log
}

// send queues a line for this session's writer.
func (s *Session) send(line string) bool {
	if !s.out.push(line) {
		s.entry().Debug("Dropping line for closed session")
		return false
	}
	return true
}

func (s *Session) run() {
	s.startWriter()
	defer func() {
		s.cleanup()
		<-s.writerDone
	}()

	s.setState(stateConnected)
	s.log.Info("Client connected")

	if !s.register() {
		return
	}
	s.readLoop()
}

// register reads candidate handles until one is accepted.
func (s *Session) register() bool {
	s.setState(stateRegistering)
	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			s.log.WithError(err).Debug("Connection ended during registration")
			return false
		}

		handle := strings.TrimSpace(line)
		if handle == "" {
			s.send(replyIDTaken)
			continue
		}

		if err := s.server.registry.TryRegister(handle, s); err != nil {
			s.log.WithField("handle", handle).Info("Handle taken")
			s.send(replyIDTaken)
			continue
		}

		s.setState(stateActive)
		s.entry().Info("Client registered")
		return true
	}
}

func (s *Session) readLoop() {
	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			s.entry().WithError(err).Debug("Read loop ended")
			return
		}

		s.server.audit.Append(audit.Incoming, "Received from "+s.Handle()+": "+line)
		if !s.dispatch(line) {
			s.entry().Info("Client quit")
			return
		}
	}
}

// dispatch handles one line from an active session and returns false when
// the session should close.
func (s *Session) dispatch(line string) bool {
	cmd, err := parseLine(line)
	s.server.metrics.linesReceived.WithLabelValues(cmd.kind.String()).Inc()
	if err != nil {
		s.entry().WithError(err).Debug("Ignoring command")
		return true
	}

	router := s.server.router
	handle := s.Handle()

	switch cmd.kind {
	case kindQuit:
		return false
	case kindPong:
		s.MarkActive()
	case kindRequestDetails:
		router.RequestDetails(handle)
	case kindApproveDetails:
		router.SendDetails(cmd.target)
	case kindDenyDetails:
		router.DenyDetails(cmd.target)
	case kindPingMembers:
		router.PingMembers(handle)
	case kindPrivate:
		if s.throttled() {
			return true
		}
		router.SendTo(cmd.target, formatPrivate(handle, cmd.body))
	default:
		if s.throttled() {
			return true
		}
		router.Broadcast(formatBroadcast(handle, cmd.body), handle)
	}
	return true
}

func (s *Session) throttled() bool {
	if s.limiter.allow() {
		return false
	}
	s.server.metrics.linesThrottled.Inc()
	s.entry().Warnf("Rate limit exceeded (%d lines per %s); discarding line",
		s.server.cfg.RateLimit.Burst, s.server.cfg.RateLimit.RefillInterval)
	return true
}

func (s *Session) startWriter() {
	s.writerOnce.Do(func() {
		go s.writePump()
	})
}

func (s *Session) writePump() {
	defer close(s.writerDone)

	for {
		line, ok := s.out.next()
		if !ok {
			return
		}

		deadline := time.Now().Add(s.server.cfg.WriteTimeout)
		if err := s.conn.WriteLine(line, deadline); err != nil {
			s.server.metrics.sendFailures.Inc()
			s.entry().WithError(fmt.Errorf("%w: %v", ErrPeerUnreachable, err)).Warn("Error writing to client")
			s.out.close()
			if err := s.Close(); err != nil && !isExpectedCloseError(err) {
				s.entry().WithError(err).Warn("Error closing connection after failed write")
			}
			return
		}
		s.server.audit.Append(audit.Outgoing, "Sent to "+s.Handle()+": "+line)
	}
}

// cleanup runs once however the session ends.
func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		s.setState(stateClosing)

		handle := s.Handle()
		s.server.registry.release(s)
		s.out.close()
		if err := s.Close(); err != nil && !isExpectedCloseError(err) {
			s.entry().WithError(err).Warn("Error closing connection")
		}

		s.setState(stateClosed)
		s.server.metrics.sessionsConnected.Dec()
		s.server.forget(s)

		if handle != "" {
			s.server.audit.Append(audit.Outgoing, "Session ended for user "+handle)
		}
		s.entry().Info("Client disconnected")
	})
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
