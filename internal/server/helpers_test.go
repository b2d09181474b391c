package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

const testTimeout = 2 * time.Second

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestServer returns an unbound server with limits loose enough that
// tests never trip the rate limiter unless they ask to.
func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := NewConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0
	cfg.AuditLog = ""
	cfg.RateLimit.Burst = 1000
	if mutate != nil {
		mutate(cfg)
	}
	return NewServer(*cfg, WithLogger(quietLogger()))
}

// startTestServer binds and serves srv on loopback and stops it on cleanup.
func startTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	srv := newTestServer(t, mutate)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go func() {
		_ = srv.Serve()
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

// fakeConn is an in-memory lineConn. Lines written by the session arrive on
// out; lines for the session to read are fed through in.
type fakeConn struct {
	in     chan string
	out    chan string
	closed chan struct{}
	once   sync.Once
	addr   net.Addr

	failWrites atomic.Bool
}

func newFakeConn(ip string, port int) *fakeConn {
	return &fakeConn{
		in:     make(chan string, 64),
		out:    make(chan string, 512),
		closed: make(chan struct{}),
		addr:   &net.TCPAddr{IP: net.ParseIP(ip), Port: port},
	}
}

func (c *fakeConn) ReadLine() (string, error) {
	select {
	case line := <-c.in:
		return line, nil
	case <-c.closed:
		return "", fmt.Errorf("%w: closed", ErrConnectionLost)
	}
}

func (c *fakeConn) WriteLine(line string, _ time.Time) error {
	if c.failWrites.Load() {
		return errors.New("write: broken pipe")
	}
	select {
	case <-c.closed:
		return net.ErrClosed
	case c.out <- line:
		return nil
	}
}

func (c *fakeConn) RemoteAddr() net.Addr { return c.addr }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) next(t *testing.T) string {
	t.Helper()
	select {
	case line := <-c.out:
		return line
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a line")
		return ""
	}
}

func (c *fakeConn) expect(t *testing.T, want ...string) {
	t.Helper()
	for _, w := range want {
		if got := c.next(t); got != w {
			t.Fatalf("expected line %q, got %q", w, got)
		}
	}
}

func (c *fakeConn) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case line := <-c.out:
			if line == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func (c *fakeConn) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case line := <-c.out:
		t.Fatalf("expected no line, got %q", line)
	case <-time.After(d):
	}
}

// idleSession creates a session whose writer runs but whose read loop does
// not, so tests can drive the registry directly.
func idleSession(t *testing.T, srv *Server, port int) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn("10.0.0.1", port)
	s := newSession(srv, conn)
	s.startWriter()
	t.Cleanup(func() {
		s.out.close()
		_ = conn.Close()
	})
	return s, conn
}

// runSession starts a full session over a fake connection.
func runSession(t *testing.T, srv *Server, port int) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn("10.0.0.2", port)
	s := srv.spawn(conn)
	if s == nil {
		t.Fatal("spawn refused the connection")
	}
	t.Cleanup(func() { _ = conn.Close() })
	return s, conn
}

func registerFake(t *testing.T, conn *fakeConn, handle string) {
	t.Helper()
	conn.in <- handle
	conn.waitFor(t, replyIDAccepted)
	conn.next(t)
	conn.next(t)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// testClient is a line-protocol client over a real TCP connection.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialTestClient(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), testTimeout)
	if err != nil {
		t.Fatalf("Failed to dial relay: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if _, err := io.WriteString(c.conn, line+"\n"); err != nil {
		c.t.Fatalf("Failed to send %q: %v", line, err)
	}
}

func (c *testClient) readLine() string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(testTimeout))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("Failed to read line: %v", err)
	}
	return strings.TrimSuffix(line, "\n")
}

func (c *testClient) waitFor(want string) {
	c.t.Helper()
	for {
		if line := c.readLine(); line == want {
			return
		}
	}
}

func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
	line, err := c.reader.ReadString('\n')
	if err == nil {
		c.t.Fatalf("expected no line, got %q", strings.TrimSuffix(line, "\n"))
	}
	if !isTimeout(err) {
		c.t.Fatalf("expected read timeout, got %v", err)
	}
}

// register sends handle and returns the two role lines that follow ID_ACCEPTED.
func (c *testClient) register(handle string) []string {
	c.t.Helper()
	c.send(handle)
	if got := c.readLine(); got != replyIDAccepted {
		c.t.Fatalf("expected %s for %q, got %q", replyIDAccepted, handle, got)
	}
	return []string{c.readLine(), c.readLine()}
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(testTimeout))
	for {
		_, err := c.reader.ReadString('\n')
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || !isTimeout(err) {
			return
		}
		c.t.Fatal("connection was not closed by the relay")
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
