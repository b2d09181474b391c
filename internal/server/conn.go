package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// lineConn is one client transport carrying newline-delimited text.
// ReadLine is called only by the session's read loop and WriteLine only by
// its writer, so implementations need not lock.
type lineConn interface {
	ReadLine() (string, error)
	WriteLine(line string, deadline time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// tcpLineConn frames a stream socket by line terminators.
type tcpLineConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func newTCPLineConn(conn net.Conn, maxLineLength int) *tcpLineConn {
	scanner := bufio.NewScanner(conn)
	initial := 4096
	if maxLineLength < initial {
		initial = maxLineLength
	}
	scanner.Buffer(make([]byte, 0, initial), maxLineLength)
	return &tcpLineConn{conn: conn, scanner: scanner}
}

func (c *tcpLineConn) ReadLine() (string, error) {
	if c.scanner.Scan() {
		return strings.TrimSuffix(c.scanner.Text(), "\r"), nil
	}
	err := c.scanner.Err()
	if err == nil {
		err = io.EOF
	}
	return "", fmt.Errorf("%w: %v", ErrConnectionLost, err)
}

func (c *tcpLineConn) WriteLine(line string, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := io.WriteString(c.conn, line+"\n")
	return err
}

func (c *tcpLineConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *tcpLineConn) Close() error {
	return c.conn.Close()
}

// wsLineConn carries lines over WebSocket frames. Outbound, each frame is
// one line. Inbound, a frame holding several lines is split and its lines
// are returned one at a time, so no line ever carries a terminator.
type wsLineConn struct {
	conn    *websocket.Conn
	pending []string
}

func newWSLineConn(conn *websocket.Conn, maxLineLength int) *wsLineConn {
	conn.SetReadLimit(int64(maxLineLength))
	return &wsLineConn{conn: conn}
}

func (c *wsLineConn) ReadLine() (string, error) {
	if len(c.pending) > 0 {
		line := c.pending[0]
		c.pending = c.pending[1:]
		return line, nil
	}

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return "", fmt.Errorf("%w: frame exceeds line limit", ErrConnectionLost)
			}
			return "", fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		lines := splitFrame(string(payload))
		c.pending = lines[1:]
		return lines[0], nil
	}
}

var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// splitFrame breaks a frame into lines on \n, \r\n or a bare \r. A single
// trailing terminator does not produce an extra empty line. The result
// always holds at least one element.
func splitFrame(payload string) []string {
	payload = lineBreaks.Replace(payload)
	payload = strings.TrimSuffix(payload, "\n")
	return strings.Split(payload, "\n")
}

func (c *wsLineConn) WriteLine(line string, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *wsLineConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *wsLineConn) Close() error {
	return c.conn.Close()
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
