// Package audit records every line the relay receives and delivers.
//
// The record format is informational and may change between releases;
// nothing reads it back.
package audit

import (
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Direction tells whether a line was received from or sent to a client.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "OUTGOING"
	}
	return "INCOMING"
}

// Appender accepts one formatted audit line at a time. Implementations must
// be safe for concurrent use and must not block routing on failure.
type Appender interface {
	Append(dir Direction, text string)
}

type discard struct{}

func (discard) Append(Direction, string) {}

// Discard drops every line.
var Discard Appender = discard{}

const directionField = "direction"

// File appends audit lines to a file through a dedicated logrus logger.
type File struct {
	file   *os.File
	logger *log.Logger

	mu     sync.Mutex
	closed bool
}

// Open opens path for appending, creating it if needed.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	logger := log.New()
	logger.SetOutput(f)
	logger.SetFormatter(&LineFormatter{})
	logger.SetLevel(log.InfoLevel)

	return &File{file: f, logger: logger}, nil
}

func (f *File) Append(dir Direction, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.logger.WithField(directionField, dir).Info(text)
}

// Close stops further appends and closes the file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	return f.file.Close()
}

// LineFormatter renders "2006/01/02 15:04:05 [INCOMING] text".
type LineFormatter struct{}

func (LineFormatter) Format(e *log.Entry) ([]byte, error) {
	dir, _ := e.Data[directionField].(Direction)
	t := e.Time
	if t.IsZero() {
		t = time.Now()
	}
	return []byte(fmt.Sprintf("%s [%s] %s\n", t.Format("2006/01/02 15:04:05"), dir, e.Message)), nil
}
