package server

import (
	"sync"

	"github.com/eapache/queue"
)

// outbox is an unbounded FIFO of lines waiting to be written to one
// connection. push never blocks; a single writer drains it with next.
type outbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending *queue.Queue
	closed  bool
}

func newOutbox() *outbox {
	o := &outbox{pending: queue.New()}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// push appends a line and reports false if the outbox is already closed.
func (o *outbox) push(line string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	o.pending.Add(line)
	o.cond.Signal()
	return true
}

// next blocks until a line is available. It returns false once the outbox
// is closed; lines still queued at that point are dropped.
func (o *outbox) next() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for o.pending.Length() == 0 && !o.closed {
		o.cond.Wait()
	}
	if o.closed {
		return "", false
	}
	return o.pending.Remove().(string), true
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending.Length()
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	for o.pending.Length() > 0 {
		o.pending.Remove()
	}
	o.cond.Broadcast()
}
