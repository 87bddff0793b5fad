package messaging

import (
	"log/slog"
	"sync"

	"github.com/nugget/gdo/internal/clock"
)

const defaultInboxSize = 16

// inbox is a bounded FIFO of inbound messages. It is filled from library
// callback goroutines and drained by the control goroutine. When full,
// the oldest message is discarded so the most recent command survives.
type inbox struct {
	mu      sync.Mutex
	buf     []Message
	size    int
	dropped int
	clock   clock.Clock
	logger  *slog.Logger
}

func newInbox(size int, clk clock.Clock, logger *slog.Logger) *inbox {
	if size <= 0 {
		size = defaultInboxSize
	}
	return &inbox{size: size, clock: clk, logger: logger}
}

// push stamps m with its arrival time and enqueues it, copying the
// payload because client libraries may reuse their buffers.
func (q *inbox) push(m Message) {
	m.Payload = append([]byte(nil), m.Payload...)
	m.Received = q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) >= q.size {
		q.buf = q.buf[1:]
		q.dropped++
	}
	q.buf = append(q.buf, m)
}

// drain removes up to max messages (all when max <= 0).
func (q *inbox) drain(max int) []Message {
	q.mu.Lock()
	n := len(q.buf)
	if max > 0 && max < n {
		n = max
	}
	out := make([]Message, n)
	copy(out, q.buf[:n])
	q.buf = q.buf[n:]
	dropped := q.dropped
	q.dropped = 0
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Warn("inbound messages dropped, queue full",
			"dropped", dropped,
			"queue_size", q.size,
		)
	}
	return out
}

// reset discards everything queued, e.g. traffic from a previous
// connection.
func (q *inbox) reset() {
	q.mu.Lock()
	q.buf = nil
	q.dropped = 0
	q.mu.Unlock()
}

// queued returns the number of queued messages.
func (q *inbox) queued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
