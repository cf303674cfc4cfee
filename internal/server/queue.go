package server

import "sync"

// outboundQueue is a bounded FIFO of events awaiting a connection's writer.
// When full, the oldest event is overwritten so a slow reader can never
// stall the goroutine delivering to it.
type outboundQueue struct {
	mu     sync.Mutex
	buf    []*ServerMessage
	head   int
	count  int
	closed bool
	ready  chan struct{}
}

func newOutboundQueue(size int) *outboundQueue {
	if size < 1 {
		size = 1
	}
	return &outboundQueue{
		buf:   make([]*ServerMessage, size),
		ready: make(chan struct{}, 1),
	}
}

// push appends msg. ok is false once the queue has been closed; dropped
// reports whether an older event was discarded to make room.
func (q *outboundQueue) push(msg *ServerMessage) (ok bool, dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, false
	}

	n := len(q.buf)
	if q.count == n {
		q.buf[q.head] = nil
		q.head = (q.head + 1) % n
		q.count--
		dropped = true
	}
	q.buf[(q.head+q.count)%n] = msg
	q.count++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}

	return true, dropped
}

func (q *outboundQueue) pop() (*ServerMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil, false
	}

	msg := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.count--

	return msg, true
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// close discards pending events and rejects further pushes.
func (q *outboundQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	for i := range q.buf {
		q.buf[i] = nil
	}
	q.count = 0
}

func (q *outboundQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
