package signaling

import "sync"

// sendQueue is a byte-bounded FIFO of encoded outbound messages for one
// connection.
//
// Enqueue never blocks, so fan-out from one connection's read loop cannot be
// stalled by a slow recipient. The write pump waits on Ready and takes the
// whole backlog with Drain.
type sendQueue struct {
	mu       sync.Mutex
	closed   bool
	maxBytes int
	curBytes int
	frames   [][]byte
	ready    chan struct{}
}

func newSendQueue(maxBytes int) *sendQueue {
	return &sendQueue{
		maxBytes: maxBytes,
		ready:    make(chan struct{}, 1),
	}
}

// Enqueue appends frame if the queue is open and the frame fits within the
// byte budget.
func (q *sendQueue) Enqueue(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if q.curBytes+len(frame) > q.maxBytes {
		return false
	}
	q.frames = append(q.frames, frame)
	q.curBytes += len(frame)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled whenever frames may be available.
func (q *sendQueue) Ready() <-chan struct{} {
	return q.ready
}

// Drain removes and returns all queued frames in FIFO order.
func (q *sendQueue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	frames := q.frames
	q.frames = nil
	q.curBytes = 0
	return frames
}

// Close discards pending frames and rejects later ones.
func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.curBytes = 0
	q.mu.Unlock()
}

func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
