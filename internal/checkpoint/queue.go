package checkpoint

import (
	"sync"

	"github.com/JakeFAU/savedplaces/internal/places"
)

// writeOp is either a record to append or a flush barrier.
type writeOp struct {
	record *places.EnrichedPlace
	ack    chan struct{}
}

// writeQueue is an unbounded FIFO; producers never block on the writer.
type writeQueue struct {
	mu      sync.Mutex
	pending []writeOp
	closed  bool
	wake    chan struct{}
}

func newWriteQueue() *writeQueue {
	return &writeQueue{wake: make(chan struct{}, 1)}
}

func (q *writeQueue) push(op writeOp) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return places.ErrCheckpointClosed
	}
	q.pending = append(q.pending, op)
	q.mu.Unlock()
	q.signal()
	return nil
}

// take blocks until work is pending or the queue is closed. done is true once
// the queue is closed and fully drained.
func (q *writeQueue) take() (ops []writeOp, done bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			ops, q.pending = q.pending, nil
			q.mu.Unlock()
			return ops, false
		}
		if q.closed {
			q.mu.Unlock()
			return nil, true
		}
		q.mu.Unlock()
		<-q.wake
	}
}

func (q *writeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *writeQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
