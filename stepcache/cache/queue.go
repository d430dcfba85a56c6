package cache

import (
	"fmt"
	"sync"
)

type queuedOp struct {
	run  func() error
	done chan error
}

// WriteQueue runs operations one at a time in submission order.
//
// The first caller to find the queue idle drains it, including operations
// submitted by others while it runs. Every caller blocks until its own
// operation has completed and receives that operation's error.
type WriteQueue struct {
	mu      sync.Mutex
	pending []queuedOp
	running bool
}

func NewWriteQueue() *WriteQueue { return &WriteQueue{} }

// Execute runs op now if the queue is idle, otherwise after every operation
// submitted before it. A failing or panicking op does not stall the queue.
func (q *WriteQueue) Execute(op func() error) error {
	item := queuedOp{run: op, done: make(chan error, 1)}

	q.mu.Lock()
	q.pending = append(q.pending, item)
	if q.running {
		q.mu.Unlock()
		return <-item.done
	}
	q.running = true
	q.mu.Unlock()

	q.drain()
	return <-item.done
}

func (q *WriteQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending[0] = queuedOp{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		next.done <- runSafely(next.run)
	}
}

// Pending returns the number of operations waiting to run.
func (q *WriteQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func runSafely(op func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("write queue operation panicked: %v", r)
		}
	}()
	return op()
}
