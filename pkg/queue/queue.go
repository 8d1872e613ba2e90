// Package queue provides an unbounded FIFO queue with channel-based wake-up.
// It backs the session backlog and message receiver slots, where consumers
// must suspend without blocking other goroutines and producers must never
// block or drop.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Pop once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded multi-producer FIFO. Pop suspends the calling
// goroutine until an item is available, the context is done, or the queue
// is closed. Items are delivered in push order; each item is delivered to
// exactly one consumer.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Push appends an item and wakes one waiting consumer. Push on a closed
// queue is a no-op.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.notify()
}

// TryPop removes and returns the head item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero // release reference
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// More items remain; keep other waiters runnable.
		q.notifyLocked()
	}
	return v, true
}

// Pop removes and returns the head item, blocking until one is available.
// Returns ctx.Err() if the context is done first, or ErrClosed once the
// queue has been closed.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		if v, ok := q.TryPop(); ok {
			return v, nil
		}

		var zero T
		if q.isClosed() {
			return zero, ErrClosed
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.done:
			// Closed while waiting; the recheck above returns ErrClosed.
		case <-q.wake:
			// Re-check; another consumer may have raced us to the item.
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close discards queued items, causes subsequent pushes to be dropped, and
// unblocks waiting Pop calls with ErrClosed. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
	q.mu.Unlock()
}

func (q *Queue[T]) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue[T]) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// notifyLocked is notify for call sites already holding q.mu; the wake
// channel itself is not guarded by the mutex so the send is identical.
func (q *Queue[T]) notifyLocked() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
