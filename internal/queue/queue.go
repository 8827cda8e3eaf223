// Package queue provides a growable FIFO used wherever a producer must never
// block on a slower consumer: per-client outbound queues and the exec audit
// buffer.
package queue

import (
	"errors"
	"sync"
)

var (
	ErrClosed = errors.New("queue closed")
	ErrFull   = errors.New("queue full")
)

// Queue is a thread-safe ring buffer that doubles its capacity when it
// reaches 70% full, up to an optional hard limit on queued items.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []T
	head   int
	tail   int
	count  int
	limit  int // 0 = unbounded
	closed bool

	enqueued int64
	dequeued int64
	rejected int64
	resizes  int
}

// New creates a queue with the given initial capacity. limit caps the number
// of queued items; 0 disables the cap.
func New[T any](initialCapacity, limit int) *Queue[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	q := &Queue[T]{
		buf:   make([]T, initialCapacity),
		limit: limit,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Send appends an item without blocking.
func (q *Queue[T]) Send(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.limit > 0 && q.count >= q.limit {
		q.rejected++
		return ErrFull
	}

	threshold := (len(q.buf) * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold || q.count == len(q.buf) {
		q.grow()
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % len(q.buf)
	q.count++
	q.enqueued++

	q.cond.Signal()
	return nil
}

// Receive blocks until an item is available. It returns false once the queue
// is closed and drained.
func (q *Queue[T]) Receive() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.pop(), true
}

// TryReceive returns the next item if one is queued.
func (q *Queue[T]) TryReceive() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.pop(), true
}

// DrainTo removes up to max items (all if max <= 0).
func (q *Queue[T]) DrainTo(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	n := q.count
	if max > 0 && max < n {
		n = max
	}
	out := make([]T, n)
	for i := range out {
		out[i] = q.pop()
	}
	return out
}

// Close stops accepting items. Receivers drain what is left.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Closed reports whether Close was called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats is a point-in-time view of queue counters.
type Stats struct {
	Count    int
	Capacity int
	Limit    int
	Enqueued int64
	Dequeued int64
	Rejected int64
	Resizes  int
}

// Stats returns queue counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Count:    q.count,
		Capacity: len(q.buf),
		Limit:    q.limit,
		Enqueued: q.enqueued,
		Dequeued: q.dequeued,
		Rejected: q.rejected,
		Resizes:  q.resizes,
	}
}

// pop must be called with the lock held and count > 0.
func (q *Queue[T]) pop() T {
	item := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.dequeued++
	return item
}

// grow doubles capacity. Must be called with the lock held.
func (q *Queue[T]) grow() {
	next := make([]T, len(q.buf)*2)
	if q.count > 0 {
		if q.head < q.tail {
			copy(next, q.buf[q.head:q.tail])
		} else {
			n := copy(next, q.buf[q.head:])
			copy(next[n:], q.buf[:q.tail])
		}
	}
	q.buf = next
	q.head = 0
	q.tail = q.count
	q.resizes++
}
