// Package buffer provides an unbounded, thread-safe double-ended queue.
//
// The deque is a ring buffer that doubles its capacity when it reaches 70%
// full. Items can be appended at the back, returned to the front (used to
// re-queue a message whose send failed), and received in FIFO order either
// blocking or non-blocking.
package buffer

import (
	"sync"
)

// Deque is a thread-safe ring buffer with push-front support.
type Deque[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	closed   bool
}

// NewDeque creates a deque with the given initial capacity.
func NewDeque[T any](initialCapacity int) *Deque[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	d := &Deque[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// PushBack appends an item. Returns false if the deque is closed.
func (d *Deque[T]) PushBack(item T) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	d.maybeGrow()

	d.buf[d.tail] = item
	d.tail = (d.tail + 1) % d.capacity
	d.count++

	d.cond.Signal()
	return true
}

// PushFront puts an item ahead of everything else. Unlike PushBack it is
// allowed after Close so that an in-flight item can always be returned.
func (d *Deque[T]) PushFront(item T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeGrow()

	d.head = (d.head - 1 + d.capacity) % d.capacity
	d.buf[d.head] = item
	d.count++

	d.cond.Signal()
}

// Receive removes and returns the front item, blocking until one is
// available. Returns the zero value and false once closed and empty.
func (d *Deque[T]) Receive() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for d.count == 0 && !d.closed {
		d.cond.Wait()
	}

	if d.count == 0 {
		var zero T
		return zero, false
	}
	return d.popLocked(), true
}

// TryReceive removes and returns the front item without blocking.
func (d *Deque[T]) TryReceive() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.count == 0 {
		var zero T
		return zero, false
	}
	return d.popLocked(), true
}

// DrainTo removes up to max items (all if max <= 0) in FIFO order.
func (d *Deque[T]) DrainTo(max int) []T {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.count == 0 {
		return nil
	}

	n := d.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = d.popLocked()
	}
	return result
}

// Close stops further PushBack calls and wakes blocked receivers.
// Receivers still get the remaining items.
func (d *Deque[T]) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	d.cond.Broadcast()
}

// Len returns the number of queued items.
func (d *Deque[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// popLocked removes the front item. Must be called with lock held and count > 0.
func (d *Deque[T]) popLocked() T {
	item := d.buf[d.head]
	var zero T
	d.buf[d.head] = zero // Clear reference for GC
	d.head = (d.head + 1) % d.capacity
	d.count--
	return item
}

// maybeGrow doubles capacity once the next insert would reach 70%.
// Must be called with lock held.
func (d *Deque[T]) maybeGrow() {
	threshold := (d.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if d.count+1 < threshold && d.count < d.capacity {
		return
	}

	newCapacity := d.capacity * 2
	newBuf := make([]T, newCapacity)

	if d.count > 0 {
		if d.head < d.tail {
			copy(newBuf, d.buf[d.head:d.tail])
		} else {
			// Wrapped (or full with head == tail): [head...end) + [0...tail)
			n := copy(newBuf, d.buf[d.head:])
			copy(newBuf[n:], d.buf[:d.tail])
		}
	}

	d.buf = newBuf
	d.head = 0
	d.tail = d.count
	d.capacity = newCapacity
}
