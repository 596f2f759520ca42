package buffer

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("buffer closed")

// Statistics tracks buffer activity counters. All fields are snapshots.
type Statistics struct {
	Writes    int64
	Reads     int64
	Overflows int64
	Drops     int64
	MaxSize   int
}

// circular is a thread-safe circular buffer.
type circular[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool
	stats    Statistics
	opts     *options[T]
}

func newCircular[T any](capacity int, opts *options[T]) *circular[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &circular[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		opts:     opts,
	}
}

func (cb *circular[T]) Write(item T) error {
	cb.mu.Lock()

	if cb.closed {
		cb.mu.Unlock()
		return ErrClosed
	}

	var dropped *T
	if cb.size == cb.capacity {
		cb.stats.Overflows++
		cb.stats.Drops++

		switch cb.opts.overflowPolicy {
		case DropOldest:
			d := cb.items[cb.tail]
			dropped = &d
			cb.tail = (cb.tail + 1) % cb.capacity
			cb.size--
		case DropNewest:
			dropped = &item
			cb.mu.Unlock()
			if cb.opts.dropCallback != nil {
				cb.opts.dropCallback(*dropped)
			}
			return nil
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++
	cb.stats.Writes++
	if cb.size > cb.stats.MaxSize {
		cb.stats.MaxSize = cb.size
	}
	cb.mu.Unlock()

	// Callback runs outside the lock to avoid deadlock.
	if dropped != nil && cb.opts.dropCallback != nil {
		cb.opts.dropCallback(*dropped)
	}
	return nil
}

func (cb *circular[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	if cb.size == 0 {
		return zero, false
	}

	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero // release reference
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--
	cb.stats.Reads++
	return item, true
}

func (cb *circular[T]) ReadBatch(max int) []T {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if max <= 0 || cb.size == 0 {
		return nil
	}
	n := max
	if n > cb.size {
		n = cb.size
	}

	var zero T
	batch := make([]T, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, cb.items[cb.tail])
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
	}
	cb.size -= n
	cb.stats.Reads += int64(n)
	return batch
}

func (cb *circular[T]) Peek() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	if cb.size == 0 {
		return zero, false
	}
	return cb.items[cb.tail], true
}

func (cb *circular[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

func (cb *circular[T]) Capacity() int {
	return cb.capacity
}

func (cb *circular[T]) IsEmpty() bool {
	return cb.Size() == 0
}

func (cb *circular[T]) Clear() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	for i := range cb.items {
		cb.items[i] = zero
	}
	cb.size = 0
	cb.head = 0
	cb.tail = 0
}

func (cb *circular[T]) Stats() Statistics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats
}

func (cb *circular[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closed = true
	return nil
}
