// Package buffer provides a generic, thread-safe circular buffer with
// configurable overflow policies. It decouples the serial read loop from
// frame consumers so a slow consumer drops data instead of blocking I/O.
package buffer

// Buffer represents a generic buffer parameterized by item type T.
type Buffer[T any] interface {
	// Write adds an item to the buffer. Behavior when full depends on the
	// overflow policy.
	Write(item T) error

	// Read retrieves and removes one item from the buffer.
	Read() (T, bool)

	// ReadBatch retrieves and removes up to max items from the buffer.
	ReadBatch(max int) []T

	// Peek retrieves one item without removing it.
	Peek() (T, bool)

	// Size returns the current number of items in the buffer.
	Size() int

	// Capacity returns the maximum number of items the buffer can hold.
	Capacity() int

	// IsEmpty returns true if the buffer contains no items.
	IsEmpty() bool

	// Clear removes all items from the buffer.
	Clear()

	// Stats returns buffer statistics.
	Stats() Statistics

	// Close shuts down the buffer.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called with each item dropped due to overflow.
type DropCallback[T any] func(item T)

// Option configures buffer behavior using the functional options pattern.
type Option[T any] func(*options[T])

type options[T any] struct {
	overflowPolicy OverflowPolicy
	dropCallback   DropCallback[T]
}

// WithOverflowPolicy sets the overflow behavior. Defaults to DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(opts *options[T]) {
		opts.overflowPolicy = policy
	}
}

// WithDropCallback sets a callback invoked for each dropped item.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(opts *options[T]) {
		opts.dropCallback = callback
	}
}

// NewCircular creates a new circular buffer with the specified capacity.
func NewCircular[T any](capacity int, opts ...Option[T]) Buffer[T] {
	o := &options[T]{overflowPolicy: DropOldest}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return newCircular(capacity, o)
}
