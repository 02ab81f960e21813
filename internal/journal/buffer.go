package journal

import (
	"errors"
	"sync"
)

var (
	ErrBufferFull   = errors.New("journal buffer full")
	ErrBufferClosed = errors.New("journal buffer closed")
)

// Buffer is a thread-safe FIFO ring that doubles its capacity when it
// reaches 70% full, up to a hard limit. Once at the limit, Push rejects
// new items instead of growing.
type Buffer[T any] struct {
	mu       sync.Mutex
	items    []T
	head     int // read position
	tail     int // write position
	count    int
	limit    int
	closed   bool
	rejected int64
}

// NewBuffer creates a buffer with the given initial capacity that will never
// hold more than limit items. A limit below initial is raised to initial.
func NewBuffer[T any](initial, limit int) *Buffer[T] {
	if initial < 1 {
		initial = 1
	}
	if limit < initial {
		limit = initial
	}
	return &Buffer[T]{
		items: make([]T, initial),
		limit: limit,
	}
}

// Push appends item.
func (b *Buffer[T]) Push(item T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBufferClosed
	}

	threshold := (len(b.items) * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold && len(b.items) < b.limit {
		b.grow()
	}
	if b.count == len(b.items) {
		b.rejected++
		return ErrBufferFull
	}

	b.items[b.tail] = item
	b.tail = (b.tail + 1) % len(b.items)
	b.count++
	return nil
}

// Drain removes up to max items (all of them when max <= 0) in FIFO order.
func (b *Buffer[T]) Drain(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	n := b.count
	if max > 0 && max < n {
		n = max
	}

	out := make([]T, n)
	var zero T
	for i := 0; i < n; i++ {
		out[i] = b.items[b.head]
		b.items[b.head] = zero // Clear reference for GC
		b.head = (b.head + 1) % len(b.items)
	}
	b.count -= n

	return out
}

// Close stops accepting items. Queued items can still be drained.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// Len returns the number of queued items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the current ring size.
func (b *Buffer[T]) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Rejected returns how many pushes failed because the buffer was full.
func (b *Buffer[T]) Rejected() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

// grow doubles the ring, capped at limit. Must be called with lock held.
func (b *Buffer[T]) grow() {
	size := len(b.items) * 2
	if size > b.limit {
		size = b.limit
	}
	next := make([]T, size)

	if b.count > 0 {
		if b.head < b.tail {
			copy(next, b.items[b.head:b.tail])
		} else {
			n := copy(next, b.items[b.head:])
			copy(next[n:], b.items[:b.tail])
		}
	}

	b.items = next
	b.head = 0
	b.tail = b.count
}
