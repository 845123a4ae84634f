// Package ring provides a fixed-capacity ring buffer for detector histories.
// When full, new entries overwrite the oldest — keeps per-session state
// bounded no matter how long the interview runs.
package ring

import "sync"

// Buffer is a bounded FIFO ring. The zero value is not usable; construct
// with New.
type Buffer[T any] struct {
	mu    sync.RWMutex
	items []T
	size  int
	head  int // next write position
	count int
}

// New creates a ring buffer with the given capacity. Non-positive capacities
// fall back to a small default.
func New[T any](size int) *Buffer[T] {
	if size <= 0 {
		size = 64
	}
	return &Buffer[T]{
		items: make([]T, size),
		size:  size,
	}
}

// Push appends an entry, evicting the oldest when at capacity.
func (b *Buffer[T]) Push(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// Items returns the buffered entries oldest-first.
func (b *Buffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, 0, b.count)
	start := b.head - b.count
	if start < 0 {
		start += b.size
	}
	for i := 0; i < b.count; i++ {
		out = append(out, b.items[(start+i)%b.size])
	}
	return out
}

// Len returns the number of buffered entries.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Capacity returns the maximum number of entries.
func (b *Buffer[T]) Capacity() int {
	return b.size
}

// Reset discards all entries.
func (b *Buffer[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head = 0
	b.count = 0
}
