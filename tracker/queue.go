package tracker

import "sync"

// BoundedQueue is a FIFO with a fixed capacity. When full, the oldest
// items are dropped to make room. Safe for concurrent use.
type BoundedQueue[T any] struct {
	mu    sync.Mutex
	cap   int
	items []T
}

func NewBoundedQueue[T any](capacity int) *BoundedQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &BoundedQueue[T]{cap: capacity}
}

// Push appends v and returns how many old items were dropped.
func (q *BoundedQueue[T]) Push(v T) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, v)
	return q.trimLocked()
}

// Drain returns every queued item in order and empties the queue.
func (q *BoundedQueue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Restore puts items that failed delivery back in front of anything queued
// since they were drained. Returns how many of the oldest were dropped to
// stay within capacity.
func (q *BoundedQueue[T]) Restore(items []T) int {
	if len(items) == 0 {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([]T, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	merged = append(merged, q.items...)
	q.items = merged
	return q.trimLocked()
}

func (q *BoundedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *BoundedQueue[T]) Cap() int {
	return q.cap
}

func (q *BoundedQueue[T]) trimLocked() int {
	over := len(q.items) - q.cap
	if over <= 0 {
		return 0
	}
	kept := make([]T, q.cap)
	copy(kept, q.items[over:])
	q.items = kept
	return over
}
