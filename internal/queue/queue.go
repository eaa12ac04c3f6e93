// Package queue provides the bounded FIFO used by the channel manager and the
// hub publisher while their links are down.
package queue

// Bounded is a FIFO with a hard capacity. Pushing past capacity evicts the
// oldest entry. It is not safe for concurrent use; each queue is owned by a
// single event loop.
type Bounded[T any] struct {
	items    []T
	capacity int
}

func NewBounded[T any](capacity int) *Bounded[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Bounded[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push appends v to the tail. When the queue was full the head is dropped and
// returned with evicted set to true.
func (q *Bounded[T]) Push(v T) (dropped T, evicted bool) {
	q.items = append(q.items, v)
	if len(q.items) > q.capacity {
		dropped = q.items[0]
		q.items = q.items[1:]
		evicted = true
	}
	return dropped, evicted
}

func (q *Bounded[T]) Peek() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	return q.items[0], true
}

func (q *Bounded[T]) Pop() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

func (q *Bounded[T]) Len() int { return len(q.items) }

func (q *Bounded[T]) Cap() int { return q.capacity }

// Clear empties the queue and returns how many entries were discarded.
func (q *Bounded[T]) Clear() int {
	n := len(q.items)
	q.items = make([]T, 0, q.capacity)
	return n
}

// Items returns a copy of the queued entries, head first.
func (q *Bounded[T]) Items() []T {
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}
