package mempool

import (
	"slices"

	"github.com/gateway-fm/popfuzz/internal/sequence"
)

// Queue holds pending artifacts in insertion order. Consumers take a
// uniformly random element rather than the oldest one.
type Queue[T any] struct {
	items []T
}

// Push appends v.
func (q *Queue[T]) Push(v T) {
	q.items = append(q.items, v)
}

// PopRandom removes and returns a uniformly chosen element. It reports
// false and leaves the queue untouched when the queue is empty.
func (q *Queue[T]) PopRandom(rng *sequence.Rand) (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	i := rng.IntN(len(q.items))
	v := q.items[i]
	q.items = slices.Delete(q.items, i, i+1)
	return v, true
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Items returns a copy of the queued elements.
func (q *Queue[T]) Items() []T {
	return slices.Clone(q.items)
}
