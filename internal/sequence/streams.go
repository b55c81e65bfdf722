package sequence

import (
	"fmt"
	"iter"
	"slices"
)

// Repeat yields item n times.
func Repeat[T any](item T, n int) iter.Seq[T] {
	return func(yield func(T) bool) {
		for range n {
			if !yield(item) {
				return
			}
		}
	}
}

// Slice yields the items in order.
func Slice[T any](items []T) iter.Seq[T] {
	return slices.Values(items)
}

// WeightedChoice yields n items, each drawn independently from items with
// probability proportional to weights. The draw happens lazily, so the
// stream consumes randomness in step with whoever pulls from it.
func WeightedChoice[T any](rng *Rand, items []T, weights []int, n int) (iter.Seq[T], error) {
	if len(items) != len(weights) {
		return nil, fmt.Errorf("%w: %d items but %d weights", ErrInvalidArgument, len(items), len(weights))
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: stream size %d is negative", ErrInvalidArgument, n)
	}
	total := 0
	for i, w := range weights {
		if w < 0 {
			return nil, fmt.Errorf("%w: weight %d is negative", ErrInvalidArgument, i)
		}
		total += w
	}
	if total == 0 && n > 0 {
		return nil, fmt.Errorf("%w: all weights are zero", ErrInvalidArgument)
	}

	return func(yield func(T) bool) {
		for range n {
			pick := rng.IntN(total)
			i := 0
			for ; i < len(weights); i++ {
				if pick < weights[i] {
					break
				}
				pick -= weights[i]
			}
			if !yield(items[i]) {
				return
			}
		}
	}, nil
}
