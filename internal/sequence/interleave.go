package sequence

import (
	"fmt"
	"iter"
)

// Interleave merges streams into one lazy sequence. Each draw picks stream
// i with probability sizes[i]/sum(sizes) and then decrements sizes[i], so
// long streams dominate early while any interleaving stays possible. Each
// stream keeps its own relative order.
//
// A stream that ends before its declared size is treated as exhausted and
// its remaining weight is dropped. The returned sequence is meant to be
// traversed once.
func Interleave[T any](rng *Rand, streams []iter.Seq[T], sizes []int) (iter.Seq[T], error) {
	if len(streams) != len(sizes) {
		return nil, fmt.Errorf("%w: %d streams but %d sizes", ErrInvalidArgument, len(streams), len(sizes))
	}
	for i, n := range sizes {
		if n < 0 {
			return nil, fmt.Errorf("%w: stream %d has negative size %d", ErrInvalidArgument, i, n)
		}
	}

	return func(yield func(T) bool) {
		remaining := make([]int, len(sizes))
		copy(remaining, sizes)
		total := 0
		for _, n := range remaining {
			total += n
		}

		pulls := make([]func() (T, bool), len(streams))
		for i, s := range streams {
			next, stop := iter.Pull(s)
			defer stop()
			pulls[i] = next
		}

		for total > 0 {
			pick := rng.IntN(total)
			i := 0
			for ; i < len(remaining); i++ {
				if pick < remaining[i] {
					break
				}
				pick -= remaining[i]
			}

			remaining[i]--
			total--
			v, ok := pulls[i]()
			if !ok {
				total -= remaining[i]
				remaining[i] = 0
				continue
			}
			if !yield(v) {
				return
			}
		}
	}, nil
}
