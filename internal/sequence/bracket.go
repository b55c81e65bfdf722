// Package sequence generates causally ordered random operation sequences:
// uniformly random bracket sequences over an open/close pair, and weighted
// interleavings of independent streams.
package sequence

import (
	"errors"
	"fmt"
	"math/big"
)

// ErrInvalidArgument is returned for malformed generator parameters.
var ErrInvalidArgument = errors.New("invalid argument")

// Catalan returns the Catalan numbers C[0..n].
func Catalan(n int) []*big.Int {
	if n < 0 {
		return nil
	}
	c := make([]*big.Int, n+1)
	c[0] = big.NewInt(1)
	term := new(big.Int)
	for k := 1; k <= n; k++ {
		sum := new(big.Int)
		for i := 0; i < k; i++ {
			sum.Add(sum, term.Mul(c[i], c[k-1-i]))
		}
		c[k] = sum
	}
	return c
}

// bracketRange is a pending sub-sequence of out[start : start+2*pairs].
type bracketRange struct {
	start int
	pairs int
}

// BracketSequence returns 2*pairCount items, pairCount copies each of open
// and close, forming a valid bracket sequence. Every one of the
// Catalan(pairCount) shapes is equally likely.
//
// A range of k pairs is written as open, inner, close, rest where the inner
// part holds i pairs. i is drawn with weight C[i]*C[k-1-i], the number of
// shapes with that split, which makes the overall draw uniform.
func BracketSequence[T any](rng *Rand, open, close T, pairCount int) ([]T, error) {
	if pairCount < 0 {
		return nil, fmt.Errorf("%w: pair count %d is negative", ErrInvalidArgument, pairCount)
	}
	if pairCount == 0 {
		return []T{}, nil
	}

	catalan := Catalan(pairCount)
	out := make([]T, 2*pairCount)
	stack := []bracketRange{{start: 0, pairs: pairCount}}
	weight := new(big.Int)
	acc := new(big.Int)

	for len(stack) > 0 {
		rg := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if rg.pairs == 0 {
			continue
		}

		k := rg.pairs
		u := rng.BigIntN(catalan[k])
		inner := k - 1
		acc.SetInt64(0)
		for i := 0; i < k; i++ {
			acc.Add(acc, weight.Mul(catalan[i], catalan[k-1-i]))
			if u.Cmp(acc) < 0 {
				inner = i
				break
			}
		}

		closeAt := rg.start + 1 + 2*inner
		out[rg.start] = open
		out[closeAt] = close
		stack = append(stack,
			bracketRange{start: closeAt + 1, pairs: k - 1 - inner},
			bracketRange{start: rg.start + 1, pairs: inner},
		)
	}

	return out, nil
}
