package sequence

import (
	"math/big"
	"math/rand/v2"
)

// Rand is a seeded, reproducible random source. It is owned by a single
// run and is not safe for concurrent use.
type Rand struct {
	seed uint64
	r    *rand.Rand
}

// NewRand returns a PCG-backed random source for the given seed.
func NewRand(seed uint64) *Rand {
	return &Rand{
		seed: seed,
		r:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// RandomSeed draws a seed for runs that were not given one.
func RandomSeed() uint64 {
	return rand.Uint64()
}

// Fork returns an independent source for the same seed. Distinct stream
// values give distinct sequences, so one part of a run can draw without
// shifting what another part sees.
func (r *Rand) Fork(stream uint64) *Rand {
	return &Rand{
		seed: r.seed,
		r:    rand.New(rand.NewPCG(r.seed, stream)),
	}
}

// Seed returns the seed the source was created with.
func (r *Rand) Seed() uint64 {
	return r.seed
}

// IntN returns a uniform int in [0, n). It panics if n <= 0.
func (r *Rand) IntN(n int) int {
	return r.r.IntN(n)
}

// IntRange returns a uniform int in [lo, hi] inclusive.
func (r *Rand) IntRange(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + r.r.IntN(hi-lo+1)
}

// Float64 returns a uniform float64 in [0.0, 1.0).
func (r *Rand) Float64() float64 {
	return r.r.Float64()
}

// Uint64 returns a uniform uint64.
func (r *Rand) Uint64() uint64 {
	return r.r.Uint64()
}

// BigIntN returns a uniform integer in [0, n). n must be positive.
func (r *Rand) BigIntN(n *big.Int) *big.Int {
	if n.IsUint64() {
		return new(big.Int).SetUint64(r.r.Uint64N(n.Uint64()))
	}

	// Rejection sampling over the smallest power of two covering n.
	bits := n.BitLen()
	buf := make([]byte, (bits+7)/8)
	excess := uint(len(buf)*8 - bits)
	out := new(big.Int)
	for {
		var w uint64
		for i := range buf {
			if i%8 == 0 {
				w = r.r.Uint64()
			}
			buf[i] = byte(w)
			w >>= 8
		}
		buf[0] &= 0xff >> excess
		out.SetBytes(buf)
		if out.Cmp(n) < 0 {
			return out
		}
	}
}
