package sequence

import (
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalan(t *testing.T) {
	want := []int64{1, 1, 2, 5, 14, 42, 132, 429, 1430, 4862, 16796}
	got := Catalan(10)
	require.Len(t, got, len(want))
	for i, w := range want {
		assert.Equal(t, 0, got[i].Cmp(big.NewInt(w)), "C[%d] = %s, want %d", i, got[i], w)
	}

	assert.Nil(t, Catalan(-1))
}

// isValidBracket reports whether every prefix has at least as many opens
// as closes and both totals equal pairs.
func isValidBracket(seq []rune, pairs int) bool {
	if len(seq) != 2*pairs {
		return false
	}
	depth, opens := 0, 0
	for _, r := range seq {
		switch r {
		case '(':
			depth++
			opens++
		case ')':
			depth--
		default:
			return false
		}
		if depth < 0 {
			return false
		}
	}
	return depth == 0 && opens == pairs
}

func TestBracketSequenceValid(t *testing.T) {
	rng := NewRand(42)
	for _, pairs := range []int{0, 1, 2, 3, 7, 20, 64, 200} {
		for range 20 {
			seq, err := BracketSequence(rng, '(', ')', pairs)
			require.NoError(t, err)
			assert.True(t, isValidBracket(seq, pairs), "invalid sequence for %d pairs: %s", pairs, string(seq))
		}
	}
}

func TestBracketSequenceEdgeCases(t *testing.T) {
	rng := NewRand(1)

	seq, err := BracketSequence(rng, '(', ')', 0)
	require.NoError(t, err)
	assert.Empty(t, seq)

	seq, err = BracketSequence(rng, '(', ')', 1)
	require.NoError(t, err)
	assert.Equal(t, []rune{'(', ')'}, seq)

	_, err = BracketSequence(rng, '(', ')', -1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestBracketSequenceUniform(t *testing.T) {
	const samples = 10000
	rng := NewRand(7)
	counts := make(map[string]int)
	for range samples {
		seq, err := BracketSequence(rng, '(', ')', 3)
		require.NoError(t, err)
		counts[string(seq)]++
	}

	shapes := []string{"((()))", "(()())", "(())()", "()(())", "()()()"}
	require.Len(t, counts, len(shapes), "unexpected shapes: %v", counts)

	expected := float64(samples) / float64(len(shapes))
	chi2 := 0.0
	for _, s := range shapes {
		d := float64(counts[s]) - expected
		chi2 += d * d / expected
	}
	// 4 degrees of freedom, p = 0.001.
	assert.Less(t, chi2, 18.47, "distribution not uniform: %v", counts)
}

func TestBracketSequenceCausalPairing(t *testing.T) {
	type op string
	const (
		submit op = "SubmitBaseTx"
		prove  op = "SubmitRelayProofTx"
	)

	rng := NewRand(99)
	for range 200 {
		seq, err := BracketSequence(rng, submit, prove, 5)
		require.NoError(t, err)

		opens, closes := 0, 0
		for p, o := range seq {
			if o == prove {
				assert.Greater(t, opens, closes, "close at %d has no unmatched open", p)
				closes++
			} else {
				opens++
			}
		}
	}
}

func TestBracketSequenceDeterministic(t *testing.T) {
	a, err := BracketSequence(NewRand(5), "(", ")", 30)
	require.NoError(t, err)
	b, err := BracketSequence(NewRand(5), "(", ")", 30)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(a, ""), strings.Join(b, ""))
}

func TestBigIntNRange(t *testing.T) {
	rng := NewRand(3)
	n := Catalan(60)[60]
	require.False(t, n.IsUint64())

	for range 500 {
		v := rng.BigIntN(n)
		assert.GreaterOrEqual(t, v.Sign(), 0)
		assert.Equal(t, -1, v.Cmp(n))
	}

	small := big.NewInt(3)
	for range 100 {
		v := rng.BigIntN(small)
		assert.True(t, v.IsInt64() && v.Int64() >= 0 && v.Int64() < 3)
	}
}
