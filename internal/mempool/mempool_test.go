package mempool

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/popfuzz/internal/chain"
	"github.com/gateway-fm/popfuzz/internal/mockminer"
	"github.com/gateway-fm/popfuzz/internal/sequence"
	"github.com/gateway-fm/popfuzz/pkg/types"
)

var errBoom = errors.New("boom")

// faultyNode fails or rejects selected calls and forwards the rest.
type faultyNode struct {
	*mockminer.SimNode
	failGenerate bool
	rejectTxs    bool
}

func (n *faultyNode) Generate(ctx context.Context, count int, payout string) ([]chain.Hash, error) {
	if n.failGenerate {
		return nil, errBoom
	}
	return n.SimNode.Generate(ctx, count, payout)
}

func (n *faultyNode) SubmitRelayTx(ctx context.Context, hex string) (chain.SubmitResult, error) {
	if n.rejectTxs {
		return chain.SubmitResult{Code: "bad-endorsement", Message: "endorsed block too old"}, nil
	}
	return n.SimNode.SubmitRelayTx(ctx, hex)
}

var _ chain.Node = (*faultyNode)(nil)

func newTestMempool(t *testing.T, node chain.Node, miner *mockminer.Miner) *Mempool {
	t.Helper()
	return New(Config{
		Node:          node,
		Miner:         miner,
		Rand:          sequence.NewRand(1),
		PayoutAddress: "payout",
	})
}

func newSim(t *testing.T) (*mockminer.Miner, *mockminer.SimNode) {
	t.Helper()
	miner := mockminer.New(nil)
	return miner, mockminer.NewSimNode("node0", miner.Bootstrap(), nil)
}

func TestEmptyQueueNoop(t *testing.T) {
	consumers := []types.Operation{
		types.OpSubmitRelayProofTx,
		types.OpMineRelayProof,
		types.OpSubmitTargetProofData,
	}

	for _, op := range consumers {
		t.Run(string(op), func(t *testing.T) {
			miner, node := newSim(t)
			m := newTestMempool(t, node, miner)
			baseTip, relayTip := miner.BaseTip(), miner.RelayTip()
			before := m.Depths()

			outcome, err := m.Dispatch(context.Background(), op)
			require.NoError(t, err)
			assert.Equal(t, types.OutcomeEmptyQueueNoop, outcome)
			assert.Equal(t, before, m.Depths())
			assert.Same(t, baseTip, miner.BaseTip())
			assert.Same(t, relayTip, miner.RelayTip())
			assert.Equal(t, uint64(1), m.Stats().Noops[op])
		})
	}
}

func TestProofLineage(t *testing.T) {
	ctx := context.Background()
	miner, node := newSim(t)
	m := newTestMempool(t, node, miner)

	steps := []struct {
		op          types.Operation
		wantDepths  types.QueueDepths
		wantBase    int64
		wantRelay   int64
		wantOutcome types.Outcome
	}{
		{types.OpSubmitBaseTx, types.QueueDepths{BaseTxPending: 1}, 0, 0, types.OutcomeApplied},
		{types.OpMineBase, types.QueueDepths{BaseTxPending: 1}, 1, 0, types.OutcomeApplied},
		{types.OpSubmitRelayProofTx, types.QueueDepths{RelayProofPending: 1}, 1, 0, types.OutcomeApplied},
		{types.OpMineRelayProof, types.QueueDepths{}, 1, 1, types.OutcomeApplied},
		{types.OpMineRelayProof, types.QueueDepths{}, 1, 1, types.OutcomeEmptyQueueNoop},
	}

	for i, s := range steps {
		outcome, err := m.Dispatch(ctx, s.op)
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, s.wantOutcome, outcome, "step %d", i)
		assert.Equal(t, s.wantDepths, m.Depths(), "step %d", i)
		assert.Equal(t, s.wantBase, miner.BaseTip().Height, "step %d base height", i)
		assert.Equal(t, s.wantRelay, miner.RelayTip().Height, "step %d relay height", i)
	}
	assert.True(t, miner.RelayTip().Proof)
}

func TestRelayProofMinesUnminedBaseTx(t *testing.T) {
	ctx := context.Background()
	miner, node := newSim(t)
	m := newTestMempool(t, node, miner)

	_, err := m.Dispatch(ctx, types.OpSubmitBaseTx)
	require.NoError(t, err)
	outcome, err := m.Dispatch(ctx, types.OpSubmitRelayProofTx)
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeApplied, outcome)
	assert.Equal(t, int64(1), miner.BaseTip().Height)
	assert.Equal(t, 1, m.RelayProofsPending())
}

func TestTargetDataLineage(t *testing.T) {
	ctx := context.Background()
	miner, node := newSim(t)
	m := newTestMempool(t, node, miner)

	for _, op := range []types.Operation{
		types.OpMineTarget,
		types.OpSubmitRelayTx,
		types.OpSubmitRelayTx,
		types.OpMineRelay,
	} {
		_, err := m.Dispatch(ctx, op)
		require.NoError(t, err, op)
	}
	assert.Equal(t, types.QueueDepths{TargetDataPending: 2}, m.Depths())

	outcome, err := m.Dispatch(ctx, types.OpSubmitTargetProofData)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeApplied, outcome)

	pending, err := node.GetRawPendingSet(ctx)
	require.NoError(t, err)
	assert.Len(t, pending.RelayBlocks, 1)
	assert.Len(t, pending.RelayTxs, 1)
	assert.Empty(t, pending.RelayProofs)

	relayTip, err := node.GetRelayTipHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, miner.RelayTip().Hash, relayTip)

	_, err = m.Dispatch(ctx, types.OpMineTarget)
	require.NoError(t, err)
	pending, err = node.GetRawPendingSet(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending.RelayBlocks)
	assert.Empty(t, pending.RelayTxs)

	count, err := node.GetBlockCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestMineRelayWithEmptyPool(t *testing.T) {
	miner, node := newSim(t)
	m := newTestMempool(t, node, miner)

	outcome, err := m.Dispatch(context.Background(), types.OpMineRelay)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeApplied, outcome)
	assert.Equal(t, int64(1), miner.RelayTip().Height)
	assert.False(t, miner.RelayTip().Proof)
}

func TestCollaboratorErrorIsUnmodified(t *testing.T) {
	miner, sim := newSim(t)
	m := newTestMempool(t, &faultyNode{SimNode: sim, failGenerate: true}, miner)

	outcome, err := m.Dispatch(context.Background(), types.OpMineTarget)
	assert.Equal(t, types.OutcomeFailed, outcome)
	assert.Same(t, errBoom, err)
	assert.Zero(t, m.Stats().Applied[types.OpMineTarget])
}

func TestRejectedSubmission(t *testing.T) {
	ctx := context.Background()
	miner, sim := newSim(t)
	m := newTestMempool(t, &faultyNode{SimNode: sim, rejectTxs: true}, miner)

	for _, op := range []types.Operation{types.OpSubmitRelayTx, types.OpMineRelay} {
		_, err := m.Dispatch(ctx, op)
		require.NoError(t, err)
	}

	_, err := m.Dispatch(ctx, types.OpSubmitTargetProofData)
	var rejected *chain.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "relay tx", rejected.Kind)
	assert.Equal(t, "bad-endorsement", rejected.Code)
}

func TestUnknownOperation(t *testing.T) {
	miner, node := newSim(t)
	m := newTestMempool(t, node, miner)

	_, err := m.Dispatch(context.Background(), types.Operation("mine-everything"))
	assert.ErrorIs(t, err, sequence.ErrInvalidArgument)
}

func TestQueuePopRandom(t *testing.T) {
	rng := sequence.NewRand(3)
	var q Queue[int]

	_, ok := q.PopRandom(rng)
	assert.False(t, ok)

	for i := range 10 {
		q.Push(i)
	}
	seen := make(map[int]bool)
	for q.Len() > 0 {
		v, ok := q.PopRandom(rng)
		require.True(t, ok)
		assert.False(t, seen[v], "value %d popped twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, 10)
}

func TestQueuePopRandomIsUniform(t *testing.T) {
	const (
		size = 5
		runs = 5000
	)
	var first [size]int
	inOrder := 0
	for seed := range uint64(runs) {
		rng := sequence.NewRand(seed)
		var q Queue[int]
		for i := range size {
			q.Push(i)
		}

		order := make([]int, 0, size)
		for q.Len() > 0 {
			v, _ := q.PopRandom(rng)
			order = append(order, v)
		}
		first[order[0]]++
		if slices.IsSorted(order) {
			inOrder++
		}
	}

	// Every queued element is equally likely to be consumed first.
	expected := runs / size
	for i, n := range first {
		assert.InDelta(t, expected, n, float64(expected)/4, "element %d popped first %d times", i, n)
	}
	// Oldest-first consumption happens in about 1 of 5! runs.
	assert.Less(t, inOrder, runs/20)
}
