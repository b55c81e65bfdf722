package workload

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/popfuzz/internal/chain"
	"github.com/gateway-fm/popfuzz/internal/mockminer"
	"github.com/gateway-fm/popfuzz/internal/sequence"
	"github.com/gateway-fm/popfuzz/pkg/types"
)

var errBoom = errors.New("boom")

type failingGenerateNode struct {
	*mockminer.SimNode
}

func (n *failingGenerateNode) Generate(ctx context.Context, count int, payout string) ([]chain.Hash, error) {
	return nil, errBoom
}

func newSim() (*mockminer.Miner, *mockminer.SimNode) {
	miner := mockminer.New(nil)
	return miner, mockminer.NewSimNode("node0", miner.Bootstrap(), nil)
}

// fakeClock advances by step on every reading.
type fakeClock struct {
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// slowPacer holds each operation for delay on the fake clock.
type slowPacer struct {
	clock *fakeClock
	delay time.Duration
	waits int
}

func (p *slowPacer) Wait(ctx context.Context) error {
	p.waits++
	p.clock.now = p.clock.now.Add(p.delay)
	return ctx.Err()
}

var mixedCounts = types.Counts{
	BaseBlocks:      8,
	RelayBlocks:     12,
	TargetBlocks:    6,
	Proofs:          7,
	DataSubmissions: 5,
}

func TestPlanComposition(t *testing.T) {
	ops, err := Plan(sequence.NewRand(21), mixedCounts)
	require.NoError(t, err)
	seq := slices.Collect(ops)
	require.Len(t, seq, mixedCounts.Total())

	count := make(map[types.Operation]int)
	for _, op := range seq {
		count[op]++
	}
	assert.Equal(t, 8, count[types.OpMineBase])
	assert.Equal(t, 6, count[types.OpMineTarget])
	assert.Equal(t, 12, count[types.OpMineRelay]+count[types.OpMineRelayProof])
	assert.Equal(t, 7, count[types.OpSubmitBaseTx])
	assert.Equal(t, 7, count[types.OpSubmitRelayProofTx])
	assert.Equal(t, 5, count[types.OpSubmitRelayTx])
	assert.Equal(t, 5, count[types.OpSubmitTargetProofData])
}

func TestPlanCausalOrder(t *testing.T) {
	pairs := []struct {
		open, close types.Operation
	}{
		{types.OpSubmitBaseTx, types.OpSubmitRelayProofTx},
		{types.OpSubmitRelayTx, types.OpSubmitTargetProofData},
	}

	rng := sequence.NewRand(5)
	for range 100 {
		ops, err := Plan(rng, mixedCounts)
		require.NoError(t, err)
		seq := slices.Collect(ops)

		for _, pair := range pairs {
			opens, closes := 0, 0
			for i, op := range seq {
				switch op {
				case pair.open:
					opens++
				case pair.close:
					require.Greater(t, opens, closes, "%s at %d precedes its producer", op, i)
					closes++
				}
			}
		}
	}
}

func TestPlanRelayWithoutEndorsements(t *testing.T) {
	ops, err := Plan(sequence.NewRand(1), types.Counts{RelayBlocks: 4})
	require.NoError(t, err)
	assert.Equal(t, slices.Repeat([]types.Operation{types.OpMineRelay}, 4), slices.Collect(ops))
}

func TestPlanInvalidCounts(t *testing.T) {
	_, err := Plan(sequence.NewRand(1), types.Counts{Proofs: -1})
	assert.ErrorIs(t, err, sequence.ErrInvalidArgument)

	miner, node := newSim()
	_, err = Run(context.Background(), node, miner, Params{Counts: types.Counts{BaseBlocks: -3}})
	assert.ErrorIs(t, err, sequence.ErrInvalidArgument)

	// The first negative count in declaration order is reported.
	for range 20 {
		_, err = Plan(sequence.NewRand(1), types.Counts{RelayBlocks: -1, Proofs: -2, DataSubmissions: -3})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "relay blocks count -1")
	}
}

func TestRunProofsAllMined(t *testing.T) {
	miner, node := newSim()
	res, err := Run(context.Background(), node, miner, Params{
		Counts: types.Counts{RelayBlocks: 10, Proofs: 5, BaseBlocks: 5},
		Seed:   77,
	})
	require.NoError(t, err)

	assert.False(t, res.Truncated)
	assert.Equal(t, uint64(5), res.Stats.Applied[types.OpMineRelayProof])
	assert.Zero(t, res.Stats.Queues.RelayProofPending)
	assert.Zero(t, res.Stats.Noops[types.OpSubmitRelayProofTx])
	assert.Equal(t, int64(5), miner.RelayTip().Height)
}

func TestRunDeterministic(t *testing.T) {
	run := func() *Result {
		miner, node := newSim()
		res, err := Run(context.Background(), node, miner, Params{Counts: mixedCounts, Seed: 1234})
		require.NoError(t, err)
		return res
	}

	a, b := run(), run()
	assert.Equal(t, a.Sequence, b.Sequence)
	assert.Equal(t, a.Stats, b.Stats)
}

func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	miner, node := newSim()

	var events []Event
	res, err := Run(ctx, node, miner, Params{
		Counts:   mixedCounts,
		Seed:     99,
		Observer: ObserverFunc(func(ev Event) { events = append(events, ev) }),
	})
	require.NoError(t, err)

	assert.Equal(t, mixedCounts.Total(), res.Planned)
	assert.GreaterOrEqual(t, res.Dispatched, res.Planned)
	assert.Equal(t, res.Dispatched-1, res.LastIndex)
	require.Len(t, events, res.Dispatched)
	for i, ev := range events {
		assert.Equal(t, i, ev.Index)
		assert.NoError(t, ev.Err)
		assert.Equal(t, ev.Settle, i >= res.Planned)
	}

	count, err := node.GetBlockCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(mixedCounts.TargetBlocks), count)
	assert.Equal(t, uint64(mixedCounts.DataSubmissions),
		res.Stats.Applied[types.OpSubmitRelayTx])
}

func TestRunTruncatedIsPrefix(t *testing.T) {
	full := func() []types.Operation {
		miner, node := newSim()
		res, err := Run(context.Background(), node, miner, Params{Counts: mixedCounts, Seed: 8, NoSettle: true})
		require.NoError(t, err)
		return res.Sequence
	}()

	miner, node := newSim()
	clock := &fakeClock{now: time.Unix(0, 0), step: time.Second}
	res, err := Run(context.Background(), node, miner, Params{
		Counts:     mixedCounts,
		Seed:       8,
		TimeBudget: 5 * time.Second,
		Clock:      clock.Now,
	})
	require.NoError(t, err)

	assert.True(t, res.Truncated)
	assert.Equal(t, 4, res.Dispatched)
	assert.Equal(t, full[:4], res.Sequence)
}

func TestRunPacerOutlastsBudget(t *testing.T) {
	miner, node := newSim()
	clock := &fakeClock{now: time.Unix(0, 0)}
	pacer := &slowPacer{clock: clock, delay: 250 * time.Millisecond}

	var events []Event
	res, err := Run(context.Background(), node, miner, Params{
		Counts:     types.Counts{TargetBlocks: 3},
		Seed:       5,
		TimeBudget: 100 * time.Millisecond,
		Pacer:      pacer,
		Clock:      clock.Now,
		Observer:   ObserverFunc(func(ev Event) { events = append(events, ev) }),
	})
	require.NoError(t, err)

	assert.True(t, res.Truncated)
	assert.Zero(t, res.Dispatched)
	assert.Equal(t, -1, res.LastIndex)
	assert.Empty(t, events)
	assert.Equal(t, 1, pacer.waits)

	count, err := node.GetBlockCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRunPacerWithinBudget(t *testing.T) {
	miner, node := newSim()
	clock := &fakeClock{now: time.Unix(0, 0)}
	pacer := &slowPacer{clock: clock, delay: 40 * time.Millisecond}

	res, err := Run(context.Background(), node, miner, Params{
		Counts:     types.Counts{TargetBlocks: 5},
		Seed:       5,
		TimeBudget: 100 * time.Millisecond,
		Pacer:      pacer,
		Clock:      clock.Now,
	})
	require.NoError(t, err)

	// Waits end at 40ms and 80ms; the third ends at 120ms, past the budget.
	assert.True(t, res.Truncated)
	assert.Equal(t, 2, res.Dispatched)
	assert.Equal(t, 3, pacer.waits)
}

func TestRunCollaboratorError(t *testing.T) {
	ops, err := Plan(sequence.NewRand(31), mixedCounts)
	require.NoError(t, err)
	firstTarget := slices.Index(slices.Collect(ops), types.OpMineTarget)
	require.GreaterOrEqual(t, firstTarget, 0)

	miner, sim := newSim()
	res, err := Run(context.Background(), &failingGenerateNode{sim}, miner, Params{Counts: mixedCounts, Seed: 31})
	assert.Nil(t, res)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, uint64(31), runErr.Seed)
	assert.Equal(t, firstTarget-1, runErr.LastIndex)
	assert.Equal(t, types.OpMineTarget, runErr.Op)
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "seed=31")
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	miner, node := newSim()
	_, err := Run(ctx, node, miner, Params{Counts: mixedCounts, Seed: 2})

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, -1, runErr.LastIndex)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestObserversFanOut(t *testing.T) {
	var a, b []int
	obs := Observers(
		ObserverFunc(func(ev Event) { a = append(a, ev.Index) }),
		nil,
		ObserverFunc(func(ev Event) { b = append(b, ev.Index) }),
	)
	obs.OnOperation(Event{Index: 3})
	obs.OnOperation(Event{Index: 4})
	assert.Equal(t, []int{3, 4}, a)
	assert.Equal(t, []int{3, 4}, b)
}
