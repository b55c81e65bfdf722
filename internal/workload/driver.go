// Package workload runs a bounded, seeded, randomized sequence of
// cross-chain operations against a node and a chain miner.
package workload

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/gateway-fm/popfuzz/internal/chain"
	"github.com/gateway-fm/popfuzz/internal/mempool"
	"github.com/gateway-fm/popfuzz/internal/sequence"
	"github.com/gateway-fm/popfuzz/pkg/types"
)

// mempoolStream separates the mempool's random draws from the plan's, so
// the operation sequence depends on the seed alone.
const mempoolStream = 1

// errBudgetSpent stops a run whose time budget ran out while the pacer held
// the next operation.
var errBudgetSpent = errors.New("time budget spent")

// Pacer throttles operation dispatch. ratelimit.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Event describes one dispatched operation.
type Event struct {
	Index   int
	Op      types.Operation
	Outcome types.Outcome
	Err     error
	Queues  types.QueueDepths
	// Duration is the time spent in the mempool and its collaborators.
	Duration time.Duration
	// Settle is true for operations dispatched after the planned sequence.
	Settle bool
}

// Observer is notified after every dispatched operation, from the driver's
// goroutine.
type Observer interface {
	OnOperation(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

func (f ObserverFunc) OnOperation(ev Event) { f(ev) }

// Observers fans every event out to obs in order. Nil entries are skipped.
func Observers(obs ...Observer) Observer {
	return ObserverFunc(func(ev Event) {
		for _, o := range obs {
			if o != nil {
				o.OnOperation(ev)
			}
		}
	})
}

// Params configures a run.
type Params struct {
	Counts types.Counts
	Seed   uint64
	// TimeBudget is a soft deadline checked before each operation.
	// Zero means no deadline.
	TimeBudget time.Duration

	EndorsementInterval int64
	PayoutAddress       string
	NetworkID           int64

	// NoSettle skips mining the relay proofs left pending after a
	// complete run.
	NoSettle bool

	Pacer    Pacer
	Observer Observer
	Logger   *slog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Result summarizes a run that did not fail.
type Result struct {
	Seed       uint64
	Elapsed    time.Duration
	Planned    int
	Dispatched int
	LastIndex  int
	Truncated  bool
	Sequence   []types.Operation
	Stats      mempool.Stats
}

// RunError reports a failed run. The seed and LastIndex are enough to
// replay the failing sequence against deterministic collaborators.
type RunError struct {
	Seed    uint64
	Elapsed time.Duration
	// LastIndex is the index of the last operation that succeeded, -1 if none.
	LastIndex int
	Op        types.Operation
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run seed=%d failed at operation %d (%s) after %s, last successful index %d: %v",
		e.Seed, e.LastIndex+1, e.Op, e.Elapsed.Round(time.Millisecond), e.LastIndex, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Plan returns the merged operation sequence for counts. Five streams are
// interleaved: target mining, base mining, relay mining (proof or plain,
// weighted by proofs against data submissions), base tx / relay proof
// pairs and relay tx / target data pairs. The pairs come from uniformly
// random bracket sequences, so every consumer follows its producer.
func Plan(rng *sequence.Rand, c types.Counts) (iter.Seq[types.Operation], error) {
	for _, count := range []struct {
		name string
		n    int
	}{
		{"base blocks", c.BaseBlocks},
		{"relay blocks", c.RelayBlocks},
		{"target blocks", c.TargetBlocks},
		{"proofs", c.Proofs},
		{"data submissions", c.DataSubmissions},
	} {
		if count.n < 0 {
			return nil, fmt.Errorf("%w: %s count %d is negative", sequence.ErrInvalidArgument, count.name, count.n)
		}
	}

	proofPairs, err := sequence.BracketSequence(rng, types.OpSubmitBaseTx, types.OpSubmitRelayProofTx, c.Proofs)
	if err != nil {
		return nil, err
	}
	dataPairs, err := sequence.BracketSequence(rng, types.OpSubmitRelayTx, types.OpSubmitTargetProofData, c.DataSubmissions)
	if err != nil {
		return nil, err
	}

	relayMining := sequence.Repeat(types.OpMineRelay, c.RelayBlocks)
	if c.Proofs+c.DataSubmissions > 0 {
		relayMining, err = sequence.WeightedChoice(rng,
			[]types.Operation{types.OpMineRelayProof, types.OpMineRelay},
			[]int{c.Proofs, c.DataSubmissions},
			c.RelayBlocks)
		if err != nil {
			return nil, err
		}
	}

	return sequence.Interleave(rng,
		[]iter.Seq[types.Operation]{
			sequence.Repeat(types.OpMineTarget, c.TargetBlocks),
			sequence.Repeat(types.OpMineBase, c.BaseBlocks),
			relayMining,
			sequence.Slice(proofPairs),
			sequence.Slice(dataPairs),
		},
		[]int{c.TargetBlocks, c.BaseBlocks, c.RelayBlocks, len(proofPairs), len(dataPairs)},
	)
}

// Run executes one workload. Operations run one at a time; none starts
// after the time budget has elapsed. The first collaborator error aborts
// the run with a *RunError and the run state is discarded.
func Run(ctx context.Context, node chain.Node, miner chain.ChainMiner, p Params) (*Result, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := p.Clock
	if clock == nil {
		clock = time.Now
	}

	rng := sequence.NewRand(p.Seed)
	ops, err := Plan(rng, p.Counts)
	if err != nil {
		return nil, err
	}
	mp := mempool.New(mempool.Config{
		Node:                node,
		Miner:               miner,
		Rand:                rng.Fork(mempoolStream),
		EndorsementInterval: p.EndorsementInterval,
		PayoutAddress:       p.PayoutAddress,
		NetworkID:           p.NetworkID,
		Logger:              logger,
	})

	res := &Result{
		Seed:      p.Seed,
		Planned:   p.Counts.Total(),
		LastIndex: -1,
		Sequence:  make([]types.Operation, 0, p.Counts.Total()),
	}

	logger.Info("starting workload",
		slog.Uint64("seed", p.Seed),
		slog.Int("planned", res.Planned),
		slog.Duration("timeBudget", p.TimeBudget),
	)

	start := clock()
	expired := func() bool {
		return p.TimeBudget > 0 && clock().Sub(start) >= p.TimeBudget
	}
	dispatch := func(op types.Operation, settle bool) error {
		if p.Pacer != nil {
			if err := p.Pacer.Wait(ctx); err != nil {
				return err
			}
			if expired() {
				return errBudgetSpent
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		index := res.Dispatched
		began := time.Now()
		outcome, err := mp.Dispatch(ctx, op)
		if p.Observer != nil {
			p.Observer.OnOperation(Event{
				Index:    index,
				Op:       op,
				Outcome:  outcome,
				Err:      err,
				Queues:   mp.Depths(),
				Duration: time.Since(began),
				Settle:   settle,
			})
		}
		if err != nil {
			return err
		}
		res.Dispatched++
		res.LastIndex = index
		res.Sequence = append(res.Sequence, op)
		return nil
	}
	fail := func(op types.Operation, err error) error {
		runErr := &RunError{
			Seed:      p.Seed,
			Elapsed:   clock().Sub(start),
			LastIndex: res.LastIndex,
			Op:        op,
			Err:       err,
		}
		logger.Error("workload failed",
			slog.Uint64("seed", runErr.Seed),
			slog.Int("lastIndex", runErr.LastIndex),
			slog.String("op", string(op)),
			slog.Duration("elapsed", runErr.Elapsed),
			slog.String("error", err.Error()),
		)
		return runErr
	}

	for op := range ops {
		if expired() {
			res.Truncated = true
			break
		}
		if err := dispatch(op, false); err != nil {
			if errors.Is(err, errBudgetSpent) {
				res.Truncated = true
				break
			}
			return nil, fail(op, err)
		}
	}

	// A complete run mines every relay proof it created.
	if !res.Truncated && !p.NoSettle {
		for mp.RelayProofsPending() > 0 {
			if expired() {
				res.Truncated = true
				break
			}
			if err := dispatch(types.OpMineRelayProof, true); err != nil {
				if errors.Is(err, errBudgetSpent) {
					res.Truncated = true
					break
				}
				return nil, fail(types.OpMineRelayProof, err)
			}
		}
	}

	res.Elapsed = clock().Sub(start)
	res.Stats = mp.Stats()

	logger.Info("workload finished",
		slog.Uint64("seed", res.Seed),
		slog.Int("dispatched", res.Dispatched),
		slog.Bool("truncated", res.Truncated),
		slog.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}
