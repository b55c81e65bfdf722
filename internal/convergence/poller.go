package convergence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/popfuzz/internal/chain"
	"github.com/gateway-fm/popfuzz/pkg/types"
)

// Check names, used in logs, metrics and API responses.
const (
	CheckTip        = "tip"
	CheckPendingSet = "pending-set"
	CheckCrossChain = "cross-chain-tip"
)

// Fields selects what a snapshot collects from each node.
type Fields uint8

const (
	FieldTip Fields = 1 << iota
	FieldPendingSet
	FieldCrossChain

	AllFields = FieldTip | FieldPendingSet | FieldCrossChain
)

// NodeState is one node's observable state at a tick.
type NodeState struct {
	Node          string
	BestBlockHash chain.Hash
	BlockCount    int64
	Pending       chain.PendingSet
	BaseTip       chain.Hash
	RelayTip      chain.Hash
}

// Snapshot holds one complete NodeState per node, all from the same tick.
type Snapshot struct {
	Taken  time.Time
	Fields Fields
	Nodes  []NodeState
}

// TipsAgree reports whether every node has the same best block.
func (s *Snapshot) TipsAgree() bool {
	return s.agree(func(a, b NodeState) bool { return a.BestBlockHash == b.BestBlockHash })
}

// PendingSetsAgree reports whether every node has the same pending set,
// for all three artifact kinds at once.
func (s *Snapshot) PendingSetsAgree() bool {
	return s.agree(func(a, b NodeState) bool { return a.Pending.Equal(b.Pending) })
}

// CrossChainTipsAgree reports whether every node sees the same base and
// relay tips.
func (s *Snapshot) CrossChainTipsAgree() bool {
	return s.agree(func(a, b NodeState) bool { return a.BaseTip == b.BaseTip && a.RelayTip == b.RelayTip })
}

func (s *Snapshot) agree(eq func(a, b NodeState) bool) bool {
	for _, n := range s.Nodes[min(1, len(s.Nodes)):] {
		if !eq(s.Nodes[0], n) {
			return false
		}
	}
	return true
}

func (s *Snapshot) String() string {
	parts := make([]string, len(s.Nodes))
	for i, n := range s.Nodes {
		var b strings.Builder
		fmt.Fprintf(&b, "%s{", n.Node)
		if s.Fields&FieldTip != 0 {
			fmt.Fprintf(&b, "best=%s height=%d ", n.BestBlockHash, n.BlockCount)
		}
		if s.Fields&FieldPendingSet != 0 {
			fmt.Fprintf(&b, "pending=%d/%d/%d ", len(n.Pending.RelayBlocks), len(n.Pending.RelayProofs), len(n.Pending.RelayTxs))
		}
		if s.Fields&FieldCrossChain != 0 {
			fmt.Fprintf(&b, "base=%s relay=%s", n.BaseTip, n.RelayTip)
		}
		parts[i] = strings.TrimSpace(b.String()) + "}"
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// API converts the snapshot to its public form.
func (s *Snapshot) API() []types.NodeSnapshot {
	out := make([]types.NodeSnapshot, len(s.Nodes))
	for i, n := range s.Nodes {
		p := n.Pending.Sorted()
		out[i] = types.NodeSnapshot{
			Node:          n.Node,
			BestBlockHash: string(n.BestBlockHash),
			BlockCount:    n.BlockCount,
			BaseTipHash:   string(n.BaseTip),
			RelayTipHash:  string(n.RelayTip),
			RelayBlocks:   p.RelayBlocks,
			RelayProofs:   p.RelayProofs,
			RelayTxs:      p.RelayTxs,
		}
	}
	return out
}

// Recorder receives poll outcomes. metrics.PrometheusMetrics implements it.
type Recorder interface {
	RecordPoll(check string, converged bool, attempts int, elapsed time.Duration)
	RecordPollTickError(check string)
}

// Config configures a Poller.
type Config struct {
	Nodes    []chain.Node
	Interval time.Duration
	Logger   *slog.Logger
	Recorder Recorder
}

// Poller runs convergence checks over a fixed set of nodes. It only issues
// read-only queries.
type Poller struct {
	nodes    []chain.Node
	interval time.Duration
	logger   *slog.Logger
	recorder Recorder
}

// New creates a Poller. The interval is clamped to [MinInterval, MaxInterval].
func New(cfg Config) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	interval = max(MinInterval, min(interval, MaxInterval))
	return &Poller{
		nodes:    cfg.Nodes,
		interval: interval,
		logger:   logger,
		recorder: cfg.Recorder,
	}
}

// Snapshot queries every node concurrently and returns their states. If any
// node fails, no snapshot is returned.
func (p *Poller) Snapshot(ctx context.Context, fields Fields) (*Snapshot, error) {
	states := make([]NodeState, len(p.nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range p.nodes {
		g.Go(func() error {
			st, err := collect(gctx, n, fields)
			if err != nil {
				return fmt.Errorf("node %s: %w", n.Name(), err)
			}
			states[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Snapshot{Taken: time.Now(), Fields: fields, Nodes: states}, nil
}

func collect(ctx context.Context, n chain.Node, fields Fields) (NodeState, error) {
	st := NodeState{Node: n.Name()}
	var err error

	if fields&FieldTip != 0 {
		if st.BestBlockHash, err = n.GetBestBlockHash(ctx); err != nil {
			return st, err
		}
		if st.BlockCount, err = n.GetBlockCount(ctx); err != nil {
			return st, err
		}
	}
	if fields&FieldPendingSet != 0 {
		pending, err := n.GetRawPendingSet(ctx)
		if err != nil {
			return st, err
		}
		st.Pending = *pending
	}
	if fields&FieldCrossChain != 0 {
		if t, ok := n.(chain.CrossChainTipper); ok {
			st.BaseTip, st.RelayTip, err = t.CrossChainTips(ctx)
			return st, err
		}
		if st.BaseTip, err = n.GetBaseTipHash(ctx); err != nil {
			return st, err
		}
		if st.RelayTip, err = n.GetRelayTipHash(ctx); err != nil {
			return st, err
		}
	}
	return st, nil
}

// PollTipConvergence waits until every node reports the same best block.
func (p *Poller) PollTipConvergence(ctx context.Context, timeout time.Duration) (*Snapshot, error) {
	return p.poll(ctx, CheckTip, FieldTip, timeout, (*Snapshot).TipsAgree)
}

// PollPendingSetConvergence waits until every node reports set-equal pending
// relay blocks, relay proofs and relay txs in the same tick.
func (p *Poller) PollPendingSetConvergence(ctx context.Context, timeout time.Duration) (*Snapshot, error) {
	return p.poll(ctx, CheckPendingSet, FieldPendingSet, timeout, (*Snapshot).PendingSetsAgree)
}

// PollCrossChainTipConvergence waits until every node agrees on both the
// base and the relay tip.
func (p *Poller) PollCrossChainTipConvergence(ctx context.Context, timeout time.Duration) (*Snapshot, error) {
	return p.poll(ctx, CheckCrossChain, FieldCrossChain, timeout, (*Snapshot).CrossChainTipsAgree)
}

// poll runs one check. A tick where some node fails to answer is skipped,
// never compared.
func (p *Poller) poll(ctx context.Context, check string, fields Fields, timeout time.Duration, agree func(*Snapshot) bool) (*Snapshot, error) {
	var (
		last     *Snapshot
		attempts int
		start    = time.Now()
	)

	err := WaitUntil(ctx, fmt.Sprintf("%s convergence of %d nodes", check, len(p.nodes)), timeout, p.interval,
		func(ctx context.Context) (bool, error) {
			attempts++
			snap, err := p.Snapshot(ctx, fields)
			if err != nil {
				if ctx.Err() != nil {
					return false, ctx.Err()
				}
				p.logger.Debug("skipping incomplete snapshot",
					slog.String("check", check),
					slog.String("error", err.Error()),
				)
				if p.recorder != nil {
					p.recorder.RecordPollTickError(check)
				}
				return false, nil
			}
			last = snap
			return agree(snap), nil
		})

	elapsed := time.Since(start)
	if p.recorder != nil {
		p.recorder.RecordPoll(check, err == nil, attempts, elapsed)
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		timeoutErr.Snapshot = last
		p.logger.Warn("nodes did not converge",
			slog.String("check", check),
			slog.Duration("timeout", timeout),
			slog.Int("attempts", attempts),
		)
		return last, err
	}
	if err != nil {
		return last, err
	}

	p.logger.Debug("nodes converged",
		slog.String("check", check),
		slog.Duration("elapsed", elapsed),
		slog.Int("attempts", attempts),
	)
	return last, nil
}

// Timeouts bounds each check of SyncAll. Zero values use the defaults.
type Timeouts struct {
	Tip        time.Duration
	PendingSet time.Duration
	CrossChain time.Duration
}

// SyncAll waits for tip, pending-set and cross-chain tip convergence in
// that order. Each check has its own timeout; agreement on one does not
// imply the others.
func (p *Poller) SyncAll(ctx context.Context, t Timeouts) error {
	checks := []struct {
		poll    func(context.Context, time.Duration) (*Snapshot, error)
		timeout time.Duration
		def     time.Duration
	}{
		{p.PollTipConvergence, t.Tip, DefaultTipTimeout},
		{p.PollPendingSetConvergence, t.PendingSet, DefaultPendingSetTimeout},
		{p.PollCrossChainTipConvergence, t.CrossChain, DefaultCrossChainTimeout},
	}
	for _, c := range checks {
		timeout := c.timeout
		if timeout <= 0 {
			timeout = c.def
		}
		if _, err := c.poll(ctx, timeout); err != nil {
			return err
		}
	}
	return nil
}

// WaitForBlockHeight waits until node reports at least height blocks.
func (p *Poller) WaitForBlockHeight(ctx context.Context, node chain.Node, height int64, timeout time.Duration) error {
	desc := fmt.Sprintf("node %s reaching height %d", node.Name(), height)
	return WaitUntil(ctx, desc, timeout, p.interval, func(ctx context.Context) (bool, error) {
		count, err := node.GetBlockCount(ctx)
		if err != nil {
			p.logger.Debug("block count query failed", slog.String("node", node.Name()), slog.String("error", err.Error()))
			return false, nil
		}
		return count >= height, nil
	})
}
