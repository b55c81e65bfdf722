// Package mempool stages endorsement artifacts between the operations of a
// workload. Producers realize an operation through the ChainMiner or Node
// and queue what they create; consumers take a random queued artifact and
// either derive the next-layer artifact or submit it to the node.
package mempool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gateway-fm/popfuzz/internal/chain"
	"github.com/gateway-fm/popfuzz/internal/sequence"
	"github.com/gateway-fm/popfuzz/pkg/types"
)

// DefaultEndorsementInterval is how many recent blocks an endorsement may target.
const DefaultEndorsementInterval = 10

// BaseTxArtifact is a base transaction waiting to be wrapped in a relay proof.
type BaseTxArtifact struct {
	Tx       *chain.BaseTx
	Endorsed *chain.RelayBlock
	// BaseTip is the base tip hash observed when the tx was created.
	BaseTip chain.Hash
	// BlockOfProof is set once a base block containing Tx has been mined.
	BlockOfProof *chain.BaseBlock
}

// RelayProofArtifact is a relay proof waiting for a relay block.
type RelayProofArtifact struct {
	Tx *chain.RelayTx
}

// TargetDataArtifact is an assembled bundle waiting to be submitted.
type TargetDataArtifact struct {
	Bundle *chain.Bundle
}

type pooledRelayTx struct {
	tx             *chain.RelayTx
	lastKnownRelay chain.Hash
}

// Config configures a Mempool.
type Config struct {
	Node  chain.Node
	Miner chain.ChainMiner
	Rand  *sequence.Rand

	EndorsementInterval int64
	PayoutAddress       string
	NetworkID           int64

	Logger *slog.Logger
}

// Stats is a point-in-time view of a Mempool.
type Stats struct {
	Applied map[types.Operation]uint64
	Noops   map[types.Operation]uint64
	Queues  types.QueueDepths
}

// Mempool owns the three artifact queues of one run. It is driven from a
// single goroutine and does no locking.
type Mempool struct {
	node     chain.Node
	miner    chain.ChainMiner
	rng      *sequence.Rand
	interval int64
	payout   string
	network  int64
	logger   *slog.Logger

	baseTxs     Queue[*BaseTxArtifact]
	relayProofs Queue[*RelayProofArtifact]
	targetData  Queue[*TargetDataArtifact]
	// relay txs batched for the next non-proof relay block
	relayTxPool []pooledRelayTx

	applied map[types.Operation]uint64
	noops   map[types.Operation]uint64
}

// New creates an empty Mempool.
func New(cfg Config) *Mempool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.EndorsementInterval
	if interval <= 0 {
		interval = DefaultEndorsementInterval
	}
	return &Mempool{
		node:     cfg.Node,
		miner:    cfg.Miner,
		rng:      cfg.Rand,
		interval: interval,
		payout:   cfg.PayoutAddress,
		network:  cfg.NetworkID,
		logger:   logger,
		applied:  make(map[types.Operation]uint64),
		noops:    make(map[types.Operation]uint64),
	}
}

// Dispatch realizes one operation. A consumer with nothing to consume
// returns OutcomeEmptyQueueNoop and changes nothing. Errors from the node or
// miner are returned as they are.
func (m *Mempool) Dispatch(ctx context.Context, op types.Operation) (types.Outcome, error) {
	var (
		outcome = types.OutcomeApplied
		err     error
	)

	switch op {
	case types.OpMineBase:
		err = m.mineBase()
	case types.OpMineRelay:
		err = m.mineRelay()
	case types.OpMineRelayProof:
		outcome, err = m.mineRelayProof()
	case types.OpMineTarget:
		err = m.mineTarget(ctx)
	case types.OpSubmitBaseTx:
		err = m.submitBaseTx()
	case types.OpSubmitRelayProofTx:
		outcome, err = m.submitRelayProofTx()
	case types.OpSubmitRelayTx:
		err = m.submitRelayTx(ctx)
	case types.OpSubmitTargetProofData:
		outcome, err = m.submitTargetProofData(ctx)
	default:
		return types.OutcomeFailed, fmt.Errorf("%w: unknown operation %q", sequence.ErrInvalidArgument, op)
	}
	if err != nil {
		return types.OutcomeFailed, err
	}

	if outcome == types.OutcomeEmptyQueueNoop {
		m.noops[op]++
		m.logger.Debug("consumer found empty queue", slog.String("op", string(op)))
	} else {
		m.applied[op]++
	}
	return outcome, nil
}

// RelayProofsPending returns how many relay proofs wait for a relay block.
func (m *Mempool) RelayProofsPending() int {
	return m.relayProofs.Len()
}

// Depths returns the current queue depths.
func (m *Mempool) Depths() types.QueueDepths {
	return types.QueueDepths{
		BaseTxPending:     m.baseTxs.Len(),
		RelayProofPending: m.relayProofs.Len(),
		TargetDataPending: m.targetData.Len(),
		RelayTxPool:       len(m.relayTxPool),
	}
}

// Stats returns operation counters and queue depths.
func (m *Mempool) Stats() Stats {
	s := Stats{
		Applied: make(map[types.Operation]uint64, len(m.applied)),
		Noops:   make(map[types.Operation]uint64, len(m.noops)),
		Queues:  m.Depths(),
	}
	for k, v := range m.applied {
		s.Applied[k] = v
	}
	for k, v := range m.noops {
		s.Noops[k] = v
	}
	return s
}

// submitBaseTx creates a base tx endorsing a recent relay block.
func (m *Mempool) submitBaseTx() error {
	tip := m.miner.RelayTip()
	height := int64(m.rng.IntRange(int(max(0, tip.Height-m.interval)), int(tip.Height)))
	endorsed, err := m.miner.RelayAncestor(height)
	if err != nil {
		return err
	}
	tx, err := m.miner.CreateBaseTxEndorsingRelayBlock(endorsed)
	if err != nil {
		return err
	}
	m.baseTxs.Push(&BaseTxArtifact{
		Tx:       tx,
		Endorsed: endorsed,
		BaseTip:  m.miner.BaseTip().Hash,
	})
	return nil
}

// mineBase mines every base tx that has no block of proof yet. The txs stay
// queued until a relay proof consumes them.
func (m *Mempool) mineBase() error {
	var (
		unmined []*BaseTxArtifact
		txs     []*chain.BaseTx
	)
	for _, a := range m.baseTxs.items {
		if a.BlockOfProof == nil {
			unmined = append(unmined, a)
			txs = append(txs, a.Tx)
		}
	}

	block, err := m.miner.MineBaseBlock(m.miner.BaseTip(), txs)
	if err != nil {
		return err
	}
	for _, a := range unmined {
		a.BlockOfProof = block
	}
	return nil
}

// submitRelayProofTx wraps a random base tx into a relay proof. A base tx
// that was never mined gets a base block of its own first.
func (m *Mempool) submitRelayProofTx() (types.Outcome, error) {
	a, ok := m.baseTxs.PopRandom(m.rng)
	if !ok {
		return types.OutcomeEmptyQueueNoop, nil
	}

	if a.BlockOfProof == nil {
		block, err := m.miner.MineBaseBlock(m.miner.BaseTip(), []*chain.BaseTx{a.Tx})
		if err != nil {
			return types.OutcomeFailed, err
		}
		a.BlockOfProof = block
	}

	proof, err := m.miner.CreateRelayProofTx(a.BlockOfProof, a.Tx, a.Endorsed, a.BaseTip)
	if err != nil {
		return types.OutcomeFailed, err
	}
	m.relayProofs.Push(&RelayProofArtifact{Tx: proof})
	return types.OutcomeApplied, nil
}

// mineRelayProof mines a relay block holding one random relay proof.
func (m *Mempool) mineRelayProof() (types.Outcome, error) {
	a, ok := m.relayProofs.PopRandom(m.rng)
	if !ok {
		return types.OutcomeEmptyQueueNoop, nil
	}
	if _, err := m.miner.MineRelayBlock(m.miner.RelayTip(), []*chain.RelayTx{a.Tx}, true); err != nil {
		return types.OutcomeFailed, err
	}
	return types.OutcomeApplied, nil
}

// submitRelayTx creates a relay tx endorsing a recent target block and
// pools it for the next non-proof relay block.
func (m *Mempool) submitRelayTx(ctx context.Context) error {
	count, err := m.node.GetBlockCount(ctx)
	if err != nil {
		return err
	}
	height := int64(m.rng.IntRange(int(max(0, count-m.interval)), int(count)))

	popData, err := m.node.GetPopDataByHeight(ctx, height)
	if err != nil {
		return err
	}
	tx, err := m.miner.CreateRelayTxEndorsingTarget(chain.PublicationData{
		Identifier:  m.network,
		Header:      decodeField(popData.Header),
		PayoutInfo:  []byte(m.payout),
		ContextInfo: decodeField(popData.AuthenticatedContext),
	})
	if err != nil {
		return err
	}
	m.relayTxPool = append(m.relayTxPool, pooledRelayTx{tx: tx, lastKnownRelay: popData.LastKnownRelayHash})
	return nil
}

// mineRelay mines every pooled relay tx into one relay block and turns each
// into a target proof bundle.
func (m *Mempool) mineRelay() error {
	txs := make([]*chain.RelayTx, len(m.relayTxPool))
	for i, p := range m.relayTxPool {
		txs[i] = p.tx
	}
	block, err := m.miner.MineRelayBlock(m.miner.RelayTip(), txs, false)
	if err != nil {
		return err
	}

	for _, p := range m.relayTxPool {
		bundle, err := m.miner.CreateTargetProofData(block, p.tx, p.lastKnownRelay)
		if err != nil {
			return err
		}
		m.targetData.Push(&TargetDataArtifact{Bundle: bundle})
	}
	m.relayTxPool = nil
	return nil
}

// submitTargetProofData sends a random bundle to the node: context blocks
// first, then proofs, then the endorsing relay txs.
func (m *Mempool) submitTargetProofData(ctx context.Context) (types.Outcome, error) {
	a, ok := m.targetData.PopRandom(m.rng)
	if !ok {
		return types.OutcomeEmptyQueueNoop, nil
	}

	for _, b := range a.Bundle.Context {
		if err := m.submit(ctx, "relay block", b, m.node.SubmitRelayBlock); err != nil {
			return types.OutcomeFailed, err
		}
	}
	for _, p := range a.Bundle.Proofs {
		if err := m.submit(ctx, "relay proof", p, m.node.SubmitRelayProofTx); err != nil {
			return types.OutcomeFailed, err
		}
	}
	for _, tx := range a.Bundle.Data {
		if err := m.submit(ctx, "relay tx", tx, m.node.SubmitRelayTx); err != nil {
			return types.OutcomeFailed, err
		}
	}
	return types.OutcomeApplied, nil
}

func (m *Mempool) mineTarget(ctx context.Context) error {
	_, err := m.node.Generate(ctx, 1, m.payout)
	return err
}

func (m *Mempool) submit(ctx context.Context, kind string, a chain.Artifact, send func(context.Context, string) (chain.SubmitResult, error)) error {
	res, err := send(ctx, a.Hex())
	if err != nil {
		return err
	}
	if !res.Accepted {
		m.logger.Debug("node rejected artifact",
			slog.String("kind", kind),
			slog.String("id", a.ID()),
			slog.String("code", res.Code),
		)
		return &chain.RejectedError{Kind: kind, Code: res.Code, Message: res.Message}
	}
	return nil
}

// decodeField decodes a 0x-prefixed hex field and falls back to the raw
// bytes for nodes that return plain strings.
func decodeField(s string) []byte {
	if b, err := hexutil.Decode(s); err == nil {
		return b
	}
	return []byte(s)
}
