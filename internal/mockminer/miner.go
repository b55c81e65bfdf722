// Package mockminer provides a deterministic in-memory ChainMiner and a
// simulated target node. Artifacts are RLP-encoded records identified by
// the keccak256 hash of their encoding; they are opaque test fixtures, not
// a real endorsement wire format.
package mockminer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/gateway-fm/popfuzz/internal/chain"
)

var (
	// ErrUnknownBlock is returned when a block is not part of the miner's chains.
	ErrUnknownBlock = errors.New("unknown block")
	// ErrNotContained is returned when a transaction is not in the claimed block.
	ErrNotContained = errors.New("transaction not contained in block")
)

// Record kinds, the first field of every encoded record.
const (
	kindBaseBlock uint64 = iota + 1
	kindRelayBlock
	kindBaseTx
	kindRelayProof
	kindRelayTx
)

type blockRecord struct {
	Kind   uint64
	Prev   []byte
	Height uint64
	Proof  bool
	TxIDs  [][]byte
	Nonce  uint64
}

type baseTxRecord struct {
	Kind     uint64
	Endorsed []byte
	Nonce    uint64
}

type proofRecord struct {
	Kind          uint64
	BaseTx        []byte
	BaseBlock     []byte
	Endorsed      []byte
	LastKnownBase []byte
	Nonce         uint64
}

type relayTxRecord struct {
	Kind        uint64
	Identifier  uint64
	Header      []byte
	PayoutInfo  []byte
	ContextInfo []byte
	Nonce       uint64
}

// Bootstrap holds the genesis hashes a node needs to agree with a miner.
type Bootstrap struct {
	BaseGenesis  chain.Hash
	RelayGenesis chain.Hash
}

// Miner is an in-memory ChainMiner. It is not safe for concurrent use.
type Miner struct {
	nonce uint64

	baseBlocks  map[chain.Hash]*chain.BaseBlock
	relayBlocks map[chain.Hash]*chain.RelayBlock
	baseTip     *chain.BaseBlock
	relayTip    *chain.RelayBlock

	// tx id -> hash of the block containing it
	baseTxBlock  map[string]chain.Hash
	relayTxBlock map[string]chain.Hash
	// relay block hash -> proofs mined in it
	blockProofs map[chain.Hash][]*chain.RelayTx

	logger *slog.Logger
}

// New creates a miner with a genesis block on both chains.
func New(logger *slog.Logger) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Miner{
		baseBlocks:   make(map[chain.Hash]*chain.BaseBlock),
		relayBlocks:  make(map[chain.Hash]*chain.RelayBlock),
		baseTxBlock:  make(map[string]chain.Hash),
		relayTxBlock: make(map[string]chain.Hash),
		blockProofs:  make(map[chain.Hash][]*chain.RelayTx),
		logger:       logger,
	}

	baseGenesis, raw := m.encodeBlock(kindBaseBlock, "", 0, false, nil)
	m.baseTip = &chain.BaseBlock{Hash: baseGenesis, Height: 0, Raw: raw}
	m.baseBlocks[baseGenesis] = m.baseTip

	relayGenesis, raw := m.encodeBlock(kindRelayBlock, "", 0, false, nil)
	m.relayTip = &chain.RelayBlock{Hash: relayGenesis, Height: 0, Raw: raw}
	m.relayBlocks[relayGenesis] = m.relayTip

	return m
}

// Bootstrap returns the genesis hashes of both chains.
func (m *Miner) Bootstrap() Bootstrap {
	base := m.baseTip
	for base.PrevHash != "" {
		base = m.baseBlocks[base.PrevHash]
	}
	relay := m.relayTip
	for relay.PrevHash != "" {
		relay = m.relayBlocks[relay.PrevHash]
	}
	return Bootstrap{BaseGenesis: base.Hash, RelayGenesis: relay.Hash}
}

func (m *Miner) BaseTip() *chain.BaseBlock   { return m.baseTip }
func (m *Miner) RelayTip() *chain.RelayBlock { return m.relayTip }

// RelayAncestor walks back from the relay tip to the block at height.
func (m *Miner) RelayAncestor(height int64) (*chain.RelayBlock, error) {
	if height < 0 || height > m.relayTip.Height {
		return nil, fmt.Errorf("relay height %d outside [0, %d]", height, m.relayTip.Height)
	}
	b := m.relayTip
	for b.Height > height {
		b = m.relayBlocks[b.PrevHash]
	}
	return b, nil
}

func (m *Miner) MineBaseBlock(tip *chain.BaseBlock, txs []*chain.BaseTx) (*chain.BaseBlock, error) {
	if _, ok := m.baseBlocks[tip.Hash]; !ok {
		return nil, fmt.Errorf("base tip %s: %w", tip.Hash, ErrUnknownBlock)
	}

	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID()
	}
	hash, raw := m.encodeBlock(kindBaseBlock, tip.Hash, uint64(tip.Height+1), false, ids)
	block := &chain.BaseBlock{Hash: hash, Height: tip.Height + 1, PrevHash: tip.Hash, Raw: raw}
	m.baseBlocks[hash] = block
	for _, id := range ids {
		m.baseTxBlock[id] = hash
	}
	if block.Height > m.baseTip.Height {
		m.baseTip = block
	}

	m.logger.Debug("mined base block",
		slog.String("hash", string(hash)),
		slog.Int64("height", block.Height),
		slog.Int("txs", len(txs)),
	)
	return block, nil
}

func (m *Miner) MineRelayBlock(tip *chain.RelayBlock, txs []*chain.RelayTx, isProofBlock bool) (*chain.RelayBlock, error) {
	if _, ok := m.relayBlocks[tip.Hash]; !ok {
		return nil, fmt.Errorf("relay tip %s: %w", tip.Hash, ErrUnknownBlock)
	}

	ids := make([]string, len(txs))
	for i, tx := range txs {
		if tx.Proof != isProofBlock {
			return nil, fmt.Errorf("relay tx %s: proof=%v in block with proof=%v", tx.ID(), tx.Proof, isProofBlock)
		}
		ids[i] = tx.ID()
	}
	hash, raw := m.encodeBlock(kindRelayBlock, tip.Hash, uint64(tip.Height+1), isProofBlock, ids)
	block := &chain.RelayBlock{Hash: hash, Height: tip.Height + 1, PrevHash: tip.Hash, Proof: isProofBlock, Raw: raw}
	m.relayBlocks[hash] = block
	for _, tx := range txs {
		m.relayTxBlock[tx.ID()] = hash
		if tx.Proof {
			m.blockProofs[hash] = append(m.blockProofs[hash], tx)
		}
	}
	if block.Height > m.relayTip.Height {
		m.relayTip = block
	}

	m.logger.Debug("mined relay block",
		slog.String("hash", string(hash)),
		slog.Int64("height", block.Height),
		slog.Bool("proof", isProofBlock),
		slog.Int("txs", len(txs)),
	)
	return block, nil
}

func (m *Miner) CreateBaseTxEndorsingRelayBlock(relay *chain.RelayBlock) (*chain.BaseTx, error) {
	if _, ok := m.relayBlocks[relay.Hash]; !ok {
		return nil, fmt.Errorf("endorsed relay block %s: %w", relay.Hash, ErrUnknownBlock)
	}
	raw, err := rlp.EncodeToBytes(baseTxRecord{
		Kind:     kindBaseTx,
		Endorsed: hashBytes(relay.Hash),
		Nonce:    m.nextNonce(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode base tx: %w", err)
	}
	return &chain.BaseTx{TxID: idOf(raw), Raw: raw}, nil
}

func (m *Miner) CreateRelayProofTx(baseBlock *chain.BaseBlock, baseTx *chain.BaseTx, relay *chain.RelayBlock, lastKnownBaseHash chain.Hash) (*chain.RelayTx, error) {
	if m.baseTxBlock[baseTx.ID()] != baseBlock.Hash {
		return nil, fmt.Errorf("base tx %s in block %s: %w", baseTx.ID(), baseBlock.Hash, ErrNotContained)
	}
	if _, ok := m.relayBlocks[relay.Hash]; !ok {
		return nil, fmt.Errorf("endorsed relay block %s: %w", relay.Hash, ErrUnknownBlock)
	}
	raw, err := rlp.EncodeToBytes(proofRecord{
		Kind:          kindRelayProof,
		BaseTx:        baseTx.Raw,
		BaseBlock:     baseBlock.Raw,
		Endorsed:      hashBytes(relay.Hash),
		LastKnownBase: hashBytes(lastKnownBaseHash),
		Nonce:         m.nextNonce(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode relay proof: %w", err)
	}
	return &chain.RelayTx{TxID: idOf(raw), Proof: true, Raw: raw}, nil
}

func (m *Miner) CreateRelayTxEndorsingTarget(pub chain.PublicationData) (*chain.RelayTx, error) {
	if len(pub.Header) == 0 {
		return nil, errors.New("publication data has no header")
	}
	raw, err := rlp.EncodeToBytes(relayTxRecord{
		Kind:        kindRelayTx,
		Identifier:  uint64(pub.Identifier),
		Header:      pub.Header,
		PayoutInfo:  pub.PayoutInfo,
		ContextInfo: pub.ContextInfo,
		Nonce:       m.nextNonce(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode relay tx: %w", err)
	}
	return &chain.RelayTx{TxID: idOf(raw), Raw: raw}, nil
}

// CreateTargetProofData bundles the relay blocks after lastKnownRelayHash up
// to and including the block of proof, the proofs mined in them, and the
// endorsing relay transaction.
func (m *Miner) CreateTargetProofData(relayBlockOfProof *chain.RelayBlock, relayTx *chain.RelayTx, lastKnownRelayHash chain.Hash) (*chain.Bundle, error) {
	if m.relayTxBlock[relayTx.ID()] != relayBlockOfProof.Hash {
		return nil, fmt.Errorf("relay tx %s in block %s: %w", relayTx.ID(), relayBlockOfProof.Hash, ErrNotContained)
	}

	var context []*chain.RelayBlock
	for b := relayBlockOfProof; b != nil && b.Hash != lastKnownRelayHash; b = m.relayBlocks[b.PrevHash] {
		context = append(context, b)
	}
	// oldest first
	for i, j := 0, len(context)-1; i < j; i, j = i+1, j-1 {
		context[i], context[j] = context[j], context[i]
	}

	bundle := &chain.Bundle{Context: context, Data: []*chain.RelayTx{relayTx}}
	for _, b := range context {
		bundle.Proofs = append(bundle.Proofs, m.blockProofs[b.Hash]...)
	}
	return bundle, nil
}

func (m *Miner) nextNonce() uint64 {
	m.nonce++
	return m.nonce
}

func (m *Miner) encodeBlock(kind uint64, prev chain.Hash, height uint64, proof bool, txIDs []string) (chain.Hash, []byte) {
	ids := make([][]byte, len(txIDs))
	for i, id := range txIDs {
		ids[i] = hashBytes(chain.Hash(id))
	}
	raw, err := rlp.EncodeToBytes(blockRecord{
		Kind:   kind,
		Prev:   hashBytes(prev),
		Height: height,
		Proof:  proof,
		TxIDs:  ids,
		Nonce:  m.nextNonce(),
	})
	if err != nil {
		// Only fixed-shape records are encoded here.
		panic(fmt.Sprintf("encode block record: %v", err))
	}
	return chain.Hash(idOf(raw)), raw
}

func idOf(raw []byte) string {
	return crypto.Keccak256Hash(raw).Hex()
}

func hashBytes(h chain.Hash) []byte {
	if h == "" {
		return nil
	}
	return common.HexToHash(string(h)).Bytes()
}
