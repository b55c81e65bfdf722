package mockminer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/gateway-fm/popfuzz/internal/chain"
)

// Rejection codes reported by SimNode.
const (
	CodeMalformed   = "malformed"
	CodeWrongKind   = "wrong-kind"
	CodeUnknownPrev = "unknown-prev"
)

type simBlock struct {
	hash        chain.Hash
	height      int64
	prev        chain.Hash
	relayBlocks []string
	relayProofs []string
	relayTxs    []string
}

type submission struct {
	hex  string
	kind uint64
}

type relayHeader struct {
	hash   chain.Hash
	height int64
}

// SimNode is an in-memory target-chain node. Submitted artifacts enter the
// pending set; Generate mines blocks that absorb it. Connected peers see
// every submission and block, which lets several SimNodes converge.
//
// The active chain is the best known branch: the higher one, or on equal
// height the one whose tip hash sorts first.
type SimNode struct {
	name string

	mu sync.RWMutex
	// blocks is the active chain, indexed by height.
	blocks []*simBlock
	// byHash holds every known block, side branches included.
	byHash map[chain.Hash]*simBlock

	// pending artifacts in arrival order, keyed by id
	pendingBlocks []string
	pendingProofs []string
	pendingTxs    []string
	seen          map[string]struct{}
	accepted      []submission

	relayKnown map[chain.Hash]relayHeader
	relayTip   relayHeader
	baseTip    relayHeader

	peers  []*SimNode
	nonce  uint64
	logger *slog.Logger
}

// NewSimNode creates a node that agrees with a miner's genesis blocks.
func NewSimNode(name string, boot Bootstrap, logger *slog.Logger) *SimNode {
	if logger == nil {
		logger = slog.Default()
	}
	genesis := &simBlock{hash: chain.Hash(idOf([]byte("target-genesis"))), height: 0}
	n := &SimNode{
		name:       name,
		blocks:     []*simBlock{genesis},
		byHash:     map[chain.Hash]*simBlock{genesis.hash: genesis},
		seen:       make(map[string]struct{}),
		relayKnown: map[chain.Hash]relayHeader{boot.RelayGenesis: {hash: boot.RelayGenesis}},
		relayTip:   relayHeader{hash: boot.RelayGenesis},
		baseTip:    relayHeader{hash: boot.BaseGenesis},
		logger:     logger.With(slog.String("node", name)),
	}
	return n
}

var _ chain.Node = (*SimNode)(nil)

// Connect links the nodes both ways and syncs their state. Nodes that mined
// apart end on the same best branch, with the artifacts of abandoned blocks
// pending again.
func (n *SimNode) Connect(peer *SimNode) {
	if peer == n {
		return
	}
	n.mu.Lock()
	if !slices.Contains(n.peers, peer) {
		n.peers = append(n.peers, peer)
	}
	n.mu.Unlock()

	peer.mu.Lock()
	if !slices.Contains(peer.peers, n) {
		peer.peers = append(peer.peers, n)
	}
	peer.mu.Unlock()

	n.syncTo(peer)
	peer.syncTo(n)
}

// Disconnect removes the link between both nodes. Each keeps mining and
// accepting artifacts on its own until they are connected again.
func (n *SimNode) Disconnect(peer *SimNode) {
	n.mu.Lock()
	n.peers = slices.DeleteFunc(n.peers, func(p *SimNode) bool { return p == peer })
	n.mu.Unlock()

	peer.mu.Lock()
	peer.peers = slices.DeleteFunc(peer.peers, func(p *SimNode) bool { return p == n })
	peer.mu.Unlock()
}

func (n *SimNode) Name() string { return n.name }

func (n *SimNode) GetBlockCount(ctx context.Context) (int64, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.tip().height, nil
}

func (n *SimNode) GetBestBlockHash(ctx context.Context) (chain.Hash, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.tip().hash, nil
}

func (n *SimNode) GetBlock(ctx context.Context, hash chain.Hash) (*chain.Block, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	b, ok := n.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("block %s: %w", hash, ErrUnknownBlock)
	}
	return &chain.Block{
		Hash:        b.hash,
		Height:      b.height,
		PrevHash:    b.prev,
		RelayBlocks: slices.Clone(b.relayBlocks),
		RelayProofs: slices.Clone(b.relayProofs),
		RelayTxs:    slices.Clone(b.relayTxs),
	}, nil
}

// Generate mines n blocks. The first one absorbs the whole pending set.
func (n *SimNode) Generate(ctx context.Context, count int, payoutAddr string) ([]chain.Hash, error) {
	n.mu.Lock()
	var mined []*simBlock
	for i := 0; i < count; i++ {
		tip := n.tip()
		b := &simBlock{
			height:      tip.height + 1,
			prev:        tip.hash,
			relayBlocks: n.pendingBlocks,
			relayProofs: n.pendingProofs,
			relayTxs:    n.pendingTxs,
		}
		n.nonce++
		raw, err := rlp.EncodeToBytes([]any{[]byte(tip.hash), uint64(b.height), payoutAddr, n.name, n.nonce})
		if err != nil {
			n.mu.Unlock()
			return nil, fmt.Errorf("encode target block: %w", err)
		}
		b.hash = chain.Hash(idOf(raw))
		n.pendingBlocks, n.pendingProofs, n.pendingTxs = nil, nil, nil
		n.appendBlock(b)
		mined = append(mined, b)
	}
	peers := slices.Clone(n.peers)
	n.mu.Unlock()

	hashes := make([]chain.Hash, len(mined))
	for i, b := range mined {
		hashes[i] = b.hash
		for _, p := range peers {
			p.receiveBlock(b)
		}
	}
	n.logger.Debug("generated target blocks", slog.Int("count", count))
	return hashes, nil
}

func (n *SimNode) GetPopDataByHeight(ctx context.Context, height int64) (*chain.PopData, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if height < 0 || height >= int64(len(n.blocks)) {
		return nil, fmt.Errorf("height %d outside [0, %d]: %w", height, len(n.blocks)-1, ErrUnknownBlock)
	}
	b := n.blocks[height]
	return &chain.PopData{
		Header:               hexutil.Encode([]byte(b.hash)),
		AuthenticatedContext: hexutil.Encode([]byte(b.prev)),
		LastKnownRelayHash:   n.relayTip.hash,
		LastKnownBaseHash:    n.baseTip.hash,
	}, nil
}

func (n *SimNode) SubmitRelayBlock(ctx context.Context, hex string) (chain.SubmitResult, error) {
	return n.submit(hex, kindRelayBlock, true)
}

func (n *SimNode) SubmitRelayProofTx(ctx context.Context, hex string) (chain.SubmitResult, error) {
	return n.submit(hex, kindRelayProof, true)
}

func (n *SimNode) SubmitRelayTx(ctx context.Context, hex string) (chain.SubmitResult, error) {
	return n.submit(hex, kindRelayTx, true)
}

func (n *SimNode) GetRawPendingSet(ctx context.Context) (*chain.PendingSet, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return &chain.PendingSet{
		RelayBlocks: slices.Clone(n.pendingBlocks),
		RelayProofs: slices.Clone(n.pendingProofs),
		RelayTxs:    slices.Clone(n.pendingTxs),
	}, nil
}

func (n *SimNode) GetBaseTipHash(ctx context.Context) (chain.Hash, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.baseTip.hash, nil
}

func (n *SimNode) GetRelayTipHash(ctx context.Context) (chain.Hash, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.relayTip.hash, nil
}

// submit validates and stores one artifact. Artifacts already seen are
// accepted again without effect.
func (n *SimNode) submit(hex string, kind uint64, broadcast bool) (chain.SubmitResult, error) {
	raw, err := hexutil.Decode(hex)
	if err != nil {
		return chain.SubmitResult{Code: CodeMalformed, Message: err.Error()}, nil
	}
	id := idOf(raw)

	n.mu.Lock()
	if _, ok := n.seen[id]; ok {
		n.mu.Unlock()
		return chain.SubmitResult{Accepted: true}, nil
	}
	if res := n.apply(raw, kind); !res.Accepted {
		n.mu.Unlock()
		return res, nil
	}
	n.seen[id] = struct{}{}
	n.accepted = append(n.accepted, submission{hex: hex, kind: kind})
	switch kind {
	case kindRelayBlock:
		n.pendingBlocks = append(n.pendingBlocks, id)
	case kindRelayProof:
		n.pendingProofs = append(n.pendingProofs, id)
	case kindRelayTx:
		n.pendingTxs = append(n.pendingTxs, id)
	}
	peers := slices.Clone(n.peers)
	n.mu.Unlock()

	if broadcast {
		for _, p := range peers {
			if _, err := p.submit(hex, kind, false); err != nil {
				return chain.SubmitResult{}, err
			}
		}
	}
	return chain.SubmitResult{Accepted: true}, nil
}

// apply decodes raw and updates tip tracking. Callers hold n.mu.
func (n *SimNode) apply(raw []byte, kind uint64) chain.SubmitResult {
	switch kind {
	case kindRelayBlock:
		var rec blockRecord
		if err := rlp.DecodeBytes(raw, &rec); err != nil {
			return chain.SubmitResult{Code: CodeMalformed, Message: err.Error()}
		}
		if rec.Kind != kindRelayBlock {
			return chain.SubmitResult{Code: CodeWrongKind, Message: "not a relay block"}
		}
		prev := bytesHash(rec.Prev)
		if _, ok := n.relayKnown[prev]; !ok {
			return chain.SubmitResult{Code: CodeUnknownPrev, Message: fmt.Sprintf("relay block prev %s unknown", prev)}
		}
		h := relayHeader{hash: chain.Hash(idOf(raw)), height: int64(rec.Height)}
		n.relayKnown[h.hash] = h
		if h.height > n.relayTip.height {
			n.relayTip = h
		}

	case kindRelayProof:
		var rec proofRecord
		if err := rlp.DecodeBytes(raw, &rec); err != nil {
			return chain.SubmitResult{Code: CodeMalformed, Message: err.Error()}
		}
		if rec.Kind != kindRelayProof {
			return chain.SubmitResult{Code: CodeWrongKind, Message: "not a relay proof"}
		}
		var base blockRecord
		if err := rlp.DecodeBytes(rec.BaseBlock, &base); err != nil {
			return chain.SubmitResult{Code: CodeMalformed, Message: err.Error()}
		}
		if int64(base.Height) > n.baseTip.height {
			n.baseTip = relayHeader{hash: chain.Hash(idOf(rec.BaseBlock)), height: int64(base.Height)}
		}

	case kindRelayTx:
		var rec relayTxRecord
		if err := rlp.DecodeBytes(raw, &rec); err != nil {
			return chain.SubmitResult{Code: CodeMalformed, Message: err.Error()}
		}
		if rec.Kind != kindRelayTx {
			return chain.SubmitResult{Code: CodeWrongKind, Message: "not a relay tx"}
		}
	}
	return chain.SubmitResult{Accepted: true}
}

// receiveBlock stores a peer's block and switches to its branch when that
// branch is better. Blocks whose parent is unknown are dropped.
func (n *SimNode) receiveBlock(b *simBlock) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.byHash[b.hash]; ok {
		return
	}
	if _, ok := n.byHash[b.prev]; !ok {
		return
	}
	tip := n.tip()
	switch {
	case b.prev == tip.hash:
		n.appendBlock(b)
	case b.height > tip.height || (b.height == tip.height && b.hash < tip.hash):
		n.byHash[b.hash] = b
		n.reorg(b)
	default:
		n.byHash[b.hash] = b
	}
}

// reorg makes the branch ending at tip the active chain. Artifacts of the
// disconnected blocks return to the pending set unless the new branch
// includes them. Callers hold n.mu.
func (n *SimNode) reorg(tip *simBlock) {
	var branch []*simBlock
	b := tip
	for b.height >= int64(len(n.blocks)) || n.blocks[b.height].hash != b.hash {
		branch = append(branch, b)
		b = n.byHash[b.prev]
	}

	disconnected := n.blocks[b.height+1:]
	for _, old := range disconnected {
		n.pendingBlocks = append(n.pendingBlocks, old.relayBlocks...)
		n.pendingProofs = append(n.pendingProofs, old.relayProofs...)
		n.pendingTxs = append(n.pendingTxs, old.relayTxs...)
	}
	n.blocks = slices.Clone(n.blocks[:b.height+1])
	for _, nb := range slices.Backward(branch) {
		n.appendBlock(nb)
	}
	n.logger.Debug("reorganized target chain",
		slog.Int("disconnected", len(disconnected)),
		slog.Int("connected", len(branch)),
		slog.String("tip", string(tip.hash)),
	)
}

// appendBlock extends the chain and drops included ids from the pending set.
// Callers hold n.mu.
func (n *SimNode) appendBlock(b *simBlock) {
	n.blocks = append(n.blocks, b)
	n.byHash[b.hash] = b
	n.pendingBlocks = without(n.pendingBlocks, b.relayBlocks)
	n.pendingProofs = without(n.pendingProofs, b.relayProofs)
	n.pendingTxs = without(n.pendingTxs, b.relayTxs)
	for _, ids := range [][]string{b.relayBlocks, b.relayProofs, b.relayTxs} {
		for _, id := range ids {
			n.seen[id] = struct{}{}
		}
	}
}

// syncTo replays every accepted artifact and then every block to peer.
// Whatever peer already has is skipped.
func (n *SimNode) syncTo(peer *SimNode) {
	n.mu.RLock()
	accepted := slices.Clone(n.accepted)
	blocks := slices.Clone(n.blocks)
	n.mu.RUnlock()

	for _, sub := range accepted {
		_, _ = peer.submit(sub.hex, sub.kind, false)
	}
	for _, b := range blocks[1:] {
		peer.receiveBlock(b)
	}
}

func (n *SimNode) tip() *simBlock {
	return n.blocks[len(n.blocks)-1]
}

func without(ids, drop []string) []string {
	if len(drop) == 0 {
		return ids
	}
	return slices.DeleteFunc(ids, func(id string) bool { return slices.Contains(drop, id) })
}

func bytesHash(b []byte) chain.Hash {
	if len(b) == 0 {
		return ""
	}
	return chain.Hash(hexutil.Encode(b))
}
