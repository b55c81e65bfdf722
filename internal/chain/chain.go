// Package chain defines the two collaborator capabilities a workload talks
// to: the target-chain Node and the ChainMiner that produces base and relay
// chain artifacts. It also holds the entity types they exchange.
package chain

import (
	"context"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Hash identifies a block on any of the three chains.
type Hash string

// Block is a target-chain block as reported by a node.
type Block struct {
	Hash     Hash
	Height   int64
	PrevHash Hash

	// Ids of endorsement artifacts the block contains.
	RelayBlocks []string
	RelayProofs []string
	RelayTxs    []string
}

// PopData is what a node exposes for endorsing one of its blocks.
type PopData struct {
	Header               string
	AuthenticatedContext string
	LastKnownRelayHash   Hash
	LastKnownBaseHash    Hash
}

// PublicationData is the payload a relay transaction publishes about a
// target block.
type PublicationData struct {
	Identifier  int64
	Header      []byte
	PayoutInfo  []byte
	ContextInfo []byte
}

// PendingSet is a node's pool of endorsement artifacts not yet in a block.
type PendingSet struct {
	RelayBlocks []string
	RelayProofs []string
	RelayTxs    []string
}

// Equal reports whether both pending sets hold the same ids of every kind.
// Order does not matter.
func (p PendingSet) Equal(o PendingSet) bool {
	return sameSet(p.RelayBlocks, o.RelayBlocks) &&
		sameSet(p.RelayProofs, o.RelayProofs) &&
		sameSet(p.RelayTxs, o.RelayTxs)
}

// Sorted returns a copy with every id list sorted.
func (p PendingSet) Sorted() PendingSet {
	return PendingSet{
		RelayBlocks: sortedCopy(p.RelayBlocks),
		RelayProofs: sortedCopy(p.RelayProofs),
		RelayTxs:    sortedCopy(p.RelayTxs),
	}
}

func sameSet(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	other := make(map[string]struct{}, len(b))
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
		other[id] = struct{}{}
	}
	return len(set) == len(other)
}

func sortedCopy(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return out
}

// SubmitResult is a node's answer to an artifact submission.
type SubmitResult struct {
	Accepted bool
	Code     string
	Message  string
}

// RejectedError is returned when a node refuses a submitted artifact.
type RejectedError struct {
	Kind    string
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s: %s", e.Kind, e.Code, e.Message)
}

// Node is the RPC surface of one target-chain participant.
type Node interface {
	// Name identifies the node in logs and snapshots.
	Name() string

	GetBlockCount(ctx context.Context) (int64, error)
	GetBestBlockHash(ctx context.Context) (Hash, error)
	GetBlock(ctx context.Context, hash Hash) (*Block, error)
	Generate(ctx context.Context, n int, payoutAddr string) ([]Hash, error)
	GetPopDataByHeight(ctx context.Context, height int64) (*PopData, error)

	// SubmitRelayBlock submits a relay block used as endorsement context.
	SubmitRelayBlock(ctx context.Context, hex string) (SubmitResult, error)
	// SubmitRelayProofTx submits a relay proof with its base block of proof.
	SubmitRelayProofTx(ctx context.Context, hex string) (SubmitResult, error)
	// SubmitRelayTx submits a relay transaction endorsing a target block.
	SubmitRelayTx(ctx context.Context, hex string) (SubmitResult, error)

	GetRawPendingSet(ctx context.Context) (*PendingSet, error)
	GetBaseTipHash(ctx context.Context) (Hash, error)
	GetRelayTipHash(ctx context.Context) (Hash, error)
}

// CrossChainTipper is implemented by nodes that can report both
// cross-chain tips in a single round trip.
type CrossChainTipper interface {
	CrossChainTips(ctx context.Context) (base, relay Hash, err error)
}

// Artifact is anything a ChainMiner produces that can be sent to a node.
type Artifact interface {
	ID() string
	Hex() string
}

// BaseBlock is a block of the lowest-layer chain.
type BaseBlock struct {
	Hash     Hash
	Height   int64
	PrevHash Hash
	Raw      []byte
}

func (b *BaseBlock) ID() string  { return string(b.Hash) }
func (b *BaseBlock) Hex() string { return hexutil.Encode(b.Raw) }

// RelayBlock is a block of the middle-layer chain.
type RelayBlock struct {
	Hash     Hash
	Height   int64
	PrevHash Hash
	Proof    bool
	Raw      []byte
}

func (b *RelayBlock) ID() string  { return string(b.Hash) }
func (b *RelayBlock) Hex() string { return hexutil.Encode(b.Raw) }

// BaseTx is a base-chain transaction publishing a relay block.
type BaseTx struct {
	TxID string
	Raw  []byte
}

func (t *BaseTx) ID() string  { return t.TxID }
func (t *BaseTx) Hex() string { return hexutil.Encode(t.Raw) }

// RelayTx is a relay-chain transaction. A proof carries a base transaction
// and its base block of proof; a plain relay transaction publishes a
// target block.
type RelayTx struct {
	TxID  string
	Proof bool
	Raw   []byte
}

func (t *RelayTx) ID() string  { return t.TxID }
func (t *RelayTx) Hex() string { return hexutil.Encode(t.Raw) }

// Bundle is everything a target node needs to accept one endorsement:
// relay context blocks, relay proofs anchoring them, and the endorsing
// relay transactions.
type Bundle struct {
	Context []*RelayBlock
	Proofs  []*RelayTx
	Data    []*RelayTx
}

// ChainMiner is an in-process factory for base and relay chain artifacts.
type ChainMiner interface {
	BaseTip() *BaseBlock
	RelayTip() *RelayBlock
	// RelayAncestor returns the relay block at height on the current relay chain.
	RelayAncestor(height int64) (*RelayBlock, error)

	MineBaseBlock(tip *BaseBlock, txs []*BaseTx) (*BaseBlock, error)
	MineRelayBlock(tip *RelayBlock, txs []*RelayTx, isProofBlock bool) (*RelayBlock, error)

	CreateBaseTxEndorsingRelayBlock(relay *RelayBlock) (*BaseTx, error)
	CreateRelayProofTx(baseBlock *BaseBlock, baseTx *BaseTx, relay *RelayBlock, lastKnownBaseHash Hash) (*RelayTx, error)
	CreateRelayTxEndorsingTarget(pub PublicationData) (*RelayTx, error)
	CreateTargetProofData(relayBlockOfProof *RelayBlock, relayTx *RelayTx, lastKnownRelayHash Hash) (*Bundle, error)
}
