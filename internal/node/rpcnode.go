// Package node adapts a JSON-RPC endpoint to chain.Node.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gateway-fm/popfuzz/internal/chain"
	"github.com/gateway-fm/popfuzz/internal/dialect"
	"github.com/gateway-fm/popfuzz/internal/rpc"
)

// ErrIncompleteDialect is returned when a dialect does not name every
// node operation.
var ErrIncompleteDialect = errors.New("dialect does not name every operation")

// Config configures an RPCNode.
type Config struct {
	Name    string
	Client  rpc.Client
	Dialect *dialect.Dialect
	Logger  *slog.Logger
}

// RPCNode talks to one target-chain daemon. RPC errors are returned as
// the client produced them, so callers can match *rpc.RPCError.
type RPCNode struct {
	name    string
	client  rpc.Client
	dialect *dialect.Dialect
	logger  *slog.Logger
}

var (
	_ chain.Node             = (*RPCNode)(nil)
	_ chain.CrossChainTipper = (*RPCNode)(nil)
)

// New creates an RPCNode.
func New(cfg Config) (*RPCNode, error) {
	if cfg.Client == nil {
		return nil, errors.New("node: client is required")
	}
	if cfg.Dialect == nil {
		return nil, errors.New("node: dialect is required")
	}
	if missing := cfg.Dialect.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s lacks %v", ErrIncompleteDialect, cfg.Dialect, missing)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RPCNode{
		name:    cfg.Name,
		client:  cfg.Client,
		dialect: cfg.Dialect,
		logger:  logger.With(slog.String("node", cfg.Name)),
	}, nil
}

// Name implements chain.Node.
func (n *RPCNode) Name() string { return n.name }

func (n *RPCNode) call(ctx context.Context, op dialect.Op, out interface{}, params ...interface{}) error {
	method := n.dialect.Method(op)
	if params == nil {
		params = []interface{}{}
	}
	raw, err := n.client.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (n *RPCNode) blockCount(raw json.RawMessage) (int64, error) {
	if n.dialect.HexBlockCount {
		var q hexutil.Uint64
		if err := json.Unmarshal(raw, &q); err != nil {
			return 0, err
		}
		return int64(q), nil
	}
	var v int64
	err := json.Unmarshal(raw, &v)
	return v, err
}

func (n *RPCNode) GetBlockCount(ctx context.Context) (int64, error) {
	var raw json.RawMessage
	if err := n.call(ctx, dialect.OpBlockCount, &raw); err != nil {
		return 0, err
	}
	count, err := n.blockCount(raw)
	if err != nil {
		return 0, fmt.Errorf("decode %s result: %w", n.dialect.Method(dialect.OpBlockCount), err)
	}
	return count, nil
}

func (n *RPCNode) GetBestBlockHash(ctx context.Context) (chain.Hash, error) {
	if n.dialect.BestHashFromLatestBlock {
		var b struct {
			Hash string `json:"hash"`
		}
		if err := n.call(ctx, dialect.OpBestBlockHash, &b, "latest", false); err != nil {
			return "", err
		}
		return chain.Hash(b.Hash), nil
	}
	var hash string
	if err := n.call(ctx, dialect.OpBestBlockHash, &hash); err != nil {
		return "", err
	}
	return chain.Hash(hash), nil
}

// blockResult accepts both the bitcoind and the geth block encodings.
type blockResult struct {
	Hash              string          `json:"hash"`
	Height            *int64          `json:"height"`
	Number            *hexutil.Uint64 `json:"number"`
	PreviousBlockHash string          `json:"previousblockhash"`
	ParentHash        string          `json:"parentHash"`
	Pop               struct {
		Data struct {
			ATVs      []string `json:"atvs"`
			VTBs      []string `json:"vtbs"`
			VBKBlocks []string `json:"vbkblocks"`
		} `json:"data"`
	} `json:"pop"`
}

func (n *RPCNode) GetBlock(ctx context.Context, hash chain.Hash) (*chain.Block, error) {
	var r blockResult
	if err := n.call(ctx, dialect.OpBlock, &r, string(hash)); err != nil {
		return nil, err
	}
	b := &chain.Block{
		Hash:        chain.Hash(r.Hash),
		PrevHash:    chain.Hash(r.PreviousBlockHash),
		RelayBlocks: r.Pop.Data.VBKBlocks,
		RelayProofs: r.Pop.Data.VTBs,
		RelayTxs:    r.Pop.Data.ATVs,
	}
	switch {
	case r.Height != nil:
		b.Height = *r.Height
	case r.Number != nil:
		b.Height = int64(*r.Number)
	}
	if b.PrevHash == "" {
		b.PrevHash = chain.Hash(r.ParentHash)
	}
	return b, nil
}

func (n *RPCNode) Generate(ctx context.Context, count int, payoutAddr string) ([]chain.Hash, error) {
	var hashes []chain.Hash
	if err := n.call(ctx, dialect.OpGenerate, &hashes, count, payoutAddr); err != nil {
		return nil, err
	}
	n.logger.Debug("generated blocks", slog.Int("count", len(hashes)))
	return hashes, nil
}

type popDataResult struct {
	BlockHeader          string `json:"block_header"`
	AuthenticatedContext struct {
		Serialized string `json:"serialized"`
	} `json:"authenticated_context"`
	LastKnownRelayBlocks []string `json:"last_known_veriblock_blocks"`
	LastKnownBaseBlocks  []string `json:"last_known_bitcoin_blocks"`
}

func (n *RPCNode) GetPopDataByHeight(ctx context.Context, height int64) (*chain.PopData, error) {
	var r popDataResult
	if err := n.call(ctx, dialect.OpPopDataByHeight, &r, height); err != nil {
		return nil, err
	}
	if len(r.LastKnownRelayBlocks) == 0 || len(r.LastKnownBaseBlocks) == 0 {
		return nil, fmt.Errorf("pop data at height %d: no last known blocks", height)
	}
	return &chain.PopData{
		Header:               r.BlockHeader,
		AuthenticatedContext: r.AuthenticatedContext.Serialized,
		LastKnownRelayHash:   chain.Hash(r.LastKnownRelayBlocks[len(r.LastKnownRelayBlocks)-1]),
		LastKnownBaseHash:    chain.Hash(r.LastKnownBaseBlocks[len(r.LastKnownBaseBlocks)-1]),
	}, nil
}

type submitResult struct {
	Accepted bool   `json:"accepted"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

func (n *RPCNode) submit(ctx context.Context, op dialect.Op, hex string) (chain.SubmitResult, error) {
	var r submitResult
	if err := n.call(ctx, op, &r, hex); err != nil {
		return chain.SubmitResult{}, err
	}
	if !r.Accepted {
		n.logger.Debug("submission rejected",
			slog.String("op", string(op)),
			slog.String("code", r.Code),
			slog.String("message", r.Message),
		)
	}
	return chain.SubmitResult{Accepted: r.Accepted, Code: r.Code, Message: r.Message}, nil
}

func (n *RPCNode) SubmitRelayBlock(ctx context.Context, hex string) (chain.SubmitResult, error) {
	return n.submit(ctx, dialect.OpSubmitRelayBlock, hex)
}

func (n *RPCNode) SubmitRelayProofTx(ctx context.Context, hex string) (chain.SubmitResult, error) {
	return n.submit(ctx, dialect.OpSubmitRelayProofTx, hex)
}

func (n *RPCNode) SubmitRelayTx(ctx context.Context, hex string) (chain.SubmitResult, error) {
	return n.submit(ctx, dialect.OpSubmitRelayTx, hex)
}

func (n *RPCNode) GetRawPendingSet(ctx context.Context) (*chain.PendingSet, error) {
	var r struct {
		VBKBlocks []string `json:"vbkblocks"`
		VTBs      []string `json:"vtbs"`
		ATVs      []string `json:"atvs"`
	}
	if err := n.call(ctx, dialect.OpRawPendingSet, &r); err != nil {
		return nil, err
	}
	return &chain.PendingSet{RelayBlocks: r.VBKBlocks, RelayProofs: r.VTBs, RelayTxs: r.ATVs}, nil
}

func (n *RPCNode) GetBaseTipHash(ctx context.Context) (chain.Hash, error) {
	var hash string
	err := n.call(ctx, dialect.OpBaseTipHash, &hash)
	return chain.Hash(hash), err
}

func (n *RPCNode) GetRelayTipHash(ctx context.Context) (chain.Hash, error) {
	var hash string
	err := n.call(ctx, dialect.OpRelayTipHash, &hash)
	return chain.Hash(hash), err
}

// CrossChainTips fetches both tips in one batch request.
func (n *RPCNode) CrossChainTips(ctx context.Context) (base, relay chain.Hash, err error) {
	resps, err := n.client.BatchCall(ctx, []rpc.BatchRequest{
		{Method: n.dialect.Method(dialect.OpBaseTipHash), Params: []interface{}{}},
		{Method: n.dialect.Method(dialect.OpRelayTipHash), Params: []interface{}{}},
	})
	if err != nil {
		return "", "", err
	}
	if len(resps) != 2 {
		return "", "", fmt.Errorf("cross-chain tips: got %d responses, want 2", len(resps))
	}
	hashes := make([]string, 2)
	for i, r := range resps {
		if r.Error != nil {
			return "", "", r.Error
		}
		if err := json.Unmarshal(r.Result, &hashes[i]); err != nil {
			return "", "", fmt.Errorf("decode cross-chain tip: %w", err)
		}
	}
	return chain.Hash(hashes[0]), chain.Hash(hashes[1]), nil
}
