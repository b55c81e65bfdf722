// Package dialect describes how a family of target-chain nodes names its
// RPC methods, so one node adapter can drive bitcoind-style and geth-style
// daemons without scattered conditionals.
package dialect

// Op is a node operation independent of its RPC spelling.
type Op string

const (
	OpBlockCount         Op = "blockCount"
	OpBestBlockHash      Op = "bestBlockHash"
	OpBlock              Op = "block"
	OpGenerate           Op = "generate"
	OpPopDataByHeight    Op = "popDataByHeight"
	OpSubmitRelayBlock   Op = "submitRelayBlock"
	OpSubmitRelayProofTx Op = "submitRelayProofTx"
	OpSubmitRelayTx      Op = "submitRelayTx"
	OpRawPendingSet      Op = "rawPendingSet"
	OpBaseTipHash        Op = "baseTipHash"
	OpRelayTipHash       Op = "relayTipHash"
)

// Ops lists every operation a dialect must name.
var Ops = []Op{
	OpBlockCount, OpBestBlockHash, OpBlock, OpGenerate, OpPopDataByHeight,
	OpSubmitRelayBlock, OpSubmitRelayProofTx, OpSubmitRelayTx,
	OpRawPendingSet, OpBaseTipHash, OpRelayTipHash,
}

// Dialect maps node operations to RPC methods.
type Dialect struct {
	// Name is the canonical identifier, e.g. "bitcoind".
	Name string

	Methods map[Op]string

	// HexBlockCount is set when the block count is a 0x-prefixed hex
	// quantity rather than a JSON number.
	HexBlockCount bool

	// BestHashFromLatestBlock is set when the node has no best-hash call
	// and the tip is read from the "latest" block object instead.
	BestHashFromLatestBlock bool
}

// Method returns the RPC method for op, or "" if the dialect lacks it.
func (d *Dialect) Method(op Op) string {
	return d.Methods[op]
}

// Missing returns the operations the dialect does not name.
func (d *Dialect) Missing() []Op {
	var missing []Op
	for _, op := range Ops {
		if d.Methods[op] == "" {
			missing = append(missing, op)
		}
	}
	return missing
}

// String returns the canonical name of the dialect.
func (d *Dialect) String() string {
	if d == nil {
		return "unknown"
	}
	return d.Name
}
