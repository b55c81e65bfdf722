package dialect

import (
	"sort"
	"sync"
)

// Registry holds registered dialects. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Dialect
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Dialect),
	}
}

// Register adds or replaces a dialect.
func (r *Registry) Register(d *Dialect) {
	if d == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[d.Name] = d
}

// Get retrieves a dialect by name. Returns nil if not found.
func (r *Registry) Get(name string) *Dialect {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Names returns all registered dialect names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry pre-populated with the built-in dialects.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Bitcoind())
	r.Register(Geth())
	// Legacy alias: "vbitcoind" maps to bitcoind
	alias := Bitcoind()
	alias.Name = "vbitcoind"
	r.Register(alias)
	return r
}

// Bitcoind is the dialect of bitcoind-derived daemons with the pop RPC set.
func Bitcoind() *Dialect {
	return &Dialect{
		Name: "bitcoind",
		Methods: map[Op]string{
			OpBlockCount:         "getblockcount",
			OpBestBlockHash:      "getbestblockhash",
			OpBlock:              "getblock",
			OpGenerate:           "generatetoaddress",
			OpPopDataByHeight:    "getpopdatabyheight",
			OpSubmitRelayBlock:   "submitpopvbk",
			OpSubmitRelayProofTx: "submitpopvtb",
			OpSubmitRelayTx:      "submitpopatv",
			OpRawPendingSet:      "getrawpopmempool",
			OpBaseTipHash:        "getbtcbestblockhash",
			OpRelayTipHash:       "getvbkbestblockhash",
		},
	}
}

// Geth is the dialect of geth-derived daemons exposing the pop namespace.
func Geth() *Dialect {
	return &Dialect{
		Name: "geth",
		Methods: map[Op]string{
			OpBlockCount:         "eth_blockNumber",
			OpBestBlockHash:      "eth_getBlockByNumber",
			OpBlock:              "pop_getBlockByHash",
			OpGenerate:           "miner_generateBlocks",
			OpPopDataByHeight:    "pop_getPopDataByHeight",
			OpSubmitRelayBlock:   "pop_submitPopVbk",
			OpSubmitRelayProofTx: "pop_submitPopVtb",
			OpSubmitRelayTx:      "pop_submitPopAtv",
			OpRawPendingSet:      "pop_getRawPopMempool",
			OpBaseTipHash:        "pop_getBtcBestBlockHash",
			OpRelayTipHash:       "pop_getVbkBestBlockHash",
		},
		HexBlockCount:           true,
		BestHashFromLatestBlock: true,
	}
}
