package controller

import (
	"fmt"
	"log/slog"

	"github.com/gateway-fm/popfuzz/internal/chain"
	"github.com/gateway-fm/popfuzz/internal/config"
	"github.com/gateway-fm/popfuzz/internal/dialect"
	"github.com/gateway-fm/popfuzz/internal/metrics"
	"github.com/gateway-fm/popfuzz/internal/mockminer"
	"github.com/gateway-fm/popfuzz/internal/node"
	"github.com/gateway-fm/popfuzz/internal/rpc"
)

// SimDialect names the backend of in-process simulated nodes.
const SimDialect = "sim"

// Backend is what runs execute against. Workloads drive Nodes[0]; the
// convergence checks compare all of them.
type Backend struct {
	Nodes   []chain.Node
	Miner   chain.ChainMiner
	Dialect string
}

// NodeNames returns the node names in order.
func (b *Backend) NodeNames() []string {
	names := make([]string, len(b.Nodes))
	for i, n := range b.Nodes {
		names[i] = n.Name()
	}
	return names
}

// NewBackend builds the backend cfg describes: JSON-RPC nodes when any are
// configured, otherwise cfg.SimNodes connected simulated nodes. RPC calls
// are recorded in m when it is not nil.
func NewBackend(cfg *config.Config, m *metrics.PrometheusMetrics, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	miner := mockminer.New(logger.With("component", "miner"))

	if !cfg.UsesRPC() {
		return NewSimBackend(miner, cfg.SimNodes, logger), nil
	}

	d := dialect.DefaultRegistry().Get(cfg.Dialect)
	if d == nil {
		return nil, fmt.Errorf("unknown dialect: %s", cfg.Dialect)
	}

	b := &Backend{Miner: miner, Dialect: d.Name}
	for _, nc := range cfg.Nodes {
		clientCfg := rpc.DefaultClientConfig(nc.URL)
		clientCfg.User = nc.User
		clientCfg.Password = nc.Password
		if cfg.RPCTimeout > 0 {
			clientCfg.Timeout = cfg.RPCTimeout
		}
		clientCfg.Logger = logger

		n, err := node.New(node.Config{
			Name:    nc.Name,
			Client:  metrics.Instrument(rpc.NewHTTPClient(clientCfg), m),
			Dialect: d,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", nc.Name, err)
		}
		b.Nodes = append(b.Nodes, n)
	}
	return b, nil
}

// NewSimBackend creates count simulated nodes sharing miner's genesis, all
// connected to each other.
func NewSimBackend(miner *mockminer.Miner, count int, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	boot := miner.Bootstrap()
	sims := make([]*mockminer.SimNode, count)
	b := &Backend{Miner: miner, Dialect: SimDialect, Nodes: make([]chain.Node, count)}
	for i := range sims {
		sims[i] = mockminer.NewSimNode(fmt.Sprintf("sim%d", i), boot, logger)
		b.Nodes[i] = sims[i]
		for _, peer := range sims[:i] {
			sims[i].Connect(peer)
		}
	}
	return b
}
