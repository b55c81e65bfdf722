// Command popfuzz drives randomized endorsement workloads against a set of
// target chain nodes and verifies that they converge.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/popfuzz/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	configPath          string
	nodes               string
	dialect             string
	simNodes            int
	payoutAddress       string
	networkID           int64
	endorsementInterval int64
	rpcTimeout          time.Duration
	pollInterval        time.Duration
	logLevel            string
	logFormat           string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "popfuzz",
		Short: "Randomized PoP endorsement workload generator",
		Long: `popfuzz mines base (BTC), relay (VBK) and target (ALT) blocks and submits
endorsement transactions in a seeded random order, then checks that every
target node reports the same state.

Without --nodes it runs against in-process simulated nodes.`,
		SilenceUsage: true,
	}

	defaults := config.Default()
	f := cmd.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "", "YAML configuration file (default $"+config.ConfigPathEnv+")")
	f.StringVar(&opts.nodes, "nodes", "", "comma-separated target node RPC URLs, optionally name=url")
	f.StringVar(&opts.dialect, "dialect", defaults.Dialect, "node RPC dialect")
	f.IntVar(&opts.simNodes, "sim-nodes", defaults.SimNodes, "simulated nodes when no RPC node is configured")
	f.StringVar(&opts.payoutAddress, "payout-address", "", "address receiving target block rewards")
	f.Int64Var(&opts.networkID, "network-id", 0, "relay network identifier")
	f.Int64Var(&opts.endorsementInterval, "endorsement-interval", 0, "target blocks between endorsed blocks (0 = default)")
	f.DurationVar(&opts.rpcTimeout, "rpc-timeout", defaults.RPCTimeout, "per-call RPC timeout")
	f.DurationVar(&opts.pollInterval, "poll-interval", defaults.PollInterval, "convergence poll interval")
	f.StringVar(&opts.logLevel, "log-level", defaults.LogLevel, "log level (debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", defaults.LogFormat, "log format (json, text)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newConvergeCommand(opts))
	cmd.AddCommand(newServeCommand(opts))

	return cmd
}

// loadConfig resolves the configuration for cmd: defaults, file and
// environment first, then every flag the user set explicitly.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := opts.apply(cmd, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (o *rootOptions) apply(cmd *cobra.Command, cfg *config.Config) error {
	changed := cmd.Flags().Changed

	if changed("nodes") {
		nodes, err := config.ParseNodes(o.nodes)
		if err != nil {
			return fmt.Errorf("--nodes: %w", err)
		}
		cfg.Nodes = nodes
	}
	if changed("dialect") {
		cfg.Dialect = o.dialect
	}
	if changed("sim-nodes") {
		cfg.SimNodes = o.simNodes
	}
	if changed("payout-address") {
		cfg.PayoutAddress = o.payoutAddress
	}
	if changed("network-id") {
		cfg.NetworkID = o.networkID
	}
	if changed("endorsement-interval") {
		cfg.EndorsementInterval = o.endorsementInterval
	}
	if changed("rpc-timeout") {
		cfg.RPCTimeout = o.rpcTimeout
	}
	if changed("poll-interval") {
		cfg.PollInterval = o.pollInterval
	}
	if changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = o.logFormat
	}
	return nil
}

// newLogger builds the process logger. Logs go to w so that command output
// on stdout stays readable.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(w, handlerOpts))
}
