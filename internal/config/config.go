// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/popfuzz/internal/dialect"
	"github.com/gateway-fm/popfuzz/pkg/types"
)

// Config holds popfuzz configuration.
type Config struct {
	// Nodes are the JSON-RPC endpoints under test. When empty, SimNodes
	// in-memory nodes are used instead.
	Nodes    []NodeConfig `yaml:"nodes"`
	Dialect  string       `yaml:"dialect"`
	SimNodes int          `yaml:"simNodes"`

	ListenAddr         string `yaml:"listenAddr"`
	DatabasePath       string `yaml:"databasePath"`       // Path to SQLite database file
	CORSAllowedOrigins string `yaml:"corsAllowedOrigins"` // Comma-separated list of allowed origins, or "*" for all

	PayoutAddress       string `yaml:"payoutAddress"`
	NetworkID           int64  `yaml:"networkId"`
	EndorsementInterval int64  `yaml:"endorsementInterval"`

	RPCTimeout   time.Duration `yaml:"rpcTimeout"`
	PollInterval time.Duration `yaml:"pollInterval"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"` // "json" or "text"

	Run RunConfig `yaml:"run"`
}

// NodeConfig is one node endpoint.
type NodeConfig struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// RunConfig holds the settings of a single workload run.
type RunConfig struct {
	Counts types.Counts `yaml:"counts"`
	// Seed is drawn at random when nil.
	Seed       *uint64       `yaml:"seed"`
	TimeBudget time.Duration `yaml:"timeBudget"`
	OpsPerSec  float64       `yaml:"opsPerSec"` // 0 = unpaced
	NoSettle   bool          `yaml:"noSettle"`
	// Pacing varies the rate over time; nil keeps OpsPerSec constant.
	Pacing *types.Pacing `yaml:"pacing"`

	// Converge runs the convergence checks after a successful workload.
	Converge        bool          `yaml:"converge"`
	ConvergeTimeout time.Duration `yaml:"convergeTimeout"` // per check, 0 = defaults
}

// Defaults
const (
	DefaultDialect            = "bitcoind"
	DefaultSimNodes           = 2
	DefaultListenAddr         = ":3001"
	DefaultDatabasePath       = "./data/popfuzz.db"
	DefaultCORSAllowedOrigins = "*"
	DefaultRPCTimeout         = 2 * time.Second
	DefaultPollInterval       = 50 * time.Millisecond
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"

	DefaultCount      = 100
	DefaultTimeBudget = 60 * time.Second
)

// ConfigPathEnv names the environment variable holding the config file path.
const ConfigPathEnv = "POPFUZZ_CONFIG"

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Dialect:            DefaultDialect,
		SimNodes:           DefaultSimNodes,
		ListenAddr:         DefaultListenAddr,
		DatabasePath:       DefaultDatabasePath,
		CORSAllowedOrigins: DefaultCORSAllowedOrigins,
		RPCTimeout:         DefaultRPCTimeout,
		PollInterval:       DefaultPollInterval,
		LogLevel:           DefaultLogLevel,
		LogFormat:          DefaultLogFormat,
		Run: RunConfig{
			Counts: types.Counts{
				BaseBlocks:      DefaultCount,
				RelayBlocks:     DefaultCount,
				TargetBlocks:    DefaultCount,
				Proofs:          DefaultCount,
				DataSubmissions: DefaultCount,
			},
			TimeBudget: DefaultTimeBudget,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (or
// the one named by POPFUZZ_CONFIG when path is empty) and environment
// variables, in increasing precedence. Command-line flags are applied by the
// caller, which then calls Validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile merges the YAML file at path into c. Unknown keys are errors.
func (c *Config) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides c with the environment variables lookup reports.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	env := func(key string) (string, bool) {
		v, ok := lookup(key)
		return v, ok && v != ""
	}

	if v, ok := env("POPFUZZ_NODES"); ok {
		nodes, err := ParseNodes(v)
		if err != nil {
			return fmt.Errorf("POPFUZZ_NODES: %w", err)
		}
		c.Nodes = nodes
	}
	if v, ok := env("POPFUZZ_DIALECT"); ok {
		c.Dialect = v
	}
	if v, ok := env("POPFUZZ_PAYOUT_ADDRESS"); ok {
		c.PayoutAddress = v
	}
	if v, ok := env("LISTEN_ADDR"); ok {
		c.ListenAddr = v
	}
	if v, ok := env("DATABASE_PATH"); ok {
		c.DatabasePath = v
	}
	if v, ok := env("CORS_ALLOWED_ORIGINS"); ok {
		c.CORSAllowedOrigins = v
	}
	if v, ok := env("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := env("LOG_FORMAT"); ok {
		c.LogFormat = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"POPFUZZ_SIM_NODES", &c.SimNodes},
		{"POPFUZZ_BASE_BLOCKS", &c.Run.Counts.BaseBlocks},
		{"POPFUZZ_RELAY_BLOCKS", &c.Run.Counts.RelayBlocks},
		{"POPFUZZ_TARGET_BLOCKS", &c.Run.Counts.TargetBlocks},
		{"POPFUZZ_PROOFS", &c.Run.Counts.Proofs},
		{"POPFUZZ_DATA_SUBMISSIONS", &c.Run.Counts.DataSubmissions},
	}
	for _, e := range ints {
		if v, ok := env(e.key); ok {
			n, err := parseIntEnv(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = n
		}
	}

	int64s := []struct {
		key string
		dst *int64
	}{
		{"POPFUZZ_NETWORK_ID", &c.NetworkID},
		{"POPFUZZ_ENDORSEMENT_INTERVAL", &c.EndorsementInterval},
	}
	for _, e := range int64s {
		if v, ok := env(e.key); ok {
			n, err := parseInt64Env(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = n
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"POPFUZZ_TIME_BUDGET", &c.Run.TimeBudget},
		{"POPFUZZ_CONVERGE_TIMEOUT", &c.Run.ConvergeTimeout},
		{"POPFUZZ_RPC_TIMEOUT", &c.RPCTimeout},
		{"POPFUZZ_POLL_INTERVAL", &c.PollInterval},
	}
	for _, e := range durations {
		if v, ok := env(e.key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = d
		}
	}

	if v, ok := env("POPFUZZ_SEED"); ok {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("POPFUZZ_SEED: %w", err)
		}
		c.Run.Seed = &seed
	}
	if v, ok := env("POPFUZZ_OPS_PER_SEC"); ok {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("POPFUZZ_OPS_PER_SEC: %w", err)
		}
		c.Run.OpsPerSec = rate
	}
	if v, ok := env("POPFUZZ_CONVERGE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("POPFUZZ_CONVERGE: %w", err)
		}
		c.Run.Converge = b
	}
	return nil
}

// ParseNodes parses a comma-separated node list. Each entry is either a URL
// or name=URL; unnamed nodes are called node0, node1 and so on. Credentials
// in the URL's user info are moved to User and Password.
func ParseNodes(s string) ([]NodeConfig, error) {
	var nodes []NodeConfig
	for i, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name := fmt.Sprintf("node%d", i)
		raw := entry
		if before, after, ok := strings.Cut(entry, "="); ok && !strings.Contains(before, "/") {
			name, raw = strings.TrimSpace(before), strings.TrimSpace(after)
		}

		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", name, err)
		}
		n := NodeConfig{Name: name}
		if u.User != nil {
			n.User = u.User.Username()
			n.Password, _ = u.User.Password()
			u.User = nil
		}
		n.URL = u.String()
		nodes = append(nodes, n)
	}
	if len(nodes) == 0 {
		return nil, errors.New("empty node list")
	}
	return nodes, nil
}

// UsesRPC reports whether the run targets real nodes.
func (c *Config) UsesRPC() bool {
	return len(c.Nodes) > 0
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if dialect.DefaultRegistry().Get(c.Dialect) == nil {
		return fmt.Errorf("unknown dialect: %s (supported: %s)",
			c.Dialect, strings.Join(dialect.DefaultRegistry().Names(), ", "))
	}

	if c.UsesRPC() {
		seen := make(map[string]bool, len(c.Nodes))
		for _, n := range c.Nodes {
			if err := n.Validate(); err != nil {
				return err
			}
			if seen[n.Name] {
				return fmt.Errorf("duplicate node name: %s", n.Name)
			}
			seen[n.Name] = true
		}
		if c.PayoutAddress == "" {
			return errors.New("payout address is required with RPC nodes")
		}
	} else if c.SimNodes < 1 {
		return errors.New("at least one simulated node is required when no nodes are configured")
	}

	if c.NetworkID < 0 {
		return errors.New("network ID cannot be negative")
	}
	if c.EndorsementInterval < 0 {
		return errors.New("endorsement interval cannot be negative")
	}
	if c.RPCTimeout <= 0 {
		return errors.New("RPC timeout must be positive")
	}
	if c.PollInterval < 0 {
		return errors.New("poll interval cannot be negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}
	return c.Run.Validate()
}

// Validate validates a node endpoint.
func (n NodeConfig) Validate() error {
	if n.Name == "" {
		return errors.New("node name is required")
	}
	u, err := url.Parse(n.URL)
	if err != nil {
		return fmt.Errorf("node %s: invalid URL: %w", n.Name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("node %s: URL must be http or https, got %q", n.Name, n.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("node %s: URL has no host", n.Name)
	}
	return nil
}

// Validate validates the run settings.
func (r RunConfig) Validate() error {
	for _, count := range []struct {
		name string
		n    int
	}{
		{"base blocks", r.Counts.BaseBlocks},
		{"relay blocks", r.Counts.RelayBlocks},
		{"target blocks", r.Counts.TargetBlocks},
		{"proofs", r.Counts.Proofs},
		{"data submissions", r.Counts.DataSubmissions},
	} {
		if count.n < 0 {
			return fmt.Errorf("%s count cannot be negative", count.name)
		}
	}
	if r.TimeBudget < 0 {
		return errors.New("time budget cannot be negative")
	}
	// Run requests carry whole seconds.
	if r.TimeBudget%time.Second != 0 {
		return fmt.Errorf("time budget must be whole seconds, got %s", r.TimeBudget)
	}
	if r.OpsPerSec < 0 {
		return errors.New("ops per second cannot be negative")
	}
	if r.ConvergeTimeout < 0 {
		return errors.New("converge timeout cannot be negative")
	}
	if r.ConvergeTimeout%time.Second != 0 {
		return fmt.Errorf("converge timeout must be whole seconds, got %s", r.ConvergeTimeout)
	}
	return nil
}

// ParseLogLevel maps a level name to its slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level: %s", s)
}

// parseIntEnv parses a string environment variable as an integer.
func parseIntEnv(s string) (int, error) {
	return strconv.Atoi(s)
}

// parseInt64Env parses a string environment variable as an int64.
func parseInt64Env(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
