package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/popfuzz/internal/chain"
	"github.com/gateway-fm/popfuzz/internal/config"
	"github.com/gateway-fm/popfuzz/internal/controller"
	"github.com/gateway-fm/popfuzz/internal/storage"
	"github.com/gateway-fm/popfuzz/pkg/types"
)

const progressInterval = 5 * time.Second

// runOptions holds flags for the run command.
type runOptions struct {
	*rootOptions
	counts          types.Counts
	seed            uint64
	timeBudget      time.Duration
	opsPerSec       float64
	noSettle        bool
	converge        bool
	convergeTimeout time.Duration
	record          bool
	database        string
}

func newRunCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one randomized workload and exit",
		Long: `Run generates one seeded operation sequence, dispatches it against the
first node and optionally waits for every node to converge.

A failed run prints the seed; pass it back with --seed to replay the exact
same sequence.

Example:
  popfuzz run --target-blocks 500 --converge
  popfuzz run --nodes alt0=http://u:p@127.0.0.1:8332,alt1=http://u:p@127.0.0.1:8342 \
      --payout-address <address> --seed 1234`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkload(cmd, opts)
		},
	}

	defaults := config.Default().Run
	f := cmd.Flags()
	f.IntVar(&opts.counts.BaseBlocks, "base-blocks", defaults.Counts.BaseBlocks, "base chain blocks to mine")
	f.IntVar(&opts.counts.RelayBlocks, "relay-blocks", defaults.Counts.RelayBlocks, "relay chain blocks to mine")
	f.IntVar(&opts.counts.TargetBlocks, "target-blocks", defaults.Counts.TargetBlocks, "target chain blocks to mine")
	f.IntVar(&opts.counts.Proofs, "proofs", defaults.Counts.Proofs, "base tx / relay proof pairs")
	f.IntVar(&opts.counts.DataSubmissions, "data-submissions", defaults.Counts.DataSubmissions, "relay tx / target data pairs")
	f.Uint64Var(&opts.seed, "seed", 0, "sequence seed (random when unset)")
	f.DurationVar(&opts.timeBudget, "time-budget", defaults.TimeBudget, "stop generating after this long, in whole seconds (0 = no limit)")
	f.Float64Var(&opts.opsPerSec, "ops-per-sec", 0, "dispatch rate limit (0 = unpaced)")
	f.BoolVar(&opts.noSettle, "no-settle", false, "skip mining the queued artifacts after the sequence")
	f.BoolVar(&opts.converge, "converge", false, "verify node convergence after the workload")
	f.DurationVar(&opts.convergeTimeout, "converge-timeout", 0, "per-check convergence timeout, in whole seconds (0 = defaults)")
	f.BoolVar(&opts.record, "record", false, "record the run in the history database")
	f.StringVar(&opts.database, "db", config.DefaultDatabasePath, "history database path, with --record")

	return cmd
}

func (o *runOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	counts := &cfg.Run.Counts

	if changed("base-blocks") {
		counts.BaseBlocks = o.counts.BaseBlocks
	}
	if changed("relay-blocks") {
		counts.RelayBlocks = o.counts.RelayBlocks
	}
	if changed("target-blocks") {
		counts.TargetBlocks = o.counts.TargetBlocks
	}
	if changed("proofs") {
		counts.Proofs = o.counts.Proofs
	}
	if changed("data-submissions") {
		counts.DataSubmissions = o.counts.DataSubmissions
	}
	if changed("seed") {
		seed := o.seed
		cfg.Run.Seed = &seed
	}
	if changed("time-budget") {
		cfg.Run.TimeBudget = o.timeBudget
	}
	if changed("ops-per-sec") {
		cfg.Run.OpsPerSec = o.opsPerSec
	}
	if changed("no-settle") {
		cfg.Run.NoSettle = o.noSettle
	}
	if changed("converge") {
		cfg.Run.Converge = o.converge
	}
	if changed("converge-timeout") {
		cfg.Run.ConvergeTimeout = o.convergeTimeout
	}
	if changed("db") {
		cfg.DatabasePath = o.database
	}
}

// startRequest turns the run section of cfg into an API request. cfg must
// be validated, so its durations are whole seconds.
func startRequest(cfg *config.Config) types.StartRunRequest {
	req := types.StartRunRequest{
		Counts:        cfg.Run.Counts,
		Seed:          cfg.Run.Seed,
		TimeBudgetSec: int(cfg.Run.TimeBudget / time.Second),
		OpsPerSec:     cfg.Run.OpsPerSec,
		Pacing:        cfg.Run.Pacing,
		ConvergeSec:   int(cfg.Run.ConvergeTimeout / time.Second),
	}
	if cfg.Run.Converge {
		req.Converge = types.ConvergeChecks{Tips: true, PendingSet: true, CrossChain: true}
	}
	return req
}

func runWorkload(cmd *cobra.Command, opts *runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if err := opts.rootOptions.apply(cmd, cfg); err != nil {
		return err
	}
	opts.apply(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg, cmd.ErrOrStderr())
	out := cmd.OutOrStdout()

	backend, err := controller.NewBackend(cfg, nil, logger)
	if err != nil {
		return err
	}

	var store storage.Storage
	if opts.record {
		s, err := storage.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("open history database: %w", err)
		}
		defer s.Close()
		store = s
	}

	ctrl, err := controller.New(controller.Config{
		Backend:             backend,
		Storage:             store,
		Logger:              logger,
		PayoutAddress:       cfg.PayoutAddress,
		NetworkID:           cfg.NetworkID,
		EndorsementInterval: cfg.EndorsementInterval,
		NoSettle:            cfg.Run.NoSettle,
		PollInterval:        cfg.PollInterval,
	})
	if err != nil {
		return err
	}

	req := startRequest(cfg)
	printConfiguration(out, cfg, backend, req)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := ctrl.StartRun(req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Run %s started\n", id)

	done := make(chan struct{})
	go func() {
		ctrl.Wait()
		close(done)
	}()
	watchRun(ctx, ctrl, done, logger)

	m := ctrl.Metrics()
	elapsed := time.Duration(m.ElapsedMs) * time.Millisecond
	switch m.Status {
	case types.StatusCompleted:
		printFinished(cmd.Context(), out, backend.Nodes[0], m, elapsed)
		return nil
	case types.StatusCancelled:
		return fmt.Errorf("run cancelled: seed=%d elapsed=%s last index=%d", m.Seed, elapsed, m.LastIndex)
	default:
		fmt.Fprintln(out, "Run failed")
		fmt.Fprintf(out, "  %-16s %d\n", "seed:", m.Seed)
		fmt.Fprintf(out, "  %-16s %s\n", "elapsed:", elapsed)
		fmt.Fprintf(out, "  %-16s %d\n", "last index:", m.LastIndex)
		return fmt.Errorf("run %s: %s", m.Status, m.Error)
	}
}

// watchRun logs progress until done is closed, stopping the run when ctx
// is cancelled.
func watchRun(ctx context.Context, ctrl *controller.Controller, done <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			logger.Info("interrupted, stopping run")
			ctrl.StopRun()
			<-done
			return
		case <-ticker.C:
			m := ctrl.Metrics()
			logger.Info("progress",
				slog.String("status", string(m.Status)),
				slog.Int("dispatched", m.Dispatched),
				slog.Int("planned", m.Planned),
				slog.Int("lastIndex", m.LastIndex),
			)
		}
	}
}

func printConfiguration(w io.Writer, cfg *config.Config, backend *controller.Backend, req types.StartRunRequest) {
	seed := "random"
	if req.Seed != nil {
		seed = fmt.Sprintf("%d", *req.Seed)
	}
	budget := "none"
	if cfg.Run.TimeBudget > 0 {
		budget = cfg.Run.TimeBudget.String()
	}

	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  %-16s %s (%s)\n", "nodes:", strings.Join(backend.NodeNames(), ", "), backend.Dialect)
	fmt.Fprintf(w, "  %-16s %s\n", "seed:", seed)
	fmt.Fprintf(w, "  %-16s %d\n", "base blocks:", req.Counts.BaseBlocks)
	fmt.Fprintf(w, "  %-16s %d\n", "relay blocks:", req.Counts.RelayBlocks)
	fmt.Fprintf(w, "  %-16s %d\n", "target blocks:", req.Counts.TargetBlocks)
	fmt.Fprintf(w, "  %-16s %d\n", "proofs:", req.Counts.Proofs)
	fmt.Fprintf(w, "  %-16s %d\n", "data submissions:", req.Counts.DataSubmissions)
	fmt.Fprintf(w, "  %-16s %s\n", "time budget:", budget)
	fmt.Fprintf(w, "  %-16s %t\n", "converge:", cfg.Run.Converge)
}

func printFinished(ctx context.Context, w io.Writer, n chain.Node, m types.RunMetrics, elapsed time.Duration) {
	fmt.Fprintln(w, "Run finished")
	if m.Truncated {
		fmt.Fprintf(w, "  %-16s %s\n", "truncated:", "time budget reached")
	}
	fmt.Fprintf(w, "  %-16s %d\n", "seed:", m.Seed)
	fmt.Fprintf(w, "  %-16s %d\n", "dispatched:", m.Dispatched)

	if count, err := n.GetBlockCount(ctx); err == nil {
		fmt.Fprintf(w, "  %-16s %d\n", "target blocks:", count)
	}
	if tip, err := n.GetRelayTipHash(ctx); err == nil {
		fmt.Fprintf(w, "  %-16s %s\n", "relay tip:", tip)
	}
	if tip, err := n.GetBaseTipHash(ctx); err == nil {
		fmt.Fprintf(w, "  %-16s %s\n", "base tip:", tip)
	}
	fmt.Fprintf(w, "  %-16s %s\n", "elapsed:", elapsed)
}
