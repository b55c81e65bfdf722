package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/popfuzz/internal/controller"
	"github.com/gateway-fm/popfuzz/internal/convergence"
	"github.com/gateway-fm/popfuzz/pkg/types"
)

type convergeOptions struct {
	*rootOptions
	checks   types.ConvergeChecks
	timeout  time.Duration
	height   int64
	failFast bool
}

func newConvergeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &convergeOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "converge",
		Short: "Wait until every node reports the same state",
		Long: `Converge polls the configured nodes until they agree on the target chain
tip, the pending relay set and the cross-chain tips. Every check runs unless
some are selected. It exits non-zero when a check times out.

With --height it first waits for every node to reach that block count. With
--fail-fast the three checks run in order and stop at the first failure.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConverge(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&opts.checks.Tips, "tips", false, "check best block hash and block count")
	f.BoolVar(&opts.checks.PendingSet, "pending-set", false, "check pending relay blocks, proofs and transactions")
	f.BoolVar(&opts.checks.CrossChain, "cross-chain", false, "check base and relay tips")
	f.DurationVar(&opts.timeout, "timeout", 0, "per-check timeout (0 = defaults)")
	f.Int64Var(&opts.height, "height", 0, "block count every node must reach first")
	f.BoolVar(&opts.failFast, "fail-fast", false, "run all checks in order, stopping at the first failure")

	return cmd
}

func runConverge(cmd *cobra.Command, opts *convergeOptions) error {
	cfg, err := loadConfig(cmd, opts.rootOptions)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	backend, err := controller.NewBackend(cfg, nil, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	poller := convergence.New(convergence.Config{
		Nodes:    backend.Nodes,
		Interval: cfg.PollInterval,
		Logger:   logger,
	})

	if opts.height > 0 {
		timeout := opts.timeout
		if timeout <= 0 {
			timeout = convergence.DefaultTipTimeout
		}
		for _, n := range backend.Nodes {
			if err := poller.WaitForBlockHeight(ctx, n, opts.height, timeout); err != nil {
				return err
			}
		}
		fmt.Fprintf(out, "%-12s ok (%d)\n", "height", opts.height)
	}

	if opts.failFast {
		t := opts.timeout
		if err := poller.SyncAll(ctx, convergence.Timeouts{Tip: t, PendingSet: t, CrossChain: t}); err != nil {
			return err
		}
		fmt.Fprintf(out, "%-12s ok\n", "all")
		return nil
	}

	ctrl, err := controller.New(controller.Config{
		Backend:      backend,
		Logger:       logger,
		PollInterval: cfg.PollInterval,
	})
	if err != nil {
		return err
	}

	converged := true
	for _, r := range ctrl.Converge(ctx, opts.checks, opts.timeout) {
		elapsed := time.Duration(r.ElapsedMs) * time.Millisecond
		if r.Converged {
			fmt.Fprintf(out, "%-12s ok (%s)\n", r.Check, elapsed)
			continue
		}
		converged = false
		fmt.Fprintf(out, "%-12s FAILED (%s): %s\n", r.Check, elapsed, r.Error)
	}
	if !converged {
		return fmt.Errorf("nodes %v did not converge", backend.NodeNames())
	}
	return nil
}
