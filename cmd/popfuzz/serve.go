package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/popfuzz/internal/config"
	"github.com/gateway-fm/popfuzz/internal/controller"
	"github.com/gateway-fm/popfuzz/internal/metrics"
	"github.com/gateway-fm/popfuzz/internal/storage"
	"github.com/gateway-fm/popfuzz/internal/transport"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	*rootOptions
	listenAddr string
	database   string
	cors       string
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API for starting runs and browsing history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.listenAddr, "listen", config.DefaultListenAddr, "HTTP listen address")
	f.StringVar(&opts.database, "db", config.DefaultDatabasePath, "history database path")
	f.StringVar(&opts.cors, "cors-origins", config.DefaultCORSAllowedOrigins, "comma-separated allowed CORS origins, or *")

	return cmd
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	cfg, err := loadConfig(cmd, opts.rootOptions)
	if err != nil {
		return err
	}
	changed := cmd.Flags().Changed
	if changed("listen") {
		cfg.ListenAddr = opts.listenAddr
	}
	if changed("db") {
		cfg.DatabasePath = opts.database
	}
	if changed("cors-origins") {
		cfg.CORSAllowedOrigins = opts.cors
	}

	logger := newLogger(cfg, os.Stdout)

	store, err := storage.NewSQLiteStorage(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()
	logger.Info("initialized storage", "path", cfg.DatabasePath)

	prom := metrics.NewPrometheusMetrics(nil)
	backend, err := controller.NewBackend(cfg, prom, logger)
	if err != nil {
		return err
	}
	logger.Info("backend ready", "dialect", backend.Dialect, "nodes", backend.NodeNames())

	ctrl, err := controller.New(controller.Config{
		Backend:             backend,
		Storage:             store,
		Metrics:             prom,
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

	api := transport.NewServer(ctrl, ctrl, logger, cfg.CORSAllowedOrigins)
	defer api.Close()
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting HTTP server", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		ctrl.StopRun()
		ctrl.Wait()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown", slog.String("error", err.Error()))
		}
		return nil
	})
	return g.Wait()
}
