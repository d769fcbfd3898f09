package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/beamyard/internal/archive"
	"github.com/zulandar/beamyard/internal/dashboard"
	"github.com/zulandar/beamyard/internal/metrics"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the beam HTTP API",
		Long: `Starts the HTTP API that drives one beam session, with a server-sent
event stream of state changes, Prometheus metrics at /metrics and the
scheduled archive pruner.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, addr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to beam config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath, addr string) error {
	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	client, err := newProviderRouter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	sinks, err := openSinks(cfg, true, logger)
	if err != nil {
		return err
	}
	defer sinks.close()

	pruner, err := archive.NewPruner(sinks.db, cfg.Database.RetentionDays, cfg.Database.PruneSchedule, logger)
	if err != nil {
		return err
	}
	pruner.Start()
	defer func() { <-pruner.Stop().Done() }()
	logger.Info("archive pruner scheduled", zap.Time("next", pruner.Next()))

	m := metrics.New()
	store, err := newStore(cfg, storeOpts{
		Client:   client,
		Recorder: sinks.recorder,
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		return err
	}
	defer func() {
		store.Close()
		store.Wait()
	}()

	if addr == "" {
		addr = cfg.Dashboard.Addr()
	}
	return dashboard.Start(ctx, dashboard.StartOpts{
		Store:   store,
		Metrics: m,
		Addr:    addr,
		Logger:  logger,
		Out:     cmd.OutOrStdout(),
	})
}
