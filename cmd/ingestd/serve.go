package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/livinlefevreloca/ingestd/internal/ingest"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job runner and the sync scheduler",
	Long: "Runs the worker pool over the job queue, the periodic sync scheduler and, when " +
		"configured, the export directory watcher until interrupted.",
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	logger := a.logger
	cfg := a.config
	logger.Info("starting ingestd",
		"driver", cfg.Database.Driver,
		"workers", cfg.Queue.Workers,
		"sync_targets", len(cfg.Sync.Targets),
		"services", a.syncer.Services())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := a.runner()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(ctx)
	})
	g.Go(func() error {
		return a.scheduler.Run(ctx)
	})
	if cfg.Export.Dir != "" && cfg.Export.Watch {
		watcher := ingest.NewExportWatcher(cfg.Export, a.scheduler.Trigger, logger)
		g.Go(func() error {
			return watcher.Run(ctx)
		})
	}

	logger.Info("ingestd is running")
	err = g.Wait()

	stats := runner.Stats()
	logger.Info("shutting down gracefully",
		"claimed", stats.Claimed,
		"completed", stats.Completed,
		"retried", stats.Retried,
		"failed", stats.Failed)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
