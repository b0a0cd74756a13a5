package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/opsloop/internal/config"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the control loop until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLoop(cmd.Context(), flags.configPath, cmd)
		},
	}
}

func runLoop(ctx context.Context, configPath string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app, err := setup(ctx, configPath, cmd.OutOrStdout())
	if err != nil {
		return fmt.Errorf("setup failed: %w", err)
	}
	logger := app.Logger
	app.Escalation.Start(ctx)

	if sec := app.Config.Loop.ReloadIntervalSec; sec > 0 {
		w := config.NewWatcher(configPath, time.Duration(sec)*time.Second, logger, app.apply)
		w.Start()
		defer w.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	if addr := app.Config.Server.MetricsAddr; addr != "" {
		g.Go(func() error { return app.Metrics.Serve(gctx, addr, logger) })
	}
	g.Go(func() error { return app.Orchestrator.Run(gctx) })
	g.Go(func() error {
		waitForShutdown(gctx, app, cancel)
		return nil
	})

	runErr := g.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer closeCancel()
	if err := app.Close(closeCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("opsloop stopped")
	return runErr
}

// waitForShutdown blocks until a shutdown signal arrives or ctx ends.
// Platform signals such as SIGHUP reload the config instead.
func waitForShutdown(ctx context.Context, app *App, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if handlePlatformSignal(sig, app) {
				continue
			}
			app.Logger.Info("shutdown signal received", "signal", sig)
			cancel()
			return
		}
	}
}

func newOnceCmd(flags *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single cycle and print its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			app, err := setup(ctx, flags.configPath, cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("setup failed: %w", err)
			}
			app.Escalation.Start(ctx)
			report := app.Orchestrator.RunCycle(ctx)

			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := app.Close(closeCtx); err != nil {
				app.Logger.Error("shutdown error", "error", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report.Entry())
			}
			printReport(out, report)
			return report.Err()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the ledger record of the cycle as JSON")
	return cmd
}
