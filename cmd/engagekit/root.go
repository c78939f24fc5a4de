package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"engagekit/reconcile"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the root command for the engagekit CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "engagekit",
		Short:         "Engagement tracking and points reconciliation",
		Long:          "Acquires post engagement from upstream sources, awards points on submission and reconciles them over time.",
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a config file (json|yaml|toml)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

func (o *RootOptions) build(ctx context.Context) (*App, func(), error) {
	app, cleanup, err := BuildApp(ctx, Options{ConfigPath: o.ConfigPath})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize app: %w", err)
	}
	return app, cleanup, nil
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "Run the HTTP API and the reconciliation scheduler",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, cleanup, err := rootOpts.build(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			return serve(ctx, app)
		},
	}
}

func serve(ctx context.Context, app *App) error {
	cfg := app.Config
	log := app.Logger

	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	log.Info("starting engagekit server",
		"environment", cfg.Environment,
		"address", cfg.Server.Address,
		"storage_adapter", cfg.Storage.Adapter,
		"redis", cfg.Redis.Enabled,
		"sources", sourcesInOrder(cfg))

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := app.Scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("reconciliation scheduler stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "address", cfg.Server.Address)
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	cancelRun()

	log.Info("shutting down server", "timeout", cfg.Server.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := app.Server.Shutdown(shutdownCtx); err != nil {
		log.Error("error during server shutdown", "error", err)
	}
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		log.Warn("reconciliation run did not finish before shutdown")
	}

	log.Info("server stopped")
	return serveErr
}

// NewReconcileCommand creates the reconcile command, which performs a single
// reconciliation run and prints its summary.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "reconcile",
		Short:        "Run one reconciliation pass and exit",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, cleanup, err := rootOpts.build(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			sum, runErr := app.Scheduler.RunOnce(cmd.Context())
			if err := reconcile.WriteHistory(cmd.OutOrStdout(), []reconcile.RunSummary{sum}); err != nil {
				return err
			}
			return runErr
		},
	}
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "reset",
		Short:        "Close all circuit breakers and clear rate limit state",
		Long:         "Close all circuit breakers and clear rate limit state. Only meaningful for shared (redis) state.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, cleanup, err := rootOpts.build(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if !app.Config.Redis.Enabled {
				app.Logger.Warn("redis disabled; reset only affects this process")
			}
			if err := app.Breakers.ResetAll(ctx); err != nil {
				return fmt.Errorf("reset breakers: %w", err)
			}
			if err := app.Limiter.Reset(ctx); err != nil {
				return fmt.Errorf("reset rate limits: %w", err)
			}
			slog.Info("breakers and rate limits reset")
			fmt.Fprintln(cmd.OutOrStdout(), "reset complete")
			return nil
		},
	}
}

// NewConfigCommand prints the effective configuration with secrets redacted.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "config",
		Short:        "Print the effective configuration",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := provideConfig(Options{ConfigPath: rootOpts.ConfigPath})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}
}
