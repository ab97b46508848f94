package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"possync/internal/app"
	"possync/internal/config"
)

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync worker until interrupted",
		Long: `Run passes every SYNC_POLL_SECONDS until SIGINT or SIGTERM. A pass in
flight finishes its current order before the worker exits. When STATUS_PORT is
set the status API is served alongside.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := rootOpts.loadConfig(cmd)

			parentCtx := cmd.Context()
			if parentCtx == nil {
				parentCtx = context.Background()
			}
			ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Serve(ctx); err != nil {
				return WrapExitError(ExitCommandError, "worker stopped", err)
			}
			log.Info("worker stopped")
			return nil
		},
	}
}

func buildApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app.App, error) {
	a, err := app.Build(ctx, cfg, log)
	if errors.Is(err, config.ErrMissingOutlet) {
		return nil, WrapExitError(ExitCommandError, "configuration error", err)
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "startup failed", err)
	}
	return a, nil
}
