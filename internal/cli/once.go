package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type OnceOptions struct {
	*RootOptions
	Recent int
}

func NewOnceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OnceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single pass and print a status report",
		Long: `Run exactly one pass against the current window, then print the pass
result followed by the most recently sent sales.

Exit codes: 0 when every order synced, 1 when some orders failed, 2 when the
pass could not run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := opts.loadConfig(cmd)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			a, err := buildApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Runner.RunOnce(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "sync pass failed", err)
			}

			recent, err := a.Runner.RecentProcessed(ctx, opts.Recent)
			if err != nil {
				log.Warn("read recent processed sales failed", "error", err.Error())
			}
			if err := opts.printer(cmd).pass(result, recent); err != nil {
				return err
			}

			if len(result.Failures) > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d order(s) failed to sync", len(result.Failures)))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Recent, "recent", 5, "number of recently sent sales to list")

	return cmd
}
