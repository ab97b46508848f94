package cli

import (
	"context"

	"github.com/spf13/cobra"
)

func NewRecentCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List the most recently sent sales",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := rootOpts.loadConfig(cmd)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			a, err := buildApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			recent, err := a.Runner.RecentProcessed(ctx, limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "read recent processed sales", err)
			}
			return rootOpts.printer(cmd).recent(recent)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "number of sales to list (max 100)")

	return cmd
}
