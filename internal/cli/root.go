package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"possync/internal/config"
	"possync/internal/logger"
)

type RootOptions struct {
	Verbose  bool
	Format   string
	EnvFiles []string
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "possync",
		Short: "Sync POS sales to the backoffice",
		Long: `possync reads completed sales from the legacy POS database, validates and
delivers them to the backoffice RPC API, and marks them processed locally once
the backoffice has acknowledged them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if err := config.LoadDotEnv(opts.EnvFiles...); err != nil {
				return WrapExitError(ExitCommandError, "failed to load env file", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringSliceVar(&opts.EnvFiles, "env-file", []string{".env"}, "env files to load; existing variables win")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewOnceCommand(opts))
	cmd.AddCommand(NewRecentCommand(opts))
	cmd.AddCommand(NewWindowCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadConfig reads the environment after env files were merged in.
func (o *RootOptions) loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger) {
	cfg := config.Load()
	level := cfg.LogLevel
	if o.Verbose {
		level = "debug"
	}
	return cfg, logger.NewWithWriter(cmd.ErrOrStderr(), "possync", level)
}

func (o *RootOptions) printer(cmd *cobra.Command) printer {
	return printer{format: o.Format, w: cmd.OutOrStdout()}
}
