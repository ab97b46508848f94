package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"possync/internal/domain"
	"possync/internal/runtimecfg"
)

type WindowOptions struct {
	*RootOptions
	Min       string
	Max       string
	BatchSize int
	ClearMin  bool
	ClearMax  bool
}

func NewWindowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WindowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "window",
		Short: "Show or change the sync window",
		Long: `Show the sync window stored in SYNC_SETTINGS_PATH, or change it. A running
worker picks up the change on its next pass.

Bounds are UTC and accept RFC 3339 timestamps or plain dates.

Example:
  possync window
  possync window --min 2025-03-01 --max 2025-03-31T23:59:59Z
  possync window --clear-max --batch-size 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := opts.loadConfig(cmd)
			settings := runtimecfg.NewFileStore(cfg.SettingsPath, cfg.BatchSize)

			req, changed, err := opts.request(cmd)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid window", err)
			}
			if changed {
				if _, err := runtimecfg.Apply(settings, req); err != nil {
					return WrapExitError(ExitCommandError, "update window", err)
				}
			}

			current, err := settings.Current()
			if err != nil {
				return WrapExitError(ExitCommandError, "read window", err)
			}
			return opts.printer(cmd).window(current, settings.Path())
		},
	}

	cmd.Flags().StringVar(&opts.Min, "min", "", "earliest sale time to sync (UTC)")
	cmd.Flags().StringVar(&opts.Max, "max", "", "latest sale time to sync (UTC)")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "orders per pass")
	cmd.Flags().BoolVar(&opts.ClearMin, "clear-min", false, "remove the lower bound")
	cmd.Flags().BoolVar(&opts.ClearMax, "clear-max", false, "remove the upper bound")
	cmd.MarkFlagsMutuallyExclusive("min", "clear-min")
	cmd.MarkFlagsMutuallyExclusive("max", "clear-max")

	return cmd
}

func (o *WindowOptions) request(cmd *cobra.Command) (domain.WindowUpdateRequest, bool, error) {
	var req domain.WindowUpdateRequest
	flags := cmd.Flags()

	if flags.Changed("batch-size") {
		n := o.BatchSize
		req.BatchSize = &n
	}
	if flags.Changed("min") {
		at, err := parseBound(o.Min)
		if err != nil {
			return req, false, fmt.Errorf("--min: %w", err)
		}
		req.MinOccurredAt = &at
	}
	if flags.Changed("max") {
		at, err := parseBound(o.Max)
		if err != nil {
			return req, false, fmt.Errorf("--max: %w", err)
		}
		req.MaxOccurredAt = &at
	}
	req.ClearMin = o.ClearMin
	req.ClearMax = o.ClearMax

	changed := req.BatchSize != nil || req.MinOccurredAt != nil || req.MaxOccurredAt != nil || req.ClearMin || req.ClearMax
	return req, changed, nil
}

func parseBound(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if at, err := time.Parse(layout, raw); err == nil {
			return at.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}
