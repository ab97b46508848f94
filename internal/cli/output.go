package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"possync/internal/domain"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the pass ran but some orders failed
	ExitCommandError = 2 // configuration, connectivity or usage problems
)

type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns ExitFailure for errors that carry no code.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

type response struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

type printer struct {
	format string
	w      io.Writer
}

func (p printer) json(data any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(response{Status: "ok", Data: data})
}

func (p printer) pass(result domain.SyncRunResult, recent []domain.ProcessedSummary) error {
	if p.format == "json" {
		return p.json(map[string]any{"pass": result, "recent": recent})
	}

	fmt.Fprintf(p.w, "run %s: processed %d, failed %d, skipped %d (%s)\n",
		result.RunID, result.Processed, len(result.Failures), result.Skipped,
		result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
	for _, f := range result.Failures {
		fmt.Fprintf(p.w, "  order %s [%s] %s\n", f.OrderID, f.Stage, f.Message)
	}
	if recent != nil {
		p.recentText(recent)
	}
	return nil
}

func (p printer) recent(recent []domain.ProcessedSummary) error {
	if p.format == "json" {
		return p.json(recent)
	}
	p.recentText(recent)
	return nil
}

func (p printer) recentText(recent []domain.ProcessedSummary) {
	if len(recent) == 0 {
		fmt.Fprintln(p.w, "no processed sales yet")
		return
	}
	fmt.Fprintln(p.w, "last sent sales:")
	for _, s := range recent {
		amount := "-"
		if s.PaymentAmount.Valid {
			amount = s.PaymentAmount.Decimal.StringFixed(2)
		}
		fmt.Fprintf(p.w, "  bill %s sale %s at %s %s %s\n",
			s.BillID, s.SaleID, s.OccurredAt.Format("2006-01-02 15:04:05"), orDash(s.PaymentType), amount)
	}
}

func (p printer) window(cfg domain.RuntimeConfig, path string) error {
	if p.format == "json" {
		return p.json(map[string]any{"settings_path": path, "window": cfg})
	}
	fmt.Fprintf(p.w, "settings:   %s\n", path)
	fmt.Fprintf(p.w, "batch size: %d\n", cfg.BatchSize)
	fmt.Fprintf(p.w, "min (UTC):  %s\n", formatBound(cfg.MinOccurredAt))
	fmt.Fprintf(p.w, "max (UTC):  %s\n", formatBound(cfg.MaxOccurredAt))
	return nil
}

func formatBound(at *time.Time) string {
	if at == nil {
		return "unbounded"
	}
	return at.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
