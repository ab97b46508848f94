package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"possync/internal/domain"
)

const (
	validatePath   = "/rest/v1/rpc/validate_pos_order"
	syncPath       = "/rest/v1/rpc/sync_pos_order"
	logFailurePath = "/rest/v1/rpc/log_pos_sync_failure"
	counterPath    = "/rest/v1/counter_values"
	controlsPath   = "/rest/v1/pos_sync_controls"

	maxErrorBody    = 2048
	maxResponseBody = 1 << 20
)

var errResponseTooLarge = fmt.Errorf("response body exceeds %d bytes", maxResponseBody)

type ValidationResult struct {
	OK           bool
	Errors       []string
	ErrorMessage string
}

type DeliveryResult struct {
	Success      bool
	ErrorMessage string
}

type Options struct {
	BaseURL    string
	ServiceKey string
	OutletID   string
	HTTPClient *http.Client
	Retry      RetryPolicy
	Logger     *slog.Logger
}

// Client talks to the PostgREST RPC endpoints of the remote backend.
type Client struct {
	baseURL    string
	serviceKey string
	outletID   string
	http       *http.Client
	retry      RetryPolicy
	logger     *slog.Logger
}

func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("gateway base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("gateway base url: %w", err)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Retry.Delays == nil {
		onRetry := opts.Retry.OnRetry
		opts.Retry = DefaultRetryPolicy()
		opts.Retry.OnRetry = onRetry
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Client{
		baseURL:    base,
		serviceKey: opts.ServiceKey,
		outletID:   opts.OutletID,
		http:       opts.HTTPClient,
		retry:      opts.Retry,
		logger:     opts.Logger,
	}, nil
}

// Validate asks the backend for a dry-run verdict. A negative verdict is
// returned as is; only transport and transient status failures are retried.
func (c *Client) Validate(ctx context.Context, order domain.SaleOrder) ValidationResult {
	body := rpcEnvelope{Payload: NewOrderPayload(order)}

	verdict, err := Retry(ctx, c.retry, "validate_pos_order", func(ctx context.Context) (ValidationResult, error) {
		raw, err := c.do(ctx, http.MethodPost, validatePath, nil, body)
		if err != nil {
			return ValidationResult{}, err
		}

		var resp struct {
			OK     bool     `json:"ok"`
			Errors []string `json:"errors"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return ValidationResult{}, &decodeError{op: "validate_pos_order", err: err}
		}
		return ValidationResult{OK: resp.OK, Errors: resp.Errors}, nil
	})
	if err != nil {
		c.logger.Warn("validate order failed",
			slog.String("order_id", order.PosOrderID),
			slog.String("error", err.Error()),
		)
		return ValidationResult{ErrorMessage: err.Error()}
	}

	if !verdict.OK {
		verdict.ErrorMessage = strings.Join(verdict.Errors, "; ")
		if verdict.ErrorMessage == "" {
			verdict.ErrorMessage = "Validation failed"
		}
	}
	return verdict
}

func (c *Client) Deliver(ctx context.Context, order domain.SaleOrder) DeliveryResult {
	body := rpcEnvelope{Payload: NewOrderPayload(order)}

	_, err := Retry(ctx, c.retry, "sync_pos_order", func(ctx context.Context) ([]byte, error) {
		return c.do(ctx, http.MethodPost, syncPath, nil, body)
	})
	if err != nil {
		c.logger.Warn("sync order failed",
			slog.String("order_id", order.PosOrderID),
			slog.String("source_event_id", order.SourceEventID),
			slog.String("error", err.Error()),
		)
		return DeliveryResult{ErrorMessage: err.Error()}
	}
	return DeliveryResult{Success: true}
}

// LogFailure records a failed order remotely. It never retries and never
// reports its own failure to the caller.
func (c *Client) LogFailure(ctx context.Context, order domain.SaleOrder, stage string, message string, details any) {
	body := rpcEnvelope{Payload: FailurePayload{
		SourceEventID: order.SourceEventID,
		OutletID:      c.outletID,
		OrderID:       order.PosOrderID,
		SaleID:        order.PosSaleID,
		Stage:         stage,
		Message:       message,
		Details:       details,
	}}

	if _, err := c.do(ctx, http.MethodPost, logFailurePath, nil, body); err != nil {
		c.logger.Warn("log sync failure failed",
			slog.String("order_id", order.PosOrderID),
			slog.String("stage", stage),
			slog.String("error", err.Error()),
		)
	}
}

// NamedCounter reads a checkpoint stored as Unix seconds for this outlet. Any
// error or a missing row yields nil.
func (c *Client) NamedCounter(ctx context.Context, key string) *time.Time {
	query := url.Values{}
	query.Set("select", "last_value")
	query.Set("counter_key", "eq."+key)
	query.Set("scope_id", "eq."+c.outletID)

	raw, err := c.do(ctx, http.MethodGet, counterPath, query, nil)
	if err != nil {
		c.logger.Warn("read named counter failed", slog.String("counter_key", key), slog.String("error", err.Error()))
		return nil
	}

	var rows []struct {
		LastValue json.Number `json:"last_value"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil || len(rows) == 0 || rows[0].LastValue == "" {
		return nil
	}

	seconds, err := rows[0].LastValue.Int64()
	if err != nil {
		f, ferr := rows[0].LastValue.Float64()
		if ferr != nil {
			return nil
		}
		seconds = int64(f)
	}
	if seconds <= 0 {
		return nil
	}
	at := time.Unix(seconds, 0).UTC()
	return &at
}

// SyncPaused reports the backoffice pause toggle for this outlet. Errors read
// as not paused.
func (c *Client) SyncPaused(ctx context.Context) bool {
	query := url.Values{}
	query.Set("select", "paused")
	query.Set("outlet_id", "eq."+c.outletID)

	raw, err := c.do(ctx, http.MethodGet, controlsPath, query, nil)
	if err != nil {
		c.logger.Warn("read sync pause toggle failed", slog.String("error", err.Error()))
		return false
	}

	var rows []struct {
		Paused bool `json:"paused"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil || len(rows) == 0 {
		return false
	}
	return rows[0].Paused
}

func (c *Client) do(ctx context.Context, method string, path string, query url.Values, body any) ([]byte, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	op := strings.TrimPrefix(path, "/rest/v1/")
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := string(raw)
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: text}
	}
	if len(raw) > maxResponseBody {
		return nil, &decodeError{op: op, err: errResponseTooLarge}
	}
	return raw, nil
}

// decodeError marks an unreadable 2xx body, which is not worth retrying.
type decodeError struct {
	op  string
	err error
}

func (e *decodeError) Error() string {
	return "decode " + e.op + " response: " + e.err.Error()
}

func (e *decodeError) Unwrap() error {
	return e.err
}
