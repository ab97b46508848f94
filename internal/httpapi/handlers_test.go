package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"possync/internal/domain"
	"possync/internal/gateway"
	"possync/internal/lease"
	"possync/internal/metrics"
	"possync/internal/runtimecfg"
	"possync/internal/service"
	"possync/internal/store/memory"
)

const testOutlet = "3f2c7a5e-7d4b-4a51-9c3e-0a4f6b1d2e90"

// acceptingGateway accepts every order and never pauses.
type acceptingGateway struct{}

func (acceptingGateway) Validate(context.Context, domain.SaleOrder) gateway.ValidationResult {
	return gateway.ValidationResult{OK: true}
}

func (acceptingGateway) Deliver(context.Context, domain.SaleOrder) gateway.DeliveryResult {
	return gateway.DeliveryResult{Success: true}
}

func (acceptingGateway) LogFailure(context.Context, domain.SaleOrder, string, string, any) {}

func (acceptingGateway) NamedCounter(context.Context, string) *time.Time { return nil }

func (acceptingGateway) SyncPaused(context.Context) bool { return false }

// newTestAPI builds a full API over a seeded in-memory store, a real Runner
// and a real AuthManager so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()
	return newTestAPIWithLocker(t, nil)
}

func newTestAPIWithLocker(t *testing.T, locker lease.Locker) *API {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := metrics.NewRegistry()
	runner := service.NewRunner(memory.NewSeeded(testOutlet), acceptingGateway{}, runtimecfg.NewStatic(domain.RuntimeConfig{BatchSize: 50}), service.Options{
		OutletID: testOutlet,
		Logger:   logger,
		Metrics:  reg,
		Locker:   locker,
	})
	auth := NewAuthManager("test-secret-key", time.Hour, mustHashPassword(t, "operator-pass"))

	return New(runner, auth, reg.Handler(), logger)
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func loginAsOperator(t *testing.T, api *API) string {
	t.Helper()

	payload, _ := json.Marshal(LoginRequest{Username: "operator", Password: "operator-pass"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.AccessToken
}

func authed(method string, target string, token string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true || body["running"] != false {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	payload, _ := json.Marshal(LoginRequest{Username: "operator", Password: "wrongpassword"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestSyncRoutesRequireBearerToken(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{"/api/v1/sync/status", "/api/v1/sync/recent", "/api/v1/sync/window"} {
		rec := httptest.NewRecorder()
		api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 without token, got %d", path, rec.Code)
		}

		rec = httptest.NewRecorder()
		api.Handler().ServeHTTP(rec, authed(http.MethodGet, path, "not-a-jwt", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 for garbage token, got %d", path, rec.Code)
		}
	}
}

func TestManualRunThenStatusAndRecent(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsOperator(t, api)

	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, authed(http.MethodPost, "/api/v1/sync/run", token, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("run expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var result domain.SyncRunResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if result.Processed != 3 || len(result.Failures) != 0 {
		t.Fatalf("expected all seeded orders processed, got %+v", result)
	}

	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, authed(http.MethodGet, "/api/v1/sync/status", token, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status expected 200, got %d", rec.Code)
	}
	var status struct {
		Running  bool                  `json:"running"`
		LastPass *passView             `json:"last_pass"`
		Window   *domain.RuntimeConfig `json:"window"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.LastPass == nil || status.LastPass.RunID != result.RunID {
		t.Fatalf("expected last pass %s, got %+v", result.RunID, status.LastPass)
	}
	if status.Window == nil || status.Window.BatchSize != 50 {
		t.Fatalf("expected window in status, got %+v", status.Window)
	}

	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, authed(http.MethodGet, "/api/v1/sync/recent?limit=2", token, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("recent expected 200, got %d", rec.Code)
	}
	var recent struct {
		Items []domain.ProcessedSummary `json:"items"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&recent); err != nil {
		t.Fatalf("decode recent: %v", err)
	}
	if len(recent.Items) != 2 || recent.Items[0].BillID != "1002" {
		t.Fatalf("expected two most recent bills newest first, got %+v", recent.Items)
	}
}

func TestWindowGetAndPatch(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsOperator(t, api)

	body := `{"batch_size": 10, "min_occurred_at": "2025-03-01T00:00:00Z", "max_occurred_at": "2025-03-31T00:00:00Z"}`
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, authed(http.MethodPatch, "/api/v1/sync/window", token, strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("patch expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, authed(http.MethodGet, "/api/v1/sync/window", token, nil))
	var window domain.RuntimeConfig
	if err := json.NewDecoder(rec.Body).Decode(&window); err != nil {
		t.Fatalf("decode window: %v", err)
	}
	if window.BatchSize != 10 || window.MinOccurredAt == nil || window.MaxOccurredAt == nil {
		t.Fatalf("unexpected window %+v", window)
	}
	if !window.MinOccurredAt.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected min %s", window.MinOccurredAt)
	}

	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, authed(http.MethodPatch, "/api/v1/sync/window", token, strings.NewReader(`{"clear_max": true}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("clear expected 200, got %d", rec.Code)
	}
	if err := json.NewDecoder(rec.Body).Decode(&window); err != nil {
		t.Fatalf("decode window: %v", err)
	}
	if window.MaxOccurredAt != nil || window.MinOccurredAt == nil {
		t.Fatalf("expected only max cleared, got %+v", window)
	}
}

func TestWindowPatchRejectsInvalidInput(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsOperator(t, api)

	for name, body := range map[string]string{
		"inverted":      `{"min_occurred_at": "2025-04-01T00:00:00Z", "max_occurred_at": "2025-03-01T00:00:00Z"}`,
		"zero batch":    `{"batch_size": 0}`,
		"unknown field": `{"batch": 10}`,
	} {
		rec := httptest.NewRecorder()
		api.Handler().ServeHTTP(rec, authed(http.MethodPatch, "/api/v1/sync/window", token, strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d (body: %s)", name, rec.Code, rec.Body.String())
		}
	}
}

func TestRunRejectsGet(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsOperator(t, api)

	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, authed(http.MethodGet, "/api/v1/sync/run", token, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestMetricsEndpointExposesPassCounter(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsOperator(t, api)

	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, authed(http.MethodPost, "/api/v1/sync/run", token, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("run expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "possync_orders_processed_total 3") {
		t.Fatalf("expected processed counter in metrics output, got:\n%s", rec.Body.String())
	}
}

// busyLocker reports the sync lease as held by another process.
type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string, time.Duration) (lease.Lease, error) {
	return nil, lease.ErrHeld
}

func TestManualRunConflictsWhenLeaseHeldElsewhere(t *testing.T) {
	api := newTestAPIWithLocker(t, busyLocker{})
	token := loginAsOperator(t, api)

	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, authed(http.MethodPost, "/api/v1/sync/run", token, nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, authed(http.MethodGet, "/api/v1/sync/recent", token, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("recent expected 200, got %d", rec.Code)
	}
	var recent struct {
		Items []domain.ProcessedSummary `json:"items"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&recent); err != nil {
		t.Fatalf("decode recent: %v", err)
	}
	if len(recent.Items) != 0 {
		t.Fatalf("expected nothing delivered while lease held elsewhere, got %+v", recent.Items)
	}
}
