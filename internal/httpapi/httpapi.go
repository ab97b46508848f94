package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"possync/internal/domain"
	"possync/internal/lease"
	"possync/internal/runtimecfg"
	"possync/internal/service"
)

// SyncController is the part of the runner the status API drives.
type SyncController interface {
	RunOnce(ctx context.Context) (domain.SyncRunResult, error)
	LastResult() (service.PassReport, bool)
	Running() bool
	RecentProcessed(ctx context.Context, limit int) ([]domain.ProcessedSummary, error)
	Window() (domain.RuntimeConfig, error)
	UpdateWindow(req domain.WindowUpdateRequest) (domain.RuntimeConfig, error)
}

type API struct {
	sync         SyncController
	auth         *AuthManager
	metrics      http.Handler
	logger       *slog.Logger
	loginLimiter *attemptLimiter
	runLimiter   *attemptLimiter
}

func New(ctrl SyncController, auth *AuthManager, metrics http.Handler, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	return &API{
		sync:         ctrl,
		auth:         auth,
		metrics:      metrics,
		logger:       logger,
		loginLimiter: newAttemptLimiter(5, time.Minute),
		runLimiter:   newAttemptLimiter(6, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.Handle("/metrics", a.metrics)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/sync/status", a.requireAuth(a.handleStatus, roleOperator))
	mux.HandleFunc("/api/v1/sync/recent", a.requireAuth(a.handleRecent, roleOperator))
	mux.HandleFunc("/api/v1/sync/window", a.requireAuth(a.handleWindow, roleOperator))
	mux.HandleFunc("/api/v1/sync/run", a.requireAuth(a.handleRun, roleOperator))

	return a.withMiddleware(mux)
}

type actorKey struct{}

func withActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorKey{}).(Actor)
	return actor
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(withActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"running": a.sync.Running(),
		"at":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

type passView struct {
	domain.SyncRunResult
	Error string `json:"error,omitempty"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	body := map[string]any{
		"running":   a.sync.Running(),
		"last_pass": nil,
	}
	if report, ok := a.sync.LastResult(); ok {
		view := passView{SyncRunResult: report.Result}
		if report.Err != nil {
			view.Error = report.Err.Error()
		}
		body["last_pass"] = view
	}
	if window, err := a.sync.Window(); err == nil {
		body["window"] = window
	} else {
		body["window_error"] = err.Error()
	}

	writeJSON(w, http.StatusOK, body)
}

func (a *API) handleRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 5, 100)
	recent, err := a.sync.RecentProcessed(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recent})
}

func (a *API) handleWindow(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		window, err := a.sync.Window()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, window)
	case http.MethodPatch:
		var req domain.WindowUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		window, err := a.sync.UpdateWindow(req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, runtimecfg.ErrInvalidWindow) || errors.Is(err, runtimecfg.ErrInvalidBatchSize) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err)
			return
		}
		a.logger.Info("sync window updated",
			slog.String("actor", actorFrom(r.Context()).Username),
			slog.Int("batch_size", window.BatchSize),
		)
		writeJSON(w, http.StatusOK, window)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.runLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manual runs"))
		return
	}

	a.logger.Info("manual sync pass requested", slog.String("actor", actorFrom(r.Context()).Username))
	result, err := a.sync.RunOnce(r.Context())
	if errors.Is(err, service.ErrPassInProgress) || errors.Is(err, lease.ErrHeld) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

const maxRequestBody = 1 << 20

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("status api request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("elapsed", time.Since(startedAt)),
		)
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError hides the cause of 5xx responses from callers; it is logged instead.
func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		slog.Error("status api internal error", slog.Int("status", status), slog.String("error", err.Error()))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
