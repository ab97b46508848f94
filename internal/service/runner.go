package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"possync/internal/config"
	"possync/internal/domain"
	"possync/internal/events"
	"possync/internal/gateway"
	"possync/internal/lease"
	"possync/internal/metrics"
	"possync/internal/runtimecfg"
	"possync/internal/store"
	"possync/internal/xid"
)

var ErrPassInProgress = errors.New("sync pass already in progress")

// Gateway is the remote side of a pass.
type Gateway interface {
	Validate(ctx context.Context, order domain.SaleOrder) gateway.ValidationResult
	Deliver(ctx context.Context, order domain.SaleOrder) gateway.DeliveryResult
	LogFailure(ctx context.Context, order domain.SaleOrder, stage string, message string, details any)
	NamedCounter(ctx context.Context, key string) *time.Time
	SyncPaused(ctx context.Context) bool
}

type Options struct {
	OutletID         string
	CutoffCounterKey string
	Logger           *slog.Logger
	Metrics          *metrics.Registry
	Events           events.Publisher
	Now              func() time.Time

	// Locker guards each pass across processes. LeaseKey defaults to
	// lease.Key(OutletID) and LeaseTTL to five minutes.
	Locker   lease.Locker
	LeaseKey string
	LeaseTTL time.Duration
}

const defaultLeaseTTL = 5 * time.Minute

type Runner struct {
	store     store.SourceStore
	gateway   Gateway
	settings  runtimecfg.Store
	outletID  string
	cutoffKey string
	logger    *slog.Logger
	metrics   *metrics.Registry
	events    events.Publisher
	now       func() time.Time
	locker    lease.Locker
	leaseKey  string
	leaseTTL  time.Duration

	running atomic.Bool

	lastMu  sync.RWMutex
	last    *domain.SyncRunResult
	lastErr error
}

func NewRunner(src store.SourceStore, gw Gateway, settings runtimecfg.Store, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = events.NoopPublisher{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Locker == nil {
		opts.Locker = lease.NoopLocker{}
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	outletID := strings.TrimSpace(opts.OutletID)
	leaseKey := strings.TrimSpace(opts.LeaseKey)
	if leaseKey == "" {
		leaseKey = lease.Key(outletID)
	}

	return &Runner{
		store:     src,
		gateway:   gw,
		settings:  settings,
		outletID:  outletID,
		cutoffKey: strings.TrimSpace(opts.CutoffCounterKey),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		events:    opts.Events,
		now:       opts.Now,
		locker:    opts.Locker,
		leaseKey:  leaseKey,
		leaseTTL:  opts.LeaseTTL,
	}
}

// RunOnce executes a single pass. Per-order problems end up in the result;
// only configuration errors, an overlapping pass or a failed batch read are
// returned as errors. A lease held elsewhere surfaces as lease.ErrHeld.
func (r *Runner) RunOnce(ctx context.Context) (domain.SyncRunResult, error) {
	if err := r.preflight(); err != nil {
		return domain.SyncRunResult{}, err
	}
	if !r.running.CompareAndSwap(false, true) {
		return domain.SyncRunResult{}, ErrPassInProgress
	}
	defer r.running.Store(false)

	held, err := r.locker.Acquire(ctx, r.leaseKey, r.leaseTTL)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return domain.SyncRunResult{}, err
		}
		return domain.SyncRunResult{}, fmt.Errorf("acquire sync lease: %w", err)
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("release sync lease failed", slog.String("lease_key", r.leaseKey), slog.String("error", err.Error()))
		}
	}()

	result := domain.SyncRunResult{
		RunID:     xid.New("run"),
		Failures:  []domain.SyncFailure{},
		StartedAt: r.now().UTC(),
	}
	err = r.runPass(ctx, held, &result)
	result.FinishedAt = r.now().UTC()

	r.finish(ctx, result, err)
	return result, err
}

func (r *Runner) preflight() error {
	if r.outletID == "" {
		return config.ErrMissingOutlet
	}
	if _, err := uuid.Parse(r.outletID); err != nil {
		return fmt.Errorf("outlet id %q is not a uuid: %w", r.outletID, err)
	}
	return nil
}

func (r *Runner) runPass(ctx context.Context, held lease.Lease, result *domain.SyncRunResult) error {
	r.applyRemoteCutoff(ctx)

	if r.gateway.SyncPaused(ctx) {
		r.logger.Info("pos sync paused by backoffice toggle", slog.String("run_id", result.RunID))
		return nil
	}

	cfg, err := r.settings.Current()
	if err != nil {
		return fmt.Errorf("read runtime config: %w", err)
	}

	orders, err := r.store.ReadPendingOrders(ctx, cfg.BatchSize, cfg.MinOccurredAt, cfg.MaxOccurredAt)
	if err != nil {
		return fmt.Errorf("read pending orders: %w", err)
	}
	if len(orders) == 0 {
		return nil
	}

	for i, order := range orders {
		if ctx.Err() != nil {
			result.Skipped = len(orders) - i
			r.logger.Info("sync pass cancelled; remaining orders stay pending",
				slog.String("run_id", result.RunID),
				slog.Int("skipped", result.Skipped),
			)
			break
		}
		if r.gateway.SyncPaused(ctx) {
			result.Skipped = len(orders) - i
			r.logger.Info("pos sync paused mid-run; stopping current batch",
				slog.String("run_id", result.RunID),
				slog.Int("skipped", result.Skipped),
			)
			break
		}
		if err := held.Extend(context.WithoutCancel(ctx), r.leaseTTL); err != nil {
			result.Skipped = len(orders) - i
			r.logger.Warn("sync lease lost; stopping current batch",
				slog.String("run_id", result.RunID),
				slog.Int("skipped", result.Skipped),
				slog.String("error", err.Error()),
			)
			break
		}

		outcome := r.processOrder(context.WithoutCancel(ctx), order)
		if outcome.failure != nil {
			result.Failures = append(result.Failures, *outcome.failure)
			continue
		}
		result.Processed++
	}

	return nil
}

// orderOutcome is what one loop iteration folds into the pass result.
type orderOutcome struct {
	failure *domain.SyncFailure
}

func (r *Runner) processOrder(ctx context.Context, order domain.SaleOrder) (out orderOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			out = r.fail(ctx, order, domain.StageException, fmt.Sprintf("panic: %v", rec),
				map[string]any{"stack_trace": string(debug.Stack())})
		}
	}()

	verdict := r.gateway.Validate(ctx, order)
	if !verdict.OK {
		return r.fail(ctx, order, domain.StageValidation, messageOr(verdict.ErrorMessage, "Validation failed"), nil)
	}

	delivery := r.gateway.Deliver(ctx, order)
	if !delivery.Success {
		return r.fail(ctx, order, domain.StageSync, messageOr(delivery.ErrorMessage, "Sync failed"), nil)
	}

	if err := r.store.MarkOrderProcessed(ctx, order.PosOrderID, order.PosSaleID); err != nil {
		return r.fail(ctx, order, domain.StageException, err.Error(), map[string]any{"step": "mark_order_processed"})
	}
	if ids := order.InventoryIDs(); len(ids) > 0 {
		if err := r.store.MarkInventoryProcessed(ctx, ids); err != nil {
			return r.fail(ctx, order, domain.StageException, err.Error(), map[string]any{"step": "mark_inventory_processed"})
		}
	}

	return orderOutcome{}
}

func (r *Runner) fail(ctx context.Context, order domain.SaleOrder, stage string, message string, details any) orderOutcome {
	level := slog.LevelWarn
	if stage == domain.StageException {
		level = slog.LevelError
	}
	r.logger.Log(ctx, level, "order sync failed",
		slog.String("order_id", order.PosOrderID),
		slog.String("sale_id", order.PosSaleID),
		slog.String("stage", stage),
		slog.String("error", message),
	)

	r.gateway.LogFailure(ctx, order, stage, message, details)
	return orderOutcome{failure: &domain.SyncFailure{OrderID: order.PosOrderID, Stage: stage, Message: message}}
}

// applyRemoteCutoff moves the window start forward to the remote checkpoint,
// never backwards.
func (r *Runner) applyRemoteCutoff(ctx context.Context) {
	if r.cutoffKey == "" {
		return
	}
	cutoff := r.gateway.NamedCounter(ctx, r.cutoffKey)
	if cutoff == nil {
		return
	}

	current, err := r.settings.Current()
	if err != nil {
		r.logger.Warn("failed to apply remote pos sync cutoff", slog.String("error", err.Error()))
		return
	}
	if current.MinOccurredAt != nil && !current.MinOccurredAt.Before(*cutoff) {
		return
	}
	if err := r.settings.SaveMinSaleDateUtc(*cutoff); err != nil {
		r.logger.Warn("failed to apply remote pos sync cutoff", slog.String("error", err.Error()))
		return
	}
	r.logger.Info("updated pos sync cutoff from remote counter",
		slog.String("counter_key", r.cutoffKey),
		slog.Time("cutoff_utc", cutoff.UTC()),
	)
}

func (r *Runner) finish(ctx context.Context, result domain.SyncRunResult, passErr error) {
	r.lastMu.Lock()
	r.last = &result
	r.lastErr = passErr
	r.lastMu.Unlock()

	r.metrics.ObservePass(result, passErr)

	attrs := []any{
		slog.String("run_id", result.RunID),
		slog.Int("processed", result.Processed),
		slog.Int("failed", len(result.Failures)),
		slog.Int("skipped", result.Skipped),
		slog.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
	}
	if passErr != nil {
		r.logger.Error("sync pass aborted", append(attrs, slog.String("error", passErr.Error()))...)
	} else {
		r.logger.Info("sync pass finished", attrs...)
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.events.PublishPass(pubCtx, events.NewPassSummary(r.outletID, result, passErr)); err != nil {
		r.logger.Warn("publish pass summary failed", slog.String("run_id", result.RunID), slog.String("error", err.Error()))
	}
}

type PassReport struct {
	Result domain.SyncRunResult
	Err    error
}

// LastResult returns the most recent pass, if any ran in this process.
func (r *Runner) LastResult() (PassReport, bool) {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()

	if r.last == nil {
		return PassReport{}, false
	}
	return PassReport{Result: *r.last, Err: r.lastErr}, true
}

func (r *Runner) Running() bool {
	return r.running.Load()
}

func (r *Runner) RecentProcessed(ctx context.Context, limit int) ([]domain.ProcessedSummary, error) {
	switch {
	case limit < 1:
		limit = 5
	case limit > 100:
		limit = 100
	}
	return r.store.ReadRecentProcessed(ctx, limit)
}

func (r *Runner) Window() (domain.RuntimeConfig, error) {
	return r.settings.Current()
}

func (r *Runner) UpdateWindow(req domain.WindowUpdateRequest) (domain.RuntimeConfig, error) {
	return runtimecfg.Apply(r.settings, req)
}

func messageOr(msg string, fallback string) string {
	if strings.TrimSpace(msg) == "" {
		return fallback
	}
	return msg
}
