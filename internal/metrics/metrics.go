package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"possync/internal/domain"
)

// Registry holds the worker's collectors. A nil *Registry is valid and records nothing.
type Registry struct {
	reg             *prometheus.Registry
	Passes          *prometheus.CounterVec
	OrdersProcessed prometheus.Counter
	OrdersSkipped   prometheus.Counter
	OrderFailures   *prometheus.CounterVec
	GatewayRetries  *prometheus.CounterVec
	PassSeconds     prometheus.Histogram
	LastPassUnix    prometheus.Gauge
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	passes := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "possync_passes_total"}, []string{"outcome"})
	processed := prometheus.NewCounter(prometheus.CounterOpts{Name: "possync_orders_processed_total"})
	skipped := prometheus.NewCounter(prometheus.CounterOpts{Name: "possync_orders_skipped_total"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "possync_order_failures_total"}, []string{"stage"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "possync_gateway_retries_total"}, []string{"op"})
	passSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "possync_pass_duration_seconds",
		Buckets: prometheus.DefBuckets,
	})
	lastPass := prometheus.NewGauge(prometheus.GaugeOpts{Name: "possync_last_pass_unixtime"})

	r.MustRegister(passes, processed, skipped, failures, retries, passSeconds, lastPass)
	return &Registry{
		reg:             r,
		Passes:          passes,
		OrdersProcessed: processed,
		OrdersSkipped:   skipped,
		OrderFailures:   failures,
		GatewayRetries:  retries,
		PassSeconds:     passSeconds,
		LastPassUnix:    lastPass,
	}
}

func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObservePass records a finished pass. err is the pass level error, if any.
func (r *Registry) ObservePass(result domain.SyncRunResult, err error) {
	if r == nil {
		return
	}

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case len(result.Failures) > 0:
		outcome = "partial"
	}
	r.Passes.WithLabelValues(outcome).Inc()
	r.OrdersProcessed.Add(float64(result.Processed))
	r.OrdersSkipped.Add(float64(result.Skipped))
	for _, f := range result.Failures {
		r.OrderFailures.WithLabelValues(f.Stage).Inc()
	}
	if !result.StartedAt.IsZero() && !result.FinishedAt.IsZero() {
		r.PassSeconds.Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
	}
	finished := result.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	r.LastPassUnix.Set(float64(finished.Unix()))
}

func (r *Registry) ObserveRetry(op string) {
	if r == nil {
		return
	}
	r.GatewayRetries.WithLabelValues(op).Inc()
}
