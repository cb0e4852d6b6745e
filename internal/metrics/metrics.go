// Package metrics provides Prometheus instrumentation for the accountant.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PassesTotal counts account passes by operation and outcome
	// (ok, skipped, failed).
	PassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountant_passes_total",
		Help: "Total number of account passes",
	}, []string{"operation", "outcome"})

	// PassLatency tracks how long one account pass takes.
	PassLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "accountant_pass_latency_seconds",
		Help:    "Account pass latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// ActionsTotal counts trade actions proposed by the rebalancing engine.
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountant_actions_total",
		Help: "Trade actions proposed by the rebalancing engine",
	}, []string{"action"})

	// BlockedTotal counts legs that produced no action, by reason.
	BlockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountant_blocked_total",
		Help: "Rebalancing legs blocked this cycle",
	}, []string{"reason"})

	// RejectionsTotal counts actions the order validator refused.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountant_order_rejections_total",
		Help: "Actions rejected by the order validator",
	}, []string{"reason"})

	// InventoryEntries counts appended ledger entries per instrument.
	InventoryEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountant_inventory_entries_total",
		Help: "Inventory entries appended",
	}, []string{"instrument"})

	// ClampedEntries counts entries whose stock was floored at zero.
	ClampedEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountant_inventory_clamped_total",
		Help: "Inventory entries recorded for non-inventoried disposals",
	}, []string{"instrument"})

	// LockContention counts passes skipped because the account was busy.
	LockContention = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountant_lock_contention_total",
		Help: "Passes skipped because the account lock was held",
	}, []string{"operation"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "accountant_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountant_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "accountant_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePass records the outcome and duration of one account pass.
func ObservePass(operation, outcome string, start time.Time) {
	PassesTotal.WithLabelValues(operation, outcome).Inc()
	PassLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Label by route pattern, not raw path, to bound cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
