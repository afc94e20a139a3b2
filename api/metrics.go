/*
metrics.go - Prometheus collectors and HTTP metrics middleware

PURPOSE:
  Request-level counters and latency histograms for every API route,
  plus business counters for the operations operators actually watch:
  transactions recorded, voids, and reconciliation drift.

SEE ALSO:
  - server.go: Where the middleware and /metrics are mounted
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "HTTP requests by method, path pattern and status code.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request latency by method and path pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	transactionsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transactions_recorded_total",
		Help: "Committed ledger transactions by type.",
	}, []string{"type"})

	transactionsVoided = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_transactions_voided_total",
		Help: "Voided transactions (each adds one compensating entry).",
	})

	reconciliationDrift = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reconciliation_drift_total",
		Help: "Reconciliation runs where cache and log replay disagreed.",
	})
)

// metricsMiddleware records a counter and a latency sample per request,
// labeled with the chi route pattern rather than the raw URL so that
// /api/clients/{id} stays one series.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
