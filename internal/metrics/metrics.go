// Package metrics provides Prometheus instrumentation for the scoring
// engine.
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
	// CalculationsTotal counts calculation batches applied to a ledger.
	CalculationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scoring_calculations_total",
		Help: "Total number of calculation batches applied",
	})

	// WagersTotal counts scored wagers by outcome: win, loss, push, invalid.
	WagersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scoring_wagers_total",
		Help: "Total number of wagers scored, by outcome",
	}, []string{"outcome"})

	// CalculationLatency tracks parse-to-persist latency of a batch.
	CalculationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scoring_calculation_latency_seconds",
		Help:    "Calculation batch latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// DeductionGaps counts deductible payouts that matched no rule band.
	DeductionGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scoring_deduction_gaps_total",
		Help: "Payouts above the floor that matched no deduction band",
	})

	// LedgerOperations counts ledger mutations by entry type.
	LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scoring_ledger_operations_total",
		Help: "Ledger mutations by type",
	}, []string{"type"})

	// LockTimeouts counts updates rejected because the per-user lock was
	// held past its bound.
	LockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scoring_lock_timeouts_total",
		Help: "Book updates that timed out waiting for the user lock",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scoring_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scoring_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scoring_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
