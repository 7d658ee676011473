// Package metrics provides Prometheus instrumentation for the ledger engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DepositsTotal counts processed deposit transactions by outcome:
	// credited, no_memo, invalid_memo, unknown_memo, failed, duplicate.
	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_deposits_total",
		Help: "Deposit transactions processed, by outcome",
	}, []string{"outcome"})

	// DepositAmount tracks credited deposit amounts in USDC.
	DepositAmount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_deposit_amount_usdc",
		Help:    "Credited deposit amounts in USDC",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	})

	// ReservationsTotal counts balance reservations by result.
	ReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reservations_total",
		Help: "Balance reservation attempts, by result",
	}, []string{"result"})

	// OrdersTotal counts placed orders by terminal status.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_orders_total",
		Help: "Orders placed, by terminal status",
	}, []string{"status"})

	// TradesSettled counts settled trades by type (SECONDARY, PRIMARY_MINT).
	TradesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_trades_settled_total",
		Help: "Trades settled, by trade type",
	}, []string{"type"})

	// SettlementLatency tracks time to settle a trade.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_settlement_latency_seconds",
		Help:    "Trade settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// WithdrawalsTotal counts withdrawal requests by result.
	WithdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_withdrawals_total",
		Help: "Withdrawal requests, by result",
	}, []string{"result"})

	// MatchingEngineErrors counts failed calls to the matching engine.
	MatchingEngineErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_matching_engine_errors_total",
		Help: "Failed matching engine calls",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
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
