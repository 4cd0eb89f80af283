// Package metrics provides Prometheus instrumentation for the game engine.
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
	// TradesTotal counts executed trades, partitioned by side (buy/sell).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "game_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeLatency tracks trade execution latency, including store retries.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "game_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRejections counts rejected trades by side and reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "game_trade_rejections_total",
		Help: "Trades rejected before any state change",
	}, []string{"side", "reason"})

	// RoundsTotal counts completed round advances.
	RoundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "game_rounds_total",
		Help: "Total number of rounds advanced",
	})

	// RoundDuration tracks how long one round advance takes.
	RoundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "game_round_duration_seconds",
		Help:    "Round advance duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// TickFailures counts scheduler ticks that failed or panicked.
	TickFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "game_tick_failures_total",
		Help: "Scheduler ticks that ended in an error",
	})

	// MarketEventsTotal counts applied market events.
	MarketEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "game_market_events_total",
		Help: "Market events applied to asset prices",
	})

	// SalesSettled counts pending sales paid out.
	SalesSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "game_sales_settled_total",
		Help: "Pending sales settled and paid out",
	})

	// SettlementPayout accumulates the cash paid out by settlement.
	SettlementPayout = promauto.NewCounter(prometheus.CounterOpts{
		Name: "game_settlement_payout_total",
		Help: "Cumulative settlement payout in game currency",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "game_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "game_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "game_http_request_duration_seconds",
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

		// Route pattern keeps the label cardinality bounded.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
