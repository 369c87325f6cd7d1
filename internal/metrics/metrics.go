// Package metrics provides Prometheus instrumentation for the auction engine.
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
	// BidsTotal counts bid attempts, partitioned by outcome code
	// ("accepted" or a rejection code).
	BidsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_bids_total",
		Help: "Total number of bid attempts by outcome",
	}, []string{"outcome"})

	// BidLatency tracks end-to-end PlaceBid latency.
	BidLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auction_bid_latency_seconds",
		Help:    "Bid placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// LockWait tracks time spent waiting for and holding the per-auction lock.
	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auction_lock_seconds",
		Help:    "Time spent in the per-auction locked section",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
	})

	// Extensions counts anti-snipe extensions applied.
	Extensions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auction_extensions_total",
		Help: "Anti-snipe extensions applied",
	})

	// Transitions counts state transitions by kind (activate, close,
	// cancel) and source (timer, sweep, admin).
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_transitions_total",
		Help: "Auction state transitions performed",
	}, []string{"kind", "source"})

	// TimersArmed tracks pending timers by purpose.
	TimersArmed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "auction_timers_armed",
		Help: "Number of armed one-shot timers",
	}, []string{"purpose"})

	// TimerFires counts timer callbacks by purpose and result.
	TimerFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_timer_fires_total",
		Help: "Timer callbacks fired",
	}, []string{"purpose", "result"})

	// SweepCycles counts reconciliation and refund sweep cycles.
	SweepCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_sweep_cycles_total",
		Help: "Background sweep cycles by kind and result",
	}, []string{"kind", "result"})

	// SweepDuration tracks how long one sweep cycle takes.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auction_sweep_duration_seconds",
		Help:    "Background sweep duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// Refunds counts wallet releases by result.
	Refunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_refunds_total",
		Help: "Reservation releases by result",
	}, []string{"result"})

	// BroadcastDropped counts live updates that could not be delivered.
	BroadcastDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_broadcast_dropped_total",
		Help: "Live updates dropped by reason",
	}, []string{"reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auction_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auction_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps the path label low-cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
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
