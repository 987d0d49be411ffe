// Package metrics exposes Prometheus collectors for the progress service.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Bridge outcomes recorded by ObserveBridgeRun.
const (
	BridgeInline        = "inline"
	BridgeCompleted     = "completed"
	BridgeCancelled     = "cancelled"
	BridgeFailed        = "failed"
	BridgeLivenessFault = "liveness_fault"
)

// Metrics owns the scheduler, bridge and HTTP collectors. A nil *Metrics is
// valid and records nothing, so components can treat metrics as optional.
type Metrics struct {
	ticksTotal          prometheus.Counter
	eventsTotal         *prometheus.CounterVec
	discardedTotal      prometheus.Counter
	activeHandles       prometheus.Gauge
	tickArmed           prometheus.Gauge
	bridgeRunsTotal     *prometheus.CounterVec
	bridgeRunDuration   *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New registers the collectors against reg (the default registerer if nil).
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progress_scheduler_ticks_total",
			Help: "Scheduler delivery ticks executed.",
		}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_events_delivered_total",
			Help: "Progress events handed to the UI worker, partitioned by path.",
		}, []string{"path"}),
		discardedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progress_short_tasks_discarded_total",
			Help: "Handles that finished before their initial delay and were never shown.",
		}),
		activeHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_active_handles",
			Help: "Handles currently registered with the shared scheduler.",
		}),
		tickArmed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_scheduler_armed",
			Help: "1 while a scheduler tick is armed, 0 otherwise.",
		}),
		bridgeRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_runs_total",
			Help: "Off-thread runs partitioned by outcome.",
		}, []string{"outcome"}),
		bridgeRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_run_duration_seconds",
			Help:    "Wall time of off-thread runs partitioned by outcome.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"outcome"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
	}
	for _, collector := range []prometheus.Collector{
		m.ticksTotal,
		m.eventsTotal,
		m.discardedTotal,
		m.activeHandles,
		m.tickArmed,
		m.bridgeRunsTotal,
		m.bridgeRunDuration,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register metrics collector: %w", err)
		}
	}
	return m, nil
}

// Handler returns an http.Handler for exposing Prometheus metrics from g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveTick counts one scheduler tick.
func (m *Metrics) ObserveTick() {
	if m == nil {
		return
	}
	m.ticksTotal.Inc()
}

// ObserveEvents counts events delivered along path ("shared", "selected", "placed").
func (m *Metrics) ObserveEvents(path string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsTotal.WithLabelValues(path).Add(float64(n))
}

// ObserveDiscarded counts a short task that never became visible.
func (m *Metrics) ObserveDiscarded() {
	if m == nil {
		return
	}
	m.discardedTotal.Inc()
}

// SetActiveHandles records the scheduler's active set size.
func (m *Metrics) SetActiveHandles(n int) {
	if m == nil {
		return
	}
	m.activeHandles.Set(float64(n))
}

// SetArmed records whether a tick is armed.
func (m *Metrics) SetArmed(armed bool) {
	if m == nil {
		return
	}
	if armed {
		m.tickArmed.Set(1)
		return
	}
	m.tickArmed.Set(0)
}

// ObserveBridgeRun records one off-thread run.
func (m *Metrics) ObserveBridgeRun(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.bridgeRunsTotal.WithLabelValues(outcome).Inc()
	m.bridgeRunDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// Middleware records request counts and latencies per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
