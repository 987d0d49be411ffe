package sinks

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/taskprogress/internal/progress"
)

// PrometheusSink exports task progress via Prometheus. It owns the collectors
// for tasks shown/finished/visible and per-event counters.
type PrometheusSink struct {
	tasksShown    prometheus.Counter
	tasksFinished *prometheus.CounterVec
	tasksVisible  prometheus.Gauge
	taskRuntime   *prometheus.HistogramVec

	events        *prometheus.CounterVec
	percentReport prometheus.Histogram

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksShown: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskprogress_tasks_shown_total",
			Help: "Tasks that became visible to the UI worker.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskprogress_tasks_finished_total",
			Help: "Visible tasks finished, partitioned by result.",
		}, []string{"result"}),
		tasksVisible: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskprogress_tasks_visible",
			Help: "Tasks currently visible to the UI worker.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskprogress_task_runtime_seconds",
			Help:    "Wall time per finished visible task.",
			Buckets: []float64{0.5, 1, 2, 5, 15, 30, 60, 300, 1200},
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskprogress_worker_events_total",
			Help: "Events received by the worker, partitioned by kind.",
		}, []string{"kind"}),
		percentReport: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskprogress_reported_percent",
			Help:    "Percent complete carried by determinate events.",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksShown,
		s.tasksFinished,
		s.tasksVisible,
		s.taskRuntime,
		s.events,
		s.percentReport,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// ProcessEvent updates the collectors for one shared event.
func (s *PrometheusSink) ProcessEvent(evt progress.Event) {
	s.events.WithLabelValues("event").Inc()
	if !evt.Indeterminate() {
		s.percentReport.Observe(float64(evt.Percent))
	}
	if s.tracker.start(evt.ID) {
		s.tasksShown.Inc()
		s.tasksVisible.Inc()
	}
	if !evt.Finished() {
		return
	}
	result := "completed"
	if !evt.Indeterminate() && evt.Percent < 100 {
		result = "partial"
	}
	s.tasksFinished.WithLabelValues(result).Inc()
	if evt.Elapsed > 0 {
		s.taskRuntime.WithLabelValues(result).Observe(evt.Elapsed.Seconds())
	}
	if s.tracker.complete(evt.ID) {
		s.tasksVisible.Dec()
	}
}

// ProcessSelectedEvent counts selected events.
func (s *PrometheusSink) ProcessSelectedEvent(progress.Event) {
	s.events.WithLabelValues("selected").Inc()
}

type taskTracker struct {
	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[uuid.UUID]struct{})}
}

func (t *taskTracker) start(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) complete(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
