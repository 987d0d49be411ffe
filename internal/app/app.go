// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskprogress/internal/bridge"
	"github.com/JakeFAU/taskprogress/internal/clock/system"
	"github.com/JakeFAU/taskprogress/internal/config"
	"github.com/JakeFAU/taskprogress/internal/eventloop"
	"github.com/JakeFAU/taskprogress/internal/metrics"
	"github.com/JakeFAU/taskprogress/internal/progress"
	"github.com/JakeFAU/taskprogress/internal/progress/sinks"
	"github.com/JakeFAU/taskprogress/internal/telemetry"
)

// App holds the shared services for one process: the consumer loop, the
// progress service with its UI workers, the bridge, and the metrics registry.
// The loop is created idle; callers run it with Loop().Run.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	loop     *eventloop.Loop
	snapshot *sinks.SnapshotSink
	service  *progress.Service
	bridge   *bridge.Bridge
	tracing  *sdktrace.TracerProvider
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger { return a.logger }

// GetConfig returns the configuration the App was built from.
func (a *App) GetConfig() config.Config { return a.cfg }

// GetRegistry returns the Prometheus registry every collector is registered on.
func (a *App) GetRegistry() *prometheus.Registry { return a.registry }

// GetMetrics returns the service-level collectors.
func (a *App) GetMetrics() *metrics.Metrics { return a.metrics }

// GetLoop returns the consumer loop.
func (a *App) GetLoop() *eventloop.Loop { return a.loop }

// GetSnapshot returns the sink mirroring what the UI worker shows.
func (a *App) GetSnapshot() *sinks.SnapshotSink { return a.snapshot }

// GetService returns the progress service.
func (a *App) GetService() *progress.Service { return a.service }

// GetBridge returns the off-thread bridge.
func (a *App) GetBridge() *bridge.Bridge { return a.bridge }

// NewApp wires every service from cfg. It fails fast if a collector cannot
// be registered.
func NewApp(cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Initializing application services...")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	snapshot := sinks.NewSnapshotSink()

	var tp *sdktrace.TracerProvider
	var tracer trace.Tracer
	if cfg.Tracing.Enabled {
		tp, err = telemetry.InitTracerProvider(context.Background(), telemetry.Options{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
			Global:      true,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		tracer = tp.Tracer("github.com/JakeFAU/taskprogress/internal/bridge")
	}

	loop := eventloop.New(logger.Named("loop"))
	svc := progress.NewService(loop,
		sinks.Tee(sinks.NewLogSink(logger.Named("ui")), promSink, snapshot),
		progress.Config{
			InitialDelay: cfg.Progress.InitialDelay,
			BatchPeriod:  cfg.Progress.BatchPeriod,
			Clock:        system.New(),
			Logger:       logger.Named("progress"),
			Metrics:      m,
		},
	)
	b := bridge.New(loop, bridge.Config{
		WarmupDelay:  cfg.Bridge.WarmupDelay,
		GraceTimeout: cfg.Bridge.GraceTimeout,
		Surface:      bridge.NewHandleSurface(svc),
		Tracer:       tracer,
		Logger:       logger.Named("bridge"),
		Metrics:      m,
	})

	logger.Info("Application services initialized successfully.",
		zap.Duration("initial_delay", cfg.Progress.InitialDelay),
		zap.Duration("batch_period", cfg.Progress.BatchPeriod),
	)
	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  m,
		loop:     loop,
		snapshot: snapshot,
		service:  svc,
		bridge:   b,
		tracing:  tp,
	}, nil
}

// Close disarms the scheduler, stops the loop, and flushes the logger.
func (a *App) Close() {
	a.logger.Info("Shutting down application services...")
	a.service.Close()
	a.loop.Close()
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("Error shutting down tracer provider", zap.Error(err))
		}
	}
	// Sync fails on stderr/stdout for some platforms; nothing useful to do then.
	_ = a.logger.Sync()
}
