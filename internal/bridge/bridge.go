package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskprogress/internal/metrics"
)

const (
	// DefaultWarmupDelay is how long blocking work runs before the waiting
	// surface appears.
	DefaultWarmupDelay = 300 * time.Millisecond
	// DefaultGraceTimeout bounds the wait for cancelled work to exit.
	DefaultGraceTimeout = 5 * time.Second

	tracerName = "github.com/JakeFAU/taskprogress/internal/bridge"
)

// Loop is the consumer goroutine the bridge cooperates with.
// *eventloop.Loop satisfies it.
type Loop interface {
	InLoop() bool
	Submit(fn func()) error
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
	Await(ctx context.Context, done <-chan struct{}) error
}

// Work is a unit of work run off the loop. It should return promptly once
// ctx is cancelled or the cancel flag is set.
type Work func(ctx context.Context) error

// Config holds process-wide bridge settings. Zero values take defaults.
type Config struct {
	WarmupDelay  time.Duration
	GraceTimeout time.Duration
	Surface      WaitSurface
	Tracer       trace.Tracer
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Options tune a single RunOffThread call.
type Options struct {
	// DisplayName titles the waiting surface.
	DisplayName string
	// Cancel is set when cancellation is requested. A flag is allocated when
	// nil.
	Cancel *atomic.Bool
	// BlockImmediately makes the loop wait for the work before returning.
	BlockImmediately bool
	// WarmupDelay and GraceTimeout override the bridge defaults when positive.
	WarmupDelay  time.Duration
	GraceTimeout time.Duration
	// OnDone receives the outcome of non-blocking runs on the loop goroutine.
	OnDone func(error)
}

// Bridge runs work off the loop goroutine. It is safe for concurrent use.
type Bridge struct {
	loop    Loop
	cfg     Config
	surface WaitSurface
	tracer  trace.Tracer
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New builds a Bridge bound to loop.
func New(loop Loop, cfg Config) *Bridge {
	if cfg.WarmupDelay <= 0 {
		cfg.WarmupDelay = DefaultWarmupDelay
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = DefaultGraceTimeout
	}
	surface := cfg.Surface
	if surface == nil {
		surface = nopSurface{}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		loop:    loop,
		cfg:     cfg,
		surface: surface,
		tracer:  tracer,
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// RunOffThread runs work outside the loop goroutine.
//
// Off the loop, work runs in place exactly once and its error is returned.
// On the loop, work runs on a new goroutine. With BlockImmediately the call
// services the loop until work returns; otherwise it returns nil at once and
// the outcome is passed to opts.OnDone. Cancelling ctx requests cancellation.
func (b *Bridge) RunOffThread(ctx context.Context, work Work, opts Options) error {
	if work == nil {
		return ErrNilWork
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Cancel == nil {
		opts.Cancel = new(atomic.Bool)
	}
	if opts.WarmupDelay <= 0 {
		opts.WarmupDelay = b.cfg.WarmupDelay
	}
	if opts.GraceTimeout <= 0 {
		opts.GraceTimeout = b.cfg.GraceTimeout
	}

	ctx, span := b.tracer.Start(ctx, "bridge.run_off_thread", trace.WithAttributes(
		attribute.String("bridge.name", opts.DisplayName),
		attribute.Bool("bridge.block_immediately", opts.BlockImmediately),
	))
	started := time.Now()

	if !b.loop.InLoop() {
		err := safeCall(ctx, work)
		b.record(span, metrics.BridgeInline, err, started)
		return err
	}

	r := b.launch(ctx, work, opts, span, started)
	if opts.BlockImmediately {
		return b.block(r)
	}
	b.watch(r)
	return nil
}

// run is one off-loop execution. settled and dismiss are only touched on the
// loop goroutine.
type run struct {
	name    string
	opts    Options
	flag    *atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	span    trace.Span
	started time.Time

	cancelOnce sync.Once
	requested  atomic.Bool

	settled bool
	dismiss func()
}

func (b *Bridge) launch(ctx context.Context, work Work, opts Options, span trace.Span, started time.Time) *run {
	workCtx, cancel := context.WithCancel(ctx)
	r := &run{
		name:    opts.DisplayName,
		opts:    opts,
		flag:    opts.Cancel,
		ctx:     workCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		span:    span,
		started: started,
	}
	go func() {
		defer close(r.done)
		r.err = safeCall(workCtx, work)
	}()
	return r
}

// requestCancel sets the flag and cancels the work context. It takes no lock
// the work could hold, so it is safe from any goroutine.
func (r *run) requestCancel() {
	r.cancelOnce.Do(func() {
		r.requested.Store(true)
		r.flag.Store(true)
		r.cancel()
	})
}

func (r *run) cancelled() bool {
	return r.requested.Load() || r.ctx.Err() != nil
}

// block services the loop until work returns, showing the surface after the
// warm-up and enforcing the grace timeout once cancellation is requested.
func (b *Bridge) block(r *run) error {
	defer b.dismiss(r)

	warm, stop := context.WithTimeout(r.ctx, r.opts.WarmupDelay)
	err := b.loop.Await(warm, r.done)
	stop()
	if err == nil {
		return b.complete(r)
	}
	if !isContextErr(err) {
		return b.abandon(r, err)
	}

	if !r.cancelled() {
		b.show(r)
		err = b.loop.Await(r.ctx, r.done)
		if err == nil {
			return b.complete(r)
		}
		if !isContextErr(err) {
			return b.abandon(r, err)
		}
	}

	r.requestCancel()
	r.span.AddEvent("cancel_requested")
	grace, stopGrace := context.WithTimeout(context.Background(), r.opts.GraceTimeout)
	defer stopGrace()
	err = b.loop.Await(grace, r.done)
	if err == nil {
		return b.complete(r)
	}
	if !isContextErr(err) {
		return b.abandon(r, err)
	}
	return b.fault(r)
}

// abandon handles a loop that stopped servicing while work was in flight. It
// still waits out the grace period so two goroutines never proceed silently.
func (b *Bridge) abandon(r *run, loopErr error) error {
	b.logger.Warn("loop stopped while waiting for off-thread work",
		zap.String("name", r.name), zap.Error(loopErr))
	r.requestCancel()
	select {
	case <-r.done:
		return b.complete(r)
	case <-time.After(r.opts.GraceTimeout):
		return b.fault(r)
	}
}

// watch supervises a non-blocking run from a helper goroutine and reports
// the outcome on the loop.
func (b *Bridge) watch(r *run) {
	stopWarmup := b.loop.AfterFunc(r.opts.WarmupDelay, func() {
		if !r.settled && !r.cancelled() {
			b.show(r)
		}
	})
	go func() {
		var err error
		select {
		case <-r.done:
			err = b.complete(r)
		case <-r.ctx.Done():
			r.requestCancel()
			r.span.AddEvent("cancel_requested")
			select {
			case <-r.done:
				err = b.complete(r)
			case <-time.After(r.opts.GraceTimeout):
				err = b.fault(r)
			}
		}
		settle := func() {
			r.settled = true
			stopWarmup()
			b.dismiss(r)
			if r.opts.OnDone != nil {
				r.opts.OnDone(err)
			} else if err != nil {
				b.logger.Warn("off-thread work failed", zap.String("name", r.name), zap.Error(err))
			}
		}
		if subErr := b.loop.Submit(settle); subErr != nil {
			b.logger.Warn("off-thread outcome dropped", zap.String("name", r.name), zap.Error(subErr))
		}
	}()
}

// show runs on the loop goroutine.
func (b *Bridge) show(r *run) {
	if r.dismiss != nil {
		return
	}
	r.span.AddEvent("surface_shown")
	dismiss := b.surface.Show(r.name, r.requestCancel)
	if dismiss == nil {
		dismiss = func() {}
	}
	r.dismiss = dismiss
}

func (b *Bridge) dismiss(r *run) {
	if r.dismiss != nil {
		r.dismiss()
		r.dismiss = nil
	}
}

// complete classifies a run whose work has returned. A context that ended
// after the work succeeded does not turn the success into a cancellation.
func (b *Bridge) complete(r *run) error {
	err := r.err
	outcome := metrics.BridgeCompleted
	switch {
	case r.requested.Load(), err != nil && r.ctx.Err() != nil && errors.Is(err, r.ctx.Err()):
		outcome = metrics.BridgeCancelled
		if err == nil {
			err = fmt.Errorf("%w: %q", ErrCancelled, r.name)
		}
	case err != nil:
		outcome = metrics.BridgeFailed
	}
	r.cancel()
	b.record(r.span, outcome, err, r.started)
	return err
}

func (b *Bridge) fault(r *run) error {
	err := fmt.Errorf("%w: %q still running %v after cancellation", ErrLivenessFault, r.name, r.opts.GraceTimeout)
	b.logger.Error("off-thread work ignored cancellation",
		zap.String("name", r.name),
		zap.Duration("grace_timeout", r.opts.GraceTimeout),
	)
	b.record(r.span, metrics.BridgeLivenessFault, err, r.started)
	return err
}

func (b *Bridge) record(span trace.Span, outcome string, err error, started time.Time) {
	span.SetAttributes(attribute.String("bridge.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.End()
	b.metrics.ObserveBridgeRun(outcome, time.Since(started))
}

func safeCall(ctx context.Context, work Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWorkPanicked, r)
		}
	}()
	return work(ctx)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
