package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskprogress/internal/eventloop"
	"github.com/JakeFAU/taskprogress/internal/metrics"
	"github.com/JakeFAU/taskprogress/internal/progress"
	"github.com/JakeFAU/taskprogress/internal/telemetry"
)

func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l := eventloop.New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		var in bool
		_ = l.Invoke(context.Background(), func() { in = l.InLoop() })
		return in
	}, time.Second, time.Millisecond)
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

// onLoop runs fn on the loop goroutine and returns its error.
func onLoop(t *testing.T, l *eventloop.Loop, fn func() error) error {
	t.Helper()
	var err error
	require.NoError(t, l.Invoke(context.Background(), func() { err = fn() }))
	return err
}

type recordingSurface struct {
	mu        sync.Mutex
	shown     []string
	dismissed int
	onShow    func(cancel func())
}

func (s *recordingSurface) Show(name string, cancel func()) func() {
	s.mu.Lock()
	s.shown = append(s.shown, name)
	onShow := s.onShow
	s.mu.Unlock()
	if onShow != nil {
		onShow(cancel)
	}
	return func() {
		s.mu.Lock()
		s.dismissed++
		s.mu.Unlock()
	}
}

func (s *recordingSurface) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.shown), s.dismissed
}

func newBridge(l Loop, surface WaitSurface, m *metrics.Metrics) *Bridge {
	return New(l, Config{
		WarmupDelay:  20 * time.Millisecond,
		GraceTimeout: 100 * time.Millisecond,
		Surface:      surface,
		Tracer:       noop.NewTracerProvider().Tracer("test"),
		Metrics:      m,
	})
}

func TestRunOffThreadOffLoopRunsInPlace(t *testing.T) {
	t.Parallel()

	l := startLoop(t)
	b := newBridge(l, nil, nil)
	ticks := l.Ticks()

	var calls int
	var inLoop bool
	err := b.RunOffThread(context.Background(), func(context.Context) error {
		calls++
		inLoop = l.InLoop()
		return nil
	}, Options{DisplayName: "inline", BlockImmediately: true})

	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.False(t, inLoop)
	require.Equal(t, ticks, l.Ticks(), "no loop task was needed")
}

func TestRunOffThreadInlinePropagatesError(t *testing.T) {
	t.Parallel()

	l := startLoop(t)
	b := newBridge(l, nil, nil)
	boom := errors.New("boom")
	err := b.RunOffThread(context.Background(), func(context.Context) error { return boom }, Options{})
	require.ErrorIs(t, err, boom)

	require.ErrorIs(t, b.RunOffThread(context.Background(), nil, Options{}), ErrNilWork)
}

func TestRunOffThreadBlocksOnLoop(t *testing.T) {
	t.Parallel()

	l := startLoop(t)
	surface := &recordingSurface{}
	b := newBridge(l, surface, nil)

	var finished atomic.Bool
	var workInLoop atomic.Bool
	err := onLoop(t, l, func() error {
		return b.RunOffThread(context.Background(), func(context.Context) error {
			workInLoop.Store(l.InLoop())
			// the loop keeps servicing queued work while blocked.
			ran := make(chan struct{})
			if err := l.Submit(func() { close(ran) }); err != nil {
				return err
			}
			<-ran
			time.Sleep(5 * time.Millisecond)
			finished.Store(true)
			return nil
		}, Options{DisplayName: "blocking", BlockImmediately: true})
	})

	require.NoError(t, err)
	require.True(t, finished.Load())
	require.False(t, workInLoop.Load())
	shown, _ := surface.counts()
	require.Zero(t, shown, "work finished before the warm-up")
}

func TestWarmupShowsSurface(t *testing.T) {
	t.Parallel()

	l := startLoop(t)
	surface := &recordingSurface{}
	b := newBridge(l, surface, nil)

	err := onLoop(t, l, func() error {
		return b.RunOffThread(context.Background(), func(context.Context) error {
			time.Sleep(80 * time.Millisecond)
			return nil
		}, Options{DisplayName: "slow", BlockImmediately: true})
	})

	require.NoError(t, err)
	shown, dismissed := surface.counts()
	require.Equal(t, 1, shown)
	require.Equal(t, 1, dismissed)
}

func TestCooperativeCancellation(t *testing.T) {
	t.Parallel()

	l := startLoop(t)
	surface := &recordingSurface{onShow: func(cancel func()) { cancel() }}
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	b := newBridge(l, surface, m)

	flag := new(atomic.Bool)
	err = onLoop(t, l, func() error {
		return b.RunOffThread(context.Background(), func(context.Context) error {
			for !flag.Load() {
				time.Sleep(time.Millisecond)
			}
			return nil
		}, Options{DisplayName: "polite", BlockImmediately: true, Cancel: flag})
	})

	require.ErrorIs(t, err, ErrCancelled)
	require.True(t, flag.Load())
	expected := `
# HELP bridge_runs_total Off-thread runs partitioned by outcome.
# TYPE bridge_runs_total counter
bridge_runs_total{outcome="cancelled"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "bridge_runs_total"))
}

func TestLivenessFaultWhenCancellationIgnored(t *testing.T) {
	t.Parallel()

	l := startLoop(t)
	surface := &recordingSurface{onShow: func(cancel func()) { cancel() }}
	b := newBridge(l, surface, nil)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	start := time.Now()
	err := onLoop(t, l, func() error {
		return b.RunOffThread(context.Background(), func(context.Context) error {
			<-release
			return nil
		}, Options{DisplayName: "stubborn", BlockImmediately: true})
	})

	require.ErrorIs(t, err, ErrLivenessFault)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	_, dismissed := surface.counts()
	require.Equal(t, 1, dismissed)
}

func TestCallerContextRequestsCancellation(t *testing.T) {
	t.Parallel()

	l := startLoop(t)
	b := newBridge(l, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	flag := new(atomic.Bool)
	err := onLoop(t, l, func() error {
		return b.RunOffThread(ctx, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}, Options{BlockImmediately: true, Cancel: flag, WarmupDelay: time.Second})
	})

	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, flag.Load())
}

func TestCompleteClassifiesByRequestedCancellation(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	b := newBridge(nil, nil, m)

	endedRun := func(workErr error) *run {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, span := noop.NewTracerProvider().Tracer("test").Start(context.Background(), "run")
		return &run{
			name:    "late",
			flag:    new(atomic.Bool),
			ctx:     ctx,
			cancel:  cancel,
			err:     workErr,
			span:    span,
			started: time.Now(),
		}
	}

	// Work returned cleanly while the caller context was ending.
	require.NoError(t, b.complete(endedRun(nil)))

	// Work returned because its context ended.
	err = b.complete(endedRun(context.Canceled))
	require.ErrorIs(t, err, context.Canceled)

	// Unrelated failure after the context ended stays a failure.
	boom := errors.New("boom")
	require.ErrorIs(t, b.complete(endedRun(boom)), boom)

	expected := `
# HELP bridge_runs_total Off-thread runs partitioned by outcome.
# TYPE bridge_runs_total counter
bridge_runs_total{outcome="cancelled"} 1
bridge_runs_total{outcome="completed"} 1
bridge_runs_total{outcome="failed"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "bridge_runs_total"))
}

func TestWorkPanicIsReturned(t *testing.T) {
	t.Parallel()

	l := startLoop(t)
	b := newBridge(l, nil, nil)
	err := onLoop(t, l, func() error {
		return b.RunOffThread(context.Background(), func(context.Context) error {
			panic("kaboom")
		}, Options{BlockImmediately: true})
	})
	require.ErrorIs(t, err, ErrWorkPanicked)
	require.Contains(t, err.Error(), "kaboom")
}

func TestNonBlockingReportsOnLoop(t *testing.T) {
	t.Parallel()

	l := startLoop(t)
	surface := &recordingSurface{}
	b := newBridge(l, surface, nil)

	type outcome struct {
		err    error
		inLoop bool
	}
	results := make(chan outcome, 1)
	release := make(chan struct{})

	err := onLoop(t, l, func() error {
		return b.RunOffThread(context.Background(), func(context.Context) error {
			<-release
			return nil
		}, Options{
			DisplayName: "background",
			OnDone:      func(err error) { results <- outcome{err: err, inLoop: l.InLoop()} },
		})
	})
	require.NoError(t, err, "returns before the work completes")

	require.Eventually(t, func() bool {
		shown, _ := surface.counts()
		return shown == 1
	}, time.Second, 5*time.Millisecond)
	close(release)

	select {
	case got := <-results:
		require.NoError(t, got.err)
		require.True(t, got.inLoop)
	case <-time.After(time.Second):
		t.Fatal("OnDone not called")
	}
	require.Eventually(t, func() bool {
		_, dismissed := surface.counts()
		return dismissed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestNonBlockingLivenessFault(t *testing.T) {
	t.Parallel()

	l := startLoop(t)
	surface := &recordingSurface{onShow: func(cancel func()) { cancel() }}
	b := newBridge(l, surface, nil)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	results := make(chan error, 1)
	err := onLoop(t, l, func() error {
		return b.RunOffThread(context.Background(), func(context.Context) error {
			<-release
			return nil
		}, Options{OnDone: func(err error) { results <- err }})
	})
	require.NoError(t, err)

	select {
	case got := <-results:
		require.ErrorIs(t, got, ErrLivenessFault)
	case <-time.After(2 * time.Second):
		t.Fatal("OnDone not called")
	}
}

func TestHandleSurfaceCancelsThroughHandle(t *testing.T) {
	t.Parallel()

	l := startLoop(t)
	var (
		mu     sync.Mutex
		events []progress.Event
	)
	svc := progress.NewService(l, progress.WorkerFuncs{
		OnEvent: func(evt progress.Event) {
			mu.Lock()
			events = append(events, evt)
			mu.Unlock()
		},
	}, progress.Config{BatchPeriod: 5 * time.Millisecond})
	t.Cleanup(svc.Close)
	b := newBridge(l, NewHandleSurface(svc), nil)

	cancelled := make(chan struct{})
	go func() {
		defer close(cancelled)
		// cancel from outside the loop, the way the HTTP surface does.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			for _, evt := range svc.Active() {
				if evt.DisplayName != "surfaced" {
					continue
				}
				if h, ok := svc.Lookup(evt.ID); ok && h.RequestCancel() {
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	flag := new(atomic.Bool)
	err := onLoop(t, l, func() error {
		return b.RunOffThread(context.Background(), func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}, Options{DisplayName: "surfaced", BlockImmediately: true, Cancel: flag})
	})
	<-cancelled

	require.ErrorIs(t, err, ErrCancelled)
	require.True(t, flag.Load())
	require.Empty(t, svc.Active())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, evt := range events {
			if evt.DisplayName == "surfaced" && evt.Finished() && evt.Cancellable {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestRunOffThreadRecordsSpan(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp, err := telemetry.InitTracerProvider(context.Background(), telemetry.Options{
		SampleRatio: 1,
		Processors:  []sdktrace.SpanProcessor{rec},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	l := startLoop(t)
	b := New(l, Config{Tracer: tp.Tracer("test")})
	boom := errors.New("boom")
	err = onLoop(t, l, func() error {
		return b.RunOffThread(context.Background(), func(context.Context) error { return boom },
			Options{DisplayName: "traced", BlockImmediately: true})
	})
	require.ErrorIs(t, err, boom)

	ended := rec.Ended()
	require.Len(t, ended, 1)
	span := ended[0]
	require.Equal(t, "bridge.run_off_thread", span.Name())
	require.Equal(t, codes.Error, span.Status().Code)
	require.Contains(t, span.Attributes(), attribute.String("bridge.name", "traced"))
	require.Contains(t, span.Attributes(), attribute.String("bridge.outcome", metrics.BridgeFailed))
}
