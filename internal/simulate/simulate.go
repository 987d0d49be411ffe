// Package simulate drives a synthetic workload through the progress service
// so the scheduler, placement path, and bridge can be watched end to end.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/taskprogress/internal/bridge"
	"github.com/JakeFAU/taskprogress/internal/progress"
)

// ErrTaskCancelled is returned by a task that stopped on a cancel request.
var ErrTaskCancelled = errors.New("simulate: task cancelled")

// Config shapes a workload. Every*-fields pick every Nth task for a variant;
// zero disables it.
type Config struct {
	Tasks         int
	Concurrency   int
	MinDuration   time.Duration
	MaxDuration   time.Duration
	Steps         int64
	RatePerSecond float64
	// ShortDuration is how long short tasks run. Keep it below the
	// service's initial delay so they are never shown.
	ShortDuration time.Duration
	ShortEvery    int
	CancelEvery   int
	PlaceEvery    int
	BridgeEvery   int
	Seed          uint64
}

// DefaultConfig returns a small mixed workload.
func DefaultConfig() Config {
	return Config{
		Tasks:         12,
		Concurrency:   4,
		MinDuration:   100 * time.Millisecond,
		MaxDuration:   3 * time.Second,
		Steps:         20,
		RatePerSecond: 50,
		ShortDuration: 50 * time.Millisecond,
		ShortEvery:    4,
		CancelEvery:   5,
		PlaceEvery:    6,
		BridgeEvery:   7,
		Seed:          1,
	}
}

// Invoker runs fn on the consumer goroutine. *eventloop.Loop satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, fn func()) error
}

// Summary tallies how the tasks ended.
type Summary struct {
	Started   int
	Completed int
	Cancelled int
	Failed    int
	Short     int
	Placed    int
	Bridged   int
}

// Runner executes workloads against a progress service.
type Runner struct {
	svc    *progress.Service
	bridge *bridge.Bridge
	loop   Invoker
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	summary Summary
}

// Option configures a Runner.
type Option func(*Runner)

// WithBridge routes every BridgeEvery-th task through b from loop.
func WithBridge(b *bridge.Bridge, loop Invoker) Option {
	return func(r *Runner) {
		r.bridge = b
		r.loop = loop
	}
}

// WithLogger sets the runner logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New constructs a Runner.
func New(svc *progress.Service, cfg Config, opts ...Option) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Steps <= 0 {
		cfg.Steps = 1
	}
	if cfg.MaxDuration < cfg.MinDuration {
		cfg.MaxDuration = cfg.MinDuration
	}
	r := &Runner{svc: svc, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type plan struct {
	index    int
	name     string
	duration time.Duration
	short    bool
	cancel   bool
	placed   bool
	bridged  bool
}

func (r *Runner) plans() []plan {
	rng := rand.New(rand.NewPCG(r.cfg.Seed, r.cfg.Seed^0x9e3779b97f4a7c15))
	every := func(n, i int) bool { return n > 0 && (i+1)%n == 0 }
	out := make([]plan, 0, r.cfg.Tasks)
	for i := 0; i < r.cfg.Tasks; i++ {
		p := plan{index: i, name: fmt.Sprintf("task-%02d", i+1)}
		p.duration = r.cfg.MinDuration
		if span := r.cfg.MaxDuration - r.cfg.MinDuration; span > 0 {
			p.duration += time.Duration(rng.Int64N(int64(span)))
		}
		switch {
		case every(r.cfg.ShortEvery, i):
			p.short = true
			p.duration = r.cfg.ShortDuration
		case every(r.cfg.BridgeEvery, i) && r.bridge != nil && r.loop != nil:
			p.bridged = true
		case every(r.cfg.CancelEvery, i):
			p.cancel = true
		case every(r.cfg.PlaceEvery, i):
			p.placed = true
		}
		out = append(out, p)
	}
	return out
}

// Run executes the workload and blocks until every task ends or ctx is
// cancelled. Task failures are tallied, not returned.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	r.mu.Lock()
	r.summary = Summary{}
	r.mu.Unlock()

	limiter := rate.NewLimiter(rate.Limit(r.cfg.RatePerSecond), 1)
	if r.cfg.RatePerSecond <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, p := range r.plans() {
		if err := limiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			return r.runTask(gctx, p)
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		return r.summary, fmt.Errorf("simulate run: %w", err)
	}
	return r.summary, nil
}

func (r *Runner) runTask(ctx context.Context, p plan) error {
	logger := r.logger.With(zap.String("task", p.name))
	r.tally(func(s *Summary) {
		s.Started++
		if p.short {
			s.Short++
		}
	})

	var err error
	if p.bridged {
		err = r.runBridged(ctx, p)
	} else {
		err = r.runDirect(ctx, p, logger)
	}

	switch {
	case err == nil:
		r.tally(func(s *Summary) { s.Completed++ })
	case errors.Is(err, ErrTaskCancelled), errors.Is(err, bridge.ErrCancelled):
		r.tally(func(s *Summary) { s.Cancelled++ })
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		logger.Warn("task failed", zap.Error(err))
		r.tally(func(s *Summary) { s.Failed++ })
	}
	return nil
}

func (r *Runner) runDirect(ctx context.Context, p plan, logger *zap.Logger) error {
	var flag atomic.Bool
	var opts []progress.HandleOption
	if p.cancel {
		opts = append(opts, progress.WithCancel(progress.CancelFunc(func() bool {
			flag.Store(true)
			return true
		})))
	}
	h := r.svc.Create(p.name, opts...)

	if p.placed {
		art, err := r.svc.CreateProgressArtifact(h)
		if err != nil {
			return fmt.Errorf("place %s: %w", p.name, err)
		}
		art.OnUpdate(func(evt progress.Event) {
			if evt.Finished() {
				logger.Debug("placed task finished", zap.String("text", art.Text()))
			}
		})
		r.tally(func(s *Summary) { s.Placed++ })
	}

	h.StartDeterminate(r.cfg.Steps)
	if p.cancel {
		// a user asks to stop halfway through
		time.AfterFunc(p.duration/2, func() { h.RequestCancel() })
	}
	err := r.steps(ctx, p.duration, &flag, func(i int64) {
		h.ProgressWith(fmt.Sprintf("step %d/%d", i, r.cfg.Steps), i)
	})
	if err != nil {
		h.Finish()
		return err
	}
	h.FinishAt(r.cfg.Steps)
	return nil
}

// runBridged starts the work from the consumer goroutine without blocking it
// and waits for the outcome reported back there.
func (r *Runner) runBridged(ctx context.Context, p plan) error {
	result := make(chan error, 1)
	flag := new(atomic.Bool)
	work := func(wctx context.Context) error {
		err := r.steps(wctx, p.duration, flag, func(int64) {})
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			return ErrTaskCancelled
		}
		return err
	}
	var startErr error
	if err := r.loop.Invoke(ctx, func() {
		startErr = r.bridge.RunOffThread(ctx, work, bridge.Options{
			DisplayName: p.name,
			Cancel:      flag,
			OnDone:      func(err error) { result <- err },
		})
	}); err != nil {
		return fmt.Errorf("invoke on loop: %w", err)
	}
	if startErr != nil {
		return startErr
	}
	r.tally(func(s *Summary) { s.Bridged++ })
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// steps sleeps through d in r.cfg.Steps increments, reporting each one.
func (r *Runner) steps(ctx context.Context, d time.Duration, flag *atomic.Bool, report func(int64)) error {
	step := d / time.Duration(r.cfg.Steps)
	timer := time.NewTimer(step)
	defer timer.Stop()
	for i := int64(1); i <= r.cfg.Steps; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if flag.Load() {
			return ErrTaskCancelled
		}
		report(i)
		timer.Reset(step)
	}
	return nil
}

func (r *Runner) tally(fn func(*Summary)) {
	r.mu.Lock()
	fn(&r.summary)
	r.mu.Unlock()
}
