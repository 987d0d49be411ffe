package progress

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/taskprogress/internal/clock"
	"github.com/JakeFAU/taskprogress/internal/clock/system"
	"github.com/JakeFAU/taskprogress/internal/metrics"
)

// Config controls handle visibility and delivery pacing for a Service.
//   - InitialDelay: minimum lifetime before a handle may be delivered (default 500ms).
//   - BatchPeriod: steady-state interval between ticks (default 400ms).
//   - Clock: time source (defaults to the system clock).
//   - Logger: optional structured logger.
//   - Metrics: optional collectors; nil disables instrumentation.
type Config struct {
	InitialDelay time.Duration
	BatchPeriod  time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

const (
	// DefaultInitialDelay is used when Config.InitialDelay is zero.
	DefaultInitialDelay = 500 * time.Millisecond
	// DefaultBatchPeriod is used when Config.BatchPeriod is zero.
	DefaultBatchPeriod = 400 * time.Millisecond

	toleratedLogInterval = 5 * time.Second
)

// Service creates handles and owns the Scheduler that delivers their events
// to a UIWorker. It is safe for concurrent use.
type Service struct {
	exec         Executor
	clock        clock.Clock
	logger       *zap.Logger
	metrics      *metrics.Metrics
	initialDelay time.Duration
	sched        *Scheduler
	debugLog     rate.Sometimes

	// mu may be taken while holding internalHandle.mu, never the reverse.
	mu      sync.RWMutex
	handles map[uuid.UUID]*internalHandle // started and not yet finished
}

// NewService wires a Service to the executor that runs ticks and the worker
// that receives events.
func NewService(exec Executor, worker UIWorker, cfg Config) *Service {
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	} else if cfg.InitialDelay == 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.BatchPeriod <= 0 {
		cfg.BatchPeriod = DefaultBatchPeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if worker == nil {
		worker = WorkerFuncs{}
	}
	return &Service{
		exec:         exec,
		clock:        cfg.Clock,
		logger:       logger,
		metrics:      cfg.Metrics,
		initialDelay: cfg.InitialDelay,
		sched:        newScheduler(exec, worker, cfg.Clock, logger, cfg.Metrics, cfg.BatchPeriod),
		debugLog:     rate.Sometimes{Interval: toleratedLogInterval},
		handles:      make(map[uuid.UUID]*internalHandle),
	}
}

// HandleOption customizes a handle at creation.
type HandleOption func(*internalHandle)

// WithCancel attaches a cancel capability, enabling RequestCancel.
func WithCancel(c Cancellable) HandleOption {
	return func(h *internalHandle) {
		h.cancel = c
	}
}

// WithInitialDelay overrides the service default for one handle. Negative
// values are ignored.
func WithInitialDelay(d time.Duration) HandleOption {
	return func(h *internalHandle) {
		if d >= 0 {
			h.initialDelay = d
		}
	}
}

// Create returns a new handle in StateInitialized. The service only tracks it
// from Start until Finish, so an abandoned unstarted handle holds no entry.
func (s *Service) Create(displayName string, opts ...HandleOption) *Handle {
	ih := newInternalHandle(s, displayName, nil, s.initialDelay)
	for _, opt := range opts {
		if opt != nil {
			opt(ih)
		}
	}
	return &Handle{h: ih}
}

// Scheduler exposes the shared scheduler for inspection.
func (s *Service) Scheduler() *Scheduler {
	return s.sched
}

// Select makes h the handle reported through ProcessSelectedEvent once it is
// visible. Passing nil restores the default choice.
func (s *Service) Select(h *Handle) {
	if h == nil {
		s.sched.selectHandle(nil)
		return
	}
	s.sched.selectHandle(h.h)
}

// Lookup finds a handle that has started and not finished yet.
func (s *Service) Lookup(id uuid.UUID) (*Handle, bool) {
	s.mu.RLock()
	ih, ok := s.handles[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &Handle{h: ih}, true
}

// Active returns snapshots of every running handle, longest elapsed first
// (so earliest start first) with ties broken by ID. Handles still below their
// initial delay and custom placed handles are included.
func (s *Service) Active() []Event {
	s.mu.RLock()
	live := make([]*internalHandle, 0, len(s.handles))
	for _, ih := range s.handles {
		live = append(live, ih)
	}
	s.mu.RUnlock()

	now := s.clock.Now()
	out := make([]Event, 0, len(live))
	for _, ih := range live {
		evt := ih.peek(now)
		if !evt.State.Active() {
			continue
		}
		out = append(out, evt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Elapsed != out[j].Elapsed {
			return out[i].Elapsed > out[j].Elapsed
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Close disarms the scheduler and detaches every handle. Handles are not
// finished; their later updates are ignored by the scheduler.
func (s *Service) Close() {
	s.sched.close()
}

// register is called once per handle on its transition to RUNNING.
func (s *Service) register(h *internalHandle) {
	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()
}

func (s *Service) forget(id uuid.UUID) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

// tolerated records an out-of-order call that is absorbed as a no-op.
func (s *Service) tolerated(call string, id uuid.UUID) {
	s.debugLog.Do(func() {
		s.logger.Debug("ignored progress call",
			zap.String("call", call),
			zap.Stringer("handle_id", id),
		)
	})
}
