package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskprogress/internal/clock"
	"github.com/JakeFAU/taskprogress/internal/metrics"
)

const (
	pathShared   = "shared"
	pathSelected = "selected"
	pathFinal    = "final"
)

type entry struct {
	h         *internalHandle
	startedAt time.Time
	delay     time.Duration
	delivered bool
}

// Scheduler coalesces updates from every running handle into periodic ticks
// executed on the Executor. At most one tick is armed at a time. The first
// tick is armed with the initial delay of the handle that found the scheduler
// idle; later ticks use the batch period while any handle is registered.
//
// Lock order is Scheduler.mu then internalHandle.mu. UIWorker calls are made
// without either lock held.
type Scheduler struct {
	exec        Executor
	worker      UIWorker
	clock       clock.Clock
	logger      *zap.Logger
	metrics     *metrics.Metrics
	batchPeriod time.Duration

	mu           sync.Mutex
	entries      []*entry
	byHandle     map[*internalHandle]*entry
	armed        bool
	generation   uint64
	stop         func() bool
	ticks        uint64
	lastTick     time.Time
	selected     *internalHandle
	lastSelected uuid.UUID
	closed       bool
}

func newScheduler(exec Executor, worker UIWorker, clk clock.Clock, logger *zap.Logger, m *metrics.Metrics, batchPeriod time.Duration) *Scheduler {
	return &Scheduler{
		exec:        exec,
		worker:      worker,
		clock:       clk,
		logger:      logger,
		metrics:     m,
		batchPeriod: batchPeriod,
		byHandle:    make(map[*internalHandle]*entry),
	}
}

// Armed reports whether a tick is currently scheduled.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// Ticks returns the number of ticks executed so far.
func (s *Scheduler) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// LastTick returns the time of the most recent tick, or the zero time.
func (s *Scheduler) LastTick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick
}

// ActiveCount returns the number of handles registered with the scheduler,
// including those still below their initial delay.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) attach(h *internalHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !h.routedTo(s) {
		return
	}
	if _, ok := s.byHandle[h]; ok {
		return
	}
	startedAt, delay := h.timing()
	e := &entry{h: h, startedAt: startedAt, delay: delay}
	s.entries = append(s.entries, e)
	s.byHandle[h] = e
	s.metrics.SetActiveHandles(len(s.entries))
	if !s.armed {
		s.armLocked(delay)
	}
}

// touch is a no-op: the handle is already dirty and the next tick reads it.
func (s *Scheduler) touch(*internalHandle) {}

// detach removes a finished handle and delivers its closing event unless it
// never became visible.
func (s *Scheduler) detach(h *internalHandle) {
	s.mu.Lock()
	e, ok := s.byHandle[h]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.removeLocked(e)
	if s.selected == h {
		s.selected = nil
	}
	wasSelected := s.lastSelected == h.id
	if wasSelected {
		s.lastSelected = uuid.Nil
	}
	if len(s.entries) == 0 {
		s.disarmLocked()
	}
	s.metrics.SetActiveHandles(len(s.entries))

	now := s.clock.Now()
	visible := e.delivered || now.Sub(e.startedAt) >= e.delay
	s.mu.Unlock()

	if !visible {
		s.metrics.ObserveDiscarded()
		s.logger.Debug("discarded short task", h.logFields()...)
		return
	}
	evt := h.peek(now)
	err := s.exec.Submit(func() {
		s.deliver(evt)
		s.metrics.ObserveEvents(pathFinal, 1)
		if wasSelected {
			evt.Selected = true
			s.deliverSelected(evt)
		}
	})
	if err != nil {
		s.logger.Warn("final progress event dropped", append(h.logFields(), zap.Error(err))...)
	}
}

func (s *Scheduler) removeLocked(e *entry) {
	delete(s.byHandle, e.h)
	for i, cur := range s.entries {
		if cur == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) armLocked(d time.Duration) {
	s.generation++
	gen := s.generation
	s.armed = true
	s.stop = s.exec.AfterFunc(d, func() { s.tick(gen) })
	s.metrics.SetArmed(true)
}

func (s *Scheduler) disarmLocked() {
	if !s.armed {
		return
	}
	s.armed = false
	s.generation++
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	s.metrics.SetArmed(false)
}

// tick runs on the Executor. A tick whose generation no longer matches was
// superseded by a disarm and does nothing.
func (s *Scheduler) tick(gen uint64) {
	s.mu.Lock()
	if s.closed || !s.armed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.armed = false
	s.stop = nil
	s.ticks++
	now := s.clock.Now()
	s.lastTick = now

	sel := s.selectedLocked(now)
	var (
		batch    []Event
		selEvt   Event
		hasSel   bool
		selForce = sel != nil && sel.h.id != s.lastSelected
	)
	for _, e := range s.entries {
		if now.Sub(e.startedAt) < e.delay || !e.h.routedTo(s) {
			continue
		}
		evt, dirty := e.h.snapshot(now)
		if evt.Finished() {
			// detach delivers the terminal event.
			continue
		}
		isSel := e == sel
		if !dirty && e.delivered && !(isSel && selForce) {
			continue
		}
		e.delivered = true
		if isSel {
			evt.Selected = true
			selEvt, hasSel = evt, true
		}
		batch = append(batch, evt)
	}
	if sel != nil {
		s.lastSelected = sel.h.id
	}
	if len(s.entries) > 0 {
		s.armLocked(s.batchPeriod)
	} else {
		s.metrics.SetArmed(false)
	}
	s.mu.Unlock()

	s.metrics.ObserveTick()
	for _, evt := range batch {
		s.deliver(evt)
	}
	s.metrics.ObserveEvents(pathShared, len(batch))
	if hasSel {
		s.deliverSelected(selEvt)
		s.metrics.ObserveEvents(pathSelected, 1)
	}
}

// selectedLocked returns the explicitly selected entry when it is visible,
// otherwise the earliest registered visible entry.
func (s *Scheduler) selectedLocked(now time.Time) *entry {
	if s.selected != nil {
		if e, ok := s.byHandle[s.selected]; ok && now.Sub(e.startedAt) >= e.delay {
			return e
		}
	}
	for _, e := range s.entries {
		if now.Sub(e.startedAt) >= e.delay {
			return e
		}
	}
	return nil
}

func (s *Scheduler) selectHandle(h *internalHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = h
}

func (s *Scheduler) deliver(evt Event) {
	defer s.recoverWorker("ProcessEvent", evt)
	s.worker.ProcessEvent(evt)
}

func (s *Scheduler) deliverSelected(evt Event) {
	defer s.recoverWorker("ProcessSelectedEvent", evt)
	s.worker.ProcessSelectedEvent(evt)
}

func (s *Scheduler) recoverWorker(method string, evt Event) {
	if r := recover(); r != nil {
		s.logger.Error("ui worker panicked",
			zap.String("method", method),
			zap.Stringer("handle_id", evt.ID),
			zap.Any("panic", r),
		)
	}
}

// close disarms the tick and forgets every registered handle. Handles keep
// their state; later updates reach no worker.
func (s *Scheduler) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.disarmLocked()
	s.closed = true
	s.entries = nil
	s.byHandle = make(map[*internalHandle]*entry)
	s.selected = nil
	s.metrics.SetActiveHandles(0)
}
