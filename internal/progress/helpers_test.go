package progress

import (
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type manualTimer struct {
	at      time.Time
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

// manualExec is a single-threaded Executor driven explicitly by the test:
// queued work only runs inside advance or runPending.
type manualExec struct {
	clock *fakeClock

	mu     sync.Mutex
	queue  []func()
	timers []*manualTimer
	seq    int
}

func newManualExec(clk *fakeClock) *manualExec {
	return &manualExec{clock: clk}
}

func (e *manualExec) Submit(fn func()) error {
	e.mu.Lock()
	e.queue = append(e.queue, fn)
	e.mu.Unlock()
	return nil
}

func (e *manualExec) AfterFunc(d time.Duration, fn func()) func() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	t := &manualTimer{at: e.clock.Now().Add(d), seq: e.seq, fn: fn}
	e.timers = append(e.timers, t)
	return func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		if t.fired || t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

// runPending executes queued work, including work queued while running.
func (e *manualExec) runPending() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		fn()
	}
}

// advance moves the clock forward, firing due timers in order at their
// deadline.
func (e *manualExec) advance(d time.Duration) {
	target := e.clock.Now().Add(d)
	e.runPending()
	for {
		t := e.nextDue(target)
		if t == nil {
			break
		}
		e.clock.set(t.at)
		t.fn()
		e.runPending()
	}
	e.clock.set(target)
	e.runPending()
}

func (e *manualExec) nextDue(target time.Time) *manualTimer {
	e.mu.Lock()
	defer e.mu.Unlock()
	var live []*manualTimer
	for _, t := range e.timers {
		if !t.fired && !t.stopped {
			live = append(live, t)
		}
	}
	e.timers = live
	sort.Slice(live, func(i, j int) bool {
		if !live[i].at.Equal(live[j].at) {
			return live[i].at.Before(live[j].at)
		}
		return live[i].seq < live[j].seq
	})
	if len(live) == 0 || live[0].at.After(target) {
		return nil
	}
	live[0].fired = true
	return live[0]
}

func (e *manualExec) liveTimers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

type recordingWorker struct {
	mu       sync.Mutex
	events   []Event
	selected []Event
}

func (w *recordingWorker) ProcessEvent(evt Event) {
	w.mu.Lock()
	w.events = append(w.events, evt)
	w.mu.Unlock()
}

func (w *recordingWorker) ProcessSelectedEvent(evt Event) {
	w.mu.Lock()
	w.selected = append(w.selected, evt)
	w.mu.Unlock()
}

func (w *recordingWorker) Events() []Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Event(nil), w.events...)
}

func (w *recordingWorker) Selected() []Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Event(nil), w.selected...)
}

type fixture struct {
	clock  *fakeClock
	exec   *manualExec
	worker *recordingWorker
	svc    *Service
}

const (
	testDelay  = 500 * time.Millisecond
	testPeriod = 400 * time.Millisecond
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithLogger(t, zap.NewNop())
}

func newFixtureWithLogger(t *testing.T, logger *zap.Logger) *fixture {
	t.Helper()
	clk := newFakeClock()
	exec := newManualExec(clk)
	worker := &recordingWorker{}
	svc := NewService(exec, worker, Config{
		InitialDelay: testDelay,
		BatchPeriod:  testPeriod,
		Clock:        clk,
		Logger:       logger,
	})
	t.Cleanup(svc.Close)
	return &fixture{clock: clk, exec: exec, worker: worker, svc: svc}
}
