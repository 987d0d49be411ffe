package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// route is a delivery path a running handle reports to: the shared Scheduler
// or a private placement. Implementations must not be called with h.mu held.
type route interface {
	attach(h *internalHandle)
	detach(h *internalHandle)
	touch(h *internalHandle)
}

// internalHandle is the state machine and mutable metadata behind a Handle.
// Every field below mu is guarded by it.
type internalHandle struct {
	id     uuid.UUID
	svc    *Service
	cancel Cancellable

	mu           sync.Mutex
	state        State
	displayName  string
	message      string
	current      int64
	total        int64
	initialDelay time.Duration
	startedAt    time.Time
	dirty        bool
	customPlaced bool
	route        route
}

func newInternalHandle(svc *Service, name string, cancel Cancellable, delay time.Duration) *internalHandle {
	return &internalHandle{
		id:           newID(),
		svc:          svc,
		cancel:       cancel,
		state:        StateInitialized,
		displayName:  name,
		initialDelay: delay,
		route:        svc.sched,
	}
}

func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// start moves INITIALIZED to RUNNING and attaches the handle to its route.
// On an already running handle only the total is updated (last call wins).
func (h *internalHandle) start(total int64, determinate bool) {
	h.mu.Lock()
	switch h.state {
	case StateFinished:
		h.mu.Unlock()
		h.svc.tolerated("start after finish", h.id)
		return
	case StateRunning, StateRequestStop:
		if !determinate {
			h.mu.Unlock()
			h.svc.tolerated("repeated start", h.id)
			return
		}
		h.total = total
		h.dirty = true
		r := h.route
		h.mu.Unlock()
		r.touch(h)
		return
	}
	h.state = StateRunning
	h.startedAt = h.svc.clock.Now()
	if determinate {
		h.total = total
	} else {
		h.total = 0
	}
	h.current = 0
	h.dirty = true
	r := h.route
	// Registered under h.mu so a concurrent finish always forgets after this.
	h.svc.register(h)
	h.mu.Unlock()
	r.attach(h)
}

// update applies a progress call. Outside RUNNING/REQUEST_STOP it is a no-op.
func (h *internalHandle) update(msg *string, units *int64) {
	h.mu.Lock()
	if !h.state.Active() {
		state := h.state
		h.mu.Unlock()
		h.svc.tolerated("progress while "+state.String(), h.id)
		return
	}
	if units != nil {
		u := *units
		if u < 0 {
			u = 0
		}
		h.current = u
	}
	if msg != nil {
		h.message = *msg
	}
	h.dirty = true
	r := h.route
	h.mu.Unlock()
	r.touch(h)
}

func (h *internalHandle) switchMode(total int64) {
	h.mu.Lock()
	if !h.state.Active() {
		h.mu.Unlock()
		h.svc.tolerated("mode switch outside running", h.id)
		return
	}
	if total <= 0 {
		total = 0
	}
	h.total = total
	h.current = 0
	h.dirty = true
	r := h.route
	h.mu.Unlock()
	r.touch(h)
}

func (h *internalHandle) setDisplayName(name string) {
	h.mu.Lock()
	if h.state == StateFinished {
		h.mu.Unlock()
		h.svc.tolerated("rename after finish", h.id)
		return
	}
	h.displayName = name
	h.dirty = true
	running := h.state.Active()
	r := h.route
	h.mu.Unlock()
	if running {
		r.touch(h)
	}
}

func (h *internalHandle) setInitialDelay(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: negative initial delay %v", ErrInvalidUsage, d)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateInitialized {
		return fmt.Errorf("%w: initial delay must be set before start (state %s)", ErrInvalidUsage, h.state)
	}
	h.initialDelay = d
	return nil
}

// requestCancel asks the cancel capability to stop the task. The capability
// runs without h.mu held so it may call back into the handle.
func (h *internalHandle) requestCancel() bool {
	h.mu.Lock()
	if h.state != StateRunning || h.cancel == nil {
		h.mu.Unlock()
		return false
	}
	c := h.cancel
	h.mu.Unlock()

	if !c.Cancel() {
		return false
	}

	h.mu.Lock()
	if h.state != StateRunning {
		h.mu.Unlock()
		return false
	}
	h.state = StateRequestStop
	h.dirty = true
	r := h.route
	h.mu.Unlock()
	r.touch(h)
	return true
}

// finish is idempotent. A handle that never started is finished in place and
// never reaches any route.
func (h *internalHandle) finish(units *int64) {
	h.mu.Lock()
	if h.state == StateFinished {
		h.mu.Unlock()
		return
	}
	started := h.state != StateInitialized
	if units != nil && *units >= 0 {
		h.current = *units
	}
	h.state = StateFinished
	h.dirty = true
	r := h.route
	h.mu.Unlock()

	h.svc.forget(h.id)
	if started {
		r.detach(h)
	}
}

// routedTo reports whether h is live and currently bound to r.
func (h *internalHandle) routedTo(r route) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state != StateFinished && h.route == r
}

// timing returns the start time and initial delay used by the scheduler.
func (h *internalHandle) timing() (time.Time, time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt, h.initialDelay
}

// snapshot builds an Event and clears the dirty flag. It reports whether the
// handle had changed since the previous snapshot.
func (h *internalHandle) snapshot(now time.Time) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dirty := h.dirty
	h.dirty = false
	return h.eventLocked(now), dirty
}

// peek builds an Event without touching the dirty flag.
func (h *internalHandle) peek(now time.Time) Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.eventLocked(now)
}

func (h *internalHandle) eventLocked(now time.Time) Event {
	var elapsed time.Duration
	if !h.startedAt.IsZero() {
		elapsed = now.Sub(h.startedAt)
	}
	return Event{
		ID:          h.id,
		DisplayName: h.displayName,
		Message:     h.message,
		Current:     h.current,
		Total:       h.total,
		Percent:     Percentage(h.current, h.total),
		State:       h.state,
		Cancellable: h.cancel != nil,
		Elapsed:     elapsed,
		Remaining:   estimateRemaining(elapsed, h.current, h.total),
		TS:          now,
	}
}

func (h *internalHandle) logFields() []zap.Field {
	h.mu.Lock()
	defer h.mu.Unlock()
	return []zap.Field{
		zap.Stringer("handle_id", h.id),
		zap.String("display_name", h.displayName),
		zap.Stringer("state", h.state),
	}
}
