package progress

import (
	"time"

	"github.com/google/uuid"
)

// Handle is the reporting side of one long-running task. Every method is safe
// to call from any goroutine. Calls that do not fit the current state are
// ignored rather than reported, since independent workers race by design.
type Handle struct {
	h *internalHandle
}

// ID returns the stable identity of the handle.
func (x *Handle) ID() uuid.UUID { return x.h.id }

// Start moves the handle to StateRunning with an unknown total.
func (x *Handle) Start() { x.h.start(0, false) }

// StartDeterminate moves the handle to StateRunning with total work units.
// On a running handle it replaces the total.
func (x *Handle) StartDeterminate(total int64) { x.h.start(total, true) }

// SwitchToDeterminate sets a known total and resets the completed units.
func (x *Handle) SwitchToDeterminate(total int64) { x.h.switchMode(total) }

// SwitchToIndeterminate drops the total.
func (x *Handle) SwitchToIndeterminate() { x.h.switchMode(0) }

// Progress records the number of completed units.
func (x *Handle) Progress(units int64) { x.h.update(nil, &units) }

// ProgressMessage records a detail message.
func (x *Handle) ProgressMessage(msg string) { x.h.update(&msg, nil) }

// ProgressWith records a detail message and the completed units.
func (x *Handle) ProgressWith(msg string, units int64) { x.h.update(&msg, &units) }

// SetDisplayName renames the task.
func (x *Handle) SetDisplayName(name string) { x.h.setDisplayName(name) }

// SetInitialDelay overrides the visibility threshold. It fails with
// ErrInvalidUsage once the handle has started or when d is negative.
func (x *Handle) SetInitialDelay(d time.Duration) error { return x.h.setInitialDelay(d) }

// RequestCancel asks the task to stop. It reports whether the cancel
// capability accepted, in which case the handle is now StateRequestStop.
func (x *Handle) RequestCancel() bool { return x.h.requestCancel() }

// Finish ends the task. Repeated calls are ignored.
func (x *Handle) Finish() { x.h.finish(nil) }

// FinishAt records the final completed units and ends the task.
func (x *Handle) FinishAt(units int64) { x.h.finish(&units) }

// State returns the current lifecycle state.
func (x *Handle) State() State {
	x.h.mu.Lock()
	defer x.h.mu.Unlock()
	return x.h.state
}

// DisplayName returns the current task title.
func (x *Handle) DisplayName() string {
	x.h.mu.Lock()
	defer x.h.mu.Unlock()
	return x.h.displayName
}

// PercentageDone returns the completed share in [0,100], or Indeterminate.
func (x *Handle) PercentageDone() int {
	x.h.mu.Lock()
	defer x.h.mu.Unlock()
	return Percentage(x.h.current, x.h.total)
}

// CustomPlaced reports whether a dedicated artifact was bound to the handle.
func (x *Handle) CustomPlaced() bool {
	x.h.mu.Lock()
	defer x.h.mu.Unlock()
	return x.h.customPlaced
}

// Cancellable reports whether the handle carries a cancel capability.
func (x *Handle) Cancellable() bool {
	return x.h.cancel != nil
}

// Snapshot returns the current state as an Event without affecting delivery.
func (x *Handle) Snapshot() Event {
	return x.h.peek(x.h.svc.clock.Now())
}
