package progress

import (
	"time"

	"github.com/google/uuid"
)

// Event is an immutable snapshot of one handle, built at delivery time.
type Event struct {
	// ID identifies the handle the snapshot was taken from.
	ID uuid.UUID
	// DisplayName is the task title.
	DisplayName string
	// Message is the latest detail message, if any.
	Message string
	// Current is the number of completed work units.
	Current int64
	// Total is the number of work units, or <= 0 when indeterminate.
	Total int64
	// Percent is in [0,100], or Indeterminate.
	Percent int
	// State is the handle state at snapshot time.
	State State
	// Selected marks the handle currently chosen for the primary indicator.
	Selected bool
	// Cancellable reports whether the handle carries a cancel capability.
	Cancellable bool
	// Elapsed is the time since the handle started.
	Elapsed time.Duration
	// Remaining estimates the time left, or -1 when unknown.
	Remaining time.Duration
	// TS is when the snapshot was taken.
	TS time.Time
}

// Indeterminate reports whether the event has no known total.
func (e Event) Indeterminate() bool {
	return e.Total <= 0
}

// Finished reports whether this is a terminal event.
func (e Event) Finished() bool {
	return e.State == StateFinished
}
