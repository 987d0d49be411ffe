package progress

import "time"

// UIWorker consumes delivered snapshots. Both methods are always invoked on
// the Executor's consumer goroutine, never concurrently with each other.
type UIWorker interface {
	ProcessEvent(evt Event)
	ProcessSelectedEvent(evt Event)
}

// Executor is the consumer goroutine: Submit queues work onto it and
// AfterFunc arms a one-shot timer whose callback runs on it.
// *eventloop.Loop satisfies this interface.
type Executor interface {
	Submit(fn func()) error
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

// Cancellable is the optional cancel capability of a handle. Cancel returns
// true when the task accepted the request.
type Cancellable interface {
	Cancel() bool
}

// CancelFunc adapts a function to Cancellable.
type CancelFunc func() bool

// Cancel implements Cancellable.
func (f CancelFunc) Cancel() bool {
	return f()
}

// WorkerFuncs adapts a pair of functions to UIWorker. Nil fields are skipped.
type WorkerFuncs struct {
	OnEvent         func(Event)
	OnSelectedEvent func(Event)
}

// ProcessEvent implements UIWorker.
func (w WorkerFuncs) ProcessEvent(evt Event) {
	if w.OnEvent != nil {
		w.OnEvent(evt)
	}
}

// ProcessSelectedEvent implements UIWorker.
func (w WorkerFuncs) ProcessSelectedEvent(evt Event) {
	if w.OnSelectedEvent != nil {
		w.OnSelectedEvent(evt)
	}
}
