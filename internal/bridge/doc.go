// Package bridge lets the event-loop goroutine hand a unit of work to another
// goroutine and wait for it without freezing the loop.
//
// Called off the loop, RunOffThread simply runs the work in place. Called on
// the loop, it runs the work on a new goroutine and, when asked to block,
// keeps servicing the loop until the work returns. A waiting surface with a
// cancel action appears once the warm-up delay has passed. Cancellation is
// cooperative: a flag is set and the work's context is cancelled, and if the
// work is still running when the grace timeout expires the call fails with
// ErrLivenessFault.
package bridge
