package bridge

import "errors"

var (
	// ErrLivenessFault reports work that kept running past the grace timeout
	// after cancellation was requested. The work goroutine is still alive.
	ErrLivenessFault = errors.New("bridge: liveness fault")
	// ErrCancelled is returned when cancelled work exits without an error of
	// its own.
	ErrCancelled = errors.New("bridge: cancelled")
	// ErrWorkPanicked wraps a panic recovered from the work function.
	ErrWorkPanicked = errors.New("bridge: work panicked")
	// ErrNilWork is returned when RunOffThread is given no work.
	ErrNilWork = errors.New("bridge: nil work")
)
