package eventloop

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrClosed is returned when work is submitted to a loop that has shut down.
	ErrClosed = errors.New("eventloop: loop closed")
	// ErrAlreadyRunning is returned by Run when the loop is already running.
	ErrAlreadyRunning = errors.New("eventloop: loop already running")
	// ErrNotInLoop is returned by Await when called off the loop goroutine.
	ErrNotInLoop = errors.New("eventloop: not on the loop goroutine")
)

// Loop is a FIFO task queue drained by exactly one goroutine.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	running     atomic.Bool
	goroutineID atomic.Uint64
	ticks       atomic.Uint64

	logger *zap.Logger
}

// New constructs an idle Loop. Call Run to start servicing it.
func New(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		logger: logger,
	}
}

// Run services the queue on the calling goroutine until ctx ends or Close is
// called. It returns nil after Close and the context error otherwise.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	l.goroutineID.Store(currentGoroutineID())
	defer func() {
		l.goroutineID.Store(0)
		l.running.Store(false)
	}()

	for {
		select {
		case <-ctx.Done():
			l.Close()
			return fmt.Errorf("event loop stopped: %w", ctx.Err())
		case <-l.stopCh:
			return nil
		case <-l.wake:
			l.drain()
		}
	}
}

// Submit enqueues fn for execution on the loop goroutine. It never blocks.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// AfterFunc arms a one-shot timer whose callback runs on the loop goroutine.
// The returned stop function reports whether the timer was stopped before it
// fired; a false result means fn is queued or has already run.
func (l *Loop) AfterFunc(d time.Duration, fn func()) (stop func() bool) {
	t := time.AfterFunc(d, func() {
		if err := l.Submit(fn); err != nil {
			l.logger.Debug("timer fired after loop closed", zap.Duration("delay", d))
		}
	})
	return t.Stop
}

// InLoop reports whether the caller is running on the loop goroutine.
func (l *Loop) InLoop() bool {
	id := l.goroutineID.Load()
	return id != 0 && id == currentGoroutineID()
}

// Await blocks the loop goroutine until done is closed or ctx ends, servicing
// queued tasks meanwhile. Tasks it runs may themselves call Await.
func (l *Loop) Await(ctx context.Context, done <-chan struct{}) error {
	if !l.InLoop() {
		return ErrNotInLoop
	}
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return ErrClosed
		case <-l.wake:
			l.drain()
		}
	}
}

// Invoke runs fn on the loop goroutine and waits for it to return. Called on
// the loop goroutine it runs fn in place.
func (l *Loop) Invoke(ctx context.Context, fn func()) error {
	if l.InLoop() {
		l.safeExecute(fn)
		return nil
	}
	done := make(chan struct{})
	if err := l.Submit(func() {
		defer close(done)
		l.safeExecute(fn)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("invoke wait: %w", ctx.Err())
	case <-l.stopCh:
		return ErrClosed
	}
}

// Ticks returns the number of tasks executed so far.
func (l *Loop) Ticks() uint64 {
	return l.ticks.Load()
}

// Pending returns the number of queued tasks not yet started.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close stops the loop. Queued tasks that have not started are dropped.
// It is safe to call multiple times.
func (l *Loop) Close() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		dropped := len(l.queue)
		l.queue = nil
		l.mu.Unlock()
		close(l.stopCh)
		if dropped > 0 {
			l.logger.Warn("event loop closed with pending tasks", zap.Int("dropped", dropped))
		}
	})
}

func (l *Loop) drain() {
	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()

	for i, fn := range batch {
		select {
		case <-l.stopCh:
			l.logger.Debug("event loop stopping mid-batch", zap.Int("skipped", len(batch)-i))
			return
		default:
		}
		l.safeExecute(fn)
	}
}

func (l *Loop) safeExecute(fn func()) {
	l.ticks.Add(1)
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop task panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	fn()
}

// currentGoroutineID parses the goroutine id out of the runtime stack header
// ("goroutine 42 [running]:").
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
