package bridge

import "github.com/JakeFAU/taskprogress/internal/progress"

// WaitSurface presents a waiting indicator with a cancel action. Show runs on
// the loop goroutine and returns a function that removes the indicator.
// cancel may be called from any goroutine.
type WaitSurface interface {
	Show(name string, cancel func()) (dismiss func())
}

// SurfaceFunc adapts a function to WaitSurface.
type SurfaceFunc func(name string, cancel func()) func()

// Show implements WaitSurface.
func (f SurfaceFunc) Show(name string, cancel func()) func() {
	return f(name, cancel)
}

type nopSurface struct{}

func (nopSurface) Show(string, func()) func() { return func() {} }

// HandleSurface shows waiting work as an indeterminate, cancellable progress
// handle. The handle is visible at once since the warm-up already elapsed.
type HandleSurface struct {
	svc *progress.Service
}

// NewHandleSurface builds a HandleSurface on svc.
func NewHandleSurface(svc *progress.Service) *HandleSurface {
	return &HandleSurface{svc: svc}
}

// Show implements WaitSurface. RequestCancel on the handle triggers cancel.
func (s *HandleSurface) Show(name string, cancel func()) func() {
	h := s.svc.Create(name,
		progress.WithInitialDelay(0),
		progress.WithCancel(progress.CancelFunc(func() bool {
			cancel()
			return true
		})),
	)
	h.Start()
	h.ProgressMessage("waiting")
	return h.Finish
}
