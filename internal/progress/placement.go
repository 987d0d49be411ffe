package progress

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const pathPlaced = "placed"

// ArtifactKind names the dedicated UI element bound to a handle.
type ArtifactKind int

// Artifact kinds. A handle accepts only one artifact of any kind.
const (
	KindProgress ArtifactKind = iota
	KindPrimaryLabel
	KindDetailLabel
)

// String implements fmt.Stringer.
func (k ArtifactKind) String() string {
	switch k {
	case KindProgress:
		return "progress"
	case KindPrimaryLabel:
		return "primary_label"
	case KindDetailLabel:
		return "detail_label"
	default:
		return "unknown"
	}
}

// Artifact is a dedicated indicator for one handle. It is updated on the
// Executor goroutine, never by the shared Scheduler.
type Artifact struct {
	kind ArtifactKind

	mu       sync.Mutex
	latest   Event
	updates  uint64
	onUpdate func(Event)
}

// Kind returns the artifact kind.
func (a *Artifact) Kind() ArtifactKind { return a.kind }

// Latest returns the last event applied to the artifact.
func (a *Artifact) Latest() Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest
}

// Updates returns how many events have been applied.
func (a *Artifact) Updates() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.updates
}

// OnUpdate registers fn to run on the Executor after each update.
func (a *Artifact) OnUpdate(fn func(Event)) {
	a.mu.Lock()
	a.onUpdate = fn
	a.mu.Unlock()
}

// Text renders the artifact: the percentage for KindProgress, the display
// name for KindPrimaryLabel and the detail message for KindDetailLabel.
func (a *Artifact) Text() string {
	evt := a.Latest()
	switch a.kind {
	case KindProgress:
		if evt.Percent == Indeterminate {
			return "--"
		}
		return strconv.Itoa(evt.Percent) + "%"
	case KindPrimaryLabel:
		return evt.DisplayName
	default:
		return evt.Message
	}
}

func (a *Artifact) apply(evt Event) {
	a.mu.Lock()
	a.latest = evt
	a.updates++
	fn := a.onUpdate
	a.mu.Unlock()
	if fn != nil {
		fn(evt)
	}
}

// placement is the private route of a custom placed handle. Updates between
// two Executor turns coalesce into one.
type placement struct {
	svc     *Service
	art     *Artifact
	pending atomic.Bool
}

func (p *placement) attach(h *internalHandle) { p.touch(h) }

func (p *placement) touch(h *internalHandle) {
	if !p.pending.CompareAndSwap(false, true) {
		return
	}
	if err := p.svc.exec.Submit(func() { p.flush(h) }); err != nil {
		p.pending.Store(false)
		p.svc.logger.Warn("placed artifact update dropped", append(h.logFields(), zap.Error(err))...)
	}
}

func (p *placement) detach(h *internalHandle) {
	if err := p.svc.exec.Submit(func() { p.flush(h) }); err != nil {
		p.svc.logger.Warn("placed artifact final update dropped", append(h.logFields(), zap.Error(err))...)
	}
}

func (p *placement) flush(h *internalHandle) {
	p.pending.Store(false)
	evt, _ := h.snapshot(p.svc.clock.Now())
	p.art.apply(evt)
	p.svc.metrics.ObserveEvents(pathPlaced, 1)
}

// CreateProgressArtifact binds a dedicated progress indicator to h.
func (s *Service) CreateProgressArtifact(h *Handle) (*Artifact, error) {
	return s.place(h, KindProgress)
}

// CreatePrimaryLabel binds a dedicated title label to h.
func (s *Service) CreatePrimaryLabel(h *Handle) (*Artifact, error) {
	return s.place(h, KindPrimaryLabel)
}

// CreateDetailLabel binds a dedicated detail label to h.
func (s *Service) CreateDetailLabel(h *Handle) (*Artifact, error) {
	return s.place(h, KindDetailLabel)
}

// place binds an unstarted h to a new artifact in place of the shared route.
// The customPlaced flag is shared by every kind, so a second request of any
// kind fails.
func (s *Service) place(h *Handle, kind ArtifactKind) (*Artifact, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil handle", ErrInvalidUsage)
	}
	ih := h.h
	ih.mu.Lock()
	if ih.customPlaced {
		ih.mu.Unlock()
		return nil, fmt.Errorf("%w: handle %s already has a dedicated artifact", ErrInvalidUsage, ih.id)
	}
	// The shared worker may already show a row for a started handle and would
	// never see it finish, so the dedicated path must be chosen before Start.
	if ih.state != StateInitialized {
		state := ih.state
		ih.mu.Unlock()
		return nil, fmt.Errorf("%w: custom placement only before start (state %s)", ErrInvalidUsage, state)
	}
	ih.customPlaced = true
	art := &Artifact{kind: kind}
	ih.route = &placement{svc: s, art: art}
	ih.mu.Unlock()

	s.logger.Debug("handle custom placed", append(ih.logFields(), zap.Stringer("kind", kind))...)
	return art, nil
}
