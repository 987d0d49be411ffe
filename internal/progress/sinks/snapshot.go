package sinks

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/taskprogress/internal/progress"
)

// SnapshotSink keeps the latest delivered event per task so readers outside
// the consumer goroutine (the HTTP surface) can list what the UI would show.
// Finished tasks are dropped once their terminal event arrives.
type SnapshotSink struct {
	mu       sync.RWMutex
	latest   map[uuid.UUID]progress.Event
	order    map[uuid.UUID]uint64
	seq      uint64
	selected uuid.UUID
	finished uint64
}

// NewSnapshotSink constructs an empty SnapshotSink.
func NewSnapshotSink() *SnapshotSink {
	return &SnapshotSink{
		latest: make(map[uuid.UUID]progress.Event),
		order:  make(map[uuid.UUID]uint64),
	}
}

// ProcessEvent records evt, or forgets the task when evt is terminal.
func (s *SnapshotSink) ProcessEvent(evt progress.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt.Finished() {
		s.finished++
		delete(s.latest, evt.ID)
		delete(s.order, evt.ID)
		if s.selected == evt.ID {
			s.selected = uuid.Nil
		}
		return
	}
	if _, ok := s.order[evt.ID]; !ok {
		s.seq++
		s.order[evt.ID] = s.seq
	}
	s.latest[evt.ID] = evt
}

// ProcessSelectedEvent remembers which task is selected.
func (s *SnapshotSink) ProcessSelectedEvent(evt progress.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt.Finished() {
		if s.selected == evt.ID {
			s.selected = uuid.Nil
		}
		return
	}
	s.selected = evt.ID
}

// List returns the visible tasks in the order they first became visible.
func (s *SnapshotSink) List() []progress.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]progress.Event, 0, len(s.latest))
	for id, evt := range s.latest {
		evt.Selected = id == s.selected
		out = append(out, evt)
	}
	sort.Slice(out, func(i, j int) bool {
		return s.order[out[i].ID] < s.order[out[j].ID]
	})
	return out
}

// Get returns the latest event for id.
func (s *SnapshotSink) Get(id uuid.UUID) (progress.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evt, ok := s.latest[id]
	if ok {
		evt.Selected = id == s.selected
	}
	return evt, ok
}

// Finished returns how many terminal events were received.
func (s *SnapshotSink) Finished() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finished
}
