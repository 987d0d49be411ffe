package sinks

import "github.com/JakeFAU/taskprogress/internal/progress"

// Tee fans every event out to each worker in order. Nil workers are skipped.
func Tee(workers ...progress.UIWorker) progress.UIWorker {
	live := make([]progress.UIWorker, 0, len(workers))
	for _, w := range workers {
		if w != nil {
			live = append(live, w)
		}
	}
	return tee(live)
}

type tee []progress.UIWorker

func (t tee) ProcessEvent(evt progress.Event) {
	for _, w := range t {
		w.ProcessEvent(evt)
	}
}

func (t tee) ProcessSelectedEvent(evt progress.Event) {
	for _, w := range t {
		w.ProcessSelectedEvent(evt)
	}
}
