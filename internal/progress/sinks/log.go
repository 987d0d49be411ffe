package sinks

import (
	"go.uber.org/zap"

	"github.com/JakeFAU/taskprogress/internal/progress"
)

// LogSink emits structured logs for each delivered event. It is useful during
// development or when no richer consumer is attached.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the UIWorker interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// ProcessEvent logs the event at Info.
func (s *LogSink) ProcessEvent(evt progress.Event) {
	msg := "progress event"
	if evt.Finished() {
		msg = "progress finished"
	}
	s.logger.Info(msg, eventFields(evt)...)
}

// ProcessSelectedEvent logs the selected event at Debug.
func (s *LogSink) ProcessSelectedEvent(evt progress.Event) {
	s.logger.Debug("selected progress event", eventFields(evt)...)
}

func eventFields(evt progress.Event) []zap.Field {
	fields := []zap.Field{
		zap.Stringer("task_id", evt.ID),
		zap.String("name", evt.DisplayName),
		zap.Stringer("state", evt.State),
		zap.Int64("current", evt.Current),
		zap.Int64("total", evt.Total),
		zap.Int("percent", evt.Percent),
		zap.Duration("elapsed", evt.Elapsed),
	}
	if evt.Message != "" {
		fields = append(fields, zap.String("message", evt.Message))
	}
	if evt.Remaining >= 0 {
		fields = append(fields, zap.Duration("remaining", evt.Remaining))
	}
	return fields
}
