package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskprogress/internal/progress"
)

const (
	defaultTaskLimit = 50
	maxTaskLimit     = 500
)

// TaskSource lists and finds running handles. *progress.Service satisfies it.
type TaskSource interface {
	Active() []progress.Event
	Lookup(id uuid.UUID) (*progress.Handle, bool)
}

// VisibleSource lists what the UI worker currently shows.
// *sinks.SnapshotSink satisfies it.
type VisibleSource interface {
	List() []progress.Event
}

// TaskHandler exposes task progress endpoints.
type TaskHandler struct {
	tasks   TaskSource
	visible VisibleSource
	logger  *zap.Logger
}

// NewTaskHandler wires the sources and logger. visible may be nil.
func NewTaskHandler(tasks TaskSource, visible VisibleSource, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{tasks: tasks, visible: visible, logger: logger}
}

// ListTasks handles GET /v1/tasks?view=&limit=&offset=. view=visible lists
// only what the UI worker has been shown; the default lists every running
// task. Returns {"tasks": [...]} or 400 for invalid parameters.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	if h.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "progress service unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultTaskLimit, maxTaskLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var events []progress.Event
	switch view := r.URL.Query().Get("view"); view {
	case "", "running":
		events = h.tasks.Active()
	case "visible":
		if h.visible == nil {
			writeError(w, http.StatusServiceUnavailable, "visible view unavailable")
			return
		}
		events = h.visible.List()
	default:
		writeError(w, http.StatusBadRequest, "invalid view")
		return
	}
	total := len(events)
	if offset > len(events) {
		offset = len(events)
	}
	events = events[offset:]
	if len(events) > limit {
		events = events[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": toTaskDTOs(events),
		"total": total,
	})
}

// GetTask handles GET /v1/tasks/{task_id}. Returns {"task": {...}}, 400 for
// malformed IDs, or 404 once the task has finished or never existed.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": toTaskDTO(handle.Snapshot())})
}

// CancelTask handles POST /v1/tasks/{task_id}/cancel. Returns 202 when the
// task accepted, 409 when it has no cancel capability or refused, and 404
// for unknown tasks.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if !handle.Cancellable() {
		writeError(w, http.StatusConflict, "task is not cancellable")
		return
	}
	if !handle.RequestCancel() {
		writeError(w, http.StatusConflict, "cancel refused in state "+handle.State().String())
		return
	}
	h.logger.Info("task cancel requested",
		zap.Stringer("task_id", handle.ID()),
		zap.String("name", handle.DisplayName()),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": handle.ID().String(),
		"state":   handle.State().String(),
	})
}

func (h *TaskHandler) lookup(w http.ResponseWriter, r *http.Request) (*progress.Handle, bool) {
	if h.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "progress service unavailable")
		return nil, false
	}
	id, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	handle, ok := h.tasks.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	return handle, true
}

func parseTaskID(r *http.Request) (uuid.UUID, error) {
	idStr := chi.URLParam(r, "task_id")
	if idStr == "" {
		return uuid.UUID{}, errors.New("task_id is required")
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid task_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func toTaskDTOs(in []progress.Event) []taskDTO {
	out := make([]taskDTO, 0, len(in))
	for _, evt := range in {
		out = append(out, toTaskDTO(evt))
	}
	return out
}

func toTaskDTO(evt progress.Event) taskDTO {
	dto := taskDTO{
		ID:             evt.ID.String(),
		Name:           evt.DisplayName,
		Message:        evt.Message,
		State:          evt.State.String(),
		Current:        evt.Current,
		Selected:       evt.Selected,
		Cancellable:    evt.Cancellable,
		ElapsedSeconds: evt.Elapsed.Seconds(),
		UpdatedAt:      evt.TS,
	}
	if !evt.Indeterminate() {
		total, percent := evt.Total, evt.Percent
		dto.Total = &total
		dto.Percent = &percent
	}
	if evt.Remaining >= 0 {
		secs := evt.Remaining.Seconds()
		dto.RemainingSeconds = &secs
	}
	return dto
}

type taskDTO struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Message          string    `json:"message,omitempty"`
	State            string    `json:"state"`
	Current          int64     `json:"current"`
	Total            *int64    `json:"total,omitempty"`
	Percent          *int      `json:"percent,omitempty"`
	Selected         bool      `json:"selected"`
	Cancellable      bool      `json:"cancellable"`
	ElapsedSeconds   float64   `json:"elapsed_seconds"`
	RemainingSeconds *float64  `json:"remaining_seconds,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}
