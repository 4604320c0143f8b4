package handlers

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/scheduler"
)

// ScheduleHandlers handles schedule-related endpoints.
type ScheduleHandlers struct {
	scheduler *scheduler.Scheduler
}

// NewScheduleHandlers creates new schedule handlers.
func NewScheduleHandlers(sched *scheduler.Scheduler) *ScheduleHandlers {
	return &ScheduleHandlers{scheduler: sched}
}

// List handles GET /_/schedules.
func (h *ScheduleHandlers) List(w http.ResponseWriter, r *http.Request) {
	schedules := h.scheduler.List()
	JSON(w, http.StatusOK, map[string]any{
		"schedules": schedules,
		"total":     len(schedules),
	})
}

// Trigger handles POST /_/schedules/{id}/run.
func (h *ScheduleHandlers) Trigger(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := h.scheduler.Trigger(r.Context(), id)
	switch {
	case errors.Is(err, scheduler.ErrUnknownSchedule):
		NotFound(w, "Schedule not found: "+id)
		return
	case err != nil:
		log.Warn().Err(err).Str("schedule_id", id).Msg("Triggered schedule failed")
		if apiErr, ok := apierror.As(err); ok {
			Error(w, apiErr)
			return
		}
		InternalError(w, err.Error())
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"status": scheduler.StatusSuccess,
	})
}
