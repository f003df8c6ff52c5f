package server

import (
	"net/http"

	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/pulse/schedule"
)

// ScheduleResponse wraps one schedule
type ScheduleResponse struct {
	Schedule *schedule.Schedule `json:"schedule"`
}

// ListSchedulesResponse wraps a list of schedules
type ListSchedulesResponse struct {
	Schedules []*schedule.Schedule `json:"schedules"`
	Count     int                  `json:"count"`
}

// HandleCreateSchedule handles POST /api/schedules
func (s *LoomServer) HandleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var in schedule.Input
	if err := readJSON(w, r, &in); err != nil {
		return
	}
	draft, err := in.Draft()
	if err != nil {
		handleError(w, s.logger, err, "Invalid schedule")
		return
	}

	created, err := s.manager.Create(r.Context(), draft)
	if err != nil {
		handleError(w, s.logger, err, "Failed to create schedule")
		return
	}

	logger.AddPulseSymbol(s.logger).Infow("Created schedule",
		logger.FieldScheduleID, created.ID,
		logger.FieldAgentID, created.AgentID,
		"mode", created.Mode,
		"interval_minutes", created.IntervalMinutes)
	writeJSON(w, http.StatusCreated, ScheduleResponse{Schedule: created})
}

// HandleListSchedules handles GET /api/schedules[?agentId=]
func (s *LoomServer) HandleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.manager.List(r.Context(), r.URL.Query().Get("agentId"))
	if err != nil {
		handleError(w, s.logger, err, "Failed to list schedules")
		return
	}
	if schedules == nil {
		schedules = []*schedule.Schedule{}
	}
	writeJSON(w, http.StatusOK, ListSchedulesResponse{Schedules: schedules, Count: len(schedules)})
}

// HandleGetSchedule handles GET /api/schedules/{id}
func (s *LoomServer) HandleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, s.logger, err, "Failed to get schedule")
		return
	}
	writeJSON(w, http.StatusOK, ScheduleResponse{Schedule: sch})
}

// HandleUpdateSchedule handles PATCH /api/schedules/{id}
func (s *LoomServer) HandleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var patch schedule.Patch
	if err := readJSON(w, r, &patch); err != nil {
		return
	}
	updated, err := s.manager.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		handleError(w, s.logger, err, "Failed to update schedule")
		return
	}
	writeJSON(w, http.StatusOK, ScheduleResponse{Schedule: updated})
}

// HandleDeleteSchedule handles DELETE /api/schedules/{id}
func (s *LoomServer) HandleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Delete(r.Context(), id); err != nil {
		handleError(w, s.logger, err, "Failed to delete schedule")
		return
	}
	logger.AddPulseSymbol(s.logger).Infow("Deleted schedule", logger.FieldScheduleID, id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleToggleSchedule handles POST /api/schedules/{id}/toggle
func (s *LoomServer) HandleToggleSchedule(w http.ResponseWriter, r *http.Request) {
	toggled, err := s.manager.Toggle(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, s.logger, err, "Failed to toggle schedule")
		return
	}
	writeJSON(w, http.StatusOK, ScheduleResponse{Schedule: toggled})
}

// HandleDuplicateSchedule handles POST /api/schedules/{id}/duplicate[?save=true].
// Without save the copy comes back as an unsaved draft.
func (s *LoomServer) HandleDuplicateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if r.URL.Query().Get("save") == "true" {
		saved, err := s.manager.DuplicateAndSave(r.Context(), id)
		if err != nil {
			handleError(w, s.logger, err, "Failed to duplicate schedule")
			return
		}
		writeJSON(w, http.StatusCreated, ScheduleResponse{Schedule: saved})
		return
	}

	draft, err := s.manager.Duplicate(r.Context(), id)
	if err != nil {
		handleError(w, s.logger, err, "Failed to duplicate schedule")
		return
	}
	writeJSON(w, http.StatusOK, ScheduleResponse{Schedule: draft})
}

// HandleRunSchedule handles POST /api/schedules/{id}/run. The request waits
// for the run to finish.
func (s *LoomServer) HandleRunSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exec, err := s.ticker.RunNow(s.ctx, id)
	if err != nil {
		handleError(w, s.logger, err, "Failed to run schedule")
		return
	}
	logger.AddPulseSymbol(s.logger).Infow("Manual run finished",
		logger.FieldScheduleID, id,
		logger.FieldExecutionID, shortID(exec.ID),
		logger.FieldStatus, exec.Status)
	writeJSON(w, http.StatusOK, ExecutionResponse{Execution: exec})
}
