package server

import (
	"net/http"

	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/pulse/schedule"
)

// ExecutionResponse wraps one execution
type ExecutionResponse struct {
	Execution *schedule.Execution `json:"execution"`
}

// ListExecutionsResponse is a page of executions, newest first
type ListExecutionsResponse struct {
	Executions []*schedule.Execution `json:"executions"`
	Count      int                   `json:"count"`
	Total      int                   `json:"total"`
	HasMore    bool                  `json:"hasMore"`
}

// HandleListExecutions handles GET /api/schedules/{id}/executions?limit=&offset=
func (s *LoomServer) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.manager.Get(r.Context(), id); err != nil {
		handleError(w, s.logger, err, "Failed to get schedule")
		return
	}

	limit := parseIntQueryParam(r, "limit", 50, 1, 100)
	offset := parseIntQueryParam(r, "offset", 0, 0, 1<<30)

	executions, total, err := s.executions.ListBySchedule(r.Context(), id, limit, offset)
	if err != nil {
		handleError(w, s.logger, err, "Failed to list executions")
		return
	}
	if executions == nil {
		executions = []*schedule.Execution{}
	}
	writeJSON(w, http.StatusOK, ListExecutionsResponse{
		Executions: executions,
		Count:      len(executions),
		Total:      total,
		HasMore:    offset+len(executions) < total,
	})
}

// HandlePurgeExecutions handles DELETE /api/schedules/{id}/executions.
// Running executions are kept.
func (s *LoomServer) HandlePurgeExecutions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.manager.Get(r.Context(), id); err != nil {
		handleError(w, s.logger, err, "Failed to get schedule")
		return
	}
	n, err := s.executions.PurgeBySchedule(r.Context(), id)
	if err != nil {
		handleError(w, s.logger, err, "Failed to purge executions")
		return
	}
	logger.AddPulseSymbol(s.logger).Infow("Purged executions",
		logger.FieldScheduleID, id,
		logger.FieldCount, n)
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetExecution handles GET /api/executions/{id}
func (s *LoomServer) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.executions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, s.logger, err, "Failed to get execution")
		return
	}
	writeJSON(w, http.StatusOK, ExecutionResponse{Execution: exec})
}
