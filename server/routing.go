package server

import (
	"net/http"
	"slices"
	"strings"
)

// Handler returns the HTTP handler with every route registered
func (s *LoomServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.HandleHealth)
	mux.HandleFunc("GET /ws", s.HandleWebSocket)
	mux.HandleFunc("GET /api/pulse/status", s.HandlePulseStatus)

	mux.HandleFunc("POST /api/schedules", s.HandleCreateSchedule)
	mux.HandleFunc("GET /api/schedules", s.HandleListSchedules)
	mux.HandleFunc("GET /api/schedules/{id}", s.HandleGetSchedule)
	mux.HandleFunc("PATCH /api/schedules/{id}", s.HandleUpdateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.HandleDeleteSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/toggle", s.HandleToggleSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/duplicate", s.HandleDuplicateSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/run", s.HandleRunSchedule)
	mux.HandleFunc("GET /api/schedules/{id}/executions", s.HandleListExecutions)
	mux.HandleFunc("DELETE /api/schedules/{id}/executions", s.HandlePurgeExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.HandleGetExecution)

	return s.corsMiddleware(mux)
}

// corsMiddleware answers preflight requests and sets CORS headers for
// allowed origins
func (s *LoomServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin is the websocket upgrader's origin check. Requests without an
// Origin header come from non-browser clients and are allowed.
func (s *LoomServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.originAllowed(origin) {
		return true
	}
	s.logger.Warnw("Rejected websocket origin", "origin", origin)
	return false
}

func (s *LoomServer) originAllowed(origin string) bool {
	if slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin) {
		return true
	}
	// local development servers on any port
	for _, local := range []string{"http://localhost", "http://127.0.0.1"} {
		if origin == local || strings.HasPrefix(origin, local+":") {
			return true
		}
	}
	return false
}
