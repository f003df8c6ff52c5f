package server

import (
	"net/http"
	"time"

	"github.com/teranos/loom/version"
)

// HandlePulseStatus handles GET /api/pulse/status
func (s *LoomServer) HandlePulseStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ticker.GetStats(r.Context()))
}

// HandleHealth handles GET /health
func (s *LoomServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   info.Version,
		Commit:    info.Short(),
		Clients:   s.hub.ClientCount(),
		UptimeSec: int64(time.Since(s.startedAt).Seconds()),
	})
}
