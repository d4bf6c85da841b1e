package httpapi

import (
	"net/http"
	"time"
)

func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": time.Now().UTC(),
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	snap := s.metrics.StageSnapshot()
	// reset=1 returns the window and starts a fresh one, for per-run measurements.
	if r.URL.Query().Get("reset") == "1" {
		s.metrics.ResetStages()
	}
	respondJSON(w, http.StatusOK, snap)
}
