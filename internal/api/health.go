package api

import "net/http"

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// handleHealthz reports liveness plus log store reachability, so a probe
// catches a wedged database before the claim loop starves silently.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("health check: store unreachable", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Store: "unreachable"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Store: "ok"})
}
