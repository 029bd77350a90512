package api

import (
	"net/http"
	"time"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByQueue       map[string]int `json:"by_queue"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("get invocation stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByQueue:       stats.CountByQueue,
		AvgDurationMS: stats.AvgDurationMS,
	})
}

// queueResponse describes one registered queue.
type queueResponse struct {
	Name              string `json:"name"`
	Concurrency       int    `json:"concurrency"`
	WorkerConcurrency int    `json:"worker_concurrency"`
	Partitioned       bool   `json:"partitioned"`
	LimiterLimit      int    `json:"limiter_limit,omitempty"`
	LimiterPeriod     string `json:"limiter_period,omitempty"`
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	descriptors := s.queues.List()

	out := make([]queueResponse, len(descriptors))
	for i, d := range descriptors {
		q := queueResponse{
			Name:              d.Name,
			Concurrency:       d.Concurrency,
			WorkerConcurrency: d.WorkerConcurrency,
			Partitioned:       d.Partitioned,
		}
		if d.Limiter.Limit > 0 {
			q.LimiterLimit = d.Limiter.Limit
			q.LimiterPeriod = d.Limiter.Period.Round(time.Millisecond).String()
		}
		out[i] = q
	}

	s.writeJSON(w, http.StatusOK, map[string][]queueResponse{"queues": out})
}
