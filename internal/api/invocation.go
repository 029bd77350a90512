package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/anvilworks/anvil/internal/model"
	"github.com/anvilworks/anvil/internal/queue"
	"github.com/anvilworks/anvil/internal/runtime"
	"github.com/anvilworks/anvil/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// enqueueRequest is the JSON body for POST /v1/invocations.
type enqueueRequest struct {
	Workflow            string          `json:"workflow"`
	Input               json.RawMessage `json:"input"`
	Queue               string          `json:"queue"`
	DedupID             string          `json:"dedup_id"`
	PartitionKey        string          `json:"partition_key"`
	Priority            int             `json:"priority"`
	TimeoutMS           int64           `json:"timeout_ms"`
	MaxRecoveryAttempts int             `json:"max_recovery_attempts"`
}

// listInvocationsResponse wraps the paginated list response.
type listInvocationsResponse struct {
	Invocations []*model.Invocation `json:"invocations"`
	Total       int                 `json:"total"`
	Limit       int                 `json:"limit"`
	Offset      int                 `json:"offset"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Workflow == "" {
		s.writeError(w, http.StatusBadRequest, "workflow is required")
		return
	}
	if req.TimeoutMS < 0 {
		s.writeError(w, http.StatusBadRequest, "timeout_ms must not be negative")
		return
	}

	var input any
	if len(req.Input) > 0 {
		input = req.Input
	}

	handle, err := s.manager.Enqueue(r.Context(), queue.EnqueueOptions{
		Workflow:            req.Workflow,
		Input:               input,
		Queue:               req.Queue,
		DedupID:             req.DedupID,
		PartitionKey:        req.PartitionKey,
		Priority:            req.Priority,
		Timeout:             time.Duration(req.TimeoutMS) * time.Millisecond,
		MaxRecoveryAttempts: req.MaxRecoveryAttempts,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDeduplicated):
			s.writeError(w, http.StatusConflict, "an active invocation already holds this dedup id")
		case errors.Is(err, runtime.ErrNotRegistered):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	inv, err := s.store.GetInvocation(r.Context(), handle.ID())
	if err != nil {
		s.logger.Error("get enqueued invocation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve invocation")
		return
	}

	s.writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleGetInvocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	inv, err := s.store.GetInvocation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "invocation not found")
		return
	}
	if err != nil {
		s.logger.Error("get invocation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get invocation")
		return
	}

	s.writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	f := store.Filter{
		QueueName:    r.URL.Query().Get("queue"),
		Status:       r.URL.Query().Get("status"),
		WorkflowName: r.URL.Query().Get("workflow"),
	}

	invocations, total, err := s.store.ListInvocations(r.Context(), f, limit, offset)
	if err != nil {
		s.logger.Error("list invocations", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list invocations")
		return
	}

	if invocations == nil {
		invocations = []*model.Invocation{}
	}

	s.writeJSON(w, http.StatusOK, listInvocationsResponse{
		Invocations: invocations,
		Total:       total,
		Limit:       limit,
		Offset:      offset,
	})
}

func (s *Server) handleCancelInvocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.store.CancelInvocation(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "invocation not found")
		case errors.Is(err, store.ErrInvalidTransition):
			s.writeError(w, http.StatusConflict, "invocation already terminal")
		default:
			s.logger.Error("cancel invocation", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to cancel invocation")
		}
		return
	}

	inv, err := s.store.GetInvocation(r.Context(), id)
	if err != nil {
		s.logger.Error("get cancelled invocation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve invocation")
		return
	}

	s.writeJSON(w, http.StatusOK, inv)
}

// stepResponse is one recorded step in the step log listing.
type stepResponse struct {
	Seq       int             `json:"seq"`
	Name      string          `json:"name"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Attempts  int             `json:"attempts"`
	CreatedAt string          `json:"created_at"`
}

type listStepsResponse struct {
	WorkflowID string         `json:"workflow_id"`
	Steps      []stepResponse `json:"steps"`
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetInvocation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "invocation not found")
			return
		}
		s.logger.Error("get invocation for steps", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get invocation")
		return
	}

	records, err := s.store.ListSteps(r.Context(), id)
	if err != nil {
		s.logger.Error("list steps", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list steps")
		return
	}

	steps := make([]stepResponse, len(records))
	for i, rec := range records {
		steps[i] = stepResponse{
			Seq:       rec.Seq,
			Name:      rec.Name,
			Output:    rec.Output,
			Error:     rec.Error,
			Attempts:  rec.Attempts,
			CreatedAt: rec.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, listStepsResponse{WorkflowID: id, Steps: steps})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
