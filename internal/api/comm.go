package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/anvilworks/anvil/internal/model"
	"github.com/anvilworks/anvil/internal/store"
)

// maxEventWait bounds how long a get-event request may block waiting for a
// value to be published.
const maxEventWait = 60 * time.Second

type eventResponse struct {
	WorkflowID string          `json:"workflow_id"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")

	if _, err := s.store.GetInvocation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "invocation not found")
			return
		}
		s.logger.Error("get invocation for event", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get invocation")
		return
	}

	wait := time.Duration(parseIntQuery(r, "timeout_ms", 0)) * time.Millisecond
	if wait > maxEventWait {
		wait = maxEventWait
	}

	value, err := s.rt.GetEvent(r.Context(), id, key, wait)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "event not set")
		return
	}
	if err != nil {
		s.logger.Error("get event", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get event")
		return
	}

	s.writeJSON(w, http.StatusOK, eventResponse{WorkflowID: id, Key: key, Value: value})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	topic := chi.URLParam(r, "topic")

	inv, err := s.store.GetInvocation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "invocation not found")
		return
	}
	if err != nil {
		s.logger.Error("get invocation for message", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get invocation")
		return
	}
	if model.Terminal(inv.Status) {
		s.writeError(w, http.StatusConflict, "invocation already terminal")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.rt.SendMessage(r.Context(), id, topic, body); err != nil {
		s.logger.Error("send message", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"workflow_id": id, "topic": topic})
}

type streamResponse struct {
	WorkflowID string            `json:"workflow_id"`
	Key        string            `json:"key"`
	Values     []json.RawMessage `json:"values"`
	Closed     bool              `json:"closed"`
}

func (s *Server) handleReadStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")

	if _, err := s.store.GetInvocation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "invocation not found")
			return
		}
		s.logger.Error("get invocation for stream", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get invocation")
		return
	}

	values, closed, err := s.rt.ReadStream(r.Context(), id, key)
	if err != nil {
		s.logger.Error("read stream", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read stream")
		return
	}
	if values == nil {
		values = []json.RawMessage{}
	}

	s.writeJSON(w, http.StatusOK, streamResponse{
		WorkflowID: id,
		Key:        key,
		Values:     values,
		Closed:     closed,
	})
}

// handleTailStream serves live stream values over SSE. Recorded history is
// available from the plain read endpoint; this endpoint only carries values
// written after the subscription begins.
func (s *Server) handleTailStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")

	inv, err := s.store.GetInvocation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "invocation not found")
		return
	}
	if err != nil {
		s.logger.Error("get invocation for stream tail", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get invocation")
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Terminal invocations write no further values.
	if model.Terminal(inv.Status) {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Safe even if the workflow finished between the status check above and
	// this call. Subscribe on a closed topic returns a closed channel, so the
	// loop below exits immediately.
	ch, unsub := s.rt.Broker().Subscribe(id, key)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case value, ok := <-ch:
			if !ok {
				// Stream closed; send explicit done event before closing.
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEData(w, string(value)); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSEData writes a value as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix, per the SSE spec.
func writeSSEData(w http.ResponseWriter, line string) error {
	for _, seg := range strings.Split(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
