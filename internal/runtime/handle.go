package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anvilworks/anvil/internal/model"
	"github.com/anvilworks/anvil/internal/store"
)

// WorkflowError is the terminal error of a failed invocation, carrying the
// structured code recorded in the log store.
type WorkflowError struct {
	Code    string
	Message string
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow failed (%s): %s", e.Code, e.Message)
}

// Handle is a db-backed reference to an invocation. It holds no in-memory
// state, so a handle works across processes and survives engine restarts.
type Handle struct {
	id           string
	store        store.Store
	pollInterval time.Duration
}

// ID returns the invocation id.
func (h *Handle) ID() string {
	return h.id
}

// GetStatus returns the invocation's current log-store record.
func (h *Handle) GetStatus(ctx context.Context) (*model.Invocation, error) {
	return h.store.GetInvocation(ctx, h.id)
}

// GetResult blocks until the invocation reaches a terminal state, polling the
// log store. SUCCESS yields the recorded output; ERROR yields *WorkflowError.
func (h *Handle) GetResult(ctx context.Context) (json.RawMessage, error) {
	for {
		inv, err := h.store.GetInvocation(ctx, h.id)
		if err != nil {
			return nil, err
		}
		switch inv.Status {
		case model.StatusSuccess:
			return inv.Output, nil
		case model.StatusError:
			return nil, &WorkflowError{Code: inv.ErrorCode, Message: inv.Error}
		}

		select {
		case <-time.After(h.pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
