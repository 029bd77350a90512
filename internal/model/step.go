package model

import (
	"encoding/json"
	"time"
)

// StepRecord is the write-once outcome of a single step within a workflow
// invocation, keyed by (WorkflowID, Seq). Once recorded it is never rewritten;
// replay returns the recorded output or error instead of re-invoking the step.
type StepRecord struct {
	WorkflowID string          `json:"workflow_id"`
	Seq        int             `json:"seq"`
	Name       string          `json:"name"`
	InputHash  string          `json:"input_hash"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts"`
	CreatedAt  time.Time       `json:"created_at"`
}
