package model

import (
	"encoding/json"
	"time"
)

// Invocation status constants.
const (
	StatusEnqueued = "ENQUEUED"
	StatusPending  = "PENDING"
	StatusSuccess  = "SUCCESS"
	StatusError    = "ERROR"
)

// Structured error codes carried by terminal invocations.
const (
	ErrCodeApplication         = "ApplicationError"
	ErrCodeTimeout             = "Timeout"
	ErrCodeCancelled           = "Cancelled"
	ErrCodeNonDeterminism      = "NonDeterminism"
	ErrCodeMaxStepRetries      = "MaxStepRetriesExceeded"
	ErrCodeNotRegistered       = "WorkflowNotRegistered"
	ErrCodeMaxRecoveryAttempts = "MaxRecoveryAttemptsExceeded"
)

// DefaultMaxRecoveryAttempts bounds how often a crashed invocation is
// re-admitted before it is marked ERROR.
const DefaultMaxRecoveryAttempts = 100

// validTransitions maps each status to the set of statuses it may transition to.
// PENDING→ENQUEUED is the recovery path: a crashed invocation is re-admitted
// through the queue.
var validTransitions = map[string]map[string]bool{
	StatusEnqueued: {
		StatusPending: true,
		StatusError:   true,
	},
	StatusPending: {
		StatusSuccess:  true,
		StatusError:    true,
		StatusEnqueued: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether a status admits no further transitions.
func Terminal(status string) bool {
	return status == StatusSuccess || status == StatusError
}

// Invocation is one logical execution of a workflow function. It is created
// at enqueue time and carries its full lifecycle in the log store:
// ENQUEUED→PENDING when claimed, PENDING→SUCCESS/ERROR at completion, and
// PENDING→ENQUEUED again when a crashed executor's work is recovered.
type Invocation struct {
	ID                  string          `json:"id"`
	WorkflowName        string          `json:"workflow_name"`
	QueueName           string          `json:"queue_name"`
	PartitionKey        string          `json:"partition_key,omitempty"`
	DedupID             string          `json:"dedup_id,omitempty"`
	Status              string          `json:"status"`
	Priority            int             `json:"priority"`
	Input               json.RawMessage `json:"input,omitempty"`
	Output              json.RawMessage `json:"output,omitempty"`
	ErrorCode           string          `json:"error_code,omitempty"`
	Error               string          `json:"error,omitempty"`
	RecoveryAttempts    int             `json:"recovery_attempts"`
	MaxRecoveryAttempts int             `json:"max_recovery_attempts"`
	ExecutorID          string          `json:"executor_id,omitempty"`
	AppVersion          string          `json:"app_version,omitempty"`
	TimeoutMS           int64           `json:"timeout_ms,omitempty"`
	// DeadlineAt is stamped at the first claim when TimeoutMS is set and
	// survives recovery, so a re-admitted run spends the remainder of the
	// original budget rather than a fresh one.
	DeadlineAt *time.Time `json:"deadline_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
