package store

import (
	"context"
	"errors"
	"time"

	"github.com/anvilworks/anvil/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDeduplicated is returned when another active invocation already holds
// the same (queue_name, dedup_id). It means "already scheduled", not failure.
var ErrDeduplicated = errors.New("duplicate deduplication id on queue")

// ErrStepMismatch is returned when a step sequence number is already recorded
// with a different name or input hash. A replayed run took a different path
// through the workflow function, which is unrecoverable.
var ErrStepMismatch = errors.New("step already recorded with different inputs")

// ErrInvalidTransition is returned when an invocation status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrStreamClosed is returned when appending to a closed stream key.
var ErrStreamClosed = errors.New("stream closed")

// RecoveryOutcome reports which branch of the atomic recover-or-terminate
// update fired for a pending invocation.
type RecoveryOutcome int

const (
	// RecoveryNone means the invocation was no longer pending; nothing changed.
	RecoveryNone RecoveryOutcome = iota
	// RecoveryRequeued means the invocation was re-admitted as ENQUEUED and
	// its recovery_attempts counter incremented.
	RecoveryRequeued
	// RecoveryExhausted means recovery_attempts reached the maximum and the
	// invocation was terminally marked ERROR.
	RecoveryExhausted
	// RecoveryExpired means the invocation's deadline elapsed while it sat
	// orphaned and it was terminally marked ERROR with a Timeout code.
	RecoveryExpired
)

// Filter narrows ListInvocations results. Zero fields are ignored.
type Filter struct {
	QueueName    string
	Status       string
	WorkflowName string
}

// ClaimSpec describes one admission attempt against a queue. All limits are
// checked inside a single transaction so that cooperating executor processes
// agree on queue depth.
type ClaimSpec struct {
	QueueName string
	// MaxConcurrent caps simultaneously PENDING invocations on the queue.
	// Zero means unlimited.
	MaxConcurrent int
	// LimiterLimit/LimiterPeriod bound admissions in a trailing window.
	// A zero limit disables the limiter.
	LimiterLimit  int
	LimiterPeriod time.Duration
	// Partitioned enforces per-partition FIFO: an invocation is admissible
	// only when its partition has no active invocation and it is the oldest
	// enqueued row in that partition.
	Partitioned bool
	ExecutorID  string
}

// Stats holds aggregate invocation statistics.
type Stats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByQueue  map[string]int `json:"count_by_queue"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store is the persistent log of invocations, step outcomes, and the
// communication primitives (events, messages, streams). It is the single
// source of truth for replay and the only shared mutable resource between
// executors; all coordination is expressed as conditional writes against it.
type Store interface {
	// CreateInvocation appends a new ENQUEUED invocation. Returns
	// ErrDeduplicated when another active invocation holds the same
	// (queue_name, dedup_id).
	CreateInvocation(ctx context.Context, inv *model.Invocation) error
	GetInvocation(ctx context.Context, id string) (*model.Invocation, error)
	ListInvocations(ctx context.Context, f Filter, limit, offset int) ([]*model.Invocation, int, error)

	// ClaimNext atomically admits the next admissible invocation on a queue,
	// transitioning it ENQUEUED→PENDING and stamping started_at and the
	// claiming executor. Returns (nil, nil) when nothing is admissible.
	ClaimNext(ctx context.Context, spec ClaimSpec) (*model.Invocation, error)

	// CompleteInvocation finishes a PENDING invocation with SUCCESS or ERROR.
	CompleteInvocation(ctx context.Context, id, status string, output []byte, errCode, errMsg string) error

	// CancelInvocation terminally marks an active invocation as cancelled.
	CancelInvocation(ctx context.Context, id string) error

	// ListPendingOwned returns PENDING invocations enqueued under the given
	// application version, i.e. the recovery candidates for this executor.
	ListPendingOwned(ctx context.Context, appVersion string) ([]*model.Invocation, error)

	// RecoverInvocation performs the atomic check-then-increment for one
	// pending invocation: mark ERROR with Timeout when its deadline already
	// elapsed, re-enqueue while recovery_attempts is below the maximum,
	// otherwise mark ERROR with MaxRecoveryAttemptsExceeded. The persisted
	// deadline is preserved across the requeue.
	RecoverInvocation(ctx context.Context, id string) (RecoveryOutcome, error)

	// AppendStep records a step outcome once. Re-appending an identical
	// record is a no-op; a conflicting record returns ErrStepMismatch.
	AppendStep(ctx context.Context, rec *model.StepRecord) error
	GetStep(ctx context.Context, workflowID string, seq int) (*model.StepRecord, error)
	ListSteps(ctx context.Context, workflowID string) ([]model.StepRecord, error)

	// Events: latest-value cells keyed by (workflow, key).
	SetEvent(ctx context.Context, workflowID, key string, value []byte) error
	GetEvent(ctx context.Context, workflowID, key string) ([]byte, error)

	// Messages: one-shot delivery to a workflow by topic.
	SendMessage(ctx context.Context, workflowID, topic string, body []byte) error
	// ConsumeMessage atomically claims the oldest unconsumed message for
	// (workflow, topic), returning ErrNotFound when none is waiting.
	ConsumeMessage(ctx context.Context, workflowID, topic string) ([]byte, error)

	// Streams: ordered append-only records per (workflow, key).
	AppendStreamValue(ctx context.Context, workflowID, key string, value []byte) error
	CloseStream(ctx context.Context, workflowID, key string) error
	ReadStream(ctx context.Context, workflowID, key string) ([][]byte, bool, error)

	GetStats(ctx context.Context) (*Stats, error)

	// Ping reports whether the backing database is reachable.
	Ping(ctx context.Context) error
	Close() error
}
