package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anvilworks/anvil/internal/model"

	_ "modernc.org/sqlite"
)

const createInvocationsTable = `
CREATE TABLE IF NOT EXISTS invocations (
    id                    TEXT PRIMARY KEY,
    workflow_name         TEXT NOT NULL,
    queue_name            TEXT NOT NULL,
    partition_key         TEXT NOT NULL DEFAULT '',
    dedup_id              TEXT,
    status                TEXT NOT NULL,
    priority              INTEGER NOT NULL DEFAULT 0,
    input                 BLOB,
    output                BLOB,
    error_code            TEXT NOT NULL DEFAULT '',
    error                 TEXT NOT NULL DEFAULT '',
    recovery_attempts     INTEGER NOT NULL DEFAULT 0,
    max_recovery_attempts INTEGER NOT NULL,
    executor_id           TEXT NOT NULL DEFAULT '',
    app_version           TEXT NOT NULL DEFAULT '',
    timeout_ms            INTEGER NOT NULL DEFAULT 0,
    deadline_at           DATETIME,
    created_at            DATETIME NOT NULL,
    started_at            DATETIME,
    finished_at           DATETIME
)`

// The dedup invariant: (queue_name, dedup_id) is unique only while the prior
// invocation is still active. Terminal rows drop out of the index, so the same
// dedup id can be reused once the earlier run finishes.
const createDedupIndex = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_invocations_active_dedup
    ON invocations(queue_name, dedup_id)
    WHERE dedup_id IS NOT NULL AND status IN ('ENQUEUED', 'PENDING')`

const createQueueStatusIndex = `
CREATE INDEX IF NOT EXISTS idx_invocations_queue_status
    ON invocations(queue_name, status)`

const createStepsTable = `
CREATE TABLE IF NOT EXISTS steps (
    workflow_id TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    name        TEXT NOT NULL,
    input_hash  TEXT NOT NULL,
    output      BLOB,
    error       TEXT NOT NULL DEFAULT '',
    attempts    INTEGER NOT NULL DEFAULT 1,
    created_at  DATETIME NOT NULL,
    PRIMARY KEY (workflow_id, seq)
)`

const createEventsTable = `
CREATE TABLE IF NOT EXISTS events (
    workflow_id TEXT NOT NULL,
    key         TEXT NOT NULL,
    value       BLOB,
    updated_at  DATETIME NOT NULL,
    PRIMARY KEY (workflow_id, key)
)`

const createMessagesTable = `
CREATE TABLE IF NOT EXISTS messages (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    workflow_id TEXT NOT NULL,
    topic       TEXT NOT NULL,
    body        BLOB,
    consumed    INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL
)`

const createStreamsTable = `
CREATE TABLE IF NOT EXISTS streams (
    workflow_id TEXT NOT NULL,
    key         TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    value       BLOB,
    closed      INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL,
    PRIMARY KEY (workflow_id, key, seq)
)`

const invocationColumns = `id, workflow_name, queue_name, partition_key, dedup_id,
    status, priority, input, output, error_code, error,
    recovery_attempts, max_recovery_attempts, executor_id, app_version,
    timeout_ms, deadline_at, created_at, started_at, finished_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite, the default embedded backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer at a time; funnelling every statement through
	// a single connection keeps claim transactions from tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{
		createInvocationsTable,
		createDedupIndex,
		createQueueStatusIndex,
		createStepsTable,
		createEventsTable,
		createMessagesTable,
		createStreamsTable,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateInvocation appends a new invocation record.
func (s *SQLiteStore) CreateInvocation(ctx context.Context, inv *model.Invocation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (`+invocationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.WorkflowName, inv.QueueName, inv.PartitionKey, nullable(inv.DedupID),
		inv.Status, inv.Priority, []byte(inv.Input), []byte(inv.Output), inv.ErrorCode, inv.Error,
		inv.RecoveryAttempts, inv.MaxRecoveryAttempts, inv.ExecutorID, inv.AppVersion,
		inv.TimeoutMS, inv.DeadlineAt, inv.CreatedAt, inv.StartedAt, inv.FinishedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "dedup_id") {
			return ErrDeduplicated
		}
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

// GetInvocation retrieves an invocation by ID.
func (s *SQLiteStore) GetInvocation(ctx context.Context, id string) (*model.Invocation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invocationColumns+` FROM invocations WHERE id = ?`, id)
	inv, err := scanInvocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invocation: %w", err)
	}
	return inv, nil
}

// ListInvocations returns a filtered, paginated list of invocations ordered by
// created_at DESC, along with the total count of matching rows.
func (s *SQLiteStore) ListInvocations(ctx context.Context, f Filter, limit, offset int) ([]*model.Invocation, int, error) {
	where, args := filterClause(f)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM invocations"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count invocations: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+invocationColumns+` FROM invocations`+where+
			` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var invs []*model.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan invocation: %w", err)
		}
		invs = append(invs, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate invocations: %w", err)
	}

	return invs, total, nil
}

// ClaimNext admits at most one invocation from the queue. All checks and the
// ENQUEUED→PENDING transition happen in one transaction, so queue depth and
// limiter state are consistent across executor processes.
func (s *SQLiteStore) ClaimNext(ctx context.Context, spec ClaimSpec) (*model.Invocation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	if spec.MaxConcurrent > 0 {
		var active int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM invocations WHERE queue_name = ? AND status = ?",
			spec.QueueName, model.StatusPending,
		).Scan(&active); err != nil {
			return nil, fmt.Errorf("count active: %w", err)
		}
		if active >= spec.MaxConcurrent {
			return nil, nil
		}
	}

	if spec.LimiterLimit > 0 {
		cutoff := time.Now().UTC().Add(-spec.LimiterPeriod)
		var admitted int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM invocations WHERE queue_name = ? AND started_at IS NOT NULL AND started_at >= ?",
			spec.QueueName, cutoff,
		).Scan(&admitted); err != nil {
			return nil, fmt.Errorf("count limiter window: %w", err)
		}
		if admitted >= spec.LimiterLimit {
			return nil, nil
		}
	}

	inv, err := s.nextCandidate(ctx, tx, spec)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, nil
	}

	// The deadline is stamped at the first claim only. A recovered invocation
	// comes back with deadline_at already set and keeps it, so its budget does
	// not restart per run.
	now := time.Now().UTC()
	deadline := inv.DeadlineAt
	if deadline == nil && inv.TimeoutMS > 0 {
		d := now.Add(time.Duration(inv.TimeoutMS) * time.Millisecond)
		deadline = &d
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE invocations SET status = ?, started_at = ?, executor_id = ?, deadline_at = ?
		WHERE id = ? AND status = ?`,
		model.StatusPending, now, spec.ExecutorID, deadline, inv.ID, model.StatusEnqueued,
	)
	if err != nil {
		return nil, fmt.Errorf("claim invocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check claim rows: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	inv.Status = model.StatusPending
	inv.StartedAt = &now
	inv.ExecutorID = spec.ExecutorID
	inv.DeadlineAt = deadline
	return inv, nil
}

// nextCandidate scans enqueued rows in admission order and returns the first
// eligible one. For partitioned queues a row is eligible only when its
// partition has no active invocation; because the scan is ordered, the first
// row seen for an unblocked partition is that partition's FIFO head.
func (s *SQLiteStore) nextCandidate(ctx context.Context, tx *sql.Tx, spec ClaimSpec) (*model.Invocation, error) {
	blocked := make(map[string]bool)
	if spec.Partitioned {
		rows, err := tx.QueryContext(ctx,
			"SELECT DISTINCT partition_key FROM invocations WHERE queue_name = ? AND status = ?",
			spec.QueueName, model.StatusPending,
		)
		if err != nil {
			return nil, fmt.Errorf("list active partitions: %w", err)
		}
		for rows.Next() {
			var pk string
			if err := rows.Scan(&pk); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan partition key: %w", err)
			}
			blocked[pk] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate partitions: %w", err)
		}
		rows.Close()
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+invocationColumns+` FROM invocations
		WHERE queue_name = ? AND status = ?
		ORDER BY priority ASC, created_at ASC, id ASC`,
		spec.QueueName, model.StatusEnqueued,
	)
	if err != nil {
		return nil, fmt.Errorf("list enqueued: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		if spec.Partitioned && blocked[inv.PartitionKey] {
			continue
		}
		return inv, nil
	}
	return nil, rows.Err()
}

// CompleteInvocation finishes a pending invocation with a terminal status.
func (s *SQLiteStore) CompleteInvocation(ctx context.Context, id, status string, output []byte, errCode, errMsg string) error {
	if !model.ValidTransition(model.StatusPending, status) || !model.Terminal(status) {
		return ErrInvalidTransition
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE invocations SET status = ?, output = ?, error_code = ?, error = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		status, output, errCode, errMsg, time.Now().UTC(), id, model.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("complete invocation: %w", err)
	}
	return s.checkConditionalUpdate(ctx, res, id)
}

// CancelInvocation terminally marks an active invocation as cancelled.
func (s *SQLiteStore) CancelInvocation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invocations SET status = ?, error_code = ?, error = ?, finished_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		model.StatusError, model.ErrCodeCancelled, "invocation cancelled",
		time.Now().UTC(), id, model.StatusEnqueued, model.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("cancel invocation: %w", err)
	}
	return s.checkConditionalUpdate(ctx, res, id)
}

// checkConditionalUpdate distinguishes "row missing" from "row in wrong state"
// after a zero-row conditional update.
func (s *SQLiteStore) checkConditionalUpdate(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetInvocation(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// ListPendingOwned returns the recovery candidates for an application version.
func (s *SQLiteStore) ListPendingOwned(ctx context.Context, appVersion string) ([]*model.Invocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+invocationColumns+` FROM invocations
		WHERE status = ? AND app_version = ?
		ORDER BY created_at ASC, id ASC`,
		model.StatusPending, appVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var invs []*model.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending invocation: %w", err)
		}
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

// RecoverInvocation re-admits a crashed pending invocation, or terminates it
// when its deadline has already elapsed or recovery_attempts reaches the
// maximum. Each branch is a single conditional UPDATE, so two executors can
// never double-increment the counter. The requeue leaves deadline_at intact.
func (s *SQLiteStore) RecoverInvocation(ctx context.Context, id string) (RecoveryOutcome, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE invocations SET status = ?, error_code = ?, error = ?, finished_at = ?
		WHERE id = ? AND status = ? AND deadline_at IS NOT NULL AND deadline_at <= ?`,
		model.StatusError, model.ErrCodeTimeout, "invocation deadline elapsed before recovery",
		now, id, model.StatusPending, now,
	)
	if err != nil {
		return RecoveryNone, fmt.Errorf("expire invocation: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return RecoveryNone, fmt.Errorf("check expire rows: %w", err)
	} else if n > 0 {
		return RecoveryExpired, nil
	}

	res, err = s.db.ExecContext(ctx,
		`UPDATE invocations
		SET status = ?, recovery_attempts = recovery_attempts + 1, started_at = NULL, executor_id = ''
		WHERE id = ? AND status = ? AND recovery_attempts < max_recovery_attempts`,
		model.StatusEnqueued, id, model.StatusPending,
	)
	if err != nil {
		return RecoveryNone, fmt.Errorf("requeue invocation: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return RecoveryNone, fmt.Errorf("check requeue rows: %w", err)
	} else if n > 0 {
		return RecoveryRequeued, nil
	}

	res, err = s.db.ExecContext(ctx,
		`UPDATE invocations SET status = ?, error_code = ?, error = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		model.StatusError, model.ErrCodeMaxRecoveryAttempts,
		"maximum recovery attempts exceeded", time.Now().UTC(),
		id, model.StatusPending,
	)
	if err != nil {
		return RecoveryNone, fmt.Errorf("terminate invocation: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return RecoveryNone, fmt.Errorf("check terminate rows: %w", err)
	} else if n > 0 {
		return RecoveryExhausted, nil
	}
	return RecoveryNone, nil
}

// AppendStep records a step outcome. The (workflow_id, seq) primary key makes
// the write first-wins; a conflicting re-append surfaces non-determinism.
func (s *SQLiteStore) AppendStep(ctx context.Context, rec *model.StepRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps (workflow_id, seq, name, input_hash, output, error, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.WorkflowID, rec.Seq, rec.Name, rec.InputHash,
		[]byte(rec.Output), rec.Error, rec.Attempts, rec.CreatedAt,
	)
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err, "steps") {
		return fmt.Errorf("insert step: %w", err)
	}

	existing, getErr := s.GetStep(ctx, rec.WorkflowID, rec.Seq)
	if getErr != nil {
		return fmt.Errorf("read conflicting step: %w", getErr)
	}
	if existing.Name != rec.Name || existing.InputHash != rec.InputHash {
		return ErrStepMismatch
	}
	return nil
}

// GetStep returns the recorded outcome for a step sequence number.
func (s *SQLiteStore) GetStep(ctx context.Context, workflowID string, seq int) (*model.StepRecord, error) {
	rec := &model.StepRecord{}
	var output []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, seq, name, input_hash, output, error, attempts, created_at
		FROM steps WHERE workflow_id = ? AND seq = ?`,
		workflowID, seq,
	).Scan(&rec.WorkflowID, &rec.Seq, &rec.Name, &rec.InputHash, &output, &rec.Error, &rec.Attempts, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	rec.Output = output
	return rec, nil
}

// ListSteps returns all recorded steps for an invocation in sequence order.
func (s *SQLiteStore) ListSteps(ctx context.Context, workflowID string) ([]model.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, seq, name, input_hash, output, error, attempts, created_at
		FROM steps WHERE workflow_id = ? ORDER BY seq ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var recs []model.StepRecord
	for rows.Next() {
		var rec model.StepRecord
		var output []byte
		if err := rows.Scan(&rec.WorkflowID, &rec.Seq, &rec.Name, &rec.InputHash,
			&output, &rec.Error, &rec.Attempts, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		rec.Output = output
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SetEvent upserts the latest value for an event key.
func (s *SQLiteStore) SetEvent(ctx context.Context, workflowID, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (workflow_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (workflow_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		workflowID, key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set event: %w", err)
	}
	return nil
}

// GetEvent returns the latest value for an event key, or ErrNotFound when unset.
func (s *SQLiteStore) GetEvent(ctx context.Context, workflowID, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM events WHERE workflow_id = ? AND key = ?",
		workflowID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return value, nil
}

// SendMessage appends a one-shot message for a workflow on a topic.
func (s *SQLiteStore) SendMessage(ctx context.Context, workflowID, topic string, body []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (workflow_id, topic, body, created_at) VALUES (?, ?, ?, ?)",
		workflowID, topic, body, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// ConsumeMessage claims the oldest unconsumed message for (workflow, topic).
func (s *SQLiteStore) ConsumeMessage(ctx context.Context, workflowID, topic string) ([]byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin consume tx: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var body []byte
	err = tx.QueryRowContext(ctx,
		`SELECT id, body FROM messages
		WHERE workflow_id = ? AND topic = ? AND consumed = 0
		ORDER BY id ASC LIMIT 1`,
		workflowID, topic,
	).Scan(&id, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select message: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE messages SET consumed = 1 WHERE id = ? AND consumed = 0", id)
	if err != nil {
		return nil, fmt.Errorf("consume message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check consume rows: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume: %w", err)
	}
	return body, nil
}

// AppendStreamValue appends the next record to an ordered stream.
func (s *SQLiteStore) AppendStreamValue(ctx context.Context, workflowID, key string, value []byte) error {
	return s.appendStream(ctx, workflowID, key, value, false)
}

// CloseStream appends a terminal marker after which no more values may be written.
func (s *SQLiteStore) CloseStream(ctx context.Context, workflowID, key string) error {
	return s.appendStream(ctx, workflowID, key, nil, true)
}

func (s *SQLiteStore) appendStream(ctx context.Context, workflowID, key string, value []byte, closed bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stream tx: %w", err)
	}
	defer tx.Rollback()

	var maxSeq int
	var isClosed bool
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), -1), COALESCE(MAX(closed), 0) FROM streams WHERE workflow_id = ? AND key = ?",
		workflowID, key,
	).Scan(&maxSeq, &isClosed); err != nil {
		return fmt.Errorf("read stream head: %w", err)
	}
	if isClosed {
		return ErrStreamClosed
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO streams (workflow_id, key, seq, value, closed, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		workflowID, key, maxSeq+1, value, closed, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("append stream value: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stream append: %w", err)
	}
	return nil
}

// ReadStream returns all stream values in order and whether the stream is closed.
func (s *SQLiteStore) ReadStream(ctx context.Context, workflowID, key string) ([][]byte, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT value, closed FROM streams WHERE workflow_id = ? AND key = ? ORDER BY seq ASC",
		workflowID, key,
	)
	if err != nil {
		return nil, false, fmt.Errorf("read stream: %w", err)
	}
	defer rows.Close()

	var values [][]byte
	var closed bool
	for rows.Next() {
		var value []byte
		var c bool
		if err := rows.Scan(&value, &c); err != nil {
			return nil, false, fmt.Errorf("scan stream value: %w", err)
		}
		if c {
			closed = true
			continue
		}
		values = append(values, value)
	}
	return values, closed, rows.Err()
}

// GetStats returns aggregate invocation statistics.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		CountByStatus: make(map[string]int),
		CountByQueue:  make(map[string]int),
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin stats tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM invocations GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx, "SELECT queue_name, COUNT(*) FROM invocations GROUP BY queue_name")
	if err != nil {
		return nil, fmt.Errorf("count by queue: %w", err)
	}
	for rows.Next() {
		var queue string
		var n int
		if err := rows.Scan(&queue, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan queue count: %w", err)
		}
		stats.CountByQueue[queue] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate queue counts: %w", err)
	}
	rows.Close()

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		`SELECT AVG((julianday(finished_at) - julianday(started_at)) * 86400000.0)
		FROM invocations WHERE started_at IS NOT NULL AND finished_at IS NOT NULL`,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanInvocation.
type scanner interface {
	Scan(dest ...any) error
}

func scanInvocation(sc scanner) (*model.Invocation, error) {
	inv := &model.Invocation{}
	var dedup sql.NullString
	var input, output []byte
	var deadline, started, finished sql.NullTime
	err := sc.Scan(
		&inv.ID, &inv.WorkflowName, &inv.QueueName, &inv.PartitionKey, &dedup,
		&inv.Status, &inv.Priority, &input, &output, &inv.ErrorCode, &inv.Error,
		&inv.RecoveryAttempts, &inv.MaxRecoveryAttempts, &inv.ExecutorID, &inv.AppVersion,
		&inv.TimeoutMS, &deadline, &inv.CreatedAt, &started, &finished,
	)
	if err != nil {
		return nil, err
	}
	inv.DedupID = dedup.String
	inv.Input = input
	inv.Output = output
	if deadline.Valid {
		t := deadline.Time
		inv.DeadlineAt = &t
	}
	if started.Valid {
		t := started.Time
		inv.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		inv.FinishedAt = &t
	}
	return inv, nil
}

// filterClause builds a sqlite WHERE clause for Filter.
func filterClause(f Filter) (string, []any) {
	var conds []string
	var args []any
	if f.QueueName != "" {
		conds = append(conds, "queue_name = ?")
		args = append(args, f.QueueName)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.WorkflowName != "" {
		conds = append(conds, "workflow_name = ?")
		args = append(args, f.WorkflowName)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation matches sqlite unique-constraint errors mentioning the
// given table or column. The driver exposes these only as text.
func isUniqueViolation(err error, fragment string) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, fragment)
}
