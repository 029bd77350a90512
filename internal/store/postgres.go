package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anvilworks/anvil/internal/model"
)

const pgUniqueViolation = "23505"

var pgMigrations = []string{
	`CREATE TABLE IF NOT EXISTS invocations (
		id                    TEXT PRIMARY KEY,
		workflow_name         TEXT NOT NULL,
		queue_name            TEXT NOT NULL,
		partition_key         TEXT NOT NULL DEFAULT '',
		dedup_id              TEXT,
		status                TEXT NOT NULL,
		priority              INTEGER NOT NULL DEFAULT 0,
		input                 BYTEA,
		output                BYTEA,
		error_code            TEXT NOT NULL DEFAULT '',
		error                 TEXT NOT NULL DEFAULT '',
		recovery_attempts     INTEGER NOT NULL DEFAULT 0,
		max_recovery_attempts INTEGER NOT NULL,
		executor_id           TEXT NOT NULL DEFAULT '',
		app_version           TEXT NOT NULL DEFAULT '',
		timeout_ms            BIGINT NOT NULL DEFAULT 0,
		deadline_at           TIMESTAMPTZ,
		created_at            TIMESTAMPTZ NOT NULL,
		started_at            TIMESTAMPTZ,
		finished_at           TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_invocations_active_dedup
		ON invocations(queue_name, dedup_id)
		WHERE dedup_id IS NOT NULL AND status IN ('ENQUEUED', 'PENDING')`,
	`CREATE INDEX IF NOT EXISTS idx_invocations_queue_status
		ON invocations(queue_name, status)`,
	`CREATE TABLE IF NOT EXISTS steps (
		workflow_id TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		name        TEXT NOT NULL,
		input_hash  TEXT NOT NULL,
		output      BYTEA,
		error       TEXT NOT NULL DEFAULT '',
		attempts    INTEGER NOT NULL DEFAULT 1,
		created_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (workflow_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		workflow_id TEXT NOT NULL,
		key         TEXT NOT NULL,
		value       BYTEA,
		updated_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (workflow_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id          BIGSERIAL PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		topic       TEXT NOT NULL,
		body        BYTEA,
		consumed    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS streams (
		workflow_id TEXT NOT NULL,
		key         TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		value       BYTEA,
		closed      BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (workflow_id, key, seq)
	)`,
}

// Compile-time interface satisfaction check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on a pgx connection pool. It is the backend
// for deployments where several executor processes share one log store; claim
// candidate selection uses FOR UPDATE SKIP LOCKED so pollers do not serialize
// on each other.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and runs migrations.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	for _, stmt := range pgMigrations {
		if _, err := db.Exec(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &PostgresStore{db: db}, nil
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PostgresStore) CreateInvocation(ctx context.Context, inv *model.Invocation) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO invocations (`+invocationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		inv.ID, inv.WorkflowName, inv.QueueName, inv.PartitionKey, nullable(inv.DedupID),
		inv.Status, inv.Priority, []byte(inv.Input), []byte(inv.Output), inv.ErrorCode, inv.Error,
		inv.RecoveryAttempts, inv.MaxRecoveryAttempts, inv.ExecutorID, inv.AppVersion,
		inv.TimeoutMS, inv.DeadlineAt, inv.CreatedAt, inv.StartedAt, inv.FinishedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation &&
			pgErr.ConstraintName == "idx_invocations_active_dedup" {
			return ErrDeduplicated
		}
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInvocation(ctx context.Context, id string) (*model.Invocation, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+invocationColumns+` FROM invocations WHERE id = $1`, id)
	inv, err := scanInvocation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invocation: %w", err)
	}
	return inv, nil
}

func (s *PostgresStore) ListInvocations(ctx context.Context, f Filter, limit, offset int) ([]*model.Invocation, int, error) {
	where, args := pgFilterClause(f)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var total int
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM invocations"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count invocations: %w", err)
	}

	n := len(args)
	rows, err := tx.Query(ctx,
		fmt.Sprintf(`SELECT `+invocationColumns+` FROM invocations%s
			ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, where, n+1, n+2),
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

func (s *PostgresStore) ClaimNext(ctx context.Context, spec ClaimSpec) (*model.Invocation, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if spec.MaxConcurrent > 0 {
		var active int
		if err := tx.QueryRow(ctx,
			"SELECT COUNT(*) FROM invocations WHERE queue_name = $1 AND status = $2",
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
		if err := tx.QueryRow(ctx,
			"SELECT COUNT(*) FROM invocations WHERE queue_name = $1 AND started_at IS NOT NULL AND started_at >= $2",
			spec.QueueName, cutoff,
		).Scan(&admitted); err != nil {
			return nil, fmt.Errorf("count limiter window: %w", err)
		}
		if admitted >= spec.LimiterLimit {
			return nil, nil
		}
	}

	// The candidate query locks the chosen row; SKIP LOCKED lets concurrent
	// claimers pass over rows another executor is already admitting.
	query := `SELECT ` + invocationColumns + ` FROM invocations i
		WHERE i.queue_name = $1 AND i.status = $2`
	if spec.Partitioned {
		query += `
		AND NOT EXISTS (
			SELECT 1 FROM invocations p
			WHERE p.queue_name = i.queue_name AND p.partition_key = i.partition_key AND p.status = $3
		)
		AND NOT EXISTS (
			SELECT 1 FROM invocations e
			WHERE e.queue_name = i.queue_name AND e.partition_key = i.partition_key AND e.status = $2
			AND (e.priority, e.created_at, e.id) < (i.priority, i.created_at, i.id)
		)`
	}
	query += `
		ORDER BY i.priority ASC, i.created_at ASC, i.id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	args := []any{spec.QueueName, model.StatusEnqueued}
	if spec.Partitioned {
		args = append(args, model.StatusPending)
	}

	row := tx.QueryRow(ctx, query, args...)
	inv, err := scanInvocation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select candidate: %w", err)
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
	tag, err := tx.Exec(ctx,
		`UPDATE invocations SET status = $1, started_at = $2, executor_id = $3, deadline_at = $4
		WHERE id = $5 AND status = $6`,
		model.StatusPending, now, spec.ExecutorID, deadline, inv.ID, model.StatusEnqueued,
	)
	if err != nil {
		return nil, fmt.Errorf("claim invocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	inv.Status = model.StatusPending
	inv.StartedAt = &now
	inv.ExecutorID = spec.ExecutorID
	inv.DeadlineAt = deadline
	return inv, nil
}

func (s *PostgresStore) CompleteInvocation(ctx context.Context, id, status string, output []byte, errCode, errMsg string) error {
	if !model.ValidTransition(model.StatusPending, status) || !model.Terminal(status) {
		return ErrInvalidTransition
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE invocations SET status = $1, output = $2, error_code = $3, error = $4, finished_at = $5
		WHERE id = $6 AND status = $7`,
		status, output, errCode, errMsg, time.Now().UTC(), id, model.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("complete invocation: %w", err)
	}
	return s.checkConditionalUpdate(ctx, tag, id)
}

func (s *PostgresStore) CancelInvocation(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE invocations SET status = $1, error_code = $2, error = $3, finished_at = $4
		WHERE id = $5 AND status IN ($6, $7)`,
		model.StatusError, model.ErrCodeCancelled, "invocation cancelled",
		time.Now().UTC(), id, model.StatusEnqueued, model.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("cancel invocation: %w", err)
	}
	return s.checkConditionalUpdate(ctx, tag, id)
}

func (s *PostgresStore) checkConditionalUpdate(ctx context.Context, tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetInvocation(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (s *PostgresStore) ListPendingOwned(ctx context.Context, appVersion string) ([]*model.Invocation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+invocationColumns+` FROM invocations
		WHERE status = $1 AND app_version = $2
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

func (s *PostgresStore) RecoverInvocation(ctx context.Context, id string) (RecoveryOutcome, error) {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx,
		`UPDATE invocations SET status = $1, error_code = $2, error = $3, finished_at = $4
		WHERE id = $5 AND status = $6 AND deadline_at IS NOT NULL AND deadline_at <= $7`,
		model.StatusError, model.ErrCodeTimeout, "invocation deadline elapsed before recovery",
		now, id, model.StatusPending, now,
	)
	if err != nil {
		return RecoveryNone, fmt.Errorf("expire invocation: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return RecoveryExpired, nil
	}

	tag, err = s.db.Exec(ctx,
		`UPDATE invocations
		SET status = $1, recovery_attempts = recovery_attempts + 1, started_at = NULL, executor_id = ''
		WHERE id = $2 AND status = $3 AND recovery_attempts < max_recovery_attempts`,
		model.StatusEnqueued, id, model.StatusPending,
	)
	if err != nil {
		return RecoveryNone, fmt.Errorf("requeue invocation: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return RecoveryRequeued, nil
	}

	tag, err = s.db.Exec(ctx,
		`UPDATE invocations SET status = $1, error_code = $2, error = $3, finished_at = $4
		WHERE id = $5 AND status = $6`,
		model.StatusError, model.ErrCodeMaxRecoveryAttempts,
		"maximum recovery attempts exceeded", time.Now().UTC(),
		id, model.StatusPending,
	)
	if err != nil {
		return RecoveryNone, fmt.Errorf("terminate invocation: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return RecoveryExhausted, nil
	}
	return RecoveryNone, nil
}

func (s *PostgresStore) AppendStep(ctx context.Context, rec *model.StepRecord) error {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO steps (workflow_id, seq, name, input_hash, output, error, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (workflow_id, seq) DO NOTHING`,
		rec.WorkflowID, rec.Seq, rec.Name, rec.InputHash,
		[]byte(rec.Output), rec.Error, rec.Attempts, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	existing, err := s.GetStep(ctx, rec.WorkflowID, rec.Seq)
	if err != nil {
		return fmt.Errorf("read conflicting step: %w", err)
	}
	if existing.Name != rec.Name || existing.InputHash != rec.InputHash {
		return ErrStepMismatch
	}
	return nil
}

func (s *PostgresStore) GetStep(ctx context.Context, workflowID string, seq int) (*model.StepRecord, error) {
	rec := &model.StepRecord{}
	var output []byte
	err := s.db.QueryRow(ctx,
		`SELECT workflow_id, seq, name, input_hash, output, error, attempts, created_at
		FROM steps WHERE workflow_id = $1 AND seq = $2`,
		workflowID, seq,
	).Scan(&rec.WorkflowID, &rec.Seq, &rec.Name, &rec.InputHash, &output, &rec.Error, &rec.Attempts, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	rec.Output = output
	return rec, nil
}

func (s *PostgresStore) ListSteps(ctx context.Context, workflowID string) ([]model.StepRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT workflow_id, seq, name, input_hash, output, error, attempts, created_at
		FROM steps WHERE workflow_id = $1 ORDER BY seq ASC`,
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

func (s *PostgresStore) SetEvent(ctx context.Context, workflowID, key string, value []byte) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO events (workflow_id, key, value, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		workflowID, key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, workflowID, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(ctx,
		"SELECT value FROM events WHERE workflow_id = $1 AND key = $2",
		workflowID, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return value, nil
}

func (s *PostgresStore) SendMessage(ctx context.Context, workflowID, topic string, body []byte) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO messages (workflow_id, topic, body, created_at) VALUES ($1, $2, $3, $4)",
		workflowID, topic, body, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ConsumeMessage(ctx context.Context, workflowID, topic string) ([]byte, error) {
	var body []byte
	err := s.db.QueryRow(ctx,
		`UPDATE messages SET consumed = TRUE
		WHERE id = (
			SELECT id FROM messages
			WHERE workflow_id = $1 AND topic = $2 AND consumed = FALSE
			ORDER BY id ASC LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING body`,
		workflowID, topic,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume message: %w", err)
	}
	return body, nil
}

func (s *PostgresStore) AppendStreamValue(ctx context.Context, workflowID, key string, value []byte) error {
	return s.appendStream(ctx, workflowID, key, value, false)
}

func (s *PostgresStore) CloseStream(ctx context.Context, workflowID, key string) error {
	return s.appendStream(ctx, workflowID, key, nil, true)
}

func (s *PostgresStore) appendStream(ctx context.Context, workflowID, key string, value []byte, closed bool) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin stream tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var maxSeq int
	var isClosed bool
	if err := tx.QueryRow(ctx,
		"SELECT COALESCE(MAX(seq), -1), COALESCE(BOOL_OR(closed), FALSE) FROM streams WHERE workflow_id = $1 AND key = $2",
		workflowID, key,
	).Scan(&maxSeq, &isClosed); err != nil {
		return fmt.Errorf("read stream head: %w", err)
	}
	if isClosed {
		return ErrStreamClosed
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO streams (workflow_id, key, seq, value, closed, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		workflowID, key, maxSeq+1, value, closed, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("append stream value: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit stream append: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReadStream(ctx context.Context, workflowID, key string) ([][]byte, bool, error) {
	rows, err := s.db.Query(ctx,
		"SELECT value, closed FROM streams WHERE workflow_id = $1 AND key = $2 ORDER BY seq ASC",
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

func (s *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		CountByStatus: make(map[string]int),
		CountByQueue:  make(map[string]int),
	}

	rows, err := s.db.Query(ctx, "SELECT status, COUNT(*) FROM invocations GROUP BY status")
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

	rows, err = s.db.Query(ctx, "SELECT queue_name, COUNT(*) FROM invocations GROUP BY queue_name")
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

	var avg *float64
	if err := s.db.QueryRow(ctx,
		`SELECT AVG(EXTRACT(EPOCH FROM (finished_at - started_at)) * 1000.0)
		FROM invocations WHERE started_at IS NOT NULL AND finished_at IS NOT NULL`,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg != nil {
		stats.AvgDurationMS = *avg
	}

	return stats, nil
}

// pgFilterClause builds a numbered-placeholder WHERE clause for Filter.
func pgFilterClause(f Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(col, val string) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.QueueName != "" {
		add("queue_name", f.QueueName)
	}
	if f.Status != "" {
		add("status", f.Status)
	}
	if f.WorkflowName != "" {
		add("workflow_name", f.WorkflowName)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
