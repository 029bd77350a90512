package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/anvilworks/anvil/internal/model"
)

// Postgres tests run only against a real database:
//
//	ANVIL_TEST_DATABASE_URL=postgres://localhost/anvil_test go test ./internal/store/
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("ANVIL_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("ANVIL_TEST_DATABASE_URL not set")
	}

	s, err := NewPostgresStore(context.Background(), url)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// pgQueue gives each test an isolated queue name so tests can share a database.
func pgQueue(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("test-%s", model.NewID())
}

func TestPostgresInvocationLifecycle(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	queue := pgQueue(t)

	inv := &model.Invocation{
		ID:                  model.NewID(),
		WorkflowName:        "send-report",
		QueueName:           queue,
		DedupID:             "order-42",
		Status:              model.StatusEnqueued,
		Input:               []byte(`{"month":"2026-08"}`),
		MaxRecoveryAttempts: model.DefaultMaxRecoveryAttempts,
		AppVersion:          "v1",
		CreatedAt:           time.Now().UTC(),
	}
	if err := s.CreateInvocation(ctx, inv); err != nil {
		t.Fatalf("CreateInvocation: %v", err)
	}

	dup := &model.Invocation{
		ID:                  model.NewID(),
		WorkflowName:        "send-report",
		QueueName:           queue,
		DedupID:             "order-42",
		Status:              model.StatusEnqueued,
		MaxRecoveryAttempts: model.DefaultMaxRecoveryAttempts,
		CreatedAt:           time.Now().UTC(),
	}
	if err := s.CreateInvocation(ctx, dup); !errors.Is(err, ErrDeduplicated) {
		t.Fatalf("duplicate error = %v, want ErrDeduplicated", err)
	}

	claimed, err := s.ClaimNext(ctx, ClaimSpec{QueueName: queue, ExecutorID: "exec-1"})
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed == nil || claimed.ID != inv.ID {
		t.Fatalf("ClaimNext = %v, want %s", claimed, inv.ID)
	}
	if claimed.Status != model.StatusPending || claimed.StartedAt == nil {
		t.Errorf("claimed = %s/%v, want PENDING with StartedAt", claimed.Status, claimed.StartedAt)
	}

	if err := s.CompleteInvocation(ctx, inv.ID, model.StatusSuccess, []byte(`"ok"`), "", ""); err != nil {
		t.Fatalf("CompleteInvocation: %v", err)
	}
	got, err := s.GetInvocation(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetInvocation: %v", err)
	}
	if got.Status != model.StatusSuccess || string(got.Output) != `"ok"` {
		t.Errorf("final = %s %s, want SUCCESS \"ok\"", got.Status, got.Output)
	}

	// Terminal rows free the dedup id.
	if err := s.CreateInvocation(ctx, dup); err != nil {
		t.Errorf("re-enqueue after terminal: %v", err)
	}
}

func TestPostgresRecoverInvocation(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	queue := pgQueue(t)

	inv := &model.Invocation{
		ID:                  model.NewID(),
		WorkflowName:        "doomed",
		QueueName:           queue,
		Status:              model.StatusEnqueued,
		MaxRecoveryAttempts: 1,
		AppVersion:          "v1",
		CreatedAt:           time.Now().UTC(),
	}
	if err := s.CreateInvocation(ctx, inv); err != nil {
		t.Fatalf("CreateInvocation: %v", err)
	}

	spec := ClaimSpec{QueueName: queue, ExecutorID: "exec-1"}
	if claimed, err := s.ClaimNext(ctx, spec); err != nil || claimed == nil {
		t.Fatalf("ClaimNext = %v, %v", claimed, err)
	}

	outcome, err := s.RecoverInvocation(ctx, inv.ID)
	if err != nil || outcome != RecoveryRequeued {
		t.Fatalf("RecoverInvocation = %v, %v; want RecoveryRequeued", outcome, err)
	}

	if claimed, err := s.ClaimNext(ctx, spec); err != nil || claimed == nil {
		t.Fatalf("reclaim = %v, %v", claimed, err)
	}
	outcome, err = s.RecoverInvocation(ctx, inv.ID)
	if err != nil || outcome != RecoveryExhausted {
		t.Fatalf("RecoverInvocation = %v, %v; want RecoveryExhausted", outcome, err)
	}

	got, err := s.GetInvocation(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetInvocation: %v", err)
	}
	if got.ErrorCode != model.ErrCodeMaxRecoveryAttempts {
		t.Errorf("ErrorCode = %q, want %q", got.ErrorCode, model.ErrCodeMaxRecoveryAttempts)
	}
}

func TestPostgresStepAndCommPrimitives(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	wfID := model.NewID()

	rec := &model.StepRecord{
		WorkflowID: wfID,
		Seq:        0,
		Name:       "charge-card",
		InputHash:  "abc123",
		Output:     []byte(`{"charge_id":"ch_1"}`),
		Attempts:   1,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.AppendStep(ctx, rec); err != nil {
		t.Fatalf("AppendStep: %v", err)
	}
	clash := *rec
	clash.Name = "send-email"
	if err := s.AppendStep(ctx, &clash); !errors.Is(err, ErrStepMismatch) {
		t.Errorf("clash error = %v, want ErrStepMismatch", err)
	}

	if err := s.SetEvent(ctx, wfID, "progress", []byte(`25`)); err != nil {
		t.Fatalf("SetEvent: %v", err)
	}
	if err := s.SetEvent(ctx, wfID, "progress", []byte(`75`)); err != nil {
		t.Fatalf("SetEvent overwrite: %v", err)
	}
	value, err := s.GetEvent(ctx, wfID, "progress")
	if err != nil || string(value) != "75" {
		t.Errorf("GetEvent = %s, %v; want 75", value, err)
	}

	if err := s.SendMessage(ctx, wfID, "approvals", []byte(`"yes"`)); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	body, err := s.ConsumeMessage(ctx, wfID, "approvals")
	if err != nil || string(body) != `"yes"` {
		t.Errorf("ConsumeMessage = %s, %v; want \"yes\"", body, err)
	}
	if _, err := s.ConsumeMessage(ctx, wfID, "approvals"); !errors.Is(err, ErrNotFound) {
		t.Errorf("drained error = %v, want ErrNotFound", err)
	}

	if err := s.AppendStreamValue(ctx, wfID, "rows", []byte(`1`)); err != nil {
		t.Fatalf("AppendStreamValue: %v", err)
	}
	if err := s.CloseStream(ctx, wfID, "rows"); err != nil {
		t.Fatalf("CloseStream: %v", err)
	}
	if err := s.AppendStreamValue(ctx, wfID, "rows", []byte(`2`)); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("append after close error = %v, want ErrStreamClosed", err)
	}
	values, closed, err := s.ReadStream(ctx, wfID, "rows")
	if err != nil || !closed || len(values) != 1 {
		t.Errorf("ReadStream = %d values, closed=%v, err=%v; want 1/true/nil", len(values), closed, err)
	}
}
