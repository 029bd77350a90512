package schedule

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/anvilworks/anvil/internal/queue"
	"github.com/anvilworks/anvil/internal/runtime"
	"github.com/anvilworks/anvil/internal/store"
)

// fakeEnqueuer records admissions and enforces dedup ids like the store does.
type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []queue.EnqueueOptions
	seen  map[string]bool
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, opts queue.EnqueueOptions) (*runtime.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if opts.DedupID != "" && f.seen[opts.DedupID] {
		return nil, store.ErrDeduplicated
	}
	f.seen[opts.DedupID] = true
	f.calls = append(f.calls, opts)
	return nil, nil
}

func (f *fakeEnqueuer) admitted() []queue.EnqueueOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.EnqueueOptions(nil), f.calls...)
}

func newTestScheduler() *Scheduler {
	return NewScheduler(slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func TestRegisterValidatesSpec(t *testing.T) {
	tests := []struct {
		name     string
		spec     string
		workflow string
		wantErr  bool
	}{
		{"five fields", "*/5 * * * *", "nightly-report", false},
		{"descriptor", "@hourly", "rollup", false},
		{"gibberish", "banana", "rollup", true},
		{"too few fields", "* * *", "rollup", true},
		{"missing workflow", "* * * * *", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newTestScheduler().Register(tt.spec, tt.workflow, "")
			if (err != nil) != tt.wantErr {
				t.Errorf("Register(%q, %q) error = %v, wantErr %v", tt.spec, tt.workflow, err, tt.wantErr)
			}
		})
	}
}

func TestRegisterAfterStartRejected(t *testing.T) {
	s := newTestScheduler()
	if err := s.Register("0 3 * * *", "nightly-report", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s.Start(&fakeEnqueuer{})
	defer s.Stop()

	if err := s.Register("0 4 * * *", "late-report", ""); err == nil {
		t.Error("Register after Start succeeded, want error")
	}
}

func TestFireDeduplicatesWithinTick(t *testing.T) {
	s := newTestScheduler()
	enq := &fakeEnqueuer{}
	e := entry{spec: "* * * * *", workflow: "rollup", queue: "reports"}

	now := time.Date(2026, 8, 29, 12, 30, 2, 0, time.UTC)

	// Two executors firing the same tick admit one invocation.
	s.fire(e, enq, now)
	s.fire(e, enq, now.Add(3*time.Second))

	calls := enq.admitted()
	if len(calls) != 1 {
		t.Fatalf("admitted = %d, want 1", len(calls))
	}
	got := calls[0]
	if got.Workflow != "rollup" || got.Queue != "reports" {
		t.Errorf("opts = %+v, want workflow rollup on queue reports", got)
	}
	if want := "rollup@2026-08-29T12:30:00Z"; got.DedupID != want {
		t.Errorf("DedupID = %q, want %q", got.DedupID, want)
	}
	tick, ok := got.Input.(Tick)
	if !ok {
		t.Fatalf("Input is %T, want Tick", got.Input)
	}
	if !tick.ScheduledAt.Equal(now.Truncate(time.Minute)) {
		t.Errorf("ScheduledAt = %v, want %v", tick.ScheduledAt, now.Truncate(time.Minute))
	}

	// The next tick is admitted fresh.
	s.fire(e, enq, now.Add(time.Minute))
	if calls := enq.admitted(); len(calls) != 2 {
		t.Errorf("admitted after next tick = %d, want 2", len(calls))
	}
}
