package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/anvilworks/anvil/internal/runtime"
	"github.com/anvilworks/anvil/internal/store"
)

func TestNewDescriptorValidation(t *testing.T) {
	tests := []struct {
		name    string
		desc    Descriptor
		wantErr bool
	}{
		{"minimal", Descriptor{Name: "q"}, false},
		{"full", Descriptor{Name: "q", Concurrency: 10, WorkerConcurrency: 2, Limiter: Limiter{Limit: 50, Period: time.Minute}, Partitioned: true}, false},
		{"missing name", Descriptor{}, true},
		{"negative concurrency", Descriptor{Name: "q", Concurrency: -1}, true},
		{"negative worker concurrency", Descriptor{Name: "q", WorkerConcurrency: -1}, true},
		{"limiter without period", Descriptor{Name: "q", Limiter: Limiter{Limit: 5}}, true},
		{"limiter without limit", Descriptor{Name: "q", Limiter: Limiter{Period: time.Minute}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDescriptor(tt.desc)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewDescriptor(%+v) error = %v, wantErr %v", tt.desc, err, tt.wantErr)
			}
		})
	}
}

func TestRegistryFreeze(t *testing.T) {
	r := NewRegistry()

	if _, ok := r.Get(DefaultQueue); !ok {
		t.Fatal("default queue missing from new registry")
	}

	if err := r.Register(Descriptor{Name: "reports"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(Descriptor{Name: "reports"}); err == nil {
		t.Error("duplicate Register succeeded, want error")
	}

	r.Freeze()
	if err := r.Register(Descriptor{Name: "late"}); err == nil {
		t.Error("Register after Freeze succeeded, want error")
	}

	ds := r.List()
	if len(ds) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(ds))
	}
	if ds[0].Name != DefaultQueue || ds[1].Name != "reports" {
		t.Errorf("List() order = [%s %s], want [default reports]", ds[0].Name, ds[1].Name)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queues.yaml")
	data := `queues:
  - name: notifications
    concurrency: 10
    worker_concurrency: 2
    limiter:
      limit: 50
      period: 30s
  - name: billing
    partitioned: true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ds, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("len(ds) = %d, want 2", len(ds))
	}

	n := ds[0]
	if n.Name != "notifications" || n.Concurrency != 10 || n.WorkerConcurrency != 2 {
		t.Errorf("notifications = %+v", n)
	}
	if n.Limiter.Limit != 50 || n.Limiter.Period != 30*time.Second {
		t.Errorf("notifications limiter = %+v, want 50/30s", n.Limiter)
	}
	if !ds[1].Partitioned {
		t.Error("billing not partitioned")
	}
}

func TestLoadFileRejectsBadInput(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("LoadFile on missing file succeeded")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("queues:\n  - name: q\n    limiter:\n      limit: 5\n      period: soon\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadFile(bad); err == nil {
		t.Error("LoadFile with bad period succeeded")
	}
}

type managerFixture struct {
	store   *store.SQLiteStore
	rt      *runtime.Runtime
	queues  *Registry
	manager *Manager
}

func newManagerFixture(t *testing.T, descriptors ...Descriptor) *managerFixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "anvil.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	rt := runtime.New(s, logger)
	queues := NewRegistry()
	for _, d := range descriptors {
		if err := queues.Register(d); err != nil {
			t.Fatalf("Register queue: %v", err)
		}
	}

	mgr := NewManager(s, rt, queues, logger, Options{
		ExecutorID:   "test-exec",
		AppVersion:   "test",
		PollInterval: 10 * time.Millisecond,
	})
	return &managerFixture{store: s, rt: rt, queues: queues, manager: mgr}
}

func (f *managerFixture) start(t *testing.T) {
	t.Helper()
	f.rt.Launch()
	f.manager.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.manager.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
}

func mustResult(t *testing.T, h *runtime.Handle) json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := h.GetResult(ctx)
	if err != nil {
		t.Fatalf("GetResult(%s): %v", h.ID(), err)
	}
	return out
}

func TestEnqueueValidation(t *testing.T) {
	f := newManagerFixture(t, Descriptor{Name: "partitioned", Partitioned: true})
	if err := f.rt.Register("work", func(*runtime.Context, json.RawMessage) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()

	if _, err := f.manager.Enqueue(ctx, EnqueueOptions{Workflow: "unknown"}); !errors.Is(err, runtime.ErrNotRegistered) {
		t.Errorf("unregistered workflow error = %v, want ErrNotRegistered", err)
	}
	if _, err := f.manager.Enqueue(ctx, EnqueueOptions{Workflow: "work", Queue: "ghost"}); err == nil {
		t.Error("unknown queue succeeded")
	}
	if _, err := f.manager.Enqueue(ctx, EnqueueOptions{Workflow: "work", Queue: "partitioned"}); err == nil {
		t.Error("partitioned queue without key succeeded")
	}
	if _, err := f.manager.Enqueue(ctx, EnqueueOptions{Workflow: "work", PartitionKey: "a"}); err == nil {
		t.Error("partition key on unpartitioned queue succeeded")
	}

	h, err := f.manager.Enqueue(ctx, EnqueueOptions{Workflow: "work"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	inv, err := h.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if inv.QueueName != DefaultQueue {
		t.Errorf("QueueName = %q, want default", inv.QueueName)
	}
	if inv.MaxRecoveryAttempts <= 0 {
		t.Errorf("MaxRecoveryAttempts = %d, want a positive default", inv.MaxRecoveryAttempts)
	}
}

func TestManagerRunsEnqueuedWorkflow(t *testing.T) {
	f := newManagerFixture(t)
	if err := f.rt.Register("double", func(_ *runtime.Context, input json.RawMessage) (any, error) {
		var n int
		if err := json.Unmarshal(input, &n); err != nil {
			return nil, err
		}
		return n * 2, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	f.start(t)

	h, err := f.manager.Enqueue(context.Background(), EnqueueOptions{Workflow: "double", Input: 21})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if out := mustResult(t, h); string(out) != "42" {
		t.Errorf("result = %s, want 42", out)
	}
}

func TestDedupAllowsOneActivePerID(t *testing.T) {
	f := newManagerFixture(t)
	block := make(chan struct{})
	if err := f.rt.Register("hold", func(c *runtime.Context, _ json.RawMessage) (any, error) {
		<-block
		return "done", nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	f.start(t)
	defer close(block)

	ctx := context.Background()
	// Six submissions carrying five distinct dedup ids: the repeat is
	// rejected while its twin is still active.
	handles := make([]*runtime.Handle, 0, 5)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		h, err := f.manager.Enqueue(ctx, EnqueueOptions{Workflow: "hold", DedupID: id})
		if err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
		handles = append(handles, h)
	}
	if _, err := f.manager.Enqueue(ctx, EnqueueOptions{Workflow: "hold", DedupID: "c"}); !errors.Is(err, store.ErrDeduplicated) {
		t.Fatalf("duplicate enqueue error = %v, want ErrDeduplicated", err)
	}

	if len(handles) != 5 {
		t.Fatalf("accepted %d enqueues, want 5", len(handles))
	}
}

func TestWorkerConcurrencyCap(t *testing.T) {
	const workerCap = 3
	f := newManagerFixture(t, Descriptor{Name: "capped", WorkerConcurrency: workerCap})

	var mu sync.Mutex
	running, peak := 0, 0
	if err := f.rt.Register("track", func(*runtime.Context, json.RawMessage) (any, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return nil, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	f.start(t)

	handles := make([]*runtime.Handle, 0, 10)
	for i := 0; i < 10; i++ {
		h, err := f.manager.Enqueue(context.Background(), EnqueueOptions{Workflow: "track", Queue: "capped"})
		if err != nil {
			t.Fatalf("Enqueue[%d]: %v", i, err)
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		mustResult(t, h)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > workerCap {
		t.Errorf("peak concurrency = %d, want <= %d", peak, workerCap)
	}
	if peak == 0 {
		t.Error("no workflow ever ran")
	}
}

func TestGlobalConcurrencyCap(t *testing.T) {
	f := newManagerFixture(t, Descriptor{Name: "capped", Concurrency: 2})
	gate := make(chan struct{})
	if err := f.rt.Register("hold", func(*runtime.Context, json.RawMessage) (any, error) {
		<-gate
		return nil, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	f.start(t)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := f.manager.Enqueue(ctx, EnqueueOptions{Workflow: "hold", Queue: "capped"}); err != nil {
			t.Fatalf("Enqueue[%d]: %v", i, err)
		}
	}

	// Give the claim loop time to admit as much as it will.
	time.Sleep(150 * time.Millisecond)

	_, total, err := f.store.ListInvocations(ctx, store.Filter{QueueName: "capped", Status: "PENDING"}, 10, 0)
	if err != nil {
		t.Fatalf("ListInvocations: %v", err)
	}
	if total != 2 {
		t.Errorf("pending = %d, want 2 (the global cap)", total)
	}
	close(gate)
}

func TestPartitionedQueueSerializesWithinKey(t *testing.T) {
	f := newManagerFixture(t, Descriptor{Name: "parts", Partitioned: true})

	var mu sync.Mutex
	order := make(map[string][]int)
	if err := f.rt.Register("record", func(_ *runtime.Context, input json.RawMessage) (any, error) {
		var in struct {
			Key string `json:"key"`
			N   int    `json:"n"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		order[in.Key] = append(order[in.Key], in.N)
		mu.Unlock()
		return nil, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	f.start(t)

	ctx := context.Background()
	handles := make([]*runtime.Handle, 0, 6)
	for n := 0; n < 3; n++ {
		for _, key := range []string{"a", "b"} {
			h, err := f.manager.Enqueue(ctx, EnqueueOptions{
				Workflow:     "record",
				Queue:        "parts",
				PartitionKey: key,
				Input:        map[string]any{"key": key, "n": n},
			})
			if err != nil {
				t.Fatalf("Enqueue(%s,%d): %v", key, n, err)
			}
			handles = append(handles, h)
			// Staggered creation times keep FIFO order unambiguous.
			time.Sleep(2 * time.Millisecond)
		}
	}
	for _, h := range handles {
		mustResult(t, h)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, key := range []string{"a", "b"} {
		got := order[key]
		if len(got) != 3 {
			t.Fatalf("partition %s ran %d invocations, want 3", key, len(got))
		}
		for i, n := range got {
			if n != i {
				t.Errorf("partition %s order = %v, want [0 1 2]", key, got)
				break
			}
		}
	}
}
