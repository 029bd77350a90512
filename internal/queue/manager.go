package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anvilworks/anvil/internal/model"
	"github.com/anvilworks/anvil/internal/runtime"
	"github.com/anvilworks/anvil/internal/store"
)

// DefaultPollInterval is how often the manager checks queues for admissible
// work when no claims are succeeding.
const DefaultPollInterval = 250 * time.Millisecond

// EnqueueOptions parameterize a single enqueue.
type EnqueueOptions struct {
	Workflow string
	Input    any
	// Queue defaults to DefaultQueue when empty.
	Queue string
	// DedupID rejects a second enqueue on the same queue while an invocation
	// with the same id is still ENQUEUED or PENDING.
	DedupID string
	// PartitionKey is required on partitioned queues and rejected elsewhere.
	PartitionKey string
	// Priority orders admission within a queue; lower runs first.
	Priority int
	// Timeout bounds total execution; zero means unbounded.
	Timeout time.Duration
	// MaxRecoveryAttempts defaults to model.DefaultMaxRecoveryAttempts.
	MaxRecoveryAttempts int
}

// Options configure a Manager.
type Options struct {
	ExecutorID   string
	AppVersion   string
	PollInterval time.Duration
}

// Manager persists enqueues and runs the claim loop that feeds admissible
// invocations to the runtime. Global admission limits live in the store so
// executors sharing a database cooperate; worker limits are in-process
// semaphores.
type Manager struct {
	store    store.Store
	rt       *runtime.Runtime
	registry *Registry
	logger   *slog.Logger

	executorID   string
	appVersion   string
	pollInterval time.Duration

	// sems holds one semaphore channel per queue with a worker cap.
	sems map[string]chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
	pollWG  sync.WaitGroup
}

// NewManager creates a queue manager. Start must be called before any work is
// claimed; Enqueue works immediately.
func NewManager(s store.Store, rt *runtime.Runtime, reg *Registry, logger *slog.Logger, opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:        s,
		rt:           rt,
		registry:     reg,
		logger:       logger,
		executorID:   opts.ExecutorID,
		appVersion:   opts.AppVersion,
		pollInterval: opts.PollInterval,
		sems:         make(map[string]chan struct{}),
		baseCtx:      baseCtx,
		cancel:       cancel,
		stopCh:       make(chan struct{}),
	}
}

// Enqueue validates options against the queue registry and persists a new
// invocation in ENQUEUED state. Returns store.ErrDeduplicated when an active
// invocation with the same dedup id already sits on the queue.
func (m *Manager) Enqueue(ctx context.Context, opts EnqueueOptions) (*runtime.Handle, error) {
	if opts.Workflow == "" {
		return nil, fmt.Errorf("workflow name is required")
	}
	if !m.rt.Registered(opts.Workflow) {
		return nil, fmt.Errorf("%w: %q", runtime.ErrNotRegistered, opts.Workflow)
	}

	queueName := opts.Queue
	if queueName == "" {
		queueName = DefaultQueue
	}
	desc, ok := m.registry.Get(queueName)
	if !ok {
		return nil, fmt.Errorf("queue %q is not registered", queueName)
	}
	if desc.Partitioned && opts.PartitionKey == "" {
		return nil, fmt.Errorf("queue %q is partitioned and requires a partition key", queueName)
	}
	if !desc.Partitioned && opts.PartitionKey != "" {
		return nil, fmt.Errorf("queue %q is not partitioned; partition key not allowed", queueName)
	}
	if opts.Timeout < 0 {
		return nil, fmt.Errorf("timeout must not be negative")
	}

	input, err := json.Marshal(opts.Input)
	if err != nil {
		return nil, fmt.Errorf("serialize workflow input: %w", err)
	}

	maxRecovery := opts.MaxRecoveryAttempts
	if maxRecovery <= 0 {
		maxRecovery = model.DefaultMaxRecoveryAttempts
	}

	inv := &model.Invocation{
		ID:                  model.NewID(),
		WorkflowName:        opts.Workflow,
		QueueName:           queueName,
		PartitionKey:        opts.PartitionKey,
		DedupID:             opts.DedupID,
		Status:              model.StatusEnqueued,
		Priority:            opts.Priority,
		Input:               input,
		MaxRecoveryAttempts: maxRecovery,
		AppVersion:          m.appVersion,
		TimeoutMS:           opts.Timeout.Milliseconds(),
		CreatedAt:           time.Now().UTC(),
	}

	if err := m.store.CreateInvocation(ctx, inv); err != nil {
		if errors.Is(err, store.ErrDeduplicated) {
			deduplicatedTotal.WithLabelValues(queueName).Inc()
		}
		return nil, err
	}

	m.logger.Info("enqueued invocation",
		"workflow_id", inv.ID, "workflow", inv.WorkflowName, "queue", queueName)
	enqueuedTotal.WithLabelValues(queueName).Inc()
	return m.rt.Handle(inv.ID), nil
}

// Start freezes the queue registry and launches the claim loop.
func (m *Manager) Start() {
	m.registry.Freeze()
	for _, d := range m.registry.List() {
		if d.WorkerConcurrency > 0 {
			m.sems[d.Name] = make(chan struct{}, d.WorkerConcurrency)
		}
	}

	m.pollWG.Add(1)
	go m.poll()
}

// Stop halts claiming and waits for in-flight invocations to finish. When ctx
// expires first, remaining executions are cancelled; they stay PENDING in the
// store and the next startup's recovery pass re-admits them.
func (m *Manager) Stop(ctx context.Context) error {
	close(m.stopCh)
	m.pollWG.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}

// poll sweeps every queue on each tick, claiming until the queue is drained
// or an admission limit blocks it.
func (m *Manager) poll() {
	defer m.pollWG.Done()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			for _, d := range m.registry.List() {
				m.drainQueue(d)
			}
		}
	}
}

// drainQueue claims admissible invocations from one queue until the store
// reports none, dispatching each to a worker goroutine.
func (m *Manager) drainQueue(d Descriptor) {
	for {
		if !m.acquireWorker(d.Name) {
			return
		}

		inv, err := m.store.ClaimNext(m.baseCtx, store.ClaimSpec{
			QueueName:     d.Name,
			MaxConcurrent: d.Concurrency,
			LimiterLimit:  d.Limiter.Limit,
			LimiterPeriod: d.Limiter.Period,
			Partitioned:   d.Partitioned,
			ExecutorID:    m.executorID,
		})
		if err != nil {
			m.releaseWorker(d.Name)
			if m.baseCtx.Err() == nil {
				m.logger.Error("claim failed", "queue", d.Name, "error", err)
			}
			return
		}
		if inv == nil {
			m.releaseWorker(d.Name)
			return
		}

		claimedTotal.WithLabelValues(d.Name).Inc()
		m.wg.Add(1)
		go func(inv *model.Invocation) {
			defer m.wg.Done()
			defer m.releaseWorker(d.Name)
			m.rt.Execute(m.baseCtx, inv)
		}(inv)
	}
}

// acquireWorker reserves a worker slot, returning false when the queue's
// worker cap is saturated.
func (m *Manager) acquireWorker(queue string) bool {
	sem, ok := m.sems[queue]
	if !ok {
		return true
	}
	select {
	case sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *Manager) releaseWorker(queue string) {
	if sem, ok := m.sems[queue]; ok {
		<-sem
	}
}
