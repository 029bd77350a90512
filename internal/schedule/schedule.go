// Package schedule enqueues workflows on cron schedules. Each firing carries
// a dedup id derived from its scheduled minute, so several executors sharing
// a log store admit one invocation per tick between them.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anvilworks/anvil/internal/queue"
	"github.com/anvilworks/anvil/internal/runtime"
	"github.com/anvilworks/anvil/internal/store"
)

// Enqueuer admits scheduled invocations. *queue.Manager satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, opts queue.EnqueueOptions) (*runtime.Handle, error)
}

// Tick is the input delivered to every scheduled workflow invocation.
type Tick struct {
	ScheduledAt time.Time `json:"scheduled_at"`
	ActualAt    time.Time `json:"actual_at"`
}

type entry struct {
	spec     string
	workflow string
	queue    string
	schedule cron.Schedule
}

// Scheduler fires registered cron entries against an enqueuer. Entries are
// registered during startup and frozen once Start is called, like the
// workflow and queue registries.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries []entry
	started bool
	cron    *cron.Cron
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Register adds a workflow to fire on a standard five-field crontab spec.
// queueName may be empty to use the default queue.
func (s *Scheduler) Register(spec, workflow, queueName string) error {
	if workflow == "" {
		return errors.New("workflow name is required")
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.entries = append(s.entries, entry{spec: spec, workflow: workflow, queue: queueName, schedule: sched})
	return nil
}

// Start begins firing registered entries against the enqueuer.
func (s *Scheduler) Start(enq Enqueuer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.cron = cron.New()
	for _, e := range s.entries {
		s.cron.Schedule(e.schedule, cron.FuncJob(func() {
			s.fire(e, enq, time.Now().UTC())
		}))
	}
	s.cron.Start()
}

// Stop halts firing and waits for in-flight enqueues to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// fire enqueues one tick of an entry. The dedup id pins the firing to its
// scheduled minute, so a second executor waking for the same tick finds the
// invocation already admitted and backs off.
func (s *Scheduler) fire(e entry, enq Enqueuer, now time.Time) {
	scheduled := now.Truncate(time.Minute)
	_, err := enq.Enqueue(context.Background(), queue.EnqueueOptions{
		Workflow: e.workflow,
		Input:    Tick{ScheduledAt: scheduled, ActualAt: now},
		Queue:    e.queue,
		DedupID:  fmt.Sprintf("%s@%s", e.workflow, scheduled.Format(time.RFC3339)),
	})
	switch {
	case errors.Is(err, store.ErrDeduplicated):
		s.logger.Debug("scheduled tick already enqueued",
			"workflow", e.workflow, "scheduled_at", scheduled)
	case err != nil:
		s.logger.Error("scheduled enqueue failed",
			"workflow", e.workflow, "schedule", e.spec, "error", err)
	default:
		firedTotal.WithLabelValues(e.workflow).Inc()
		s.logger.Info("scheduled invocation enqueued",
			"workflow", e.workflow, "scheduled_at", scheduled)
	}
}
