// Package queue admits workflow invocations under concurrency and rate
// limits. Admission decisions are made against persisted queue state, so
// multiple executor processes sharing a log store cooperate correctly.
package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultQueue is the queue used when an enqueue names none. It carries no
// limits.
const DefaultQueue = "default"

// Limiter bounds admissions to Limit per trailing Period. The zero Limiter
// disables rate limiting.
type Limiter struct {
	Limit  int
	Period time.Duration
}

// Descriptor is the static configuration of one queue.
type Descriptor struct {
	Name string
	// Concurrency caps PENDING invocations across all executors. Zero means
	// unlimited.
	Concurrency int
	// WorkerConcurrency caps invocations executing within one executor
	// process. Zero means unlimited. The effective cap for a queue is
	// min(Concurrency, WorkerConcurrency) per the admission rules.
	WorkerConcurrency int
	Limiter           Limiter
	// Partitioned queues order invocations FIFO within a partition key while
	// partitions proceed concurrently.
	Partitioned bool
}

// NewDescriptor validates a queue declaration.
func NewDescriptor(d Descriptor) (Descriptor, error) {
	if d.Name == "" {
		return Descriptor{}, fmt.Errorf("queue name is required")
	}
	if d.Concurrency < 0 {
		return Descriptor{}, fmt.Errorf("queue %q: concurrency must not be negative", d.Name)
	}
	if d.WorkerConcurrency < 0 {
		return Descriptor{}, fmt.Errorf("queue %q: worker_concurrency must not be negative", d.Name)
	}
	if (d.Limiter.Limit > 0) != (d.Limiter.Period > 0) {
		return Descriptor{}, fmt.Errorf("queue %q: limiter requires both limit and period", d.Name)
	}
	if d.Limiter.Limit < 0 || d.Limiter.Period < 0 {
		return Descriptor{}, fmt.Errorf("queue %q: limiter values must not be negative", d.Name)
	}
	return d, nil
}

// Registry holds queue descriptors. Queues are registered during startup and
// the registry is frozen before the manager begins claiming, so admission
// never races registration.
type Registry struct {
	mu     sync.RWMutex
	queues map[string]Descriptor
	frozen bool
}

// NewRegistry creates a registry pre-populated with the default queue.
func NewRegistry() *Registry {
	return &Registry{
		queues: map[string]Descriptor{
			DefaultQueue: {Name: DefaultQueue},
		},
	}
}

// Register validates and adds a queue descriptor.
func (r *Registry) Register(d Descriptor) error {
	d, err := NewDescriptor(d)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("queue registry is frozen")
	}
	if _, ok := r.queues[d.Name]; ok && d.Name != DefaultQueue {
		return fmt.Errorf("queue %q already registered", d.Name)
	}
	r.queues[d.Name] = d
	return nil
}

// Freeze ends the registration phase.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get returns the descriptor for a queue name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.queues[name]
	return d, ok
}

// List returns all descriptors sorted by name for a stable API response.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ds := make([]Descriptor, 0, len(r.queues))
	for _, d := range r.queues {
		ds = append(ds, d)
	}
	sort.Slice(ds, func(i, j int) bool {
		return ds[i].Name < ds[j].Name
	})
	return ds
}
