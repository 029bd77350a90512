// Package runtime replays and executes workflow functions against the
// persistent log store. A workflow function must be deterministic given
// identical step outputs: on re-entry the runtime feeds recorded outcomes
// back in program order and only invokes step logic past the last recorded
// sequence number.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anvilworks/anvil/internal/model"
	"github.com/anvilworks/anvil/internal/step"
	"github.com/anvilworks/anvil/internal/store"
)

// ErrNonDeterministic is returned when a replayed run diverges from the
// recorded step log. This class of bug is fatal for the invocation: it is
// never retried and requires operator intervention.
var ErrNonDeterministic = errors.New("non-deterministic replay detected")

// ErrAlreadyLaunched is returned when Register is called after Launch.
var ErrAlreadyLaunched = errors.New("runtime already launched")

// ErrNotRegistered is returned when an invocation names an unknown workflow.
var ErrNotRegistered = errors.New("workflow not registered")

// DefaultPollInterval is the store polling cadence for handles, recv, and
// get-event waits.
const DefaultPollInterval = 100 * time.Millisecond

// WorkflowFunc is a registered workflow entry point. It receives the
// invocation's raw JSON input and returns a JSON-serializable output.
type WorkflowFunc func(ctx *Context, input json.RawMessage) (any, error)

// Runtime executes workflow invocations. Workflows are registered during a
// bounded startup phase; the registry is immutable once Launch is called, so
// execution never races registration.
type Runtime struct {
	store        store.Store
	logger       *slog.Logger
	broker       *StreamBroker
	pollInterval time.Duration

	mu       sync.Mutex
	registry map[string]WorkflowFunc
	launched bool
}

// New creates a runtime backed by the given log store.
func New(s store.Store, logger *slog.Logger) *Runtime {
	return &Runtime{
		store:        s,
		logger:       logger,
		broker:       NewStreamBroker(),
		pollInterval: DefaultPollInterval,
	}
}

// Register adds a workflow function under a name. Registration is only
// allowed before Launch; the launched flag is checked under the same lock
// that Launch takes, so no registration can slip past the freeze.
func (r *Runtime) Register(name string, fn WorkflowFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.launched {
		return ErrAlreadyLaunched
	}
	if r.registry == nil {
		r.registry = make(map[string]WorkflowFunc)
	}
	if _, ok := r.registry[name]; ok {
		return fmt.Errorf("workflow %q already registered", name)
	}
	r.registry[name] = fn
	return nil
}

// Launch freezes the registry and marks the runtime ready to accept work.
func (r *Runtime) Launch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.launched = true
}

// Registered reports whether a workflow name is known to this runtime.
func (r *Runtime) Registered(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.registry[name]
	return ok
}

// Broker returns the live stream broker for tail subscriptions.
func (r *Runtime) Broker() *StreamBroker {
	return r.broker
}

// Store returns the underlying log store.
func (r *Runtime) Store() store.Store {
	return r.store
}

// Handle returns a DB-backed handle for an invocation id.
func (r *Runtime) Handle(id string) *Handle {
	return &Handle{id: id, store: r.store, pollInterval: r.pollInterval}
}

// Execute runs one claimed (PENDING) invocation to a terminal state. It is
// called by the queue manager on a worker goroutine; the passed context
// bounds the whole execution and is tightened by the invocation's timeout.
func (r *Runtime) Execute(ctx context.Context, inv *model.Invocation) {
	defer r.broker.CloseAll(inv.ID)

	r.mu.Lock()
	fn, ok := r.registry[inv.WorkflowName]
	r.mu.Unlock()
	if !ok {
		r.finish(inv.ID, model.StatusError, nil, model.ErrCodeNotRegistered,
			fmt.Sprintf("workflow %q is not registered with this executor", inv.WorkflowName))
		return
	}

	wctx := ctx
	cancel := context.CancelFunc(func() {})
	if inv.DeadlineAt != nil {
		// The store stamps the deadline at the first claim and preserves it
		// across recovery, so a re-admitted run gets the remainder of the
		// original budget, not a fresh one.
		wctx, cancel = context.WithDeadline(ctx, *inv.DeadlineAt)
	}
	defer cancel()

	wfCtx := &Context{ctx: wctx, rt: r, inv: inv}
	out, err := r.invoke(wfCtx, fn, inv.Input)

	switch {
	case err == nil:
		data, mErr := json.Marshal(out)
		if mErr != nil {
			r.finish(inv.ID, model.StatusError, nil, model.ErrCodeApplication,
				fmt.Sprintf("serialize workflow output: %v", mErr))
			return
		}
		r.finish(inv.ID, model.StatusSuccess, data, "", "")

	case errors.Is(err, ErrNonDeterministic):
		r.finish(inv.ID, model.StatusError, nil, model.ErrCodeNonDeterminism, err.Error())

	case wctx.Err() != nil && ctx.Err() == nil:
		// The invocation deadline fired, not an engine shutdown. Committed
		// step effects stay; only the recording of further steps stops.
		r.finish(inv.ID, model.StatusError, nil, model.ErrCodeTimeout,
			fmt.Sprintf("invocation timed out after %dms", inv.TimeoutMS))

	case ctx.Err() != nil:
		// Engine shutdown mid-run. Leave the invocation PENDING; the next
		// startup's recovery pass re-admits it.
		r.logger.Info("execution interrupted by shutdown", "workflow_id", inv.ID)

	case step.IsMaxRetries(err):
		r.finish(inv.ID, model.StatusError, nil, model.ErrCodeMaxStepRetries, err.Error())

	default:
		r.finish(inv.ID, model.StatusError, nil, model.ErrCodeApplication, err.Error())
	}
}

// invoke calls the workflow function, converting panics into errors so one
// misbehaving workflow cannot take down the worker pool.
func (r *Runtime) invoke(c *Context, fn WorkflowFunc, input json.RawMessage) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("workflow panicked: %v", rec)
		}
	}()
	return fn(c, input)
}

// finish records a terminal state for the invocation.
func (r *Runtime) finish(id, status string, output []byte, errCode, errMsg string) {
	// Completion must outlive a cancelled execution context.
	if err := r.store.CompleteInvocation(context.Background(), id, status, output, errCode, errMsg); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Cancelled out from under us; the terminal state already stands.
			r.logger.Debug("invocation already terminal", "workflow_id", id)
			return
		}
		r.logger.Error("failed to complete invocation", "workflow_id", id, "error", err)
		return
	}
	if status == model.StatusError {
		invocationsTotal.WithLabelValues(status, errCode).Inc()
	} else {
		invocationsTotal.WithLabelValues(status, "").Inc()
	}
}

// SendMessage delivers a one-shot message to a workflow from outside any
// workflow context (e.g. the HTTP API).
func (r *Runtime) SendMessage(ctx context.Context, workflowID, topic string, body json.RawMessage) error {
	return r.store.SendMessage(ctx, workflowID, topic, body)
}

// GetEvent polls for the latest value of a workflow's event key, waiting up
// to timeout. A zero timeout reads once without waiting.
func (r *Runtime) GetEvent(ctx context.Context, workflowID, key string, timeout time.Duration) (json.RawMessage, error) {
	deadline := time.Now().Add(timeout)
	for {
		value, err := r.store.GetEvent(ctx, workflowID, key)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return nil, store.ErrNotFound
		}
		select {
		case <-time.After(r.pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ReadStream returns all recorded values of a workflow's stream key and
// whether the stream has been closed.
func (r *Runtime) ReadStream(ctx context.Context, workflowID, key string) ([]json.RawMessage, bool, error) {
	raw, closed, err := r.store.ReadStream(ctx, workflowID, key)
	if err != nil {
		return nil, false, err
	}
	values := make([]json.RawMessage, len(raw))
	for i, v := range raw {
		values[i] = v
	}
	return values, closed, nil
}
