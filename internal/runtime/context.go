package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anvilworks/anvil/internal/model"
	"github.com/anvilworks/anvil/internal/step"
	"github.com/anvilworks/anvil/internal/store"
)

// Reserved step names for engine-provided operations. They occupy sequence
// numbers like user steps so replay stays in program order.
const (
	stepSleep       = "anvil.sleep"
	stepSetEvent    = "anvil.set_event"
	stepSend        = "anvil.send"
	stepRecv        = "anvil.recv"
	stepGetEvent    = "anvil.get_event"
	stepWriteStream = "anvil.write_stream"
	stepCloseStream = "anvil.close_stream"
)

// Context is the workflow-facing API surface. All interaction with the
// outside world from inside a workflow function goes through it, so every
// effect lands in the step log exactly once.
//
// A Context is confined to the goroutine running its workflow function.
type Context struct {
	ctx context.Context
	rt  *Runtime
	inv *model.Invocation
	seq int
}

// Context returns the execution context, carrying the invocation deadline.
func (c *Context) Context() context.Context {
	return c.ctx
}

// WorkflowID returns the invocation's unique id.
func (c *Context) WorkflowID() string {
	return c.inv.ID
}

// RunStep executes a named step at the next sequence number, or replays its
// recorded outcome. args must capture everything that determines the step's
// behavior: a changed hash on replay means the workflow took a different
// path, which surfaces as ErrNonDeterministic.
func (c *Context) RunStep(name string, args any, fn step.Func, policy step.Policy) (json.RawMessage, error) {
	seq := c.seq
	c.seq++

	hash, err := stepHash(name, args)
	if err != nil {
		return nil, fmt.Errorf("hash step %q args: %w", name, err)
	}

	rec, err := c.rt.store.GetStep(c.ctx, c.inv.ID, seq)
	switch {
	case err == nil:
		if rec.Name != name || rec.InputHash != hash {
			return nil, fmt.Errorf("step %d recorded as %q, replayed as %q: %w",
				seq, rec.Name, name, ErrNonDeterministic)
		}
		if rec.Error != "" {
			return nil, &step.MaxRetriesError{Attempts: rec.Attempts, Last: errors.New(rec.Error)}
		}
		return rec.Output, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("read step %d: %w", seq, err)
	}

	out, attempts, err := step.Run(c.ctx, fn, policy)
	if attempts > 1 {
		stepRetriesTotal.Add(float64(attempts - 1))
	}
	if err != nil {
		if !step.IsMaxRetries(err) {
			// Cancellation or timeout mid-step: nothing is recorded, so a
			// recovered run re-executes the step (at-least-once effects).
			return nil, err
		}
		if aErr := c.appendStep(seq, name, hash, nil, err.Error(), attempts); aErr != nil {
			return nil, aErr
		}
		return nil, err
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("serialize step %q output: %w", name, err)
	}
	if err := c.appendStep(seq, name, hash, data, "", attempts); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Context) appendStep(seq int, name, hash string, output []byte, errMsg string, attempts int) error {
	err := c.rt.store.AppendStep(c.ctx, &model.StepRecord{
		WorkflowID: c.inv.ID,
		Seq:        seq,
		Name:       name,
		InputHash:  hash,
		Output:     output,
		Error:      errMsg,
		Attempts:   attempts,
		CreatedAt:  time.Now().UTC(),
	})
	if errors.Is(err, store.ErrStepMismatch) {
		return fmt.Errorf("step %d (%s) conflicts with recorded log: %w", seq, name, ErrNonDeterministic)
	}
	if err != nil {
		return fmt.Errorf("record step %d: %w", seq, err)
	}
	return nil
}

// Sleep suspends the workflow durably: the wake deadline is recorded before
// sleeping, so a recovered run sleeps only the remainder instead of starting
// over.
func (c *Context) Sleep(d time.Duration) error {
	out, err := c.RunStep(stepSleep, d.String(), func(context.Context) (any, error) {
		return time.Now().UTC().Add(d).Format(time.RFC3339Nano), nil
	}, step.Policy{MaxAttempts: 1})
	if err != nil {
		return err
	}

	var wakeAt string
	if err := json.Unmarshal(out, &wakeAt); err != nil {
		return fmt.Errorf("decode sleep deadline: %w", err)
	}
	wake, err := time.Parse(time.RFC3339Nano, wakeAt)
	if err != nil {
		return fmt.Errorf("parse sleep deadline: %w", err)
	}

	remaining := time.Until(wake)
	if remaining <= 0 {
		return nil
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// SetEvent publishes the latest value for a key on this workflow, visible to
// external callers through the query API.
func (c *Context) SetEvent(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("serialize event %q: %w", key, err)
	}
	_, err = c.RunStep(stepSetEvent, []string{key, string(data)}, func(ctx context.Context) (any, error) {
		return nil, c.rt.store.SetEvent(ctx, c.inv.ID, key, data)
	}, step.Policy{MaxAttempts: 1})
	return err
}

// GetEvent reads another workflow's event key, waiting up to timeout for it
// to be set. It returns nil without error when the wait times out.
func (c *Context) GetEvent(workflowID, key string, timeout time.Duration) (json.RawMessage, error) {
	out, err := c.RunStep(stepGetEvent, []string{workflowID, key}, func(ctx context.Context) (any, error) {
		value, err := c.rt.GetEvent(ctx, workflowID, key, timeout)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return json.RawMessage(value), nil
	}, step.Policy{MaxAttempts: 1})
	if err != nil {
		return nil, err
	}
	return unwrapNull(out), nil
}

// Send delivers a one-shot message to another workflow on a topic.
func (c *Context) Send(workflowID, topic string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("serialize message on %q: %w", topic, err)
	}
	_, err = c.RunStep(stepSend, []string{workflowID, topic, string(data)}, func(ctx context.Context) (any, error) {
		return nil, c.rt.store.SendMessage(ctx, workflowID, topic, data)
	}, step.Policy{MaxAttempts: 1})
	return err
}

// Recv waits up to timeout for the next message addressed to this workflow
// on a topic. It returns nil without error when the wait times out. The
// matched message is consumed exactly once and recorded, so replay returns
// the same message without consuming another.
func (c *Context) Recv(topic string, timeout time.Duration) (json.RawMessage, error) {
	out, err := c.RunStep(stepRecv, topic, func(ctx context.Context) (any, error) {
		deadline := time.Now().Add(timeout)
		for {
			body, err := c.rt.store.ConsumeMessage(ctx, c.inv.ID, topic)
			if err == nil {
				return json.RawMessage(body), nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			if time.Now().After(deadline) {
				return nil, nil
			}
			select {
			case <-time.After(c.rt.pollInterval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}, step.Policy{MaxAttempts: 1})
	if err != nil {
		return nil, err
	}
	return unwrapNull(out), nil
}

// WriteStream appends a value to this workflow's ordered stream under key
// and publishes it to live tail subscribers. Replayed runs skip both.
func (c *Context) WriteStream(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("serialize stream value for %q: %w", key, err)
	}
	_, err = c.RunStep(stepWriteStream, []string{key, string(data)}, func(ctx context.Context) (any, error) {
		if err := c.rt.store.AppendStreamValue(ctx, c.inv.ID, key, data); err != nil {
			return nil, err
		}
		c.rt.broker.Publish(c.inv.ID, key, data)
		return nil, nil
	}, step.Policy{MaxAttempts: 1})
	return err
}

// CloseStream marks this workflow's stream under key as complete.
func (c *Context) CloseStream(key string) error {
	_, err := c.RunStep(stepCloseStream, key, func(ctx context.Context) (any, error) {
		if err := c.rt.store.CloseStream(ctx, c.inv.ID, key); err != nil {
			return nil, err
		}
		c.rt.broker.Close(c.inv.ID, key)
		return nil, nil
	}, step.Policy{MaxAttempts: 1})
	return err
}

// stepHash fingerprints a step call for non-determinism detection.
func stepHash(name string, args any) (string, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// unwrapNull converts a recorded JSON null back into a nil payload.
func unwrapNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
