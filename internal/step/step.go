// Package step executes a single unit of work under a retry policy.
//
// The executor guarantees bounded retries with exponential backoff; it does
// not guarantee that a retried step's side effects are not duplicated. Step
// authors make side effects idempotent, keyed by (workflow id, step sequence
// number).
package step

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Func is one attempt of a step's work.
type Func func(ctx context.Context) (any, error)

// Policy bounds retries for a step. The delay before attempt n+1 is
// Interval * BackoffRate^(n-1).
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	BackoffRate float64
}

// DefaultPolicy is applied when a step declares no policy of its own.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	Interval:    1 * time.Second,
	BackoffRate: 2.0,
}

// MaxRetriesError reports that a step exhausted its retry policy. It is
// distinct from workflow-level failure so a workflow function can catch it
// and continue.
type MaxRetriesError struct {
	Attempts int
	Last     error
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("step failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *MaxRetriesError) Unwrap() error {
	return e.Last
}

// normalize fills zero policy fields from DefaultPolicy.
func (p Policy) normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.Interval <= 0 {
		p.Interval = DefaultPolicy.Interval
	}
	if p.BackoffRate <= 0 {
		p.BackoffRate = DefaultPolicy.BackoffRate
	}
	return p
}

// Run executes fn under the policy, sleeping between attempts. It returns the
// result of the first successful attempt, a *MaxRetriesError once attempts are
// exhausted, or the context error if ctx is cancelled while waiting.
func Run(ctx context.Context, fn Func, policy Policy) (any, int, error) {
	p := policy.normalize()

	var last error
	delay := p.Interval
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, attempt, nil
		}
		last = err

		if attempt == p.MaxAttempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, attempt, err
		}
		delay = time.Duration(float64(delay) * p.BackoffRate)
	}

	return nil, p.MaxAttempts, &MaxRetriesError{Attempts: p.MaxAttempts, Last: last}
}

// IsMaxRetries reports whether err is a retry-exhaustion error.
func IsMaxRetries(err error) bool {
	var mre *MaxRetriesError
	return errors.As(err, &mre)
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
