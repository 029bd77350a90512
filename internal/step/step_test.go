package step

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	out, attempts, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return "ok", nil
	}, Policy{MaxAttempts: 3, Interval: time.Millisecond, BackoffRate: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "ok" {
		t.Errorf("out = %v, want ok", out)
	}
	if attempts != 1 || calls != 1 {
		t.Errorf("attempts = %d, calls = %d, want 1, 1", attempts, calls)
	}
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	calls := 0
	out, attempts, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return 42, nil
	}, Policy{MaxAttempts: 5, Interval: time.Millisecond, BackoffRate: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != 42 {
		t.Errorf("out = %v, want 42", out)
	}
	if attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d, calls = %d, want 3, 3", attempts, calls)
	}
}

func TestRunExhaustsAttempts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	_, attempts, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return nil, boom
	}, Policy{MaxAttempts: 4, Interval: time.Millisecond, BackoffRate: 1.5})

	if calls != 4 {
		t.Errorf("calls = %d, want exactly 4", calls)
	}
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4", attempts)
	}
	var mre *MaxRetriesError
	if !errors.As(err, &mre) {
		t.Fatalf("err = %v, want *MaxRetriesError", err)
	}
	if mre.Attempts != 4 {
		t.Errorf("MaxRetriesError.Attempts = %d, want 4", mre.Attempts)
	}
	if !errors.Is(err, boom) {
		t.Errorf("err does not unwrap to the last attempt error")
	}
	if !IsMaxRetries(err) {
		t.Error("IsMaxRetries = false, want true")
	}
}

func TestRunBackoffSchedule(t *testing.T) {
	const interval = 20 * time.Millisecond
	const rate = 2.0

	var stamps []time.Time
	_, _, err := Run(context.Background(), func(ctx context.Context) (any, error) {
		stamps = append(stamps, time.Now())
		return nil, errors.New("always")
	}, Policy{MaxAttempts: 3, Interval: interval, BackoffRate: rate})
	if !IsMaxRetries(err) {
		t.Fatalf("err = %v, want max retries", err)
	}
	if len(stamps) != 3 {
		t.Fatalf("got %d attempts, want 3", len(stamps))
	}

	// Expected gaps: interval, then interval*rate. Allow generous scheduling
	// slack but require the configured lower bound.
	gaps := []time.Duration{stamps[1].Sub(stamps[0]), stamps[2].Sub(stamps[1])}
	wantMin := []time.Duration{interval, time.Duration(float64(interval) * rate)}
	for i, gap := range gaps {
		if gap < wantMin[i] {
			t.Errorf("gap[%d] = %v, want >= %v", i, gap, wantMin[i])
		}
		if gap > wantMin[i]+200*time.Millisecond {
			t.Errorf("gap[%d] = %v, far above %v", i, gap, wantMin[i])
		}
	}
}

func TestRunContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, _, err := Run(ctx, func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("fail")
	}, Policy{MaxAttempts: 10, Interval: time.Second, BackoffRate: 2})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (cancelled during first backoff)", calls)
	}
}

func TestPolicyNormalize(t *testing.T) {
	p := Policy{}.normalize()
	if p != DefaultPolicy {
		t.Errorf("normalize(zero) = %+v, want %+v", p, DefaultPolicy)
	}

	custom := Policy{MaxAttempts: 7, Interval: time.Minute, BackoffRate: 1.1}
	if got := custom.normalize(); got != custom {
		t.Errorf("normalize(custom) = %+v, want unchanged", got)
	}
}
