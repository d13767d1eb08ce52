package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"relaybot/pkg/logx"
)

// fakeSleeper records requested delays without blocking.
type fakeSleeper struct {
	delays []time.Duration
}

func (f *fakeSleeper) sleep(_ context.Context, d time.Duration) error {
	f.delays = append(f.delays, d)
	return nil
}

func newExecutor(s *fakeSleeper) *Executor {
	return &Executor{
		MaxRetries:  3,
		BackoffStep: time.Second,
		Log:         logx.Nop(),
		Sleep:       s.sleep,
	}
}

func TestAttemptFirstTry(t *testing.T) {
	t.Parallel()
	sl := &fakeSleeper{}
	exec := newExecutor(sl)

	msgID, delivered, err := exec.Attempt(context.Background(), func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || !delivered || msgID != 42 {
		t.Fatalf("got (%d, %v, %v)", msgID, delivered, err)
	}
	if len(sl.delays) != 0 {
		t.Fatalf("unexpected sleeps: %v", sl.delays)
	}
}

func TestAttemptRateLimitedHonorsRetryAfter(t *testing.T) {
	t.Parallel()
	sl := &fakeSleeper{}
	exec := newExecutor(sl)
	var widened []time.Duration
	exec.OnRateLimit = func(d time.Duration) { widened = append(widened, d) }

	calls := 0
	msgID, delivered, err := exec.Attempt(context.Background(), func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, &RateLimitedError{RetryAfter: 5 * time.Second}
		}
		return 7, nil
	})
	if err != nil || !delivered || msgID != 7 {
		t.Fatalf("got (%d, %v, %v)", msgID, delivered, err)
	}
	if len(sl.delays) != 1 || sl.delays[0] != 5*time.Second {
		t.Fatalf("delays = %v, want server-suggested 5s", sl.delays)
	}
	if len(widened) != 1 || widened[0] != 5*time.Second {
		t.Fatalf("OnRateLimit observations = %v", widened)
	}
}

func TestAttemptRateLimitedBackoffFloor(t *testing.T) {
	t.Parallel()
	sl := &fakeSleeper{}
	exec := newExecutor(sl)

	// Tiny server delay on attempt 2: the linear backoff (attempt*step)
	// must win.
	calls := 0
	_, delivered, err := exec.Attempt(context.Background(), func(context.Context) (int, error) {
		calls++
		if calls <= 2 {
			return 0, &RateLimitedError{RetryAfter: time.Millisecond}
		}
		return 1, nil
	})
	if err != nil || !delivered {
		t.Fatalf("got (%v, %v)", delivered, err)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(sl.delays) != 2 || sl.delays[0] != want[0] || sl.delays[1] != want[1] {
		t.Fatalf("delays = %v, want %v", sl.delays, want)
	}
}

func TestAttemptTransientBackoff(t *testing.T) {
	t.Parallel()
	sl := &fakeSleeper{}
	exec := newExecutor(sl)

	calls := 0
	_, delivered, err := exec.Attempt(context.Background(), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset")
		}
		return 9, nil
	})
	if err != nil || !delivered {
		t.Fatalf("got (%v, %v)", delivered, err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(sl.delays) != 2 || sl.delays[0] != want[0] || sl.delays[1] != want[1] {
		t.Fatalf("delays = %v, want %v", sl.delays, want)
	}
}

func TestAttemptUnforwardableSkips(t *testing.T) {
	t.Parallel()
	sl := &fakeSleeper{}
	exec := newExecutor(sl)

	calls := 0
	msgID, delivered, err := exec.Attempt(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("copyMessage: %w", ErrUnforwardable)
	})
	if err != nil {
		t.Fatalf("unforwardable must not surface an error, got %v", err)
	}
	if delivered || msgID != 0 {
		t.Fatalf("got (%d, %v), want skip", msgID, delivered)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, unforwardable must not retry", calls)
	}
}

func TestAttemptPropagatesFatalClasses(t *testing.T) {
	t.Parallel()
	for _, sentinel := range []error{ErrPermissionDenied, ErrRecipientBlocked, ErrDestinationGone} {
		sl := &fakeSleeper{}
		exec := newExecutor(sl)

		calls := 0
		_, delivered, err := exec.Attempt(context.Background(), func(context.Context) (int, error) {
			calls++
			return 0, fmt.Errorf("send: %w", sentinel)
		})
		if delivered {
			t.Fatalf("%v: delivered = true", sentinel)
		}
		if !errors.Is(err, sentinel) {
			t.Fatalf("err = %v, want %v", err, sentinel)
		}
		if calls != 1 || len(sl.delays) != 0 {
			t.Fatalf("%v: calls=%d delays=%v, want single attempt", sentinel, calls, sl.delays)
		}
	}
}

func TestAttemptExhaustsRetries(t *testing.T) {
	t.Parallel()
	sl := &fakeSleeper{}
	exec := newExecutor(sl)

	calls := 0
	boom := errors.New("still down")
	_, delivered, err := exec.Attempt(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	if delivered {
		t.Fatal("delivered = true after exhaustion")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want initial + 3 retries", calls)
	}
}

func TestAttemptSleepCancellation(t *testing.T) {
	t.Parallel()
	exec := &Executor{
		MaxRetries:  3,
		BackoffStep: time.Second,
		Log:         logx.Nop(),
		Sleep: func(ctx context.Context, _ time.Duration) error {
			return context.Canceled
		},
	}
	_, delivered, err := exec.Attempt(context.Background(), func(context.Context) (int, error) {
		return 0, errors.New("transient")
	})
	if delivered || !errors.Is(err, context.Canceled) {
		t.Fatalf("got (%v, %v), want cancellation", delivered, err)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want Class
	}{
		{nil, ClassDelivered},
		{ErrUnforwardable, ClassUnforwardable},
		{fmt.Errorf("wrap: %w", ErrPermissionDenied), ClassPermissionDenied},
		{ErrRecipientBlocked, ClassBlocked},
		{ErrDestinationGone, ClassFatal},
		{&RateLimitedError{RetryAfter: time.Second}, ClassRateLimited},
		{errors.New("i/o timeout"), ClassTransient},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
