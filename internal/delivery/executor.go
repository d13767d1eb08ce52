package delivery

import (
	"context"
	"fmt"
	"time"

	"relaybot/pkg/logx"
)

// AttemptFunc is one delivery attempt. It returns the delivered message id.
type AttemptFunc func(ctx context.Context) (int, error)

// Executor wraps a single delivery in bounded, classification-driven retries.
//
// Branching per outcome class:
//   - RateLimited: sleep max(server delay, attempt*BackoffStep), retry.
//     Rate-limit retries are always honored up to MaxRetries.
//   - Transient:   sleep attempt*BackoffStep, retry.
//   - Unforwardable: give up immediately; the caller advances past the item.
//   - PermissionDenied / Blocked / Fatal: propagate to the caller for
//     rule-level handling.
type Executor struct {
	MaxRetries  int
	BackoffStep time.Duration
	Log         logx.Logger

	// Sleep is injectable for deterministic tests. Nil means a timer that
	// respects ctx cancellation.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRateLimit, when set, observes every rate-limit hit. The broadcast
	// path uses it to widen its inter-recipient pacing.
	OnRateLimit func(retryAfter time.Duration)
}

// Attempt runs fn with retries. delivered is false either when the item was
// skipped (err == nil, unforwardable) or when err is non-nil.
func (e *Executor) Attempt(ctx context.Context, fn AttemptFunc) (msgID int, delivered bool, err error) {
	retries := e.MaxRetries
	if retries < 0 {
		retries = 0
	}
	step := e.BackoffStep
	if step <= 0 {
		step = time.Second
	}

	var last error
	for attempt := 1; attempt <= 1+retries; attempt++ {
		msgID, last = fn(ctx)
		class := Classify(last)
		switch class {
		case ClassDelivered:
			return msgID, true, nil
		case ClassUnforwardable:
			e.Log.Debug("skipping unforwardable item", logx.Int("attempt", attempt))
			return 0, false, nil
		case ClassPermissionDenied, ClassBlocked, ClassFatal:
			return 0, false, last
		}

		if attempt > retries {
			break
		}

		delay := time.Duration(attempt) * step
		if class == ClassRateLimited {
			ra := RetryAfter(last)
			if ra > delay {
				delay = ra
			}
			if e.OnRateLimit != nil {
				e.OnRateLimit(ra)
			}
		}
		e.Log.Debug("delivery retry scheduled",
			logx.Int("attempt", attempt+1),
			logx.String("class", class.String()),
			logx.Duration("delay", delay),
			logx.Err(last))
		if serr := e.sleep(ctx, delay); serr != nil {
			return 0, false, serr
		}
	}
	return 0, false, fmt.Errorf("retries exhausted: %w", last)
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	return SleepCtx(ctx, d)
}

// SleepCtx blocks for d or until ctx is cancelled.
func SleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			<-tmr.C
		}
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
