package delivery

import (
	"errors"
	"fmt"
	"time"
)

// Delivery outcomes form a closed taxonomy. The platform client wraps every
// API failure into exactly one of these so retry and rule-level handling
// branch on class, never on raw API error text.
var (
	// ErrUnforwardable means the source message is gone or the platform
	// forbids forwarding it. Skip the item, never retry.
	ErrUnforwardable = errors.New("message unavailable for forwarding")

	// ErrPermissionDenied means the bot lacks rights on the destination.
	// Not retryable; the owning rule or membership is marked failed.
	ErrPermissionDenied = errors.New("insufficient rights for destination")

	// ErrDestinationGone means the destination chat no longer exists or the
	// bot was removed from it. Rule-fatal.
	ErrDestinationGone = errors.New("destination unreachable")

	// ErrRecipientBlocked means the recipient blocked the bot. Broadcast
	// marks such recipients inactive so future jobs skip them.
	ErrRecipientBlocked = errors.New("recipient blocked the bot")
)

// RateLimitedError carries the server-suggested retry delay.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Class is the decision-relevant classification of a delivery error.
type Class int

const (
	ClassDelivered Class = iota
	ClassRateLimited
	ClassUnforwardable
	ClassPermissionDenied
	ClassBlocked
	ClassFatal
	ClassTransient
)

func (c Class) String() string {
	switch c {
	case ClassDelivered:
		return "delivered"
	case ClassRateLimited:
		return "rate_limited"
	case ClassUnforwardable:
		return "unforwardable"
	case ClassPermissionDenied:
		return "permission_denied"
	case ClassBlocked:
		return "blocked"
	case ClassFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// Classify maps an error from a Client call onto its outcome class.
// Anything unrecognized is transient: network blips and unknown API errors
// are worth a bounded retry.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassDelivered
	case errors.Is(err, ErrUnforwardable):
		return ClassUnforwardable
	case errors.Is(err, ErrPermissionDenied):
		return ClassPermissionDenied
	case errors.Is(err, ErrRecipientBlocked):
		return ClassBlocked
	case errors.Is(err, ErrDestinationGone):
		return ClassFatal
	default:
		var rl *RateLimitedError
		if errors.As(err, &rl) {
			return ClassRateLimited
		}
		return ClassTransient
	}
}

// RetryAfter extracts the server-suggested delay from a rate-limit error,
// zero otherwise.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
