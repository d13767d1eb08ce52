package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/delivery"
	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

type Config struct {
	// ChunkSize is how many recipients are attempted between counter
	// flushes and the longer inter-chunk pause.
	ChunkSize int
	// MessageDelay is the floor pacing between recipients.
	MessageDelay time.Duration
	// ChunkDelay is the pause between chunks.
	ChunkDelay time.Duration
	// MaxDelay caps the adaptive inter-recipient delay after flood hits.
	MaxDelay time.Duration

	RatePerSec  int
	RetryMax    int
	BackoffStep time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 25
	}
	if c.MessageDelay <= 0 {
		c.MessageDelay = 50 * time.Millisecond
	}
	if c.ChunkDelay <= 0 {
		c.ChunkDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2
	}
	if c.BackoffStep <= 0 {
		c.BackoffStep = time.Second
	}
	return c
}

// JobStore is the persistence surface the manager needs.
type JobStore interface {
	storage.JobStore
	storage.RecipientStore
}

type activeJob struct {
	cancelled atomic.Bool
	done      chan struct{}
}

// Service fans a single message out to many recipients with per-message
// pacing, cancellation, and per-chunk progress accounting.
type Service struct {
	mu  sync.Mutex
	cfg Config

	store JobStore
	bots  delivery.Registry
	log   logx.Logger

	limiter *rate.Limiter

	// active is the process-local registry of in-flight job ids. Behind
	// this struct so a shared store can replace it without touching
	// callers.
	activeMu sync.Mutex
	active   map[int64]*activeJob

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}
