package storage

import (
	"context"
	"errors"
	"time"

	"relaybot/internal/delivery"
	"relaybot/internal/rules"
)

var ErrNotFound = errors.New("record not found")

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// JobStatus is the broadcast job lifecycle. Terminal states are immutable.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further writes.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is a persisted one-shot fan-out unit.
type Job struct {
	ID     int64
	BotID  int64
	Status JobStatus

	Content delivery.Content
	// When SourceChatID/SourceItemID are set the job copies an existing
	// message instead of sending Content.
	SourceChatID int64
	SourceItemID int

	Recipients []int64

	Sent    int
	Failed  int
	Blocked int

	CreatedAt  time.Time
	FinishedAt time.Time
}

// Membership is a recipient's time-boxed access grant to a destination.
type Membership struct {
	ID            int64
	BotID         int64
	RecipientID   int64
	DestinationID int64
	ExpiresAt     time.Time
	IsActive      bool
	KickedAt      time.Time // zero when never kicked
	FailCount     int
	LastError     string
}

// RuleStore is the persistence surface of the scheduler loop.
type RuleStore interface {
	// ClaimDueRules atomically claims up to limit due rules: each returned
	// rule has its locked_until bumped to now+lockFor in the same
	// transaction, so two concurrent ticks can never claim the same rule.
	ClaimDueRules(ctx context.Context, now time.Time, limit int, lockFor time.Duration) ([]*rules.Rule, error)
	GetRule(ctx context.Context, id int64) (*rules.Rule, error)
	SaveRule(ctx context.Context, r *rules.Rule) error
	DeleteRule(ctx context.Context, id int64) error
}

// JobError is one recipient's recorded delivery failure.
type JobError struct {
	RecipientID int64
	Message     string
	At          time.Time
}

// JobStore persists broadcast jobs. Progress counters flush per chunk, not
// per message, to bound write amplification.
type JobStore interface {
	GetJob(ctx context.Context, id int64) (*Job, error)
	SaveJob(ctx context.Context, j *Job) error
	UpdateJobProgress(ctx context.Context, id int64, sent, failed, blocked int, status JobStatus) error
	AppendJobError(ctx context.Context, jobID, recipientID int64, msg string) error
	JobErrors(ctx context.Context, jobID int64, limit int) ([]JobError, error)
}

// RecipientStore flags recipients that blocked the bot so later jobs
// exclude them.
type RecipientStore interface {
	DeactivateRecipient(ctx context.Context, recipientID int64, at time.Time) error
}

// MembershipStore is read and written by the expiry sweep.
type MembershipStore interface {
	ExpiredMemberships(ctx context.Context, now time.Time, limit int) ([]*Membership, error)
	SaveMembership(ctx context.Context, m *Membership) error
}

// Store is the full persistence API.
type Store interface {
	RuleStore
	JobStore
	RecipientStore
	MembershipStore
	Close() error
}
