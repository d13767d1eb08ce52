package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the rule lifecycle state. "running" rules are the only ones a
// scheduler tick may claim.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// ScheduleMode distinguishes rules that run on every tick from rules that
// wait out their configured interval between batches.
type ScheduleMode string

const (
	ModeRealtime  ScheduleMode = "realtime"
	ModeScheduled ScheduleMode = "scheduled"
)

// IntervalUnit is the unit of a rule's batch interval or deletion delay.
type IntervalUnit string

const (
	UnitSeconds IntervalUnit = "seconds"
	UnitMinutes IntervalUnit = "minutes"
	UnitHours   IntervalUnit = "hours"
	UnitDays    IntervalUnit = "days"
	UnitMonths  IntervalUnit = "months"
)

// Add advances t by n units. Months use calendar arithmetic.
func (u IntervalUnit) Add(t time.Time, n int) time.Time {
	switch u {
	case UnitSeconds:
		return t.Add(time.Duration(n) * time.Second)
	case UnitMinutes:
		return t.Add(time.Duration(n) * time.Minute)
	case UnitHours:
		return t.Add(time.Duration(n) * time.Hour)
	case UnitDays:
		return t.AddDate(0, 0, n)
	case UnitMonths:
		return t.AddDate(0, n, 0)
	default:
		return t.Add(time.Duration(n) * time.Minute)
	}
}

// Duration converts n units to a time.Duration. Months are approximated at
// 30 days; deletion delays are the only caller and never use months in
// practice.
func (u IntervalUnit) Duration(n int) time.Duration {
	switch u {
	case UnitSeconds:
		return time.Duration(n) * time.Second
	case UnitMinutes:
		return time.Duration(n) * time.Minute
	case UnitHours:
		return time.Duration(n) * time.Hour
	case UnitDays:
		return time.Duration(n) * 24 * time.Hour
	case UnitMonths:
		return time.Duration(n) * 30 * 24 * time.Hour
	default:
		return time.Duration(n) * time.Minute
	}
}

// DeletePolicy is a rule's auto-delete setting for delivered messages.
type DeletePolicy struct {
	Enabled bool
	Value   int
	Unit    IntervalUnit
}

// Delay returns the deletion delay, zero when disabled.
func (p DeletePolicy) Delay() time.Duration {
	if !p.Enabled || p.Value <= 0 {
		return 0
	}
	return p.Unit.Duration(p.Value)
}

// Rule is the persisted unit of distribution work.
//
// The cursor (CurrentItemID) only moves forward; the only thing that moves
// it back is an explicit Reset, which returns it to StartItemID. The queue
// is persisted alongside the cursor so a restart resumes mid-run instead of
// rebuilding from scratch.
type Rule struct {
	ID           int64
	BotID        int64
	SourceChatID int64
	DestChatID   int64

	Mode   ScheduleMode
	Status Status

	CurrentItemID int
	StartItemID   int
	EndItemID     int // 0 means unset; the queue builder bounds the range

	Queue []int

	BatchSize     int
	IntervalValue int
	IntervalUnit  IntervalUnit

	// Transformation flags.
	CopyMode        bool // copy (no attribution) instead of forward
	StripLinks      bool // suppress link previews on text the rule composes
	Watermark       string
	IncludeKeywords []string
	ExcludeKeywords []string

	Shuffle        bool
	RepeatWhenDone bool
	AnnounceText   string

	// CooldownSeconds is the per-user minimum interval for on-demand
	// requests against this rule. Independent of platform rate limits.
	CooldownSeconds int

	Deletion DeletePolicy

	DeliveredCount  int64
	LastDeliveredAt time.Time
	NextRunAt       time.Time // zero when not scheduled to run again
	LockedUntil     time.Time

	IsActive     bool
	ErrorMessage string
}

var (
	ErrInactive         = errors.New("rule is not active")
	ErrBadTransition    = errors.New("invalid rule state transition")
	ErrCursorRegression = errors.New("cursor may not move backwards")
)

// Start transitions the rule to running and seeds the cursor. The queue is
// seeded by the caller (it needs the configured span bound).
func (r *Rule) Start(now time.Time) error {
	if !r.IsActive {
		return ErrInactive
	}
	if r.Status == StatusRunning {
		return fmt.Errorf("%w: already running", ErrBadTransition)
	}
	if r.CurrentItemID == 0 || r.Status == StatusCompleted {
		r.CurrentItemID = r.StartItemID
	}
	r.Status = StatusRunning
	r.ErrorMessage = ""
	r.NextRunAt = now
	return nil
}

// Pause stops ticking without losing the cursor or queue.
func (r *Rule) Pause() error {
	if r.Status != StatusRunning {
		return fmt.Errorf("%w: pause from %s", ErrBadTransition, r.Status)
	}
	r.Status = StatusPaused
	r.NextRunAt = time.Time{}
	return nil
}

// Resume restarts a paused rule at its persisted cursor.
func (r *Rule) Resume(now time.Time) error {
	if r.Status != StatusPaused {
		return fmt.Errorf("%w: resume from %s", ErrBadTransition, r.Status)
	}
	r.Status = StatusRunning
	r.NextRunAt = now
	return nil
}

// Reset is the one sanctioned cursor regression: back to StartItemID with a
// fresh queue. Counters survive.
func (r *Rule) Reset() {
	r.CurrentItemID = r.StartItemID
	r.Queue = nil
	r.Status = StatusIdle
	r.NextRunAt = time.Time{}
	r.ErrorMessage = ""
}

// Complete marks the rule finished.
func (r *Rule) Complete() {
	r.Status = StatusCompleted
	r.NextRunAt = time.Time{}
}

// Fail pauses the rule with an operator-visible error. Used for
// permission-denied and destination-gone outcomes.
func (r *Rule) Fail(msg string) {
	r.Status = StatusPaused
	r.ErrorMessage = msg
	r.NextRunAt = time.Time{}
}

// Advance moves the cursor forward to itemID. Regressions are rejected so a
// buggy caller cannot violate the forward-only invariant.
func (r *Rule) Advance(itemID int) error {
	if itemID < r.CurrentItemID {
		return fmt.Errorf("%w: %d -> %d", ErrCursorRegression, r.CurrentItemID, itemID)
	}
	r.CurrentItemID = itemID
	return nil
}

// AllowsText applies the rule's keyword filters to a piece of content.
// An empty include list admits everything; any exclude match rejects.
func (r *Rule) AllowsText(text string) bool {
	t := strings.ToLower(text)
	for _, kw := range r.ExcludeKeywords {
		if kw != "" && strings.Contains(t, strings.ToLower(kw)) {
			return false
		}
	}
	if len(r.IncludeKeywords) == 0 {
		return true
	}
	for _, kw := range r.IncludeKeywords {
		if kw != "" && strings.Contains(t, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// NextAfter computes the next due time following a completed batch.
// Realtime rules are due again on the next tick.
func (r *Rule) NextAfter(now time.Time) time.Time {
	if r.Mode == ModeRealtime {
		return now
	}
	n := r.IntervalValue
	if n <= 0 {
		n = 1
	}
	return r.IntervalUnit.Add(now, n)
}
