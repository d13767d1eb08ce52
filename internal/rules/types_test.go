package rules

import (
	"errors"
	"testing"
	"time"
)

func TestIntervalUnitAdd(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, time.January, 31, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		unit IntervalUnit
		n    int
		want time.Time
	}{
		{UnitSeconds, 30, base.Add(30 * time.Second)},
		{UnitMinutes, 5, base.Add(5 * time.Minute)},
		{UnitHours, 2, base.Add(2 * time.Hour)},
		{UnitDays, 3, time.Date(2025, time.February, 3, 12, 0, 0, 0, time.UTC)},
		// Calendar month arithmetic, not 30-day approximation.
		{UnitMonths, 1, time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := tt.unit.Add(base, tt.n); !got.Equal(tt.want) {
			t.Errorf("%s.Add(%d) = %v, want %v", tt.unit, tt.n, got, tt.want)
		}
	}
}

func TestDeletePolicyDelay(t *testing.T) {
	t.Parallel()
	if d := (DeletePolicy{}).Delay(); d != 0 {
		t.Fatalf("disabled policy delay = %v, want 0", d)
	}
	if d := (DeletePolicy{Enabled: true, Value: 0, Unit: UnitMinutes}).Delay(); d != 0 {
		t.Fatalf("zero value delay = %v, want 0", d)
	}
	p := DeletePolicy{Enabled: true, Value: 10, Unit: UnitMinutes}
	if d := p.Delay(); d != 10*time.Minute {
		t.Fatalf("delay = %v, want 10m", d)
	}
}

func TestRuleLifecycle(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	r := &Rule{StartItemID: 10, IsActive: true}

	if err := r.Start(now); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.Status != StatusRunning || r.CurrentItemID != 10 {
		t.Fatalf("after start: status=%s cursor=%d", r.Status, r.CurrentItemID)
	}
	if !r.NextRunAt.Equal(now) {
		t.Fatalf("NextRunAt = %v, want %v", r.NextRunAt, now)
	}

	if err := r.Start(now); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("double start err = %v, want ErrBadTransition", err)
	}

	if err := r.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !r.NextRunAt.IsZero() {
		t.Fatal("paused rule should have no next run time")
	}
	if err := r.Pause(); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("double pause err = %v, want ErrBadTransition", err)
	}

	if err := r.Resume(now); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if r.Status != StatusRunning {
		t.Fatalf("after resume: status=%s", r.Status)
	}
}

func TestRuleStartInactive(t *testing.T) {
	t.Parallel()
	r := &Rule{StartItemID: 1}
	if err := r.Start(time.Now()); !errors.Is(err, ErrInactive) {
		t.Fatalf("err = %v, want ErrInactive", err)
	}
}

func TestRuleRestartAfterComplete(t *testing.T) {
	t.Parallel()
	now := time.Now()
	r := &Rule{StartItemID: 5, CurrentItemID: 42, Status: StatusCompleted, IsActive: true}
	if err := r.Start(now); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.CurrentItemID != 5 {
		t.Fatalf("cursor = %d, want reseeded to 5", r.CurrentItemID)
	}
}

func TestAdvanceForwardOnly(t *testing.T) {
	t.Parallel()
	r := &Rule{CurrentItemID: 10}
	if err := r.Advance(12); err != nil {
		t.Fatalf("Advance forward: %v", err)
	}
	if err := r.Advance(11); !errors.Is(err, ErrCursorRegression) {
		t.Fatalf("err = %v, want ErrCursorRegression", err)
	}
	if r.CurrentItemID != 12 {
		t.Fatalf("cursor = %d, want 12 after rejected regression", r.CurrentItemID)
	}
}

func TestResetReturnsCursorToStart(t *testing.T) {
	t.Parallel()
	r := &Rule{
		StartItemID:    3,
		CurrentItemID:  99,
		Queue:          []int{100, 101},
		Status:         StatusPaused,
		ErrorMessage:   "stale",
		DeliveredCount: 7,
	}
	r.Reset()
	if r.CurrentItemID != 3 || r.Queue != nil || r.Status != StatusIdle || r.ErrorMessage != "" {
		t.Fatalf("after reset: %+v", r)
	}
	if r.DeliveredCount != 7 {
		t.Fatal("reset must not clear delivery counters")
	}
}

func TestAllowsText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		include []string
		exclude []string
		text    string
		want    bool
	}{
		{"no filters", nil, nil, "anything goes", true},
		{"include hit", []string{"promo"}, nil, "big PROMO today", true},
		{"include miss", []string{"promo"}, nil, "regular post", false},
		{"exclude hit", nil, []string{"spam"}, "this is Spam", false},
		{"exclude wins over include", []string{"promo"}, []string{"spam"}, "promo spam", false},
		{"empty keyword ignored", []string{""}, nil, "whatever", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Rule{IncludeKeywords: tt.include, ExcludeKeywords: tt.exclude}
			if got := r.AllowsText(tt.text); got != tt.want {
				t.Fatalf("AllowsText(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestNextAfter(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)

	rt := &Rule{Mode: ModeRealtime, IntervalValue: 10, IntervalUnit: UnitHours}
	if got := rt.NextAfter(now); !got.Equal(now) {
		t.Fatalf("realtime NextAfter = %v, want now", got)
	}

	sched := &Rule{Mode: ModeScheduled, IntervalValue: 90, IntervalUnit: UnitMinutes}
	if got := sched.NextAfter(now); !got.Equal(now.Add(90 * time.Minute)) {
		t.Fatalf("scheduled NextAfter = %v", got)
	}

	// Zero interval falls back to one unit rather than running hot.
	zero := &Rule{Mode: ModeScheduled, IntervalUnit: UnitMinutes}
	if got := zero.NextAfter(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("zero-interval NextAfter = %v", got)
	}
}
