package ondemand

import (
	"sync"
	"time"
)

// CooldownStore gates repeat requests per (rule, user), independent of the
// platform's rate limits. The in-memory implementation is process-local; a
// multi-instance deployment swaps in a shared store behind this interface.
type CooldownStore interface {
	// TryConsume returns 0 when the request is allowed (and the window
	// resets to now), otherwise the remaining wait.
	TryConsume(ruleID, userID int64, cooldown time.Duration) time.Duration
}

type cooldownKey struct {
	ruleID int64
	userID int64
}

type memoryCooldowns struct {
	mu   sync.Mutex
	last map[cooldownKey]time.Time
	now  func() time.Time
}

// NewMemoryCooldowns returns the in-memory gate. Entries are lost on
// restart, which at worst lets each user through one extra time.
func NewMemoryCooldowns() CooldownStore {
	return &memoryCooldowns{last: map[cooldownKey]time.Time{}, now: time.Now}
}

func (c *memoryCooldowns) TryConsume(ruleID, userID int64, cooldown time.Duration) time.Duration {
	if cooldown <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cooldownKey{ruleID: ruleID, userID: userID}
	now := c.now()
	if served, ok := c.last[key]; ok {
		if elapsed := now.Sub(served); elapsed < cooldown {
			return cooldown - elapsed
		}
	}
	c.last[key] = now
	return 0
}
