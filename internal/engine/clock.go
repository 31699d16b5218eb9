package engine

import (
	"time"
)

// IdleClock tracks the last user activity on a monotonic timeline and derives
// the current idle duration. It is pure state: no I/O, no goroutines. The
// coordinator owns the single instance and is the only mutator.
type IdleClock struct {
	lastActivity time.Time
	idle         bool
}

// NewIdleClock returns a clock whose idle period starts at now.
func NewIdleClock(now time.Time) *IdleClock {
	return &IdleClock{lastActivity: now}
}

// RecordActivity merges an activity timestamp into the clock. The last
// activity never rewinds: out-of-order timestamps from the device watcher are
// accepted but ignored for timing purposes. Returns true exactly once per
// idle-to-active edge so the caller can reset the scheduler; repeated
// activity bursts while already active return false.
func (c *IdleClock) RecordActivity(ts time.Time) bool {
	if ts.After(c.lastActivity) {
		c.lastActivity = ts
	}
	if c.idle {
		c.idle = false
		return true
	}
	return false
}

// MarkIdle flags the session as idle. Returns true on the active-to-idle
// edge, false if already idle.
func (c *IdleClock) MarkIdle() bool {
	if c.idle {
		return false
	}
	c.idle = true
	return true
}

// IdleFor returns the elapsed time since the last activity, clamped at zero
// when now precedes the recorded timestamp.
func (c *IdleClock) IdleFor(now time.Time) time.Duration {
	d := now.Sub(c.lastActivity)
	if d < 0 {
		return 0
	}
	return d
}

// LastActivity returns the most recent activity timestamp.
func (c *IdleClock) LastActivity() time.Time {
	return c.lastActivity
}

// Idle reports whether the session is currently marked idle.
func (c *IdleClock) Idle() bool {
	return c.idle
}
