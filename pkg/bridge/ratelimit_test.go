// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"testing"
	"time"
)

func newTestLimiter(cfg RateLimitConfig, destinationUp func() bool) (*RateLimiter, *time.Time) {
	rl := NewRateLimiter(cfg, destinationUp, NewEventBus(testLogger()), testLogger())
	clock := time.Now()
	rl.now = func() time.Time { return clock }
	return rl, &clock
}

// TestRateLimiter_AllowsWithinLimits verifies distinct messages below every
// threshold pass.
func TestRateLimiter_AllowsWithinLimits(t *testing.T) {
	t.Parallel()
	rl, clock := newTestLimiter(DefaultRateLimitConfig(), nil)

	for i := range 5 {
		*clock = clock.Add(3 * time.Second)
		v := rl.CheckMessage("alice", fmt.Sprintf("message %d", i))
		if !v.Allowed {
			t.Fatalf("message %d denied: %s", i, v.Reason)
		}
	}
	if got := rl.ActiveUsers(); got != 1 {
		t.Errorf("active users: got %d, want 1", got)
	}
}

// TestRateLimiter_BurstLimit verifies distinct messages inside the burst
// window are denied past the burst ceiling and recover once it slides.
func TestRateLimiter_BurstLimit(t *testing.T) {
	t.Parallel()
	cfg := DefaultRateLimitConfig()
	rl, clock := newTestLimiter(cfg, nil)

	for i := range cfg.BurstLimit {
		if v := rl.CheckMessage("alice", fmt.Sprintf("distinct %d", i)); !v.Allowed {
			t.Fatalf("message %d denied: %s", i, v.Reason)
		}
	}

	v := rl.CheckMessage("alice", "one more")
	if v.Allowed || v.Reason != ReasonBurstExceeded {
		t.Fatalf("got %+v, want BurstExceeded denial", v)
	}
	if v.RetryAfter <= 0 || v.RetryAfter > cfg.BurstWindow {
		t.Errorf("retry after: got %s, want within (0, %s]", v.RetryAfter, cfg.BurstWindow)
	}

	*clock = clock.Add(cfg.BurstWindow + time.Second)
	if v := rl.CheckMessage("alice", "after window"); !v.Allowed {
		t.Errorf("message after burst window denied: %s", v.Reason)
	}
}

// TestRateLimiter_MinuteLimit verifies the per-minute window denies once
// exhausted even when sends are spaced outside the burst window.
func TestRateLimiter_MinuteLimit(t *testing.T) {
	t.Parallel()
	cfg := DefaultRateLimitConfig()
	cfg.BurstLimit = 1000 // isolate the minute window
	rl, clock := newTestLimiter(cfg, nil)

	for i := range cfg.MaxPerMinute {
		if v := rl.CheckMessage("alice", fmt.Sprintf("distinct %d", i)); !v.Allowed {
			t.Fatalf("message %d denied: %s", i, v.Reason)
		}
	}
	v := rl.CheckMessage("alice", "over the line")
	if v.Allowed || v.Reason != ReasonRateExceeded {
		t.Fatalf("got %+v, want RateExceeded denial", v)
	}

	*clock = clock.Add(61 * time.Second)
	if v := rl.CheckMessage("alice", "next minute"); !v.Allowed {
		t.Errorf("message after minute window denied: %s", v.Reason)
	}
}

// TestRateLimiter_DuplicateSpamCooldown verifies repeating the same content
// past the threshold escalates to a cooldown that blocks everything.
func TestRateLimiter_DuplicateSpamCooldown(t *testing.T) {
	t.Parallel()
	cfg := DefaultRateLimitConfig()
	rl, clock := newTestLimiter(cfg, nil)

	for i := range cfg.DuplicateThreshold {
		*clock = clock.Add(5 * time.Second)
		if v := rl.CheckMessage("alice", "buy cheap gold"); !v.Allowed {
			t.Fatalf("repeat %d denied early: %s", i, v.Reason)
		}
	}

	*clock = clock.Add(5 * time.Second)
	v := rl.CheckMessage("alice", "buy cheap gold")
	if v.Allowed || v.Reason != ReasonDuplicateSpam {
		t.Fatalf("got %+v, want DuplicateSpam denial", v)
	}

	// The cooldown now applies to any content, not just the duplicate.
	*clock = clock.Add(time.Minute)
	v = rl.CheckMessage("alice", "something entirely different")
	if v.Allowed || v.Reason != ReasonCooldown {
		t.Fatalf("got %+v, want Cooldown denial", v)
	}

	*clock = clock.Add(cfg.SpamCooldown)
	if v := rl.CheckMessage("alice", "after cooldown"); !v.Allowed {
		t.Errorf("message after cooldown denied: %s", v.Reason)
	}
}

// TestRateLimiter_UsersArePartitioned verifies one user's denial does not
// leak into another's budget.
func TestRateLimiter_UsersArePartitioned(t *testing.T) {
	t.Parallel()
	cfg := DefaultRateLimitConfig()
	rl, _ := newTestLimiter(cfg, nil)

	for i := range cfg.BurstLimit + 1 {
		rl.CheckMessage("alice", fmt.Sprintf("distinct %d", i))
	}
	if v := rl.CheckMessage("bob", "hello"); !v.Allowed {
		t.Errorf("bob denied after alice's burst: %s", v.Reason)
	}
	if got := rl.ActiveUsers(); got != 2 {
		t.Errorf("active users: got %d, want 2", got)
	}
}

// TestRateLimiter_ShortCircuitsWhenDestinationDown verifies no quota is
// consumed while the destination network is disconnected.
func TestRateLimiter_ShortCircuitsWhenDestinationDown(t *testing.T) {
	t.Parallel()
	up := false
	cfg := DefaultRateLimitConfig()
	rl, _ := newTestLimiter(cfg, func() bool { return up })

	// Far more traffic than any limit permits, all while down.
	for i := range cfg.MaxPerMinute * 3 {
		if v := rl.CheckMessage("alice", fmt.Sprintf("distinct %d", i)); !v.Allowed {
			t.Fatalf("message %d denied while destination down: %s", i, v.Reason)
		}
	}
	if got := rl.ActiveUsers(); got != 0 {
		t.Fatalf("active users while down: got %d, want 0", got)
	}

	// Once up again, the budget is still intact.
	up = true
	if v := rl.CheckMessage("alice", "first real message"); !v.Allowed {
		t.Errorf("first message after recovery denied: %s", v.Reason)
	}
}

// TestRateLimiter_SweepEvictsIdleBuckets verifies buckets idle past the
// longest window are dropped while users in an active cooldown survive.
// TestRateLimiter_SweepPrunesStaleDuplicateHashes verifies the sweep clears
// expired duplicate-content entries from a bucket it keeps, so a long-lived
// active user does not accumulate one map entry per distinct message forever.
func TestRateLimiter_SweepPrunesStaleDuplicateHashes(t *testing.T) {
	t.Parallel()
	cfg := DefaultRateLimitConfig()
	rl, clock := newTestLimiter(cfg, nil)

	for i := range 5 {
		if v := rl.CheckMessage("alice", fmt.Sprintf("old %d", i)); !v.Allowed {
			t.Fatalf("message %d denied: %s", i, v.Reason)
		}
		*clock = clock.Add(11 * time.Second)
	}

	// All five contents are now past the duplicate window; the fresh one
	// keeps the bucket active.
	*clock = clock.Add(cfg.DuplicateWindow + time.Second)
	if v := rl.CheckMessage("alice", "fresh"); !v.Allowed {
		t.Fatalf("fresh message denied: %s", v.Reason)
	}

	rl.sweep()

	if got := rl.ActiveUsers(); got != 1 {
		t.Fatalf("active users after sweep: got %d, want 1", got)
	}
	rl.mu.Lock()
	entries := len(rl.buckets["alice"].duplicates)
	rl.mu.Unlock()
	if entries != 1 {
		t.Errorf("duplicate hash entries after sweep: got %d, want 1", entries)
	}
}

func TestRateLimiter_SweepEvictsIdleBuckets(t *testing.T) {
	t.Parallel()
	cfg := DefaultRateLimitConfig()
	cfg.SpamCooldown = 2 * time.Hour
	rl, clock := newTestLimiter(cfg, nil)

	rl.CheckMessage("idle", "hello")
	for range cfg.DuplicateThreshold + 1 {
		*clock = clock.Add(time.Second)
		rl.CheckMessage("spammer", "same thing")
	}

	// Past the idle horizon, but the spammer's two-hour cooldown is still
	// running: evicting that bucket would forgive the cooldown.
	*clock = clock.Add(time.Hour + time.Minute)
	rl.sweep()

	if got := rl.ActiveUsers(); got != 1 {
		t.Errorf("active users after sweep: got %d, want 1", got)
	}
	if v := rl.CheckMessage("spammer", "hello"); v.Allowed || v.Reason != ReasonCooldown {
		t.Errorf("spammer after sweep: got %+v, want Cooldown denial", v)
	}

	*clock = clock.Add(2 * time.Hour)
	rl.sweep()
	if got := rl.ActiveUsers(); got != 0 {
		t.Errorf("active users after cooldown expiry: got %d, want 0", got)
	}
}
