// Copyright 2024-2026 Aiku AI

package bridge

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DenyReason is the machine-readable cause of a rate-limit denial.
type DenyReason string

const (
	ReasonRateExceeded  DenyReason = "RateExceeded"
	ReasonBurstExceeded DenyReason = "BurstExceeded"
	ReasonDuplicateSpam DenyReason = "DuplicateSpam"
	ReasonCooldown      DenyReason = "Cooldown"
)

// Verdict is the result of one admission check. RetryAfter is a display
// hint for the user, not a reservation.
type Verdict struct {
	Allowed    bool
	Reason     DenyReason
	RetryAfter time.Duration
}

var allowed = Verdict{Allowed: true}

// RateLimitConfig parameterizes per-user admission control.
type RateLimitConfig struct {
	MaxPerMinute       int
	MaxPerHour         int
	BurstLimit         int
	BurstWindow        time.Duration
	DuplicateThreshold int
	DuplicateWindow    time.Duration
	SpamCooldown       time.Duration
	SweepInterval      time.Duration
}

// DefaultRateLimitConfig returns the standard limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxPerMinute:       20,
		MaxPerHour:         300,
		BurstLimit:         5,
		BurstWindow:        10 * time.Second,
		DuplicateThreshold: 3,
		DuplicateWindow:    30 * time.Second,
		SpamCooldown:       5 * time.Minute,
		SweepInterval:      5 * time.Minute,
	}
}

// rateBucket holds one user's sliding windows. Created lazily on first
// message, evicted by the periodic sweep after inactivity, never shared.
type rateBucket struct {
	minute        []time.Time
	hour          []time.Time
	burst         []time.Time
	duplicates    map[uint64][]time.Time
	cooldownUntil time.Time
	lastSeen      time.Time
}

// RateLimiter gates outbound traffic per user with dual sliding windows, a
// burst ceiling, and duplicate-content suppression. When the destination
// network is not registered the limiter short-circuits to allow without
// consuming tokens: those messages are dropped downstream anyway, and
// charging quota for them would penalize users once the network returns.
type RateLimiter struct {
	cfg RateLimitConfig
	// destinationUp reports whether the destination network is Registered.
	destinationUp func() bool
	bus           *EventBus
	log           zerolog.Logger
	now           func() time.Time

	mu      sync.Mutex
	buckets map[string]*rateBucket

	started  bool
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter. Start must be called to enable the
// bucket sweep.
func NewRateLimiter(cfg RateLimitConfig, destinationUp func() bool, bus *EventBus, log zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		cfg:           cfg,
		destinationUp: destinationUp,
		bus:           bus,
		log:           log.With().Str("component", "rate_limiter").Logger(),
		now:           time.Now,
		buckets:       make(map[string]*rateBucket),
		stopChan:      make(chan struct{}),
	}
}

// CheckMessage decides whether userID may relay content right now. Checks
// run strictest-first: cooldown, duplicate content, burst, minute, hour.
func (rl *RateLimiter) CheckMessage(userID, content string) Verdict {
	if rl.destinationUp != nil && !rl.destinationUp() {
		return allowed
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[userID]
	if !ok {
		b = &rateBucket{duplicates: make(map[uint64][]time.Time)}
		rl.buckets[userID] = b
	}
	b.lastSeen = now

	if now.Before(b.cooldownUntil) {
		return rl.deny(userID, ReasonCooldown, b.cooldownUntil.Sub(now))
	}

	b.minute = prune(b.minute, now.Add(-time.Minute))
	b.hour = prune(b.hour, now.Add(-time.Hour))
	b.burst = prune(b.burst, now.Add(-rl.cfg.BurstWindow))

	hash := contentHash(content)
	dups := prune(b.duplicates[hash], now.Add(-rl.cfg.DuplicateWindow))
	if len(dups) == 0 {
		delete(b.duplicates, hash)
	} else {
		b.duplicates[hash] = dups
	}
	if len(dups) >= rl.cfg.DuplicateThreshold {
		// Spam suspect: identical sends past the threshold escalate to a
		// full cooldown for this user.
		b.cooldownUntil = now.Add(rl.cfg.SpamCooldown)
		return rl.deny(userID, ReasonDuplicateSpam, rl.cfg.SpamCooldown)
	}

	if len(b.burst) >= rl.cfg.BurstLimit {
		return rl.deny(userID, ReasonBurstExceeded, b.burst[0].Add(rl.cfg.BurstWindow).Sub(now))
	}
	if len(b.minute) >= rl.cfg.MaxPerMinute {
		return rl.deny(userID, ReasonRateExceeded, b.minute[0].Add(time.Minute).Sub(now))
	}
	if len(b.hour) >= rl.cfg.MaxPerHour {
		return rl.deny(userID, ReasonRateExceeded, b.hour[0].Add(time.Hour).Sub(now))
	}

	b.minute = append(b.minute, now)
	b.hour = append(b.hour, now)
	b.burst = append(b.burst, now)
	b.duplicates[hash] = append(dups, now)
	return allowed
}

func (rl *RateLimiter) deny(userID string, reason DenyReason, retryAfter time.Duration) Verdict {
	if retryAfter < 0 {
		retryAfter = 0
	}
	rl.bus.Emit(EventRateLimitDenied, userID, string(reason))
	return Verdict{Allowed: false, Reason: reason, RetryAfter: retryAfter}
}

// ActiveUsers returns the number of live buckets.
func (rl *RateLimiter) ActiveUsers() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Start launches the periodic bucket sweep. Idempotent.
func (rl *RateLimiter) Start() {
	rl.mu.Lock()
	if rl.started {
		rl.mu.Unlock()
		return
	}
	rl.started = true
	rl.mu.Unlock()
	go rl.sweepLoop()
}

// Stop terminates the sweep loop.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopChan)
	})
}

func (rl *RateLimiter) sweepLoop() {
	interval := rl.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopChan:
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// sweep evicts buckets untouched for longer than the longest window and
// prunes expired duplicate hashes from the buckets it keeps. CheckMessage
// only touches the hash of the current message, so without this pass a
// continuously active user would grow their hash map without bound.
func (rl *RateLimiter) sweep() {
	cutoff := rl.now().Add(-time.Hour)
	dupCutoff := rl.now().Add(-rl.cfg.DuplicateWindow)
	rl.mu.Lock()
	removed := 0
	for userID, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) && rl.now().After(b.cooldownUntil) {
			delete(rl.buckets, userID)
			removed++
			continue
		}
		for hash, ts := range b.duplicates {
			ts = prune(ts, dupCutoff)
			if len(ts) == 0 {
				delete(b.duplicates, hash)
			} else {
				b.duplicates[hash] = ts
			}
		}
	}
	rl.mu.Unlock()
	if removed > 0 {
		rl.log.Debug().Int("removed", removed).Msg("Swept idle rate buckets")
	}
}

// prune drops timestamps at or before cutoff, keeping order.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

// contentHash is the duplicate-detection key for message content.
func contentHash(content string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(content))
	return h.Sum64()
}
