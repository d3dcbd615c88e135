// Copyright 2024-2026 Aiku AI

package bridge

import (
	"math/rand/v2"
	"time"
)

// maxBackoffExponent caps 2^attempt so the shift cannot overflow regardless
// of how many consecutive failures accumulate.
const maxBackoffExponent = 16

// BackoffConfig parameterizes the retry delay computation.
type BackoffConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterRange float64
}

// DefaultBackoffConfig returns the standard reconnection backoff: 1s base,
// 60s ceiling, 20% jitter.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		JitterRange: 0.2,
	}
}

// Delay computes the retry delay for the given zero-based attempt index:
// min(base*2^attempt, max) with uniform jitter in ±JitterRange. It is a
// pure function of its inputs and the process RNG.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffExponent {
		attempt = maxBackoffExponent
	}

	delay := c.BaseDelay << uint(attempt)
	if delay > c.MaxDelay || delay <= 0 {
		delay = c.MaxDelay
	}

	if c.JitterRange > 0 {
		// delay * (1 ± jitter), drawn uniformly.
		factor := 1 + c.JitterRange*(rand.Float64()*2-1)
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}
