// Package backoff provides backoff calculations and a jittered status poller.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

// Exponential calculates deterministic exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}
	d := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if d > float64(maxBackoff) {
		d = float64(maxBackoff)
	}
	return time.Duration(d)
}

// Jitter parameters for status polling.
const (
	DefaultUnit = 100 * time.Millisecond
	MaxExponent = 9 // multiplier range caps at [0, 512)
)

// Jitter returns unit*r where r is drawn uniformly from [0, 2^attempt).
// The attempt is clamped to [0, MaxExponent], so attempt 0 always yields 0
// and the largest possible value is unit*511.
func Jitter(attempt int, unit time.Duration, rng *rand.Rand) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt > MaxExponent {
		attempt = MaxExponent
	}
	r := rng.Int64N(int64(1) << attempt)
	return unit * time.Duration(r)
}

// MaxJitter is the exclusive upper bound of Jitter for an attempt.
func MaxJitter(attempt int, unit time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > MaxExponent {
		attempt = MaxExponent
	}
	return unit * time.Duration(int64(1)<<attempt)
}
