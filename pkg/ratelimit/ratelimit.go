// Package ratelimit enforces the issue policy for verification codes: a
// cooldown between sends to the same target and daily quotas per target and
// per source IP, resetting at UTC midnight.
package ratelimit

import (
	"context"
	"math"
	"time"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultCooldown         = 60 * time.Second
	DefaultTargetDailyLimit = 10
	DefaultIPDailyLimit     = 50
)

// dayFormat keys daily quota windows.
const dayFormat = "20060102"

// Config tunes the rate limit windows.
type Config struct {
	// Cooldown is the minimum time between accepted issues to one target.
	Cooldown time.Duration

	// TargetDailyLimit caps accepted issues per target per UTC day.
	TargetDailyLimit int

	// IPDailyLimit caps accepted issues per source IP per UTC day.
	IPDailyLimit int
}

func (c Config) withDefaults() Config {
	if c.Cooldown == 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.TargetDailyLimit == 0 {
		c.TargetDailyLimit = DefaultTargetDailyLimit
	}
	if c.IPDailyLimit == 0 {
		c.IPDailyLimit = DefaultIPDailyLimit
	}
	return c
}

// Limiter decides whether a verification code may be issued right now.
//
//go:generate mockgen -destination=mocks/mock_limiter.go -package=mocks -source=ratelimit.go Limiter
type Limiter interface {
	// Reserve consumes one issue slot for the (target, ip) pair. It returns
	// a rate-limited error carrying a retry hint when the cooldown window is
	// still open, a daily-limit error when either quota is spent, and nil
	// when the issue may proceed. Two concurrent reservations for the same
	// target yield at most one nil. An empty ip skips the IP dimension.
	Reserve(ctx context.Context, target, ip string) error
}

// secondsUntil returns the whole seconds from now until t, rounded up, at
// least 1 so Retry-After headers are never zero.
func secondsUntil(now, t time.Time) int {
	secs := int(math.Ceil(t.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// nextUTCMidnight returns the start of the next UTC day.
func nextUTCMidnight(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}
