package ratelimit

import (
	"context"
	"sync"
	"time"

	uaerrors "github.com/uniauth/uniauth/pkg/errors"
)

// DefaultCleanupInterval is how often expired windows are swept.
const DefaultCleanupInterval = 5 * time.Minute

// quotaWindow counts accepted issues within one UTC day.
type quotaWindow struct {
	day   string
	count int
}

// MemoryLimiter tracks windows in process-local maps. Suitable for
// single-instance deployments and tests; multi-instance deployments need the
// redis backend so all instances share one view of the windows.
type MemoryLimiter struct {
	cfg Config

	mu        sync.Mutex
	cooldowns map[string]time.Time
	quotas    map[string]*quotaWindow

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}

	now func() time.Time
}

// MemoryLimiterOption configures a MemoryLimiter.
type MemoryLimiterOption func(*MemoryLimiter)

// WithCleanupInterval sets a custom sweep interval.
func WithCleanupInterval(interval time.Duration) MemoryLimiterOption {
	return func(l *MemoryLimiter) {
		l.cleanupInterval = interval
	}
}

// NewMemoryLimiter creates an in-memory limiter and starts its background
// sweep goroutine. Call Close when done with it.
func NewMemoryLimiter(cfg Config, opts ...MemoryLimiterOption) *MemoryLimiter {
	l := &MemoryLimiter{
		cfg:             cfg.withDefaults(),
		cooldowns:       make(map[string]time.Time),
		quotas:          make(map[string]*quotaWindow),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
		now:             time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	go l.cleanupLoop()

	return l
}

// Close stops the sweep goroutine and waits for it to finish.
func (l *MemoryLimiter) Close() error {
	close(l.stopCleanup)
	<-l.cleanupDone
	return nil
}

// Reserve implements Limiter. All checks and the commit happen under one
// lock, so concurrent reservations for the same target serialize.
func (l *MemoryLimiter) Reserve(_ context.Context, target, ip string) error {
	if target == "" {
		return uaerrors.NewInvalidRequestError("rate limit target is required", nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if until, ok := l.cooldowns[target]; ok && now.Before(until) {
		return uaerrors.NewRateLimitedError(secondsUntil(now, until), nil)
	}

	day := now.UTC().Format(dayFormat)
	targetQuota := l.window("t:"+target, day)
	if targetQuota.count >= l.cfg.TargetDailyLimit {
		return uaerrors.NewDailyLimitExceededError(secondsUntil(now, nextUTCMidnight(now)), nil)
	}

	var ipQuota *quotaWindow
	if ip != "" {
		ipQuota = l.window("ip:"+ip, day)
		if ipQuota.count >= l.cfg.IPDailyLimit {
			return uaerrors.NewDailyLimitExceededError(secondsUntil(now, nextUTCMidnight(now)), nil)
		}
	}

	l.cooldowns[target] = now.Add(l.cfg.Cooldown)
	targetQuota.count++
	if ipQuota != nil {
		ipQuota.count++
	}
	return nil
}

// window returns the quota window for key, resetting it when the day rolled
// over. Callers must hold l.mu.
func (l *MemoryLimiter) window(key, day string) *quotaWindow {
	w, ok := l.quotas[key]
	if !ok || w.day != day {
		w = &quotaWindow{day: day}
		l.quotas[key] = w
	}
	return w
}

func (l *MemoryLimiter) cleanupLoop() {
	defer close(l.cleanupDone)

	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCleanup:
			return
		case <-ticker.C:
			l.cleanupExpired()
		}
	}
}

// cleanupExpired drops elapsed cooldowns and quota windows from past days.
func (l *MemoryLimiter) cleanupExpired() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	day := now.UTC().Format(dayFormat)

	for target, until := range l.cooldowns {
		if now.After(until) {
			delete(l.cooldowns, target)
		}
	}
	for key, w := range l.quotas {
		if w.day != day {
			delete(l.quotas, key)
		}
	}
}

var _ Limiter = (*MemoryLimiter)(nil)
