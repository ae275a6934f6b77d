package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uaerrors "github.com/uniauth/uniauth/pkg/errors"
)

// newTestLimiter returns a limiter with a controllable clock. The background
// sweep is stopped so tests drive cleanup explicitly.
func newTestLimiter(t *testing.T, cfg Config) (*MemoryLimiter, func(time.Duration)) {
	t.Helper()
	l := NewMemoryLimiter(cfg)
	require.NoError(t, l.Close())

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	advance := func(d time.Duration) { now = now.Add(d) }
	return l, advance
}

func TestMemoryCooldown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, advance := newTestLimiter(t, Config{})

	require.NoError(t, l.Reserve(ctx, "+15551234567", "198.51.100.7"))

	err := l.Reserve(ctx, "+15551234567", "198.51.100.7")
	require.Error(t, err)
	assert.True(t, uaerrors.IsRateLimited(err))
	retry := uaerrors.RetryAfter(err)
	assert.Greater(t, retry, 0)
	assert.LessOrEqual(t, retry, 60)

	advance(61 * time.Second)
	assert.NoError(t, l.Reserve(ctx, "+15551234567", "198.51.100.7"))
}

func TestMemoryCooldownIsPerTarget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := newTestLimiter(t, Config{})

	require.NoError(t, l.Reserve(ctx, "+15551234567", "198.51.100.7"))
	assert.NoError(t, l.Reserve(ctx, "user@example.com", "198.51.100.7"),
		"cooldown must not leak across targets")
}

func TestMemoryTargetDailyLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, advance := newTestLimiter(t, Config{TargetDailyLimit: 3})

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Reserve(ctx, "+15551234567", ""))
		advance(61 * time.Second)
	}

	err := l.Reserve(ctx, "+15551234567", "")
	require.Error(t, err)
	assert.True(t, uaerrors.IsDailyLimitExceeded(err))
	assert.Greater(t, uaerrors.RetryAfter(err), 0, "retry hint points at UTC midnight")
}

func TestMemoryIPDailyLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := newTestLimiter(t, Config{IPDailyLimit: 3})

	targets := []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"}
	for _, target := range targets[:3] {
		require.NoError(t, l.Reserve(ctx, target, "198.51.100.7"))
	}

	err := l.Reserve(ctx, targets[3], "198.51.100.7")
	require.Error(t, err)
	assert.True(t, uaerrors.IsDailyLimitExceeded(err))
}

func TestMemoryEmptyIPSkipsIPQuota(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := newTestLimiter(t, Config{IPDailyLimit: 1})

	assert.NoError(t, l.Reserve(ctx, "a@example.com", ""))
	assert.NoError(t, l.Reserve(ctx, "b@example.com", ""))
}

func TestMemoryQuotaResetsAtMidnight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, advance := newTestLimiter(t, Config{TargetDailyLimit: 1})

	require.NoError(t, l.Reserve(ctx, "+15551234567", ""))

	advance(61 * time.Second)
	err := l.Reserve(ctx, "+15551234567", "")
	require.True(t, uaerrors.IsDailyLimitExceeded(err))

	// The clock started at noon UTC, so a day later is past midnight.
	advance(24 * time.Hour)
	assert.NoError(t, l.Reserve(ctx, "+15551234567", ""))
}

func TestMemoryRequiresTarget(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, Config{})

	err := l.Reserve(context.Background(), "", "198.51.100.7")
	require.Error(t, err)
	assert.True(t, uaerrors.IsInvalidRequest(err))
}

func TestMemoryConcurrentSameTarget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l := NewMemoryLimiter(Config{})
	defer l.Close()

	var wg sync.WaitGroup
	var accepted atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Reserve(ctx, "+15551234567", "198.51.100.7"); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load(), "concurrent issuers observe at most one acceptance")
}

func TestMemoryCleanupExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, advance := newTestLimiter(t, Config{})

	require.NoError(t, l.Reserve(ctx, "+15551234567", "198.51.100.7"))
	require.NoError(t, l.Reserve(ctx, "user@example.com", ""))

	advance(25 * time.Hour)
	l.cleanupExpired()

	assert.Empty(t, l.cooldowns)
	assert.Empty(t, l.quotas)
}

func TestMemoryBackgroundSweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l := NewMemoryLimiter(Config{Cooldown: time.Millisecond}, WithCleanupInterval(5*time.Millisecond))
	defer l.Close()

	require.NoError(t, l.Reserve(ctx, "+15551234567", ""))

	assert.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.cooldowns) == 0
	}, time.Second, 10*time.Millisecond, "elapsed cooldowns are swept without an explicit call")
}
