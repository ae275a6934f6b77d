package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	uaerrors "github.com/uniauth/uniauth/pkg/errors"
)

// RedisLimiter tracks windows in Redis so every instance of the service
// shares one view of them. The cooldown gate is a SET NX with TTL and the
// quotas are INCR counters expiring at UTC midnight, so concurrent
// reservations stay monotonic without any coordination beyond Redis itself.
type RedisLimiter struct {
	cfg    Config
	client redis.UniversalClient

	now func() time.Time
}

// NewRedisLimiter wraps a pre-configured client. The caller owns the client
// lifecycle; tests pass one backed by miniredis.
func NewRedisLimiter(client redis.UniversalClient, cfg Config) *RedisLimiter {
	return &RedisLimiter{
		cfg:    cfg.withDefaults(),
		client: client,
		now:    time.Now,
	}
}

// Ping checks backend connectivity.
func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Reserve implements Limiter.
func (l *RedisLimiter) Reserve(ctx context.Context, target, ip string) error {
	if target == "" {
		return uaerrors.NewInvalidRequestError("rate limit target is required", nil)
	}

	now := l.now().UTC()

	// SET NX both checks and claims the cooldown window, so exactly one of
	// any number of concurrent reservations for a target gets through.
	cdKey := cooldownKey(target)
	ok, err := l.client.SetNX(ctx, cdKey, "1", l.cfg.Cooldown).Result()
	if err != nil {
		return uaerrors.NewInternalError("rate limit backend unavailable", err)
	}
	if !ok {
		ttl, err := l.client.TTL(ctx, cdKey).Result()
		if err != nil {
			return uaerrors.NewInternalError("rate limit backend unavailable", err)
		}
		return uaerrors.NewRateLimitedError(secondsUntil(now, now.Add(ttl)), nil)
	}

	day := now.Format(dayFormat)
	if err := l.reserveQuota(ctx, quotaKey("t", target, day), l.cfg.TargetDailyLimit, now); err != nil {
		return err
	}
	if ip != "" {
		if err := l.reserveQuota(ctx, quotaKey("ip", ip, day), l.cfg.IPDailyLimit, now); err != nil {
			return err
		}
	}
	return nil
}

// reserveQuota increments a daily counter and rejects when it passes the
// limit. The first increment arms the key to expire at UTC midnight.
func (l *RedisLimiter) reserveQuota(ctx context.Context, key string, limit int, now time.Time) error {
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return uaerrors.NewInternalError("rate limit backend unavailable", err)
	}
	if count == 1 {
		if err := l.client.ExpireAt(ctx, key, nextUTCMidnight(now)).Err(); err != nil {
			return uaerrors.NewInternalError("rate limit backend unavailable", err)
		}
	}
	if count > int64(limit) {
		return uaerrors.NewDailyLimitExceededError(secondsUntil(now, nextUTCMidnight(now)), nil)
	}
	return nil
}

func cooldownKey(target string) string {
	return "rl:cd:" + target
}

func quotaKey(dimension, id, day string) string {
	return fmt.Sprintf("rl:q:%s:%s:%s", dimension, id, day)
}

var _ Limiter = (*RedisLimiter)(nil)
