package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"licensegate/internal/license"
)

const attemptKeyPrefix = "licensegate:attempts:"

// RedisAttemptLimiter implements license.AttemptLimiter with one Redis hash per caller.
// The failure window is fixed: it starts at the first failure and the hash expires with it.
type RedisAttemptLimiter struct {
	client *redis.Client
	policy license.AttemptPolicy
	now    func() time.Time
	logger *slog.Logger
}

var _ license.AttemptLimiter = (*RedisAttemptLimiter)(nil)

// NewRedisAttemptLimiter creates a limiter. A zero policy uses the defaults.
func NewRedisAttemptLimiter(client *redis.Client, policy license.AttemptPolicy, logger *slog.Logger) *RedisAttemptLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxFailures <= 0 {
		policy = license.DefaultAttemptPolicy()
	}
	return &RedisAttemptLimiter{
		client: client,
		policy: policy,
		now:    time.Now,
		logger: logger.With(slog.String("component", "attempt_limiter"), slog.String("backend", "redis")),
	}
}

func attemptKey(caller string) string {
	return attemptKeyPrefix + caller
}

// Blocked implements license.AttemptLimiter
func (l *RedisAttemptLimiter) Blocked(ctx context.Context, caller string) (bool, time.Duration, error) {
	raw, err := l.client.HGet(ctx, attemptKey(caller), "locked_until").Result()
	if err == redis.Nil {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("read lockout: %w", err)
	}

	until, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || until <= 0 {
		return false, 0, nil
	}
	remaining := time.UnixMilli(until).Sub(l.now())
	if remaining <= 0 {
		return false, 0, nil
	}
	return true, remaining, nil
}

// RecordFailure implements license.AttemptLimiter
func (l *RedisAttemptLimiter) RecordFailure(ctx context.Context, caller string) (bool, error) {
	key := attemptKey(caller)

	count, err := l.client.HIncrBy(ctx, key, "failed_count", 1).Result()
	if err != nil {
		return false, fmt.Errorf("record failure: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.policy.Window).Err(); err != nil {
			return false, fmt.Errorf("set failure window: %w", err)
		}
	}
	if int(count) < l.policy.MaxFailures {
		return false, nil
	}

	lockedUntil := l.now().Add(l.policy.LockDuration)
	_, err = l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "locked_until", lockedUntil.UnixMilli(), "failed_count", 0)
		p.Expire(ctx, key, l.policy.LockDuration+l.policy.Window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store lockout: %w", err)
	}

	l.logger.WarnContext(ctx, "caller locked out after repeated invalid keys",
		slog.String("action", "security_violation"),
		slog.String("caller", caller),
		slog.Int("max_failures", l.policy.MaxFailures),
		slog.Duration("lock_duration", l.policy.LockDuration),
	)
	return true, nil
}

// Reset implements license.AttemptLimiter. An active lock is left in place.
func (l *RedisAttemptLimiter) Reset(ctx context.Context, caller string) error {
	blocked, _, err := l.Blocked(ctx, caller)
	if err != nil {
		return err
	}
	if blocked {
		return nil
	}
	if err := l.client.Del(ctx, attemptKey(caller)).Err(); err != nil {
		return fmt.Errorf("reset failures: %w", err)
	}
	return nil
}
