package license

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AttemptPolicy bounds repeated invalid_key results from one caller
type AttemptPolicy struct {
	MaxFailures  int
	Window       time.Duration
	LockDuration time.Duration
}

// DefaultAttemptPolicy locks a caller for 15 minutes after 20 failures in 15 minutes
func DefaultAttemptPolicy() AttemptPolicy {
	return AttemptPolicy{
		MaxFailures:  20,
		Window:       15 * time.Minute,
		LockDuration: 15 * time.Minute,
	}
}

// AttemptLimiter tracks failed key lookups per caller. A limiter error must never
// grant access; callers treat it as "not blocked" and continue to the pipeline.
type AttemptLimiter interface {
	// Blocked reports whether key is locked out and for how much longer
	Blocked(ctx context.Context, key string) (bool, time.Duration, error)
	// RecordFailure counts one failure and reports whether key is now locked
	RecordFailure(ctx context.Context, key string) (bool, error)
	// Reset clears the failure count for key
	Reset(ctx context.Context, key string) error
}

type attemptRecord struct {
	failures    int
	windowStart time.Time
	lockedUntil time.Time
}

// MemoryAttemptLimiter is an in-process AttemptLimiter for single-instance deployments
type MemoryAttemptLimiter struct {
	policy          AttemptPolicy
	records         map[string]*attemptRecord
	mutex           sync.Mutex
	cleanupInterval time.Duration
	stopChan        chan struct{}
	stopOnce        sync.Once
	now             func() time.Time
	logger          *slog.Logger
}

// NewMemoryAttemptLimiter creates a limiter and starts its cleanup goroutine
func NewMemoryAttemptLimiter(policy AttemptPolicy, logger *slog.Logger) *MemoryAttemptLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxFailures <= 0 {
		policy = DefaultAttemptPolicy()
	}
	l := &MemoryAttemptLimiter{
		policy:          policy,
		records:         make(map[string]*attemptRecord),
		cleanupInterval: 5 * time.Minute,
		stopChan:        make(chan struct{}),
		now:             time.Now,
		logger:          logger.With(slog.String("component", "attempt_limiter")),
	}
	go l.cleanup()
	return l
}

// Blocked implements AttemptLimiter
func (l *MemoryAttemptLimiter) Blocked(_ context.Context, key string) (bool, time.Duration, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	rec, ok := l.records[key]
	if !ok {
		return false, 0, nil
	}
	if remaining := rec.lockedUntil.Sub(l.now()); remaining > 0 {
		return true, remaining, nil
	}
	return false, 0, nil
}

// RecordFailure implements AttemptLimiter
func (l *MemoryAttemptLimiter) RecordFailure(ctx context.Context, key string) (bool, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	now := l.now()
	rec, ok := l.records[key]
	if !ok || now.Sub(rec.windowStart) > l.policy.Window {
		rec = &attemptRecord{windowStart: now}
		l.records[key] = rec
	}
	rec.failures++

	if rec.failures >= l.policy.MaxFailures {
		rec.lockedUntil = now.Add(l.policy.LockDuration)
		rec.failures = 0
		rec.windowStart = now

		l.logger.WarnContext(ctx, "caller locked out after repeated invalid keys",
			slog.String("action", "security_violation"),
			slog.String("caller", key),
			slog.Int("max_failures", l.policy.MaxFailures),
			slog.Duration("lock_duration", l.policy.LockDuration),
		)
		return true, nil
	}
	return false, nil
}

// Reset implements AttemptLimiter
func (l *MemoryAttemptLimiter) Reset(_ context.Context, key string) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if rec, ok := l.records[key]; ok && rec.lockedUntil.Before(l.now()) {
		delete(l.records, key)
	}
	return nil
}

// GetStats returns limiter statistics
func (l *MemoryAttemptLimiter) GetStats() map[string]interface{} {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	now := l.now()
	locked := 0
	for _, rec := range l.records {
		if rec.lockedUntil.After(now) {
			locked++
		}
	}
	return map[string]interface{}{
		"tracked_callers": len(l.records),
		"locked_callers":  locked,
		"max_failures":    l.policy.MaxFailures,
		"window":          l.policy.Window.String(),
		"lock_duration":   l.policy.LockDuration.String(),
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *MemoryAttemptLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
}

func (l *MemoryAttemptLimiter) cleanup() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mutex.Lock()
			now := l.now()
			for key, rec := range l.records {
				if rec.lockedUntil.Before(now) && now.Sub(rec.windowStart) > l.policy.Window {
					delete(l.records, key)
				}
			}
			l.mutex.Unlock()
		case <-l.stopChan:
			return
		}
	}
}
