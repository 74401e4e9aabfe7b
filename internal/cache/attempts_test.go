package cache

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/license"
	"licensegate/internal/shared/testutil"
)

const testRedisEnv = "LICENSEGATE_TEST_REDIS_URL"

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		addr    string
		wantErr bool
	}{
		{"url", "redis://localhost:6380/2", "localhost:6380", false},
		{"host and port", "cache:6379", "cache:6379", false},
		{"empty", "", "", true},
		{"bad database number", "redis://localhost:6379/notadb", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer client.Close()
			assert.Equal(t, tt.addr, client.Options().Addr)
		})
	}
}

func TestRedisAttemptLimiter(t *testing.T) {
	url := os.Getenv(testRedisEnv)
	if url == "" {
		t.Skipf("%s not set; skipping redis integration tests", testRedisEnv)
	}

	ctx := context.Background()
	client, err := Connect(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	logger, handler := testutil.NewTestLogger(t)
	policy := license.AttemptPolicy{MaxFailures: 3, Window: time.Minute, LockDuration: 2 * time.Minute}
	limiter := NewRedisAttemptLimiter(client, policy, logger)
	caller := "test-" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, attemptKey(caller)) })

	for i := 0; i < 2; i++ {
		locked, err := limiter.RecordFailure(ctx, caller)
		require.NoError(t, err)
		assert.False(t, locked)
	}

	ttl, err := client.TTL(ctx, attemptKey(caller)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "failure window expires")

	require.NoError(t, limiter.Reset(ctx, caller))
	for i := 0; i < 2; i++ {
		locked, _ := limiter.RecordFailure(ctx, caller)
		assert.False(t, locked, "reset cleared the earlier failures")
	}

	locked, err := limiter.RecordFailure(ctx, caller)
	require.NoError(t, err)
	assert.True(t, locked)

	blocked, remaining, err := limiter.Blocked(ctx, caller)
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.InDelta(t, (2 * time.Minute).Seconds(), remaining.Seconds(), 5)

	require.NoError(t, limiter.Reset(ctx, caller))
	blocked, _, _ = limiter.Blocked(ctx, caller)
	assert.True(t, blocked, "reset does not lift an active lock")

	limiter.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	blocked, _, _ = limiter.Blocked(ctx, caller)
	assert.False(t, blocked)

	testutil.AssertLogContains(t, handler, slog.LevelWarn, "caller locked out after repeated invalid keys")
}
