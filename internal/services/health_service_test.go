package services

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/shared/testutil"
	"licensegate/pkg/contracts"
)

func TestHealthService_Liveness(t *testing.T) {
	hs := NewHealthService("1.2.3", nil)
	hs.Register("store", func(context.Context) error { return errors.New("down") }, true)

	resp := hs.Liveness(context.Background())
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Empty(t, resp.Checks, "liveness runs no probes")
}

func TestHealthService_Readiness(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name       string
		store      ProbeFunc
		redis      ProbeFunc
		wantStatus string
		wantReady  bool
	}{
		{"all healthy", ok, ok, StatusOK, true},
		{"optional dependency down", ok, down, StatusDegraded, true},
		{"store down", down, ok, StatusUnavailable, false},
		{"everything down", down, down, StatusUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, _ := testutil.NewTestLogger(t)
			hs := NewHealthService(contracts.Version, logger)
			hs.Register("store", tt.store, true)
			hs.Register("redis", tt.redis, false)

			resp, ready := hs.Readiness(context.Background())
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantReady, ready)
			require.Len(t, resp.Checks, 2)
			assert.NotEmpty(t, resp.Checks["store"].Duration)
		})
	}
}

func TestHealthService_ProbesRunConcurrently(t *testing.T) {
	hs := NewHealthService("test", nil)
	slow := func(ctx context.Context) error {
		select {
		case <-time.After(100 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, name := range []string{"a", "b", "c", "d"} {
		hs.Register(name, slow, true)
	}

	start := time.Now()
	_, ready := hs.Readiness(context.Background())
	assert.True(t, ready)
	assert.Less(t, time.Since(start), 350*time.Millisecond)
}

func TestHealthService_ProbeTimeout(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	hs := NewHealthService("test", logger)
	hs.SetProbeTimeout(20 * time.Millisecond)
	hs.Register("nats", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, true)

	resp, ready := hs.Readiness(context.Background())
	assert.False(t, ready)
	assert.Equal(t, StatusUnavailable, resp.Checks["nats"].Status)
	assert.Contains(t, resp.Checks["nats"].Message, "deadline")
	testutil.AssertLogContains(t, logs, slog.LevelWarn, "health probe failed")
}

func TestHealthService_HealthAndVersion(t *testing.T) {
	hs := NewHealthService("9.9.9", nil)

	resp, ready := hs.Health(context.Background())
	assert.True(t, ready)
	assert.Contains(t, resp.Runtime, "goroutines")
	assert.Contains(t, resp.Runtime, "uptime_seconds")

	info := hs.Version()
	assert.Equal(t, "9.9.9", info.Version)
	assert.Equal(t, contracts.APIVersion, info.APIVersion)
}

func TestHealthService_RegisterStats(t *testing.T) {
	hs := NewHealthService("1.0.0", nil)
	hs.RegisterStats("plan_cache", func() map[string]interface{} {
		return map[string]interface{}{"entries": 3}
	})

	resp, _ := hs.Health(context.Background())
	require.Contains(t, resp.Runtime, "plan_cache")
	assert.Equal(t, map[string]interface{}{"entries": 3}, resp.Runtime["plan_cache"])

	live := hs.Liveness(context.Background())
	assert.Nil(t, live.Runtime)
}
