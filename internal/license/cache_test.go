package license

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/pkg/contracts/domain"
)

func testPlan(ref string) domain.Plan {
	return domain.Plan{
		Ref:      ref,
		Name:     ref,
		Features: domain.FeatureSet{"export": domain.BoolFeature(true)},
	}
}

func TestPlanCache(t *testing.T) {
	t.Run("constructor", func(t *testing.T) {
		tests := []struct {
			name    string
			ttl     time.Duration
			maxSize int
		}{
			{"standard config", 5 * time.Minute, 100},
			{"zero TTL", 0, 100},
			{"zero size", time.Hour, 0},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				cache := NewPlanCache(tt.ttl, tt.maxSize)
				require.NotNil(t, cache)
				defer cache.Stop()

				stats := cache.GetStats()
				assert.Equal(t, tt.maxSize, stats["max_size"])
				assert.Equal(t, tt.ttl.Seconds(), stats["ttl_seconds"])
				assert.Equal(t, 0, stats["entries"])
			})
		}
	})

	t.Run("set and get returns a copy", func(t *testing.T) {
		cache := NewPlanCache(time.Minute, 10)
		defer cache.Stop()

		cache.Set(testPlan("pro"))
		got, ok := cache.Get("pro")
		require.True(t, ok)
		assert.Equal(t, "pro", got.Ref)

		got.Name = "mutated"
		again, ok := cache.Get("pro")
		require.True(t, ok)
		assert.Equal(t, "pro", again.Name)
	})

	t.Run("miss", func(t *testing.T) {
		cache := NewPlanCache(time.Minute, 10)
		defer cache.Stop()

		_, ok := cache.Get("nope")
		assert.False(t, ok)
		assert.Equal(t, int64(1), cache.GetStats()["miss_count"])
	})

	t.Run("disabled cache stores nothing", func(t *testing.T) {
		cache := NewPlanCache(0, 10)
		defer cache.Stop()

		cache.Set(testPlan("pro"))
		_, ok := cache.Get("pro")
		assert.False(t, ok)
	})

	t.Run("expired entry is a miss", func(t *testing.T) {
		cache := NewPlanCache(20*time.Millisecond, 10)
		defer cache.Stop()

		cache.Set(testPlan("pro"))
		time.Sleep(40 * time.Millisecond)
		_, ok := cache.Get("pro")
		assert.False(t, ok)
	})

	t.Run("evicts oldest at capacity", func(t *testing.T) {
		cache := NewPlanCache(time.Minute, 2)
		defer cache.Stop()

		cache.Set(testPlan("a"))
		time.Sleep(2 * time.Millisecond)
		cache.Set(testPlan("b"))
		time.Sleep(2 * time.Millisecond)
		cache.Set(testPlan("c"))

		_, ok := cache.Get("a")
		assert.False(t, ok)
		_, ok = cache.Get("c")
		assert.True(t, ok)
		assert.Equal(t, 2, cache.GetStats()["entries"])
	})

	t.Run("hit ratio", func(t *testing.T) {
		cache := NewPlanCache(time.Minute, 10)
		defer cache.Stop()

		cache.Set(testPlan("pro"))
		cache.Get("pro")
		cache.Get("pro")
		cache.Get("free")
		cache.Get("free")

		stats := cache.GetStats()
		assert.Equal(t, int64(2), stats["hit_count"])
		assert.Equal(t, 0.5, stats["hit_ratio"])
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		cache := NewPlanCache(time.Minute, 10)
		cache.Stop()
		assert.NotPanics(t, cache.Stop)
	})
}

func TestPlanCache_Concurrent(t *testing.T) {
	cache := NewPlanCache(time.Minute, 50)
	defer cache.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ref := fmt.Sprintf("plan-%d", (n+j)%60)
				cache.Set(testPlan(ref))
				cache.Get(ref)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, cache.GetStats()["entries"].(int), 50)
}
