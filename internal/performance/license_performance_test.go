package performance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/license"
	"licensegate/internal/middleware"
	"licensegate/internal/services"
	"licensegate/internal/shared/testutil"
	"licensegate/internal/store/memory"
	handlers "licensegate/internal/transport/http"
	"licensegate/pkg/contracts/domain"
)

const (
	LoadTestRequests = 500
	MaxP99Latency    = 250 * time.Millisecond
)

// PerformanceTestSuite is an in-memory license stack behind a real HTTP server
type PerformanceTestSuite struct {
	store  *memory.Store
	engine *license.Engine
	server *httptest.Server
	key    string
}

func newPerformanceSuite(tb testing.TB, maxDevices int) *PerformanceTestSuite {
	tb.Helper()
	logger, _ := testutil.NewQuietLogger()

	fixtures := testutil.NewLicenseTestFixtures(tb)
	s := &PerformanceTestSuite{store: memory.New(), key: fixtures.NewKey()}
	_, err := s.store.PutLicense(fixtures.SignedLicense(s.key, maxDevices, domain.FeatureSet{"reports": domain.BoolFeature(true)}))
	require.NoError(tb, err)

	s.engine = license.NewEngine(s.store, license.Options{}, logger)
	validator := middleware.NewValidator(logger)
	svc := services.NewLicenseService(s.engine, services.LicenseServiceOptions{Validator: validator}, logger)
	errorHandler := apierrors.NewErrorHandler(logger, false)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Mount("/api/license", handlers.NewLicenseHandler(svc, validator, errorHandler, logger).Routes())
	s.server = httptest.NewServer(router)
	tb.Cleanup(s.server.Close)
	return s
}

func (s *PerformanceTestSuite) post(path string, body interface{}) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	resp, err := s.server.Client().Post(s.server.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func BenchmarkEngineValidate(b *testing.B) {
	s := newPerformanceSuite(b, 1)
	ctx := context.Background()
	in := license.ValidateInput{Key: s.key, Caller: license.Caller{IP: "198.51.100.1"}}

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := s.engine.Validate(ctx, in); err != nil {
				b.Fatalf("validate failed: %v", err)
			}
		}
	})
}

func BenchmarkEngineActivateReconnect(b *testing.B) {
	s := newPerformanceSuite(b, 1)
	ctx := context.Background()
	in := license.ActivateInput{Key: s.key, Fingerprint: "bench-device", Caller: license.Caller{IP: "198.51.100.1"}}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		res, err := s.engine.Activate(ctx, in)
		if err != nil || !res.Valid {
			b.Fatalf("activate failed: %v %s", err, res.Result)
		}
	}
}

func BenchmarkEngineCheckFeature(b *testing.B) {
	s := newPerformanceSuite(b, 1)
	ctx := context.Background()
	in := license.CheckFeatureInput{Key: s.key, FeatureKey: "reports", Caller: license.Caller{IP: "198.51.100.1"}}

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := s.engine.CheckFeature(ctx, in); err != nil {
				b.Fatalf("check feature failed: %v", err)
			}
		}
	})
}

func BenchmarkValidateEndpoint(b *testing.B) {
	s := newPerformanceSuite(b, 1)
	body := map[string]string{"licenseKey": s.key}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			status, err := s.post("/api/license/validate", body)
			if err != nil || status != http.StatusOK {
				b.Fatalf("request failed: status=%d err=%v", status, err)
			}
		}
	})
}

// TestLoadValidateEndpoint checks latency percentiles under concurrent load
func TestLoadValidateEndpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	s := newPerformanceSuite(t, 1)
	body := map[string]string{"licenseKey": s.key}

	latencies := make([]time.Duration, LoadTestRequests)
	var failures atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(25)
	for i := 0; i < LoadTestRequests; i++ {
		g.Go(func() error {
			start := time.Now()
			status, err := s.post("/api/license/validate", body)
			latencies[i] = time.Since(start)
			if err != nil || status != http.StatusOK {
				failures.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p50 := latencies[len(latencies)/2]
	p99 := latencies[len(latencies)*99/100]
	t.Logf("validate load: p50=%s p99=%s failures=%d", p50, p99, failures.Load())

	assert.Zero(t, failures.Load())
	assert.Less(t, p99, MaxP99Latency)
}

// TestConcurrentActivationAttempts holds the device limit under heavy contention
func TestConcurrentActivationAttempts(t *testing.T) {
	const maxDevices = 5
	const devices = 50

	s := newPerformanceSuite(t, maxDevices)
	ctx := context.Background()

	var granted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < devices; i++ {
		g.Go(func() error {
			res, err := s.engine.Activate(gctx, license.ActivateInput{
				Key:         s.key,
				Fingerprint: fmt.Sprintf("device-%d", i),
				Caller:      license.Caller{IP: "198.51.100.1"},
			})
			if err != nil {
				return err
			}
			if res.Valid {
				granted.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(maxDevices), granted.Load())
}
