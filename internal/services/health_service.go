package services

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"licensegate/pkg/contracts"
	api "licensegate/pkg/contracts/api/v1"
)

// Health status values
const (
	StatusOK          = "ok"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
)

// DefaultProbeTimeout bounds each dependency probe
const DefaultProbeTimeout = 2 * time.Second

// ProbeFunc checks one dependency
type ProbeFunc func(ctx context.Context) error

type probe struct {
	name     string
	check    ProbeFunc
	critical bool
}

// HealthService aggregates dependency probes into liveness and readiness reports
type HealthService struct {
	version   string
	timeout   time.Duration
	startTime time.Time
	logger    *slog.Logger

	mu     sync.RWMutex
	probes []probe
	stats  map[string]func() map[string]interface{}
}

// NewHealthService creates a health service reporting version
func NewHealthService(version string, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:   version,
		timeout:   DefaultProbeTimeout,
		startTime: time.Now(),
		logger:    logger.With(slog.String("service", "health")),
	}
}

// Register adds a probe. A failing critical probe makes the service not ready; a failing
// non-critical probe only degrades it.
func (hs *HealthService) Register(name string, check ProbeFunc, critical bool) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.probes = append(hs.probes, probe{name: name, check: check, critical: critical})
}

// RegisterStats adds a statistics source reported under name by Health
func (hs *HealthService) RegisterStats(name string, stats func() map[string]interface{}) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.stats == nil {
		hs.stats = make(map[string]func() map[string]interface{})
	}
	hs.stats[name] = stats
}

// SetProbeTimeout overrides the per-probe timeout
func (hs *HealthService) SetProbeTimeout(d time.Duration) {
	if d > 0 {
		hs.timeout = d
	}
}

// Liveness reports that the process is serving requests. It runs no probes.
func (hs *HealthService) Liveness(_ context.Context) api.HealthResponse {
	return api.HealthResponse{
		Status:    StatusOK,
		Timestamp: time.Now().UTC(),
		Version:   hs.version,
	}
}

// Readiness runs every probe concurrently and reports whether the service can take traffic
func (hs *HealthService) Readiness(ctx context.Context) (api.HealthResponse, bool) {
	hs.mu.RLock()
	probes := make([]probe, len(hs.probes))
	copy(probes, hs.probes)
	hs.mu.RUnlock()

	results := make([]api.HealthCheck, len(probes))
	failed := make([]bool, len(probes))

	// probes never return an error to the group; a failure is recorded in results
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range probes {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, hs.timeout)
			defer cancel()

			start := time.Now()
			err := p.check(pctx)
			check := api.HealthCheck{
				Status:   StatusOK,
				Duration: time.Since(start).Round(time.Microsecond).String(),
			}
			if err != nil {
				check.Status = StatusUnavailable
				check.Message = err.Error()
				failed[i] = true
			}
			results[i] = check
			return nil
		})
	}
	_ = g.Wait()

	resp := api.HealthResponse{
		Status:    StatusOK,
		Timestamp: time.Now().UTC(),
		Version:   hs.version,
		Checks:    make(map[string]api.HealthCheck, len(probes)),
	}
	ready := true
	for i, p := range probes {
		resp.Checks[p.name] = results[i]
		if !failed[i] {
			continue
		}
		hs.logger.WarnContext(ctx, "health probe failed",
			slog.String("probe", p.name),
			slog.Bool("critical", p.critical),
			slog.String("error", results[i].Message))
		if p.critical {
			ready = false
			resp.Status = StatusUnavailable
		} else if resp.Status == StatusOK {
			resp.Status = StatusDegraded
		}
	}
	return resp, ready
}

// Health is Readiness plus runtime statistics
func (hs *HealthService) Health(ctx context.Context) (api.HealthResponse, bool) {
	resp, ready := hs.Readiness(ctx)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	resp.Runtime = map[string]interface{}{
		"uptime_seconds": time.Since(hs.startTime).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc":     mem.HeapAlloc,
		"go_version":     runtime.Version(),
	}

	hs.mu.RLock()
	for name, stats := range hs.stats {
		resp.Runtime[name] = stats()
	}
	hs.mu.RUnlock()
	return resp, ready
}

// Version returns build and API version information
func (hs *HealthService) Version() contracts.VersionInfo {
	info := contracts.GetVersionInfo()
	if hs.version != "" {
		info.Version = hs.version
	}
	return info
}
