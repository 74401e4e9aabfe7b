package license

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"licensegate/pkg/contracts/domain"
	"licensegate/pkg/contracts/events"
)

type recordingSink struct {
	mu     sync.Mutex
	logs   []domain.ValidationLog
	usage  []domain.UsageEvent
	err    error
	gate   chan struct{}
	enter  chan struct{}
	panics bool
}

func (s *recordingSink) AppendValidationLog(ctx context.Context, entry *domain.ValidationLog) error {
	if s.enter != nil {
		s.enter <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.panics {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.logs = append(s.logs, *entry)
	return nil
}

func (s *recordingSink) AppendUsageEvent(ctx context.Context, event *domain.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.usage = append(s.usage, *event)
	return nil
}

func (s *recordingSink) logCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs)
}

type recordingPublisher struct {
	mu         sync.Mutex
	validation []events.ValidationEvent
	devices    []events.DeviceEvent
	usage      []events.UsageEvent
	err        error
}

func (p *recordingPublisher) PublishValidation(_ context.Context, evt events.ValidationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.validation = append(p.validation, evt)
	return p.err
}

func (p *recordingPublisher) PublishDevice(_ context.Context, evt events.DeviceEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices = append(p.devices, evt)
	return p.err
}

func (p *recordingPublisher) PublishUsage(_ context.Context, evt events.UsageEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usage = append(p.usage, evt)
	return p.err
}

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := InitializeMetrics(provider.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestAuditLogger_Sync(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	pub := &recordingPublisher{}
	audit := NewAuditLogger(sink, pub, nil, AuditOptions{}, quietLogger())
	assert.False(t, audit.Async())

	licenseID := uuid.New()
	audit.Record(ctx, domain.ValidationLog{
		LicenseID:  &licenseID,
		KeyHash:    "hash",
		Action:     "validate",
		ResultCode: domain.ResultSuccess,
	})

	require.Equal(t, 1, sink.logCount())
	assert.NotEqual(t, uuid.Nil, sink.logs[0].ID)
	assert.False(t, sink.logs[0].CreatedAt.IsZero())
	require.Len(t, pub.validation, 1)
	assert.Equal(t, licenseID.String(), pub.validation[0].LicenseID)
	assert.Equal(t, "success", pub.validation[0].ResultCode)

	limit := int64(10)
	audit.RecordUsage(ctx, domain.UsageEvent{LicenseID: licenseID, FeatureKey: "api", Quantity: 2},
		&domain.Entitlement{UsageCurrent: 4, UsageLimit: &limit})
	require.Len(t, sink.usage, 1)
	require.Len(t, pub.usage, 1)
	assert.True(t, pub.usage[0].Metered)
	assert.Equal(t, int64(4), pub.usage[0].UsageCurrent)

	audit.RecordDevice(ctx, events.DeviceEvent{LicenseID: licenseID.String(), Change: events.DeviceChangeActivated})
	require.Len(t, pub.devices, 1)
	assert.False(t, pub.devices[0].OccurredAt.IsZero())

	assert.NoError(t, audit.Close(ctx))
}

func TestAuditLogger_FailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	metrics, reader := newTestMetrics(t)
	sink := &recordingSink{err: errors.New("disk full")}
	pub := &recordingPublisher{err: errors.New("broker down")}
	audit := NewAuditLogger(sink, pub, metrics, AuditOptions{}, quietLogger())

	assert.NotPanics(t, func() {
		audit.Record(ctx, domain.ValidationLog{Action: "validate", ResultCode: domain.ResultInvalidKey})
	})
	assert.Equal(t, int64(2), counterValue(t, reader, "license_audit_failures_total"))
	assert.Len(t, pub.validation, 1, "publisher still runs after a store failure")
}

func TestAuditLogger_RecoversPanics(t *testing.T) {
	metrics, reader := newTestMetrics(t)
	audit := NewAuditLogger(&recordingSink{panics: true}, nil, metrics, AuditOptions{}, quietLogger())

	assert.NotPanics(t, func() {
		audit.Record(context.Background(), domain.ValidationLog{Action: "validate"})
	})
	assert.Equal(t, int64(1), counterValue(t, reader, "license_audit_failures_total"))
}

func TestAuditLogger_IgnoresCallerCancellation(t *testing.T) {
	sink := &recordingSink{}
	audit := NewAuditLogger(sink, nil, nil, AuditOptions{}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	audit.Record(ctx, domain.ValidationLog{Action: "validate"})
	assert.Equal(t, 1, sink.logCount())
}

func TestAuditLogger_AsyncDrainsOnClose(t *testing.T) {
	sink := &recordingSink{}
	audit := NewAuditLogger(sink, nil, nil, AuditOptions{Workers: 4, QueueSize: 256}, quietLogger())
	require.True(t, audit.Async())

	for i := 0; i < 100; i++ {
		audit.Record(context.Background(), domain.ValidationLog{Action: "heartbeat"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, audit.Close(ctx))
	assert.Equal(t, 100, sink.logCount())

	// writes after close run inline
	audit.Record(context.Background(), domain.ValidationLog{Action: "heartbeat"})
	assert.Equal(t, 101, sink.logCount())
	assert.NoError(t, audit.Close(ctx), "close is idempotent")
}

func TestAuditLogger_DropsWhenQueueFull(t *testing.T) {
	metrics, reader := newTestMetrics(t)
	sink := &recordingSink{
		gate:  make(chan struct{}),
		enter: make(chan struct{}, 4),
	}
	audit := NewAuditLogger(sink, nil, metrics, AuditOptions{Workers: 1, QueueSize: 1}, quietLogger())
	ctx := context.Background()

	// first entry occupies the only worker
	audit.Record(ctx, domain.ValidationLog{Action: "validate"})
	select {
	case <-sink.enter:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never picked up the first entry")
	}

	// second fills the queue, third has nowhere to go
	audit.Record(ctx, domain.ValidationLog{Action: "validate"})
	audit.Record(ctx, domain.ValidationLog{Action: "validate"})
	assert.Equal(t, int64(1), counterValue(t, reader, "license_audit_dropped_total"))

	close(sink.gate)
	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, audit.Close(closeCtx))
	assert.Equal(t, 2, sink.logCount())
}
