package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"licensegate/pkg/contracts/domain"
)

const (
	TracerName = "licensegate-engine"
	MeterName  = "licensegate-engine"
)

// Metrics holds the engine's OpenTelemetry instruments. A nil *Metrics records nothing.
type Metrics struct {
	Validations        metric.Int64Counter
	ValidationDuration metric.Float64Histogram
	Activations        metric.Int64Counter
	Deactivations      metric.Int64Counter
	FeatureChecks      metric.Int64Counter
	UsageQuantity      metric.Int64Counter
	UsageRejections    metric.Int64Counter
	Heartbeats         metric.Int64Counter
	AuditFailures      metric.Int64Counter
	AuditDropped       metric.Int64Counter
	PlanCacheHits      metric.Int64Counter
	PlanCacheMisses    metric.Int64Counter
	AttemptLockouts    metric.Int64Counter
}

// InitializeMetrics creates all engine metrics on meter
func InitializeMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.Validations, err = meter.Int64Counter(
		"license_validations_total",
		metric.WithDescription("License validation pipeline runs by result code"),
	); err != nil {
		return nil, fmt.Errorf("failed to create validations counter: %w", err)
	}

	if m.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License action duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	if m.Activations, err = meter.Int64Counter(
		"license_activations_total",
		metric.WithDescription("Device activations by result"),
	); err != nil {
		return nil, fmt.Errorf("failed to create activations counter: %w", err)
	}

	if m.Deactivations, err = meter.Int64Counter(
		"license_deactivations_total",
		metric.WithDescription("Device deactivations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create deactivations counter: %w", err)
	}

	if m.FeatureChecks, err = meter.Int64Counter(
		"license_feature_checks_total",
		metric.WithDescription("Entitlement gate decisions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create feature checks counter: %w", err)
	}

	if m.UsageQuantity, err = meter.Int64Counter(
		"license_usage_quantity_total",
		metric.WithDescription("Quantity recorded through log_usage"),
	); err != nil {
		return nil, fmt.Errorf("failed to create usage quantity counter: %w", err)
	}

	if m.UsageRejections, err = meter.Int64Counter(
		"license_usage_rejections_total",
		metric.WithDescription("log_usage calls rejected by the usage limit"),
	); err != nil {
		return nil, fmt.Errorf("failed to create usage rejections counter: %w", err)
	}

	if m.Heartbeats, err = meter.Int64Counter(
		"license_heartbeats_total",
		metric.WithDescription("Heartbeats by validity"),
	); err != nil {
		return nil, fmt.Errorf("failed to create heartbeats counter: %w", err)
	}

	if m.AuditFailures, err = meter.Int64Counter(
		"license_audit_failures_total",
		metric.WithDescription("Audit sink write failures"),
	); err != nil {
		return nil, fmt.Errorf("failed to create audit failures counter: %w", err)
	}

	if m.AuditDropped, err = meter.Int64Counter(
		"license_audit_dropped_total",
		metric.WithDescription("Audit entries dropped because the queue was full"),
	); err != nil {
		return nil, fmt.Errorf("failed to create audit dropped counter: %w", err)
	}

	if m.PlanCacheHits, err = meter.Int64Counter(
		"license_plan_cache_hits_total",
		metric.WithDescription("Plan cache hits"),
	); err != nil {
		return nil, fmt.Errorf("failed to create plan cache hits counter: %w", err)
	}

	if m.PlanCacheMisses, err = meter.Int64Counter(
		"license_plan_cache_misses_total",
		metric.WithDescription("Plan cache misses"),
	); err != nil {
		return nil, fmt.Errorf("failed to create plan cache misses counter: %w", err)
	}

	if m.AttemptLockouts, err = meter.Int64Counter(
		"license_attempt_lockouts_total",
		metric.WithDescription("Callers locked out after repeated invalid keys"),
	); err != nil {
		return nil, fmt.Errorf("failed to create attempt lockouts counter: %w", err)
	}

	return m, nil
}

// RecordAction records the result and duration of an engine action
func (m *Metrics) RecordAction(ctx context.Context, action string, result domain.ResultCode, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("result", string(result)),
	)
	m.Validations.Add(ctx, 1, attrs)
	m.ValidationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordActivation records a device activation outcome
func (m *Metrics) RecordActivation(ctx context.Context, result domain.ResultCode, reconnected bool) {
	if m == nil {
		return
	}
	m.Activations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", string(result)),
		attribute.Bool("reconnected", reconnected),
	))
}

// RecordDeactivation records a deactivate call
func (m *Metrics) RecordDeactivation(ctx context.Context, deactivated bool) {
	if m == nil {
		return
	}
	m.Deactivations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("deactivated", deactivated)))
}

// RecordFeatureCheck records a gate decision
func (m *Metrics) RecordFeatureCheck(ctx context.Context, allowed bool, source string) {
	if m == nil {
		return
	}
	m.FeatureChecks.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("allowed", allowed),
		attribute.String("source", source),
	))
}

// RecordUsage records metered quantity or a limit rejection
func (m *Metrics) RecordUsage(ctx context.Context, feature string, quantity int64, rejected bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("feature", feature))
	if rejected {
		m.UsageRejections.Add(ctx, 1, attrs)
		return
	}
	m.UsageQuantity.Add(ctx, quantity, attrs)
}

// RecordHeartbeat records a heartbeat
func (m *Metrics) RecordHeartbeat(ctx context.Context, valid bool) {
	if m == nil {
		return
	}
	m.Heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.Bool("valid", valid)))
}

// RecordAuditFailure records a failed write to an audit sink
func (m *Metrics) RecordAuditFailure(ctx context.Context, sink string) {
	if m == nil {
		return
	}
	m.AuditFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

// RecordAuditDropped records an entry dropped by a full queue
func (m *Metrics) RecordAuditDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.AuditDropped.Add(ctx, 1)
}

// RecordPlanCache records a plan cache lookup
func (m *Metrics) RecordPlanCache(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.PlanCacheHits.Add(ctx, 1)
		return
	}
	m.PlanCacheMisses.Add(ctx, 1)
}

// RecordLockout records a caller being locked out
func (m *Metrics) RecordLockout(ctx context.Context) {
	if m == nil {
		return
	}
	m.AttemptLockouts.Add(ctx, 1)
}

// startSpan starts an engine span with the standard attributes
func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// endSpan records the result code and error on span and ends it
func endSpan(span trace.Span, result domain.ResultCode, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("license.result", string(result)))
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
