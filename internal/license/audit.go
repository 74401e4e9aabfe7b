package license

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"licensegate/pkg/contracts/domain"
	"licensegate/pkg/contracts/events"
)

// EventPublisher fans audit facts out to downstream consumers
type EventPublisher interface {
	PublishValidation(ctx context.Context, evt events.ValidationEvent) error
	PublishDevice(ctx context.Context, evt events.DeviceEvent) error
	PublishUsage(ctx context.Context, evt events.UsageEvent) error
}

// Audit sink names used in logs and metrics
const (
	SinkStore     = "store"
	SinkPublisher = "publisher"
)

// AuditOptions configures the audit logger
type AuditOptions struct {
	// Workers > 0 enables async mode with a bounded queue
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration
}

// AuditLogger writes audit entries without ever failing the caller. Sink failures
// are logged and counted, never returned.
type AuditLogger struct {
	sink      AuditRepository
	publisher EventPublisher
	metrics   *Metrics
	logger    *slog.Logger
	timeout   time.Duration

	queue  chan func(context.Context)
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewAuditLogger creates an audit logger. publisher and metrics may be nil.
func NewAuditLogger(sink AuditRepository, publisher EventPublisher, metrics *Metrics, opts AuditOptions, logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	a := &AuditLogger{
		sink:      sink,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With(slog.String("component", "audit_logger")),
		timeout:   opts.WriteTimeout,
	}

	if opts.Workers > 0 {
		size := opts.QueueSize
		if size <= 0 {
			size = 1024
		}
		a.queue = make(chan func(context.Context), size)
		for i := 0; i < opts.Workers; i++ {
			a.wg.Add(1)
			go a.worker()
		}
	}
	return a
}

// Async reports whether entries are written by background workers
func (a *AuditLogger) Async() bool {
	return a.queue != nil
}

// Record appends a validation log entry and publishes it
func (a *AuditLogger) Record(ctx context.Context, entry domain.ValidationLog) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	a.dispatch(ctx, func(ctx context.Context) {
		if err := a.sink.AppendValidationLog(ctx, &entry); err != nil {
			a.fail(ctx, SinkStore, "validation_log", err)
		}
		if a.publisher == nil {
			return
		}
		evt := events.ValidationEvent{
			KeyHash:    entry.KeyHash,
			Action:     entry.Action,
			ResultCode: string(entry.ResultCode),
			IPAddress:  entry.IPAddress,
			UserAgent:  entry.UserAgent,
			Details:    entry.Details,
			OccurredAt: entry.CreatedAt,
		}
		if entry.LicenseID != nil {
			evt.LicenseID = entry.LicenseID.String()
		}
		if err := a.publisher.PublishValidation(ctx, evt); err != nil {
			a.fail(ctx, SinkPublisher, "validation_event", err)
		}
	})
}

// RecordUsage appends a usage event and publishes it
func (a *AuditLogger) RecordUsage(ctx context.Context, event domain.UsageEvent, ent *domain.Entitlement) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	a.dispatch(ctx, func(ctx context.Context) {
		if err := a.sink.AppendUsageEvent(ctx, &event); err != nil {
			a.fail(ctx, SinkStore, "usage_event", err)
		}
		if a.publisher == nil {
			return
		}
		evt := events.UsageEvent{
			LicenseID:  event.LicenseID.String(),
			FeatureKey: event.FeatureKey,
			Quantity:   event.Quantity,
			OccurredAt: event.CreatedAt,
		}
		if ent != nil {
			evt.Metered = true
			evt.UsageCurrent = ent.UsageCurrent
			evt.UsageLimit = ent.UsageLimit
		}
		if err := a.publisher.PublishUsage(ctx, evt); err != nil {
			a.fail(ctx, SinkPublisher, "usage_event", err)
		}
	})
}

// RecordDevice publishes a device binding change
func (a *AuditLogger) RecordDevice(ctx context.Context, evt events.DeviceEvent) {
	if a.publisher == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	a.dispatch(ctx, func(ctx context.Context) {
		if err := a.publisher.PublishDevice(ctx, evt); err != nil {
			a.fail(ctx, SinkPublisher, "device_event", err)
		}
	})
}

// Close stops accepting queued work and waits for the workers to drain
func (a *AuditLogger) Close(ctx context.Context) error {
	if a.queue == nil {
		return nil
	}

	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AuditLogger) dispatch(ctx context.Context, job func(context.Context)) {
	// Audit writes outlive the request: keep trace values, drop cancellation.
	detached := context.WithoutCancel(ctx)

	if a.queue == nil {
		a.run(detached, job)
		return
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.run(detached, job)
		return
	}

	select {
	case a.queue <- func(context.Context) { a.run(detached, job) }:
	default:
		a.metrics.RecordAuditDropped(ctx)
		a.logger.WarnContext(ctx, "audit queue full, entry dropped",
			slog.Int("queue_size", cap(a.queue)))
	}
}

func (a *AuditLogger) run(ctx context.Context, job func(context.Context)) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			a.logger.ErrorContext(ctx, "audit sink panicked", slog.Any("panic", r))
			a.metrics.RecordAuditFailure(ctx, "panic")
		}
	}()
	job(ctx)
}

func (a *AuditLogger) worker() {
	defer a.wg.Done()
	for job := range a.queue {
		job(context.Background())
	}
}

func (a *AuditLogger) fail(ctx context.Context, sink, kind string, err error) {
	a.metrics.RecordAuditFailure(ctx, sink)
	a.logger.WarnContext(ctx, "audit write failed",
		slog.String("sink", sink),
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)
}
