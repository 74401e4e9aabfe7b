// Package events publishes license audit facts to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"licensegate/internal/license"
	"licensegate/pkg/contracts/events"
)

// DefaultSubjectPrefix roots every subject this service publishes on
const DefaultSubjectPrefix = "licensegate.license"

// conn is the subset of *nats.Conn the publisher needs
type conn interface {
	Publish(subject string, data []byte) error
	Status() nats.Status
	Drain() error
	Close()
}

// Publisher implements license.EventPublisher on a NATS connection.
// Validation events go to <prefix>.validation.<result_code>, so consumers
// can subscribe to <prefix>.validation.* or to one outcome.
type Publisher struct {
	nc     conn
	prefix string
	logger *slog.Logger
}

var _ license.EventPublisher = (*Publisher)(nil)

// Connect dials NATS and returns a publisher
func Connect(natsURL, prefix string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(natsURL,
		nats.Name("licensegate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", c.ConnectedUrlRedacted()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("Connected to NATS", slog.String("url", nc.ConnectedUrlRedacted()))
	return newPublisher(nc, prefix, logger), nil
}

func newPublisher(nc conn, prefix string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{
		nc:     nc,
		prefix: prefix,
		logger: logger.With(slog.String("component", "event_publisher")),
	}
}

// PublishValidation implements license.EventPublisher
func (p *Publisher) PublishValidation(ctx context.Context, evt events.ValidationEvent) error {
	result := evt.ResultCode
	if result == "" {
		result = "unknown"
	}
	return p.publish(ctx, p.prefix+".validation."+result, events.EventTypeValidation, evt)
}

// PublishDevice implements license.EventPublisher
func (p *Publisher) PublishDevice(ctx context.Context, evt events.DeviceEvent) error {
	return p.publish(ctx, p.prefix+".device."+evt.Change, events.EventTypeDevice, evt)
}

// PublishUsage implements license.EventPublisher
func (p *Publisher) PublishUsage(ctx context.Context, evt events.UsageEvent) error {
	return p.publish(ctx, p.prefix+".usage", events.EventTypeUsage, evt)
}

func (p *Publisher) publish(ctx context.Context, subject string, eventType events.EventType, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	env, err := events.NewEnvelope(eventType, payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.DebugContext(ctx, "Published license event",
		slog.String("subject", subject),
		slog.String("event_id", env.ID),
	)
	return nil
}

// Connected reports whether the underlying connection is usable
func (p *Publisher) Connected() bool {
	return p.nc.Status() == nats.CONNECTED
}

// Check returns an error when the connection is not usable
func (p *Publisher) Check(_ context.Context) error {
	if status := p.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", status)
	}
	return nil
}

// Close flushes pending messages and closes the connection
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("NATS drain failed", slog.String("error", err.Error()))
		p.nc.Close()
	}
}
