package events

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/shared/testutil"
	"licensegate/pkg/contracts/events"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu       sync.Mutex
	messages []published
	status   nats.Status
	err      error
	drained  bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, published{subject: subject, data: data})
	return nil
}

func (c *fakeConn) Status() nats.Status { return c.status }
func (c *fakeConn) Drain() error        { c.drained = true; return nil }
func (c *fakeConn) Close()              {}

func decode(t *testing.T, data []byte, payload interface{}) events.Envelope {
	t.Helper()
	var env events.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.NoError(t, json.Unmarshal(env.Payload, payload))
	return env
}

func TestPublisher_Subjects(t *testing.T) {
	ctx := context.Background()
	nc := &fakeConn{status: nats.CONNECTED}
	logger, _ := testutil.NewQuietLogger()
	p := newPublisher(nc, "acme.licenses.", logger)

	require.NoError(t, p.PublishValidation(ctx, events.ValidationEvent{KeyHash: "h", Action: "validate", ResultCode: "revoked"}))
	require.NoError(t, p.PublishValidation(ctx, events.ValidationEvent{KeyHash: "h", Action: "validate"}))
	require.NoError(t, p.PublishDevice(ctx, events.DeviceEvent{LicenseID: "l", Change: events.DeviceChangeActivated}))
	require.NoError(t, p.PublishUsage(ctx, events.UsageEvent{LicenseID: "l", FeatureKey: "api", Quantity: 3}))

	require.Len(t, nc.messages, 4)
	assert.Equal(t, "acme.licenses.validation.revoked", nc.messages[0].subject)
	assert.Equal(t, "acme.licenses.validation.unknown", nc.messages[1].subject)
	assert.Equal(t, "acme.licenses.device."+events.DeviceChangeActivated, nc.messages[2].subject)
	assert.Equal(t, "acme.licenses.usage", nc.messages[3].subject)

	var usage events.UsageEvent
	env := decode(t, nc.messages[3].data, &usage)
	assert.Equal(t, events.EventTypeUsage, env.Type)
	assert.Equal(t, events.EnvelopeVersion, env.Version)
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, int64(3), usage.Quantity)
}

func TestPublisher_DefaultPrefix(t *testing.T) {
	nc := &fakeConn{status: nats.CONNECTED}
	p := newPublisher(nc, "  ", nil)
	require.NoError(t, p.PublishUsage(context.Background(), events.UsageEvent{}))
	assert.Equal(t, DefaultSubjectPrefix+".usage", nc.messages[0].subject)
}

func TestPublisher_Errors(t *testing.T) {
	nc := &fakeConn{status: nats.RECONNECTING, err: errors.New("nats: connection closed")}
	p := newPublisher(nc, "", nil)

	err := p.PublishUsage(context.Background(), events.UsageEvent{})
	assert.ErrorContains(t, err, "failed to publish event")
	assert.False(t, p.Connected())
	assert.Error(t, p.Check(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.PublishUsage(ctx, events.UsageEvent{}), context.Canceled)

	p.Close()
	assert.True(t, nc.drained)
}

func TestPublisher_NATS(t *testing.T) {
	url := os.Getenv("LICENSEGATE_TEST_NATS_URL")
	if url == "" {
		t.Skip("LICENSEGATE_TEST_NATS_URL not set; skipping NATS integration test")
	}

	p, err := Connect(url, "licensegate.test", nil)
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Check(context.Background()))

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()
	ch := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe("licensegate.test.validation.*", ch)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	require.NoError(t, p.PublishValidation(context.Background(), events.ValidationEvent{KeyHash: "h", ResultCode: "success"}))

	select {
	case msg := <-ch:
		assert.Equal(t, "licensegate.test.validation.success", msg.Subject)
		var evt events.ValidationEvent
		decode(t, msg.Data, &evt)
		assert.Equal(t, "h", evt.KeyHash)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}
