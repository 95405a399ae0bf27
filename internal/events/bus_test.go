package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/quota/internal/clock"
	"github.com/smallbiznis/quota/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evt Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestBusStampsEvents(t *testing.T) {
	pub := &recordingPublisher{}
	now := time.Date(2024, 3, 31, 23, 55, 0, 0, time.UTC)
	bus := NewBusWithPublisher(pub, clock.NewFakeClock(now), zap.NewNop())

	ctx, cancel := context.WithCancel(correlation.ContextWithCorrelationID(context.Background(), "cid-7"))
	bus.Publish(ctx, Event{
		Type:     EventUsageThresholdCrossed,
		TenantID: snowflake.ID(5),
		Payload:  ThresholdCrossedPayload{Metric: "contacts", Threshold: 80}.ToMap(),
	})
	cancel()
	require.NoError(t, bus.Wait(context.Background()))

	require.Len(t, pub.events, 1)
	evt := pub.events[0]
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, now, evt.OccurredAt)
	assert.Equal(t, "cid-7", evt.CorrelationID)
	assert.Equal(t, "contacts", evt.Payload["metric"])
}

func TestBusSwallowsPublishErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	bus := NewBusWithPublisher(pub, nil, zap.NewNop())

	bus.Publish(context.Background(), Event{Type: EventUsageDelta, TenantID: snowflake.ID(1)})
	assert.NoError(t, bus.Wait(context.Background()))

	var nilBus *Bus
	nilBus.Publish(context.Background(), Event{Type: EventUsageDelta})
}

func TestRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	sub := client.Subscribe(ctx, "quota.subscription.changed")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	pub := NewRedisPublisher(client, "quota")
	require.NoError(t, pub.Publish(ctx, Event{
		ID:       "01HX",
		Type:     EventSubscriptionChanged,
		TenantID: snowflake.ID(77),
		Payload:  map[string]any{"reason": "checkout.session.completed"},
	}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "01HX", got.ID)
	assert.Equal(t, snowflake.ID(77), got.TenantID)
	assert.Equal(t, "checkout.session.completed", got.Payload["reason"])
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "quota.usage.delta", Subject("quota", EventUsageDelta))
	assert.Equal(t, "quota.usage.delta", Subject("quota.", EventUsageDelta))
	assert.Equal(t, "usage.delta", Subject("", EventUsageDelta))
}
