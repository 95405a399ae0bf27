package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/quota/internal/clock"
	"github.com/smallbiznis/quota/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultPublishTimeout = 5 * time.Second

type BusParams struct {
	fx.In

	Lc        fx.Lifecycle
	Log       *zap.Logger
	Publisher Publisher
	Clock     clock.Clock `optional:"true"`
}

// Bus publishes events without blocking the caller. Failures are logged only.
type Bus struct {
	log       *zap.Logger
	publisher Publisher
	clock     clock.Clock
	timeout   time.Duration
	wg        sync.WaitGroup
}

func NewBus(p BusParams) *Bus {
	bus := NewBusWithPublisher(p.Publisher, p.Clock, p.Log)
	p.Lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return bus.Wait(ctx)
		},
	})
	return bus
}

func NewBusWithPublisher(pub Publisher, clk clock.Clock, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Bus{
		log:       log.Named("events.bus"),
		publisher: pub,
		clock:     clk,
		timeout:   defaultPublishTimeout,
	}
}

// Publish stamps the event and hands it to the publisher in the background.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	if b == nil || b.publisher == nil {
		return
	}
	evt = b.prepare(ctx, evt)
	ctx = context.WithoutCancel(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		if err := b.publisher.Publish(ctx, evt); err != nil {
			b.log.Warn("event publish failed",
				zap.String("event_id", evt.ID),
				zap.String("event_type", evt.Type),
				zap.String("tenant_id", evt.TenantID.String()),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until in-flight publishes finish or ctx ends.
func (b *Bus) Wait(ctx context.Context) error {
	if b == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) prepare(ctx context.Context, evt Event) Event {
	if strings.TrimSpace(evt.ID) == "" {
		evt.ID = ulid.Make().String()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = b.clock.Now().UTC()
	}
	stamp := correlation.StampFromContext(ctx)
	if evt.CorrelationID == "" {
		evt.CorrelationID = stamp.CorrelationID
	}
	if evt.TraceID == "" {
		evt.TraceID = stamp.TraceID
		evt.SpanID = stamp.SpanID
	}
	if evt.Payload == nil {
		evt.Payload = map[string]any{}
	}
	return evt
}
