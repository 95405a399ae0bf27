package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/quota/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	DriverLog   = "log"
	DriverRedis = "redis"
	DriverNATS  = "nats"
)

var ErrUnknownDriver = errors.New("unknown_events_driver")

// Publisher delivers one event to a transport.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

type PublisherParams struct {
	fx.In

	Lc     fx.Lifecycle
	Cfg    config.Config
	Log    *zap.Logger
	Client *redis.Client `optional:"true"`
}

func NewPublisher(p PublisherParams) (Publisher, error) {
	log := p.Log.Named("events.publisher")
	driver := strings.ToLower(strings.TrimSpace(p.Cfg.Events.Driver))

	var (
		pub Publisher
		err error
	)
	switch driver {
	case "", DriverLog:
		pub = NewLogPublisher(log)
	case DriverRedis:
		if p.Client == nil {
			return nil, errors.New("events: redis driver requires a redis client")
		}
		pub = NewRedisPublisher(p.Client, p.Cfg.Events.ChannelPrefix)
	case DriverNATS:
		pub, err = NewNATSPublisher(p.Cfg.Events.NATSURL, p.Cfg.Events.ChannelPrefix, p.Cfg.AppName, log)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}

	p.Lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return pub.Close()
		},
	})
	log.Info("event publisher configured", zap.String("driver", driver))
	return pub, nil
}

// Subject joins the channel prefix and the event type, e.g. "quota.usage.delta".
func Subject(prefix, eventType string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}

type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, Subject(p.prefix, evt.Type), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", evt.Type, err)
	}
	return nil
}

// Close leaves the shared client to its owner.
func (p *RedisPublisher) Close() error { return nil }

type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSPublisher(url, prefix, name string, log *zap.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(Subject(p.prefix, evt.Type), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", evt.Type, err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

// LogPublisher writes events to the log; used when no broker is configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, evt Event) error {
	p.log.Info("event.published",
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.Type),
		zap.String("tenant_id", evt.TenantID.String()),
		zap.String("correlation_id", evt.CorrelationID),
		zap.Any("payload", evt.Payload),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
