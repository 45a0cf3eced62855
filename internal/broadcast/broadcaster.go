package broadcast

import (
	"context"
	"encoding/json"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/netcafe/internal/clock"
	"github.com/smallbiznis/netcafe/internal/config"
	"github.com/smallbiznis/netcafe/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Clock     clock.Clock
	Hub       *Hub
	Redis     *redis.Client    `optional:"true"`
	Metrics   *metrics.Metrics `optional:"true"`
}

// Broadcaster publishes state changes to the org topic, read by admin
// consoles, and to the device topic, read by the device agent.
type Broadcaster struct {
	hub   *Hub
	relay *Relay
	clock clock.Clock
	log   *zap.Logger
}

func New(p Params) *Broadcaster {
	log := p.Log.Named("broadcast")
	if p.Metrics != nil {
		p.Hub.OnDrop(func(topic string) {
			p.Metrics.RecordBroadcastDropped(context.Background(), topic)
		})
	}

	b := &Broadcaster{hub: p.Hub, clock: p.Clock, log: log}
	if p.Redis != nil {
		b.relay = NewRelay(p.Redis, p.Config.Redis.Channel, p.Hub, p.Log)
		p.Lifecycle.Append(fx.Hook{
			OnStart: b.relay.Start,
			OnStop: func(ctx context.Context) error {
				return b.relay.Stop()
			},
		})
	}
	return b
}

// NewLocal returns a broadcaster without a relay.
func NewLocal(hub *Hub, c clock.Clock, log *zap.Logger) *Broadcaster {
	return &Broadcaster{hub: hub, clock: c, log: log.Named("broadcast")}
}

func (b *Broadcaster) Hub() *Hub {
	if b == nil {
		return nil
	}
	return b.hub
}

// Emit never fails the caller; relay errors are logged.
func (b *Broadcaster) Emit(ctx context.Context, eventType string, orgID snowflake.ID, deviceID *snowflake.ID, data any) {
	if b == nil {
		return
	}
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			b.log.Warn("dropping unencodable event", zap.String("type", eventType), zap.Error(err))
			return
		}
		raw = encoded
	}

	event := Event{
		ID:         ulid.Make().String(),
		Type:       eventType,
		OrgID:      orgID.String(),
		Data:       raw,
		OccurredAt: b.clock.Now(),
	}
	topics := []string{OrgTopic(orgID)}
	if deviceID != nil {
		event.DeviceID = deviceID.String()
		topics = append(topics, DeviceTopic(*deviceID))
	}

	for _, topic := range topics {
		scoped := event
		scoped.Topic = topic
		b.hub.Publish(topic, scoped)
		if err := b.relay.Publish(ctx, scoped); err != nil {
			b.log.Warn("relay publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}
