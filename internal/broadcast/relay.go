package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "netcafe:events"

type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// Relay mirrors events between coordinator instances over Redis pub/sub.
// Events are tagged with the publishing instance so an instance never
// re-delivers its own events.
type Relay struct {
	client  *redis.Client
	channel string
	origin  string
	hub     *Hub
	log     *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRelay(client *redis.Client, channel string, hub *Hub, log *zap.Logger) *Relay {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{
		client:  client,
		channel: channel,
		origin:  ulid.Make().String(),
		hub:     hub,
		log:     log.Named("broadcast.relay"),
	}
}

func (r *Relay) Publish(ctx context.Context, event Event) error {
	if r == nil || r.client == nil {
		return nil
	}
	payload, err := json.Marshal(envelope{Origin: r.origin, Event: event})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *Relay) Start(ctx context.Context) error {
	if r == nil || r.client == nil {
		return errors.New("relay client not configured")
	}
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}

	r.mu.Lock()
	r.pubsub = pubsub
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			r.handle(msg.Payload)
		}
	}()
	r.log.Info("event relay subscribed", zap.String("channel", r.channel))
	return nil
}

func (r *Relay) Stop() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	pubsub, done := r.pubsub, r.done
	r.pubsub = nil
	r.mu.Unlock()
	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}

// handle delivers a relayed payload to local subscribers.
func (r *Relay) handle(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn("dropping malformed relay payload", zap.Error(err))
		return
	}
	if env.Origin == r.origin || env.Event.Topic == "" {
		return
	}
	r.hub.Publish(env.Event.Topic, env.Event)
}
