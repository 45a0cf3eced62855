package broadcast

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netcafe/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubDeliversToSubscribers(t *testing.T) {
	hub := NewHub()
	sub, backlog, err := hub.Subscribe("org:1")
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, backlog)

	hub.Publish("org:1", Event{ID: "a", Type: EventSessionStarted})
	hub.Publish("org:2", Event{ID: "b", Type: EventSessionStarted})

	select {
	case evt := <-sub.Events():
		assert.Equal(t, "a", evt.ID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case evt := <-sub.Events():
		t.Fatalf("unexpected event %s", evt.ID)
	default:
	}
}

func TestHubBacklogIsBounded(t *testing.T) {
	hub := NewHub()
	keep, _, err := hub.Subscribe("device:9")
	require.NoError(t, err)
	defer keep.Close()

	for i := 0; i < DefaultBufferSize+10; i++ {
		hub.Publish("device:9", Event{ID: string(rune('a' + i%26))})
	}

	late, backlog, err := hub.Subscribe("device:9")
	require.NoError(t, err)
	defer late.Close()
	assert.Len(t, backlog, DefaultBufferSize)
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewHub()
	var dropped atomic.Int64
	hub.OnDrop(func(topic string) {
		assert.Equal(t, "org:1", topic)
		dropped.Add(1)
	})

	sub, _, err := hub.Subscribe("org:1")
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < DefaultSubscriberBuffer+5; i++ {
		hub.Publish("org:1", Event{ID: "x"})
	}
	assert.Equal(t, int64(5), dropped.Load())
}

func TestSubscriptionCloseRemovesStream(t *testing.T) {
	hub := NewHub()
	sub, _, err := hub.Subscribe("org:1")
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers("org:1"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Subscribers("org:1"))

	_, _, err = hub.Subscribe(" ")
	assert.ErrorIs(t, err, ErrInvalidTopic)

	var nilHub *Hub
	_, _, err = nilHub.Subscribe("org:1")
	assert.ErrorIs(t, err, ErrHubUnavailable)
}

func TestEmitFansOutToOrgAndDevice(t *testing.T) {
	hub := NewHub()
	b := NewLocal(hub, clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)), zap.NewNop())

	orgID := snowflake.ID(100)
	deviceID := snowflake.ID(200)
	orgSub, _, err := hub.Subscribe(OrgTopic(orgID))
	require.NoError(t, err)
	defer orgSub.Close()
	devSub, _, err := hub.Subscribe(DeviceTopic(deviceID))
	require.NoError(t, err)
	defer devSub.Close()

	b.Emit(context.Background(), EventCommandEnqueued, orgID, &deviceID, map[string]string{"command_type": "lock"})

	orgEvt := <-orgSub.Events()
	devEvt := <-devSub.Events()
	assert.Equal(t, "org:100", orgEvt.Topic)
	assert.Equal(t, "device:200", devEvt.Topic)
	assert.Equal(t, orgEvt.ID, devEvt.ID)
	assert.Equal(t, "200", orgEvt.DeviceID)

	var data map[string]string
	require.NoError(t, json.Unmarshal(orgEvt.Data, &data))
	assert.Equal(t, "lock", data["command_type"])
}

func TestRelayHandleSkipsOwnOrigin(t *testing.T) {
	hub := NewHub()
	relay := NewRelay(nil, "", hub, zap.NewNop())
	sub, _, err := hub.Subscribe("org:1")
	require.NoError(t, err)
	defer sub.Close()

	own, err := json.Marshal(envelope{Origin: relay.origin, Event: Event{ID: "own", Topic: "org:1"}})
	require.NoError(t, err)
	remote, err := json.Marshal(envelope{Origin: "other", Event: Event{ID: "remote", Topic: "org:1"}})
	require.NoError(t, err)

	relay.handle(string(own))
	relay.handle("not json")
	relay.handle(string(remote))

	evt := <-sub.Events()
	assert.Equal(t, "remote", evt.ID)
	select {
	case extra := <-sub.Events():
		t.Fatalf("unexpected event %s", extra.ID)
	default:
	}
	assert.NoError(t, relay.Publish(context.Background(), Event{}))
}
