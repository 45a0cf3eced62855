package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	DefaultBufferSize       = 50
	DefaultSubscriberBuffer = 16
)

const (
	EventDeviceStatus       = "device.status_changed"
	EventDeviceOffline      = "device.offline"
	EventSessionStarted     = "session.started"
	EventSessionUpdated     = "session.updated"
	EventSessionPaused      = "session.paused"
	EventSessionResumed     = "session.resumed"
	EventSessionEnded       = "session.ended"
	EventCommandEnqueued    = "command.enqueued"
	EventCommandUpdated     = "command.updated"
	EventCommandRedelivered = "command.redelivered"
	EventMemberLowCredits   = "member.low_credits"
	EventTransaction        = "billing.transaction"
)

var (
	ErrHubUnavailable = errors.New("hub_unavailable")
	ErrInvalidTopic   = errors.New("invalid_topic")
)

type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Topic      string          `json:"topic"`
	OrgID      string          `json:"org_id"`
	DeviceID   string          `json:"device_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func OrgTopic(orgID snowflake.ID) string { return fmt.Sprintf("org:%s", orgID) }

func DeviceTopic(deviceID snowflake.ID) string { return fmt.Sprintf("device:%s", deviceID) }

// Hub fans events out to in-process subscribers. Each topic keeps a short
// backlog for late subscribers; slow subscribers lose events rather than
// block publishers.
type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	bufferSize       int
	subscriberBuffer int
	onDrop           func(topic string)
}

type stream struct {
	mu     sync.Mutex
	buffer []Event
	subs   map[uint64]chan Event
	nextID uint64
}

type Subscription struct {
	hub   *Hub
	topic string
	id    uint64
	ch    chan Event
	once  sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

// OnDrop registers a callback for events a full subscriber could not take.
func (h *Hub) OnDrop(fn func(topic string)) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.onDrop = fn
	h.mu.Unlock()
}

func (h *Hub) Publish(topic string, event Event) {
	if h == nil {
		return
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return
	}
	h.mu.RLock()
	stream := h.streams[topic]
	onDrop := h.onDrop
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	stream.buffer = append(stream.buffer, event)
	if len(stream.buffer) > h.bufferSize {
		stream.buffer = stream.buffer[len(stream.buffer)-h.bufferSize:]
	}
	subs := make([]chan Event, 0, len(stream.subs))
	for _, ch := range stream.subs {
		subs = append(subs, ch)
	}
	stream.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			if onDrop != nil {
				onDrop(topic)
			}
		}
	}
}

// Subscribe returns a subscription and a copy of the topic backlog.
func (h *Hub) Subscribe(topic string) (*Subscription, []Event, error) {
	if h == nil {
		return nil, nil, ErrHubUnavailable
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, nil, ErrInvalidTopic
	}

	stream := h.ensureStream(topic)
	stream.mu.Lock()
	id := stream.nextID
	stream.nextID++
	ch := make(chan Event, h.subscriberBuffer)
	stream.subs[id] = ch
	backlog := append([]Event(nil), stream.buffer...)
	stream.mu.Unlock()

	return &Subscription{hub: h, topic: topic, id: id, ch: ch}, backlog, nil
}

// Subscribers reports the live subscriber count for topic.
func (h *Hub) Subscribers(topic string) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	stream := h.streams[topic]
	h.mu.RUnlock()
	if stream == nil {
		return 0
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	return len(stream.subs)
}

func (h *Hub) ensureStream(topic string) *stream {
	h.mu.RLock()
	current := h.streams[topic]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[topic]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan Event)}
		h.streams[topic] = current
	}
	return current
}

func (h *Hub) unsubscribe(topic string, id uint64) {
	h.mu.RLock()
	stream := h.streams[topic]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	delete(stream.subs, id)
	remaining := len(stream.subs)
	stream.mu.Unlock()
	if remaining != 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streams[topic] != stream {
		return
	}
	stream.mu.Lock()
	empty := len(stream.subs) == 0
	stream.mu.Unlock()
	if empty {
		delete(h.streams, topic)
	}
}

func (s *Subscription) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.topic, s.id)
	})
}
