package telemetry

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// EventType names a runtime event. Types are dotted: the first token is
// the subsystem.
type EventType string

const (
	EventInstanceCreated  EventType = "instance.created"
	EventInstanceSwitched EventType = "instance.switched"
	EventInstanceClosing  EventType = "instance.closing"
	EventInstanceRemoved  EventType = "instance.removed"

	EventHostStatus       EventType = "host.status"
	EventHostReconfigured EventType = "host.reconfigured"
	EventTurnStarted      EventType = "turn.started"
	EventTurnCompleted    EventType = "turn.completed"
	EventTurnFailed       EventType = "turn.failed"

	EventToolStarted   EventType = "tool.started"
	EventToolCompleted EventType = "tool.completed"
	EventToolFailed    EventType = "tool.failed"
	EventToolSkipped   EventType = "tool.skipped"

	EventApprovalDecided EventType = "approval.decided"

	EventInteractionOpened  EventType = "interaction.opened"
	EventInteractionSettled EventType = "interaction.settled"

	EventConfigReloaded EventType = "config.reloaded"
)

// subscriberBuffer is how far a subscriber may fall behind before its
// events are dropped.
const subscriberBuffer = 64

// Event is one piece of runtime activity, as seen by UIs and bus observers.
type Event struct {
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	InstanceID string         `json:"instanceId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

type subscriber struct {
	ch    chan Event
	types []EventType
}

func (s *subscriber) wants(t EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// Hub fans events out to subscribers without ever blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	subs    []*subscriber
	closed  bool
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{}
}

// Publish delivers event to every interested subscriber whose buffer has
// room. A nil or closed hub discards it.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, s := range h.subs {
		if !s.wants(event.Type) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of future events, limited to types when any
// are given, and a func that unsubscribes and closes the channel.
func (h *Hub) Subscribe(types ...EventType) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	s := &subscriber{ch: make(chan Event, subscriberBuffer), types: slices.Clone(types)}
	h.subs = append(h.subs, s)

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if i := slices.Index(h.subs, s); i >= 0 {
				h.subs = slices.Delete(h.subs, i, i+1)
				close(s.ch)
			}
		})
	}
}

// Dropped counts events discarded because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, s := range h.subs {
		close(s.ch)
	}
	h.subs = nil
}
