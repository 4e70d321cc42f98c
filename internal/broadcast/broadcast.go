package broadcast

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Event is one store mutation fanned out to subscribers.
type Event struct {
	Topic     string `json:"topic"`
	SessionID string `json:"session_id"`
	Payload   any    `json:"payload"`
}

// Subscription receives events for its topic filter. Drain C until the
// subscription is cancelled.
type Subscription struct {
	C      chan Event
	topics map[string]bool
	cancel func()
}

// Cancel detaches the subscription from the hub.
func (s *Subscription) Cancel() { s.cancel() }

func (s *Subscription) wants(topic string) bool {
	return len(s.topics) == 0 || s.topics[topic]
}

// Hub fans store mutations out to in-process subscribers. Delivery is
// non-blocking: a subscriber whose buffer is full misses the event and
// must re-read current state from the store.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	log    *logrus.Entry
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[*Subscription]struct{}),
		log:  logrus.WithField("component", "broadcast"),
	}
}

// Subscribe registers a subscriber for the given topics. Empty topics
// means all topics.
func (h *Hub) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		C:      make(chan Event, 64),
		topics: make(map[string]bool, len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}
	sub.cancel = func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[sub]; ok {
			delete(h.subs, sub)
			close(sub.C)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.C)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Publish delivers an event to every matching subscriber.
func (h *Hub) Publish(topic, sessionID string, payload any) {
	ev := Event{Topic: topic, SessionID: sessionID, Payload: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for sub := range h.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			h.log.WithField("topic", topic).Debug("subscriber buffer full, dropping event")
		}
	}
}

// Close cancels all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.C)
	}
}
