// Package events fans record lifecycle events out to in-process
// subscribers, bridging the event bus to websocket clients.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/CivicPress/civicpress-sub013/pkg/eventbus"
)

// Event is the canonical event payload broadcast to websocket
// subscribers.
type Event struct {
	Type      string    `json:"type"`
	Subject   string    `json:"subject,omitempty"`
	RecordID  string    `json:"record_id,omitempty"`
	SagaID    string    `json:"saga_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Broadcaster broadcasts events to in-process subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a broadcaster instance.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe subscribes to events with a buffered channel.
func (b *Broadcaster) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Broadcast broadcasts an event to all subscribers.
func (b *Broadcaster) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]chan Event, 0, len(b.subscribers))
	for ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Drop on overflow to keep broadcasters non-blocking.
		}
	}
}

// BroadcastEnvelope broadcasts one lifecycle event envelope.
func (b *Broadcaster) BroadcastEnvelope(subject string, env eventbus.Envelope) {
	var payload any
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			payload = json.RawMessage(env.Payload)
		}
	}
	b.Broadcast(Event{
		Type:      env.EventType,
		Subject:   subject,
		RecordID:  env.RecordID,
		SagaID:    env.SagaID,
		Timestamp: env.Timestamp,
		Payload:   payload,
	})
}

// Pump forwards messages from a bus subscription until ctx is done or
// the subscription closes. Messages that do not decode as lifecycle
// envelopes are dropped.
func (b *Broadcaster) Pump(ctx context.Context, sub *eventbus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			var env eventbus.Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil || env.EventType == "" {
				continue
			}
			b.BroadcastEnvelope(msg.Subject, env)
		}
	}
}

// Close closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}
