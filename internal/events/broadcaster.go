// Package events fans engine events out to live subscribers (SSE clients).
// Delivery is best-effort and at-most-once; there is no durability.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Event names published by the engine.
const (
	RepoUpdate = "repo_update"
	PRUpdate   = "pr_update"
)

// Event is serialised as JSON and pushed to every live subscriber.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Broadcaster is an explicit subscriber registry. Subscribers that cannot
// keep up are unregistered and their channel closed rather than blocking
// the publisher.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// NewBroadcaster returns an empty registry.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan []byte]struct{})}
}

// Register returns a channel that receives ready-to-write SSE data frames.
// The caller must call Unregister when the connection closes.
func (b *Broadcaster) Register() chan []byte {
	ch := make(chan []byte, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unregister removes a subscriber. Safe to call twice.
func (b *Broadcaster) Unregister(ch chan []byte) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish serialises evt and fans the SSE frame out to all subscribers.
// A subscriber with a full buffer is dropped.
func (b *Broadcaster) Publish(eventType string, payload any) {
	raw, err := json.Marshal(Event{Type: eventType, Payload: payload})
	if err != nil {
		slog.Warn("events: failed to marshal event", "type", eventType, "error", err)
		return
	}
	// SSE wire format: "data: <json>\n\n"
	frame := []byte("data: ")
	frame = append(frame, raw...)
	frame = append(frame, '\n', '\n')

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- frame:
		default:
			delete(b.subs, ch)
			close(ch)
			slog.Warn("events: dropped slow subscriber", "type", eventType)
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publisher is the narrow interface engine components use to emit events.
type Publisher interface {
	Publish(eventType string, payload any)
}

// Discard is a Publisher that drops everything, for tests and tools.
type Discard struct{}

func (Discard) Publish(string, any) {}
