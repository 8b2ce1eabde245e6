// Package eventbus fans stdout/stderr/lifecycle events out to UI
// subscribers, keyed by topic ("message:<id>", "error:<id>",
// "complete:<id>", "session-id-update:<id>", or a generic unkeyed
// mirror such as "claude-output"). Delivery is non-blocking: a slow or
// absent subscriber never stalls the reader goroutine producing events.
package eventbus

import (
	"encoding/json"
	"sync"

	"github.com/riftlabs/cortexd/internal/eventq"
)

// Envelope is the wire shape delivered to every subscriber: a topic and
// its JSON payload, mirroring the session daemon's type+data envelope.
type Envelope struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

const subscriberBuffer = 64

// Bus is a topic-keyed, non-blocking publish/subscribe broadcaster.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[chan Envelope]struct{}
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[chan Envelope]struct{})}
}

// Subscribe returns a channel that receives every envelope published to
// topic from this point forward, plus an unsubscribe function.
func (b *Bus) Subscribe(topic string) (<-chan Envelope, func()) {
	ch := make(chan Envelope, subscriberBuffer)

	b.mu.Lock()
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[chan Envelope]struct{})
		b.subs[topic] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[topic]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, topic)
			}
		}
	}
	return ch, unsubscribe
}

// Publish marshals payload to JSON and delivers it to every current
// subscriber of topic. A subscriber whose buffer is full silently misses
// the event rather than blocking the publisher.
func (b *Bus) Publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	b.PublishRaw(topic, data)
}

// PublishRaw delivers an already-encoded JSON payload to topic's
// subscribers, avoiding a re-marshal when the caller already holds bytes
// (e.g. a stdout line straight from the child process).
func (b *Bus) PublishRaw(topic string, data json.RawMessage) {
	env := Envelope{Topic: topic, Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[topic] {
		eventq.Offer(ch, env)
	}
}

// SubscriberCount reports how many subscribers a topic currently has;
// useful for tests and diagnostics.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
