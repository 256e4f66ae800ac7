// Package bus implements the in-process publish/subscribe message bus that
// carries envelopes between the engine, workers, gates and the algedonic
// channel.
//
// Delivery is synchronous and exact-topic: Publish invokes every handler
// registered on the topic, in registration order, before returning. There
// are no wildcards. The bus does not persist anything; components that need
// an audit trail write to the ledger themselves.
package bus

import (
	"slices"
	"sync"
)

// Handler receives envelopes published on a subscribed topic.
type Handler func(Envelope)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is safe for concurrent use. Handlers may publish, subscribe or
// unsubscribe from inside a delivery.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]subscription
	nextID uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string][]subscription)}
}

// Publish delivers env to every current subscriber of topic and returns once
// all handlers have run. Publishing to a topic with no subscribers is a no-op.
//
// The subscriber list is snapshotted before delivery, so a handler added
// during delivery sees only later publishes.
func (b *Bus) Publish(topic string, env Envelope) {
	b.mu.RLock()
	subs := slices.Clone(b.topics[topic])
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(env)
	}
}

// Subscribe registers h on topic and returns a function that removes exactly
// this registration. The returned function is idempotent.
func (b *Bus) Subscribe(topic string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

// SubscribeOnce registers h for a single delivery. The registration is
// removed before h runs, so concurrent publishers deliver to it at most once.
func (b *Bus) SubscribeOnce(topic string, h Handler) (unsubscribe func()) {
	var (
		once  sync.Once
		unsub func()
	)
	ready := make(chan struct{})
	unsub = b.Subscribe(topic, func(env Envelope) {
		<-ready
		once.Do(func() {
			unsub()
			h(env)
		})
	})
	close(ready)
	return unsub
}

// UnsubscribeAll removes every handler on the given topics, or on all topics
// when none are given.
func (b *Bus) UnsubscribeAll(topics ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(topics) == 0 {
		b.topics = make(map[string][]subscription)
		return
	}
	for _, t := range topics {
		delete(b.topics, t)
	}
}

// SubscriberCount reports how many handlers are registered on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[topic]
	for i, s := range subs {
		if s.id == id {
			// Copy so snapshots taken by in-flight publishes stay intact.
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.topics, topic)
			} else {
				b.topics[topic] = next
			}
			return
		}
	}
}
