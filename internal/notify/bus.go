// Package notify is a small in-process publish/subscribe bus for state
// change signals between components.
package notify

import (
	"sort"
	"sync"
)

// ReferralStatusChanged is published after a signup consumes a referral or
// local attribution data is cleared.
const ReferralStatusChanged = "referral.status_changed"

// Handler receives the topic it was published on.
type Handler func(topic string)

type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string]map[int]Handler)}
}

// Subscribe registers h for topic and returns a function that removes it.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]Handler)
	}
	b.handlers[topic][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers[topic], id)
		})
	}
}

// Publish calls every handler of topic synchronously, in subscription order.
// Handlers run outside the bus lock and may subscribe or publish themselves.
func (b *Bus) Publish(topic string) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers[topic]))
	for id := range b.handlers[topic] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, b.handlers[topic][id])
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(topic)
	}
}
