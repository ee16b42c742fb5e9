package events

import (
	"sync"
	"sync/atomic"
)

type EventHandler func(topic Topic, event interface{})

type routes map[Topic][]EventHandler

// EventBus fans events out to the handlers subscribed to their topic.
// Publish never blocks on Subscribe: subscribers are kept in an immutable
// table that Subscribe replaces.
type EventBus struct {
	mu        sync.Mutex
	table     atomic.Pointer[routes]
	published atomic.Uint64
}

func New() *EventBus {
	eb := &EventBus{}
	eb.table.Store(&routes{})
	return eb
}

func (eb *EventBus) Publish(topic Topic, event interface{}) {
	eb.published.Add(1)
	for _, handler := range (*eb.table.Load())[topic] {
		handler(topic, event)
	}
}

func (eb *EventBus) Subscribe(topic Topic, eh EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	old := *eb.table.Load()
	next := make(routes, len(old)+1)
	for t, hs := range old {
		next[t] = hs
	}
	hs := make([]EventHandler, len(old[topic]), len(old[topic])+1)
	copy(hs, old[topic])
	next[topic] = append(hs, eh)
	eb.table.Store(&next)
}

func (eb *EventBus) GetSubscriptions() map[Topic]int {
	table := *eb.table.Load()
	m := make(map[Topic]int, len(table))
	for topic, handlers := range table {
		m[topic] = len(handlers)
	}
	return m
}

// Published counts every Publish call, subscribed or not.
func (eb *EventBus) Published() uint64 { return eb.published.Load() }

// Discard is a PubFunc that drops every event.
func Discard(Topic, interface{}) {}
