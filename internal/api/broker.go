package api

import (
	"sync"
)

// SSEEvent is one route event as delivered to stream subscribers.
type SSEEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// EventBroker fans route events out to live subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type EventBroker interface {
	Subscribe(routeID string) chan SSEEvent
	Unsubscribe(routeID string, ch chan SSEEvent)
	Publish(routeID string, evt SSEEvent)
}

// Broker is the single-instance EventBroker.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan SSEEvent]struct{} // routeId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}}
}

func (b *Broker) Subscribe(routeID string) chan SSEEvent {
	ch := make(chan SSEEvent, 8)
	b.mu.Lock()
	if b.subs[routeID] == nil {
		b.subs[routeID] = map[chan SSEEvent]struct{}{}
	}
	b.subs[routeID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(routeID string, ch chan SSEEvent) {
	b.mu.Lock()
	m := b.subs[routeID]
	_, live := m[ch]
	if live {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, routeID)
		}
	}
	b.mu.Unlock()
	if live {
		close(ch)
	}
}

func (b *Broker) Publish(routeID string, evt SSEEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[routeID] {
		select {
		case ch <- evt:
		default:
		}
	}
}
