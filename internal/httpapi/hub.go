package httpapi

import (
	"vesta/internal/engine"
)

// subscriber is a single SSE connection's event queue.
type subscriber chan engine.Event

// Hub fans runner output events out to any number of SSE subscribers. A
// slow subscriber drops events rather than stalling the publisher: Publish
// is called from the runner's decision loop and must never block.
type Hub struct {
	subscribers map[subscriber]bool
	broadcast   chan engine.Event
	register    chan subscriber
	unregister  chan subscriber
	stopped     chan struct{} // closed when Run exits
}

// Compile-time interface check.
var _ engine.EventSink = (*Hub)(nil)

// NewHub creates a Hub with initialised channels and subscriber map.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[subscriber]bool),
		broadcast:   make(chan engine.Event, 256),
		register:    make(chan subscriber),
		unregister:  make(chan subscriber),
		stopped:     make(chan struct{}),
	}
}

// Run starts the Hub's event loop. It should be launched as a goroutine
// and returns when done closes.
func (h *Hub) Run(done <-chan struct{}) {
	defer close(h.stopped)
	for {
		select {
		case <-done:
			for sub := range h.subscribers {
				close(sub)
				delete(h.subscribers, sub)
			}
			return
		case sub := <-h.register:
			h.subscribers[sub] = true
		case sub := <-h.unregister:
			if _, ok := h.subscribers[sub]; ok {
				delete(h.subscribers, sub)
				close(sub)
			}
		case ev := <-h.broadcast:
			for sub := range h.subscribers {
				select {
				case sub <- ev:
				default:
					// Subscriber stopped draining; cut it loose.
					close(sub)
					delete(h.subscribers, sub)
				}
			}
		}
	}
}

// Publish queues an event for broadcast, dropping it if the hub itself is
// backed up.
func (h *Hub) Publish(ev engine.Event) {
	select {
	case h.broadcast <- ev:
	default:
	}
}

// subscribe registers a new subscriber queue with the hub. On a stopped hub
// the returned queue comes back already closed.
func (h *Hub) subscribe() subscriber {
	sub := make(subscriber, 64)
	select {
	case h.register <- sub:
	case <-h.stopped:
		close(sub)
	}
	return sub
}

// cancel removes a subscriber. Safe to call after the hub has stopped.
func (h *Hub) cancel(sub subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.stopped:
	}
}
