package server

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hyperengineering/todomirror/internal/types"
)

// sendBuffer is how many events a subscriber may fall behind before it is
// disconnected.
const sendBuffer = 256

// Subscription is one open change stream.
type Subscription struct {
	user string
	send chan []byte
}

// Events yields encoded change events. It is closed when the subscription
// is released, falls behind, or the hub stops.
func (s *Subscription) Events() <-chan []byte {
	return s.send
}

// Hub fans change events out to every open change stream. All subscriber
// bookkeeping happens on the Run goroutine.
type Hub struct {
	register   chan *Subscription
	unregister chan *Subscription
	broadcast  chan []byte
	done       chan struct{}

	subs    map[*Subscription]bool
	metrics *Metrics
}

// NewHub creates a Hub. Nothing is delivered until Run is called.
func NewHub(m *Metrics) *Hub {
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Hub{
		register:   make(chan *Subscription),
		unregister: make(chan *Subscription),
		broadcast:  make(chan []byte),
		done:       make(chan struct{}),
		subs:       make(map[*Subscription]bool),
		metrics:    m,
	}
}

// Run delivers events until ctx is cancelled, then closes every
// subscriber's send channel.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer func() {
		for s := range h.subs {
			h.drop(s)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case s := <-h.register:
			h.subs[s] = true
			h.metrics.subscribers.Set(float64(len(h.subs)))
			slog.Debug("stream subscriber joined", "component", "hub", "user", s.user, "subscribers", len(h.subs))

		case s := <-h.unregister:
			if h.subs[s] {
				h.drop(s)
			}

		case msg := <-h.broadcast:
			h.metrics.broadcasts.Inc()
			for s := range h.subs {
				select {
				case s.send <- msg:
				default:
					slog.Warn("stream subscriber fell behind; disconnecting",
						"component", "hub",
						"user", s.user,
					)
					h.metrics.dropped.Inc()
					h.drop(s)
				}
			}
		}
	}
}

// drop forgets s and closes its send channel. Run goroutine only.
func (h *Hub) drop(s *Subscription) {
	delete(h.subs, s)
	close(s.send)
	h.metrics.subscribers.Set(float64(len(h.subs)))
}

// Subscribe opens a subscription for user. It returns nil once the hub
// has stopped.
func (h *Hub) Subscribe(user string) *Subscription {
	s := &Subscription{user: user, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- s:
		return s
	case <-h.done:
		return nil
	}
}

// Unsubscribe releases s. Safe to call after the hub has stopped.
func (h *Hub) Unsubscribe(s *Subscription) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Publish broadcasts ev to every subscriber.
func (h *Hub) Publish(ev types.ChangeEvent) {
	msg, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to encode change event", "component", "hub", "error", err)
		return
	}
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}
