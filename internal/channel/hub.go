// Package channel is the realtime side of the engine. A Transport carries
// frames to the backend and events back; the Hub fans those events out to
// the stores that subscribed to them.
package channel

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/chatsync/internal/chat"
	"github.com/PaulBabatuyi/chatsync/internal/logger"
	"github.com/PaulBabatuyi/chatsync/internal/metrics"
)

// Transport is a bidirectional event connection to the backend.
type Transport interface {
	Join(ctx context.Context, conversationID string) error
	Leave(ctx context.Context, conversationID string) error
	SendRealtime(ctx context.Context, o chat.Outgoing) error
	SendTyping(ctx context.Context, conversationID string, typing bool) error
	MarkAsRead(ctx context.Context, conversationID string) error
	// Events yields every event the backend pushes. It is closed when the
	// transport stops.
	Events() <-chan chat.Event
}

// Handler consumes one event.
type Handler func(chat.Event)

// Hub multiplexes one Transport between the conversation list and the open
// message logs. Subscriptions are keyed so that a repeated Join or Subscribe
// under the same key never registers a second handler.
//
// Events are delivered one at a time from Run, in arrival order.
type Hub struct {
	transport Transport
	log       *zap.Logger
	metrics   *metrics.Metrics

	mu     sync.RWMutex
	rooms  map[string]*room
	global map[string]Handler
}

// room holds the subscribers of one conversation. ready is closed once the
// transport join that opened the room has settled; err is its outcome.
type room struct {
	handlers map[string]Handler
	ready    chan struct{}
	err      error
}

// NewHub returns a hub over t. log and m may be nil.
func NewHub(t Transport, log *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		transport: t,
		log:       logger.OrNop(log).With(zap.String("component", "hub")),
		metrics:   m,
		rooms:     make(map[string]*room),
		global:    make(map[string]Handler),
	}
}

// Join subscribes h to the events of one conversation under key. The
// transport joins the conversation when its first subscriber arrives; later
// subscribers wait for that join and share its outcome. A failed join drops
// the whole room.
func (hub *Hub) Join(ctx context.Context, conversationID, key string, h func(chat.Event)) error {
	hub.mu.Lock()
	r, ok := hub.rooms[conversationID]
	first := !ok
	if first {
		r = &room{handlers: make(map[string]Handler), ready: make(chan struct{})}
		hub.rooms[conversationID] = r
	}
	if _, dup := r.handlers[key]; !dup {
		r.handlers[key] = h
	}
	hub.mu.Unlock()

	if !first {
		select {
		case <-r.ready:
			return r.err
		case <-ctx.Done():
			hub.remove(conversationID, key)
			return ctx.Err()
		}
	}

	err := hub.transport.Join(ctx, conversationID)
	hub.mu.Lock()
	if err != nil {
		r.err = err
		if hub.rooms[conversationID] == r {
			delete(hub.rooms, conversationID)
		}
	}
	close(r.ready)
	hub.mu.Unlock()
	return err
}

// Leave drops the subscription under key. The transport leaves the
// conversation when its last subscriber goes.
func (hub *Hub) Leave(ctx context.Context, conversationID, key string) error {
	if !hub.remove(conversationID, key) {
		return nil
	}
	return hub.transport.Leave(ctx, conversationID)
}

// remove deletes a subscription and reports whether the room emptied.
func (hub *Hub) remove(conversationID, key string) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	r, ok := hub.rooms[conversationID]
	if !ok {
		return false
	}
	if _, ok := r.handlers[key]; !ok {
		return false
	}
	delete(r.handlers, key)
	if len(r.handlers) == 0 {
		delete(hub.rooms, conversationID)
		return true
	}
	return false
}

// Subscribe registers h for every event under key and returns a function
// that removes it.
func (hub *Hub) Subscribe(key string, h func(chat.Event)) func() {
	hub.mu.Lock()
	hub.global[key] = h
	hub.mu.Unlock()
	return func() {
		hub.mu.Lock()
		delete(hub.global, key)
		hub.mu.Unlock()
	}
}

// Joined reports whether any subscriber holds conversationID.
func (hub *Hub) Joined(conversationID string) bool {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	r, ok := hub.rooms[conversationID]
	return ok && len(r.handlers) > 0
}

// Run dispatches transport events until ctx is done or the transport
// closes its event channel.
func (hub *Hub) Run(ctx context.Context) error {
	events := hub.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			hub.Dispatch(ev)
		}
	}
}

// Dispatch delivers ev to the global subscribers and to the subscribers of
// its conversation. Handlers run outside the hub lock.
func (hub *Hub) Dispatch(ev chat.Event) {
	hub.metrics.Event(string(ev.Type))

	hub.mu.RLock()
	handlers := make([]Handler, 0, len(hub.global))
	for _, h := range hub.global {
		handlers = append(handlers, h)
	}
	if r, ok := hub.rooms[ev.ConversationID]; ok && ev.ConversationID != "" {
		for _, h := range r.handlers {
			handlers = append(handlers, h)
		}
	}
	hub.mu.RUnlock()

	if len(handlers) == 0 {
		hub.log.Debug("event without subscribers", zap.String("type", string(ev.Type)))
	}
	for _, h := range handlers {
		h(ev)
	}
}

func (hub *Hub) SendRealtime(ctx context.Context, o chat.Outgoing) error {
	return hub.transport.SendRealtime(ctx, o)
}

func (hub *Hub) SendTyping(ctx context.Context, conversationID string, typing bool) error {
	return hub.transport.SendTyping(ctx, conversationID, typing)
}

func (hub *Hub) MarkAsRead(ctx context.Context, conversationID string) error {
	return hub.transport.MarkAsRead(ctx, conversationID)
}
