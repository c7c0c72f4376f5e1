package main

import (
	"fmt"
	"sync"

	"github.com/PaulBabatuyi/chatsync/internal/chat"
)

// StreamSender is the part of a Connect stream the hub needs.
type StreamSender interface {
	Send(*chat.Event) error
}

// conn is one registered stream. gRPC streams allow a single concurrent
// sender, so sends are serialized per connection.
type conn struct {
	mu     sync.Mutex
	sender StreamSender
	joined map[string]bool
}

func (c *conn) send(ev *chat.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sender.Send(ev)
}

// ConnectionHub tracks the Connect streams of every online user. A user may
// hold several streams, one per device.
type ConnectionHub struct {
	mu      sync.RWMutex
	streams map[string]map[int64]*conn
	nextID  int64
}

func NewConnectionHub() *ConnectionHub {
	return &ConnectionHub{streams: make(map[string]map[int64]*conn)}
}

// Register adds a stream for userID. It returns the connection id and
// whether this is the user's first open stream.
func (h *ConnectionHub) Register(userID string, s StreamSender) (int64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.streams[userID]
	if !ok {
		conns = make(map[int64]*conn)
		h.streams[userID] = conns
	}
	h.nextID++
	id := h.nextID
	conns[id] = &conn{sender: s, joined: make(map[string]bool)}
	return id, len(conns) == 1
}

// Unregister removes a stream and reports whether the user has no stream
// left.
func (h *ConnectionHub) Unregister(userID string, id int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.streams[userID]
	if !ok {
		return false
	}
	if _, ok := conns[id]; !ok {
		return false
	}
	delete(conns, id)
	if len(conns) == 0 {
		delete(h.streams, userID)
		return true
	}
	return false
}

// Online reports whether userID has an open stream.
func (h *ConnectionHub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[userID]) > 0
}

// SetJoined records whether connection id has conversationID open.
func (h *ConnectionHub) SetJoined(userID string, id int64, conversationID string, joined bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.streams[userID][id]
	if !ok {
		return
	}
	if joined {
		c.joined[conversationID] = true
	} else {
		delete(c.joined, conversationID)
	}
}

// SendToUser delivers ev to every stream of userID and drops the streams
// that fail. It returns the first send error, or an error when the user is
// offline.
func (h *ConnectionHub) SendToUser(userID string, ev *chat.Event) error {
	return h.send(userID, ev, func(*conn) bool { return true })
}

// SendToJoined delivers ev to the streams of userID that have the event's
// conversation open.
func (h *ConnectionHub) SendToJoined(userID string, ev *chat.Event) error {
	return h.send(userID, ev, func(c *conn) bool { return c.joined[ev.ConversationID] })
}

func (h *ConnectionHub) send(userID string, ev *chat.Event, want func(*conn) bool) error {
	h.mu.RLock()
	conns, ok := h.streams[userID]
	if !ok || len(conns) == 0 {
		h.mu.RUnlock()
		return fmt.Errorf("user %s not connected", userID)
	}
	targets := make(map[int64]*conn, len(conns))
	for id, c := range conns {
		if want(c) {
			targets[id] = c
		}
	}
	h.mu.RUnlock()

	var firstErr error
	var failed []int64
	for id, c := range targets {
		if err := c.send(ev); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			failed = append(failed, id)
		}
	}
	for _, id := range failed {
		h.Unregister(userID, id)
	}
	return firstErr
}
