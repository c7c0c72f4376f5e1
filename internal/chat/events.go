package chat

import "time"

// EventType tags an event delivered over the event channel.
type EventType string

const (
	MessageReceived     EventType = "messageReceived"
	MessageUpdated      EventType = "messageUpdated"
	MessageDeleted      EventType = "messageDeleted"
	MessageRead         EventType = "messageRead"
	ConversationUpdated EventType = "conversationUpdated"
	UserOnline          EventType = "userOnline"
	UserOffline         EventType = "userOffline"
	TypingStarted       EventType = "typingStarted"
	TypingStopped       EventType = "typingStopped"
)

// Event is one item of the multiplexed event stream. Message and
// Conversation carry the payload of message and conversation events.
type Event struct {
	Type           EventType     `json:"type"`
	ConversationID string        `json:"conversationId,omitempty"`
	MessageID      string        `json:"messageId,omitempty"`
	UserID         string        `json:"userId,omitempty"`
	Message        *Message      `json:"message,omitempty"`
	Conversation   *Conversation `json:"conversation,omitempty"`
	At             time.Time     `json:"at"`
}
