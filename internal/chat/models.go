// Package chat holds the conversation and message types shared by the
// synchronization engine, the wire contract and the reference backend.
package chat

import (
	"slices"
	"time"
)

// ConversationKind distinguishes one-to-one from multi-party conversations.
type ConversationKind string

const (
	Direct ConversationKind = "direct"
	Group  ConversationKind = "group"
)

// Kind is the payload type of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindMedia Kind = "media"
	KindFile  Kind = "file"
)

// Valid reports whether k is one of the known message kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindMedia, KindFile:
		return true
	}
	return false
}

// Status is the lifecycle state of a message in the local log.
//
//	pending -> sent -> read
//	pending -> failed
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusRead    Status = "read"
	StatusFailed  Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusRead:
		return 2
	}
	return -1
}

// Advance returns the status a message should hold after observing next.
// Transitions only move forward; failed is terminal.
func (s Status) Advance(next Status) Status {
	if s == StatusFailed {
		return s
	}
	if next == StatusFailed {
		if s == StatusPending {
			return next
		}
		return s
	}
	if next.rank() > s.rank() {
		return next
	}
	return s
}

// Tombstone replaces the content of a deleted message.
const Tombstone = "This message was deleted"

// Participant is a member of a conversation as seen by the local actor.
type Participant struct {
	ID       string    `json:"id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

// Preview is the denormalized summary of the newest message of a conversation.
type Preview struct {
	MessageID string    `json:"messageId"`
	AuthorID  string    `json:"authorId"`
	Kind      Kind      `json:"kind"`
	Content   string    `json:"content"`
	Deleted   bool      `json:"deleted,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is the summary the conversation list shows.
type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Title        string           `json:"title,omitempty"`
	Participants []Participant    `json:"participants"`
	LastMessage  *Preview         `json:"lastMessage,omitempty"`
	LastActivity time.Time        `json:"lastActivity"`
	Unread       int              `json:"unread"`
	Muted        bool             `json:"muted"`
	Archived     bool             `json:"archived"`

	// Typing is ephemeral and never sent by the backend.
	Typing []string `json:"-"`
}

// HasParticipant reports whether userID is a member of c.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of c.
func (c Conversation) Clone() Conversation {
	c.Participants = slices.Clone(c.Participants)
	c.Typing = slices.Clone(c.Typing)
	if c.LastMessage != nil {
		p := *c.LastMessage
		c.LastMessage = &p
	}
	return c
}

// Attachment describes a media or file payload.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size"`
}

// Reactions maps an emoji to the identifiers of the users who reacted with it.
type Reactions map[string][]string

// Add records userID under emoji once.
func (r Reactions) Add(emoji, userID string) Reactions {
	if r == nil {
		r = Reactions{}
	}
	if !slices.Contains(r[emoji], userID) {
		r[emoji] = append(r[emoji], userID)
	}
	return r
}

// Remove drops userID from emoji, deleting the key when it empties.
func (r Reactions) Remove(emoji, userID string) Reactions {
	users := slices.DeleteFunc(slices.Clone(r[emoji]), func(u string) bool { return u == userID })
	if len(users) == 0 {
		delete(r, emoji)
		return r
	}
	r[emoji] = users
	return r
}

// Clone returns a deep copy of r.
func (r Reactions) Clone() Reactions {
	if r == nil {
		return nil
	}
	out := make(Reactions, len(r))
	for k, v := range r {
		out[k] = slices.Clone(v)
	}
	return out
}

// Message is one entry of a conversation log.
//
// ID is client generated while the message is pending and server assigned
// once confirmed. ClientID keeps the client generated identifier after
// confirmation so late acknowledgements still find the entry.
type Message struct {
	ID             string      `json:"id"`
	ClientID       string      `json:"clientId,omitempty"`
	ConversationID string      `json:"conversationId"`
	AuthorID       string      `json:"authorId"`
	Kind           Kind        `json:"kind"`
	Content        string      `json:"content"`
	Status         Status      `json:"status"`
	CreatedAt      time.Time   `json:"createdAt"`
	EditedAt       *time.Time  `json:"editedAt,omitempty"`
	ReadAt         *time.Time  `json:"readAt,omitempty"`
	ReplyTo        string      `json:"replyTo,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	Reactions      Reactions   `json:"reactions,omitempty"`
	Deleted        bool        `json:"deleted,omitempty"`

	// Error carries the failure reason of a failed send.
	Error string `json:"-"`
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	m.Reactions = m.Reactions.Clone()
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		m.EditedAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		m.ReadAt = &t
	}
	return m
}

// Preview summarizes m for the conversation list.
func (m *Message) Preview() Preview {
	return Preview{
		MessageID: m.ID,
		AuthorID:  m.AuthorID,
		Kind:      m.Kind,
		Content:   m.Content,
		Deleted:   m.Deleted,
		CreatedAt: m.CreatedAt,
	}
}

// MarkDeleted turns m into a tombstone in place.
func (m *Message) MarkDeleted() {
	m.Deleted = true
	m.Content = Tombstone
	m.Attachment = nil
	m.Reactions = nil
}

// Outgoing is a message the local actor asks to send.
type Outgoing struct {
	ClientID       string      `json:"clientId"`
	ConversationID string      `json:"conversationId"`
	Kind           Kind        `json:"kind"`
	Content        string      `json:"content"`
	ReplyTo        string      `json:"replyTo,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Page is one page of message history, oldest first.
type Page struct {
	Messages []Message `json:"messages"`
	// HasMore is set when the backend knows whether older history exists.
	HasMore *bool `json:"hasMore,omitempty"`
}

// PageQuery selects a page of history ending before BeforeMessageID.
type PageQuery struct {
	BeforeMessageID string `json:"beforeMessageId,omitempty"`
	Limit           int    `json:"limit"`
}

// ConversationUpdate carries the flags a conversation mutation changes.
type ConversationUpdate struct {
	Muted    *bool `json:"muted,omitempty"`
	Archived *bool `json:"archived,omitempty"`
}
