package store

import (
	"context"

	"github.com/PaulBabatuyi/chatsync/internal/chat"
)

// ConversationFetcher is the part of the history service the conversation
// list uses.
type ConversationFetcher interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
	CreateDirect(ctx context.Context, participantID string) (chat.Conversation, error)
	CreateGroup(ctx context.Context, participantIDs []string, title string) (chat.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	UpdateConversation(ctx context.Context, id string, u chat.ConversationUpdate) (chat.Conversation, error)
}

// MessageFetcher is the part of the history service a message log uses.
type MessageFetcher interface {
	ListMessages(ctx context.Context, conversationID string, q chat.PageQuery) (chat.Page, error)
	SendMessage(ctx context.Context, o chat.Outgoing) (chat.Message, error)
	EditMessage(ctx context.Context, conversationID, messageID, content string) (chat.Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) (chat.Message, error)
	AddReaction(ctx context.Context, conversationID, messageID, emoji string) (chat.Message, error)
	RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) (chat.Message, error)
}

// ListChannel is the event channel as seen by the conversation list: every
// event regardless of conversation, plus the mark-read intent.
type ListChannel interface {
	Subscribe(key string, h func(chat.Event)) (unsubscribe func())
	MarkAsRead(ctx context.Context, conversationID string) error
}

// ConversationChannel is the event channel as seen by one open conversation.
// Joining twice under the same key must be a no-op.
type ConversationChannel interface {
	Join(ctx context.Context, conversationID, key string, h func(chat.Event)) error
	Leave(ctx context.Context, conversationID, key string) error
	SendRealtime(ctx context.Context, o chat.Outgoing) error
	SendTyping(ctx context.Context, conversationID string, typing bool) error
	MarkAsRead(ctx context.Context, conversationID string) error
}

// PreviewSink receives the last-message preview a message log implies.
// ConversationStore implements it.
type PreviewSink interface {
	UpdatePreview(conversationID string, p chat.Preview)
}
