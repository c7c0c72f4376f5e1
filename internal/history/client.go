// Package history is the request/response side of the engine: it fetches
// conversations and message pages and performs durable mutations over the
// chatsync gRPC service.
package history

import (
	"context"

	"github.com/PaulBabatuyi/chatsync/internal/chat"
	"github.com/PaulBabatuyi/chatsync/internal/rpc"
)

// Client adapts rpc.Client to the fetcher interfaces of the stores. Every
// error is returned as a chat.TransportError.
type Client struct {
	rpc *rpc.Client
}

func New(c *rpc.Client) *Client {
	return &Client{rpc: c}
}

func wrap(op string, err error) error {
	return chat.Transport(op, rpc.FromStatus(err))
}

func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	resp, err := c.rpc.ListConversations(ctx)
	if err != nil {
		return nil, wrap("list conversations", err)
	}
	return resp.Conversations, nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	conv, err := c.rpc.GetConversation(ctx, &rpc.ConversationRequest{ConversationID: id})
	if err != nil {
		return chat.Conversation{}, wrap("get conversation", err)
	}
	return *conv, nil
}

func (c *Client) CreateDirect(ctx context.Context, participantID string) (chat.Conversation, error) {
	conv, err := c.rpc.CreateDirect(ctx, &rpc.CreateDirectRequest{ParticipantID: participantID})
	if err != nil {
		return chat.Conversation{}, wrap("create direct conversation", err)
	}
	return *conv, nil
}

func (c *Client) CreateGroup(ctx context.Context, participantIDs []string, title string) (chat.Conversation, error) {
	conv, err := c.rpc.CreateGroup(ctx, &rpc.CreateGroupRequest{ParticipantIDs: participantIDs, Title: title})
	if err != nil {
		return chat.Conversation{}, wrap("create group conversation", err)
	}
	return *conv, nil
}

func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	if err := c.rpc.DeleteConversation(ctx, &rpc.ConversationRequest{ConversationID: id}); err != nil {
		return wrap("delete conversation", err)
	}
	return nil
}

func (c *Client) UpdateConversation(ctx context.Context, id string, u chat.ConversationUpdate) (chat.Conversation, error) {
	conv, err := c.rpc.UpdateConversation(ctx, &rpc.UpdateConversationRequest{
		ConversationID: id,
		Muted:          u.Muted,
		Archived:       u.Archived,
	})
	if err != nil {
		return chat.Conversation{}, wrap("update conversation", err)
	}
	return *conv, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string, q chat.PageQuery) (chat.Page, error) {
	page, err := c.rpc.ListMessages(ctx, &rpc.ListMessagesRequest{
		ConversationID:  conversationID,
		BeforeMessageID: q.BeforeMessageID,
		Limit:           q.Limit,
	})
	if err != nil {
		return chat.Page{}, wrap("list messages", err)
	}
	return *page, nil
}

func (c *Client) SendMessage(ctx context.Context, o chat.Outgoing) (chat.Message, error) {
	m, err := c.rpc.SendMessage(ctx, &o)
	if err != nil {
		return chat.Message{}, wrap("send message", err)
	}
	return *m, nil
}

func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, content string) (chat.Message, error) {
	m, err := c.rpc.EditMessage(ctx, &rpc.EditMessageRequest{
		ConversationID: conversationID,
		MessageID:      messageID,
		Content:        content,
	})
	if err != nil {
		return chat.Message{}, wrap("edit message", err)
	}
	return *m, nil
}

func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) (chat.Message, error) {
	m, err := c.rpc.DeleteMessage(ctx, &rpc.MessageRequest{ConversationID: conversationID, MessageID: messageID})
	if err != nil {
		return chat.Message{}, wrap("delete message", err)
	}
	return *m, nil
}

func (c *Client) AddReaction(ctx context.Context, conversationID, messageID, emoji string) (chat.Message, error) {
	m, err := c.rpc.AddReaction(ctx, &rpc.ReactionRequest{ConversationID: conversationID, MessageID: messageID, Emoji: emoji})
	if err != nil {
		return chat.Message{}, wrap("add reaction", err)
	}
	return *m, nil
}

func (c *Client) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) (chat.Message, error) {
	m, err := c.rpc.RemoveReaction(ctx, &rpc.ReactionRequest{ConversationID: conversationID, MessageID: messageID, Emoji: emoji})
	if err != nil {
		return chat.Message{}, wrap("remove reaction", err)
	}
	return *m, nil
}
