package rpc

import "github.com/PaulBabatuyi/chatsync/internal/chat"

// FrameOp tags a frame a client writes on the Connect stream.
type FrameOp string

const (
	OpJoin   FrameOp = "join"
	OpLeave  FrameOp = "leave"
	OpSend   FrameOp = "send"
	OpTyping FrameOp = "typing"
	OpRead   FrameOp = "read"
)

// Frame is one client-to-server message on the Connect stream. The server
// answers with chat.Event values.
type Frame struct {
	Op             FrameOp        `json:"op"`
	ConversationID string         `json:"conversationId,omitempty"`
	Typing         bool           `json:"typing,omitempty"`
	Message        *chat.Outgoing `json:"message,omitempty"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// GetEmail lets the rate limiter key requests by account.
func (r *RegisterRequest) GetEmail() string { return r.Email }

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r *LoginRequest) GetEmail() string { return r.Email }

type AuthResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	ExpiresAt int64  `json:"expiresAt"`
}

type ConversationRequest struct {
	ConversationID string `json:"conversationId"`
}

type CreateDirectRequest struct {
	ParticipantID string `json:"participantId"`
}

type CreateGroupRequest struct {
	ParticipantIDs []string `json:"participantIds"`
	Title          string   `json:"title,omitempty"`
}

type UpdateConversationRequest struct {
	ConversationID string `json:"conversationId"`
	Muted          *bool  `json:"muted,omitempty"`
	Archived       *bool  `json:"archived,omitempty"`
}

type ListConversationsResponse struct {
	Conversations []chat.Conversation `json:"conversations"`
}

type ListMessagesRequest struct {
	ConversationID  string `json:"conversationId"`
	BeforeMessageID string `json:"beforeMessageId,omitempty"`
	Limit           int    `json:"limit"`
}

type EditMessageRequest struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Content        string `json:"content"`
}

type MessageRequest struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type ReactionRequest struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Emoji          string `json:"emoji"`
}
