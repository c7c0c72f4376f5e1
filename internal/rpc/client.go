package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/PaulBabatuyi/chatsync/internal/chat"
)

// Client calls the chatsync service over a gRPC connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *Client, name string, in any, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, FullMethod(name), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*AuthResponse, error) {
	return invoke[AuthResponse](ctx, c, "Register", in, opts...)
}

func (c *Client) Login(ctx context.Context, in *LoginRequest, opts ...grpc.CallOption) (*AuthResponse, error) {
	return invoke[AuthResponse](ctx, c, "Login", in, opts...)
}

func (c *Client) ListConversations(ctx context.Context, opts ...grpc.CallOption) (*ListConversationsResponse, error) {
	return invoke[ListConversationsResponse](ctx, c, "ListConversations", &emptypb.Empty{}, opts...)
}

func (c *Client) GetConversation(ctx context.Context, in *ConversationRequest, opts ...grpc.CallOption) (*chat.Conversation, error) {
	return invoke[chat.Conversation](ctx, c, "GetConversation", in, opts...)
}

func (c *Client) CreateDirect(ctx context.Context, in *CreateDirectRequest, opts ...grpc.CallOption) (*chat.Conversation, error) {
	return invoke[chat.Conversation](ctx, c, "CreateDirect", in, opts...)
}

func (c *Client) CreateGroup(ctx context.Context, in *CreateGroupRequest, opts ...grpc.CallOption) (*chat.Conversation, error) {
	return invoke[chat.Conversation](ctx, c, "CreateGroup", in, opts...)
}

func (c *Client) DeleteConversation(ctx context.Context, in *ConversationRequest, opts ...grpc.CallOption) error {
	_, err := invoke[emptypb.Empty](ctx, c, "DeleteConversation", in, opts...)
	return err
}

func (c *Client) UpdateConversation(ctx context.Context, in *UpdateConversationRequest, opts ...grpc.CallOption) (*chat.Conversation, error) {
	return invoke[chat.Conversation](ctx, c, "UpdateConversation", in, opts...)
}

func (c *Client) ListMessages(ctx context.Context, in *ListMessagesRequest, opts ...grpc.CallOption) (*chat.Page, error) {
	return invoke[chat.Page](ctx, c, "ListMessages", in, opts...)
}

func (c *Client) SendMessage(ctx context.Context, in *chat.Outgoing, opts ...grpc.CallOption) (*chat.Message, error) {
	return invoke[chat.Message](ctx, c, "SendMessage", in, opts...)
}

func (c *Client) EditMessage(ctx context.Context, in *EditMessageRequest, opts ...grpc.CallOption) (*chat.Message, error) {
	return invoke[chat.Message](ctx, c, "EditMessage", in, opts...)
}

func (c *Client) DeleteMessage(ctx context.Context, in *MessageRequest, opts ...grpc.CallOption) (*chat.Message, error) {
	return invoke[chat.Message](ctx, c, "DeleteMessage", in, opts...)
}

func (c *Client) AddReaction(ctx context.Context, in *ReactionRequest, opts ...grpc.CallOption) (*chat.Message, error) {
	return invoke[chat.Message](ctx, c, "AddReaction", in, opts...)
}

func (c *Client) RemoveReaction(ctx context.Context, in *ReactionRequest, opts ...grpc.CallOption) (*chat.Message, error) {
	return invoke[chat.Message](ctx, c, "RemoveReaction", in, opts...)
}

// Connect opens the bidirectional event stream.
func (c *Client) Connect(ctx context.Context, opts ...grpc.CallOption) (ConnectClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], MethodConnect, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[Frame, chat.Event]{ClientStream: stream}, nil
}
