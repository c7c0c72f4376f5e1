// Package rpc declares the chatsync gRPC service: its wire types, the
// service descriptor the backend registers and the client the engine calls.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/PaulBabatuyi/chatsync/internal/chat"
)

const ServiceName = "chatsync.v1.ChatSync"

// FullMethod returns the gRPC method path of a service method.
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

// Method paths used by interceptors.
var (
	MethodRegister = FullMethod("Register")
	MethodLogin    = FullMethod("Login")
	MethodConnect  = FullMethod("Connect")
)

// ConnectServer is the server side of the Connect stream.
type ConnectServer = grpc.BidiStreamingServer[Frame, chat.Event]

// ConnectClient is the client side of the Connect stream.
type ConnectClient = grpc.BidiStreamingClient[Frame, chat.Event]

// ChatSyncServer is implemented by the backend.
type ChatSyncServer interface {
	Register(context.Context, *RegisterRequest) (*AuthResponse, error)
	Login(context.Context, *LoginRequest) (*AuthResponse, error)

	ListConversations(context.Context, *emptypb.Empty) (*ListConversationsResponse, error)
	GetConversation(context.Context, *ConversationRequest) (*chat.Conversation, error)
	CreateDirect(context.Context, *CreateDirectRequest) (*chat.Conversation, error)
	CreateGroup(context.Context, *CreateGroupRequest) (*chat.Conversation, error)
	DeleteConversation(context.Context, *ConversationRequest) (*emptypb.Empty, error)
	UpdateConversation(context.Context, *UpdateConversationRequest) (*chat.Conversation, error)

	ListMessages(context.Context, *ListMessagesRequest) (*chat.Page, error)
	SendMessage(context.Context, *chat.Outgoing) (*chat.Message, error)
	EditMessage(context.Context, *EditMessageRequest) (*chat.Message, error)
	DeleteMessage(context.Context, *MessageRequest) (*chat.Message, error)
	AddReaction(context.Context, *ReactionRequest) (*chat.Message, error)
	RemoveReaction(context.Context, *ReactionRequest) (*chat.Message, error)

	Connect(ConnectServer) error
}

func unary[Req, Resp any](name string, call func(ChatSyncServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(ChatSyncServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ChatSyncServer).Connect(&grpc.GenericServerStream[Frame, chat.Event]{ServerStream: stream})
}

// ServiceDesc describes the chatsync service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Register", ChatSyncServer.Register),
		unary("Login", ChatSyncServer.Login),
		unary("ListConversations", ChatSyncServer.ListConversations),
		unary("GetConversation", ChatSyncServer.GetConversation),
		unary("CreateDirect", ChatSyncServer.CreateDirect),
		unary("CreateGroup", ChatSyncServer.CreateGroup),
		unary("DeleteConversation", ChatSyncServer.DeleteConversation),
		unary("UpdateConversation", ChatSyncServer.UpdateConversation),
		unary("ListMessages", ChatSyncServer.ListMessages),
		unary("SendMessage", ChatSyncServer.SendMessage),
		unary("EditMessage", ChatSyncServer.EditMessage),
		unary("DeleteMessage", ChatSyncServer.DeleteMessage),
		unary("AddReaction", ChatSyncServer.AddReaction),
		unary("RemoveReaction", ChatSyncServer.RemoveReaction),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "chatsync/v1",
}

// RegisterChatSyncServer registers srv on s.
func RegisterChatSyncServer(s grpc.ServiceRegistrar, srv ChatSyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}
