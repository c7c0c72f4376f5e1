package main

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/PaulBabatuyi/chatsync/internal/auth"
	"github.com/PaulBabatuyi/chatsync/internal/data"
	"github.com/PaulBabatuyi/chatsync/internal/logger"
	"github.com/PaulBabatuyi/chatsync/internal/metrics"
	"github.com/PaulBabatuyi/chatsync/internal/rpc"
)

// userStore is the subset of data.UsersStore the handlers use.
type userStore interface {
	CreateUser(ctx context.Context, email, hashedPassword string) (*data.User, error)
	GetUserByEmail(ctx context.Context, email string) (*data.User, error)
	AllExist(ctx context.Context, ids []bson.ObjectID) (bool, error)
}

// conversationStore is the subset of data.ConversationsStore the handlers use.
type conversationStore interface {
	CreateDirect(ctx context.Context, a, b bson.ObjectID) (*data.Conversation, error)
	CreateGroup(ctx context.Context, members []bson.ObjectID, title string) (*data.Conversation, error)
	Get(ctx context.Context, id, member bson.ObjectID) (*data.Conversation, error)
	ListForUser(ctx context.Context, member bson.ObjectID) ([]*data.Conversation, error)
	Delete(ctx context.Context, id, member bson.ObjectID) error
	UpdateMember(ctx context.Context, id, member bson.ObjectID, muted, archived *bool) (*data.Conversation, error)
	RecordMessage(ctx context.Context, conv *data.Conversation, m *data.Message) (*data.Conversation, error)
	UpdatePreview(ctx context.Context, m *data.Message) error
	MarkRead(ctx context.Context, id, member bson.ObjectID, at time.Time) (*data.Conversation, error)
}

// messageStore is the subset of data.MessagesStore the handlers use.
type messageStore interface {
	Insert(ctx context.Context, m *data.Message) (*data.Message, bool, error)
	Page(ctx context.Context, conversationID, before bson.ObjectID, limit int) ([]*data.Message, bool, error)
	Edit(ctx context.Context, conversationID, id, author bson.ObjectID, content string, at time.Time) (*data.Message, error)
	Tombstone(ctx context.Context, conversationID, id, author bson.ObjectID) (*data.Message, error)
	AddReaction(ctx context.Context, conversationID, id bson.ObjectID, emoji string, user bson.ObjectID) (*data.Message, error)
	RemoveReaction(ctx context.Context, conversationID, id bson.ObjectID, emoji string, user bson.ObjectID) (*data.Message, error)
	DeleteConversation(ctx context.Context, conversationID bson.ObjectID) error
}

// Server implements the chatsync service on top of the MongoDB stores and
// pushes events to connected users through the hub.
type Server struct {
	users userStore
	convs conversationStore
	msgs  messageStore
	auth  *auth.JWTManager
	hub   *ConnectionHub
	log   *zap.Logger
	now   func() time.Time

	// metrics counts delivered events; nil records nothing.
	metrics *metrics.Metrics
}

func newServer(users userStore, convs conversationStore, msgs messageStore, authMgr *auth.JWTManager, hub *ConnectionHub, log *zap.Logger) *Server {
	if hub == nil {
		hub = NewConnectionHub()
	}
	return &Server{
		users: users,
		convs: convs,
		msgs:  msgs,
		auth:  authMgr,
		hub:   hub,
		log:   logger.OrNop(log),
		now:   time.Now,
	}
}

// registerService registers the chatsync service on the given gRPC server.
func registerService(s *grpc.Server, srv *Server) {
	rpc.RegisterChatSyncServer(s, srv)
}
