package main

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/PaulBabatuyi/chatsync/internal/auth"
	"github.com/PaulBabatuyi/chatsync/internal/chat"
	"github.com/PaulBabatuyi/chatsync/internal/data"
	"github.com/PaulBabatuyi/chatsync/internal/normalize"
	"github.com/PaulBabatuyi/chatsync/internal/rpc"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	minPasswordLen  = 8
	presenceTimeout = 5 * time.Second
)

// caller returns the authenticated user of ctx.
func (s *Server) caller(ctx context.Context) (bson.ObjectID, error) {
	claims, ok := getClaimsFromContext(ctx)
	if !ok {
		return bson.ObjectID{}, status.Errorf(codes.Unauthenticated, "missing auth claims")
	}
	id, err := bson.ObjectIDFromHex(claims.UserID)
	if err != nil {
		return bson.ObjectID{}, status.Errorf(codes.Unauthenticated, "invalid user id in token")
	}
	return id, nil
}

func parseID(field, hex string) (bson.ObjectID, error) {
	id, err := bson.ObjectIDFromHex(hex)
	if err != nil {
		return bson.ObjectID{}, &chat.ValidationError{Field: field, Reason: "is not a valid id"}
	}
	return id, nil
}

// fail converts err to a status error, logging the ones the caller cannot
// act on.
func (s *Server) fail(op string, err error) error {
	st := rpc.ToStatus(err)
	if status.Code(st) == codes.Internal {
		s.log.Error(op+" failed", zap.Error(err))
	}
	return st
}

func (s *Server) issue(user *data.User) (*rpc.AuthResponse, error) {
	token, expiresAt, err := s.auth.GenerateToken(user.ID.Hex(), user.Email)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to generate token: %v", err)
	}
	return &rpc.AuthResponse{
		Token:     token,
		UserID:    user.ID.Hex(),
		Email:     user.Email,
		ExpiresAt: expiresAt.Unix(),
	}, nil
}

// Register creates an account and returns a token for it.
func (s *Server) Register(ctx context.Context, req *rpc.RegisterRequest) (*rpc.AuthResponse, error) {
	email := normalize.Email(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, status.Errorf(codes.InvalidArgument, "invalid email")
	}
	if len(req.Password) < minPasswordLen {
		return nil, status.Errorf(codes.InvalidArgument, "password must be at least %d characters", minPasswordLen)
	}
	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to hash password: %v", err)
	}
	user, err := s.users.CreateUser(ctx, email, hashed)
	if err != nil {
		if errors.Is(err, data.ErrUserExists) {
			return nil, status.Errorf(codes.AlreadyExists, "user already exists")
		}
		s.log.Error("create user failed", zap.Error(err))
		return nil, status.Errorf(codes.Internal, "failed to create user")
	}
	return s.issue(user)
}

// Login checks credentials and returns a fresh token.
func (s *Server) Login(ctx context.Context, req *rpc.LoginRequest) (*rpc.AuthResponse, error) {
	user, err := s.users.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return nil, status.Errorf(codes.Unauthenticated, "invalid credentials")
		}
		return nil, s.fail("login", err)
	}
	if err := auth.CheckPassword(user.Password, req.Password); err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "invalid credentials")
	}
	return s.issue(user)
}

func (s *Server) ListConversations(ctx context.Context, _ *emptypb.Empty) (*rpc.ListConversationsResponse, error) {
	me, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	convs, err := s.convs.ListForUser(ctx, me)
	if err != nil {
		return nil, s.fail("list conversations", err)
	}
	resp := &rpc.ListConversationsResponse{Conversations: make([]chat.Conversation, 0, len(convs))}
	for _, c := range convs {
		resp.Conversations = append(resp.Conversations, c.ToChat(me, s.hub.Online))
	}
	return resp, nil
}

func (s *Server) GetConversation(ctx context.Context, req *rpc.ConversationRequest) (*chat.Conversation, error) {
	me, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseID("conversation", req.ConversationID)
	if err != nil {
		return nil, s.fail("get conversation", err)
	}
	conv, err := s.convs.Get(ctx, id, me)
	if err != nil {
		return nil, s.fail("get conversation", err)
	}
	view := conv.ToChat(me, s.hub.Online)
	return &view, nil
}

func (s *Server) CreateDirect(ctx context.Context, req *rpc.CreateDirectRequest) (*chat.Conversation, error) {
	me, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	other, err := parseID("participant", req.ParticipantID)
	if err != nil {
		return nil, s.fail("create direct", err)
	}
	if other == me {
		return nil, s.fail("create direct", &chat.ValidationError{Field: "participant", Reason: "cannot be yourself"})
	}
	if ok, err := s.users.AllExist(ctx, []bson.ObjectID{other}); err != nil {
		return nil, s.fail("create direct", err)
	} else if !ok {
		return nil, status.Errorf(codes.NotFound, "participant not found")
	}
	conv, err := s.convs.CreateDirect(ctx, me, other)
	if err != nil {
		return nil, s.fail("create direct", err)
	}
	s.notifyConversation(conv, me)
	view := conv.ToChat(me, s.hub.Online)
	return &view, nil
}

func (s *Server) CreateGroup(ctx context.Context, req *rpc.CreateGroupRequest) (*chat.Conversation, error) {
	me, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	members := []bson.ObjectID{me}
	for _, hex := range req.ParticipantIDs {
		id, err := parseID("participants", hex)
		if err != nil {
			return nil, s.fail("create group", err)
		}
		if !slices.Contains(members, id) {
			members = append(members, id)
		}
	}
	if len(members) < 2 {
		return nil, s.fail("create group", &chat.ValidationError{Field: "participants", Reason: "at least one other member is required"})
	}
	if ok, err := s.users.AllExist(ctx, members[1:]); err != nil {
		return nil, s.fail("create group", err)
	} else if !ok {
		return nil, status.Errorf(codes.NotFound, "participant not found")
	}
	conv, err := s.convs.CreateGroup(ctx, members, strings.TrimSpace(req.Title))
	if err != nil {
		return nil, s.fail("create group", err)
	}
	s.notifyConversation(conv, me)
	view := conv.ToChat(me, s.hub.Online)
	return &view, nil
}

func (s *Server) DeleteConversation(ctx context.Context, req *rpc.ConversationRequest) (*emptypb.Empty, error) {
	me, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseID("conversation", req.ConversationID)
	if err != nil {
		return nil, s.fail("delete conversation", err)
	}
	if _, err := s.convs.Get(ctx, id, me); err != nil {
		return nil, s.fail("delete conversation", err)
	}
	if err := s.msgs.DeleteConversation(ctx, id); err != nil {
		return nil, s.fail("delete conversation", err)
	}
	if err := s.convs.Delete(ctx, id, me); err != nil {
		return nil, s.fail("delete conversation", err)
	}
	return &emptypb.Empty{}, nil
}

// UpdateConversation changes the caller's own flags. The caller's other
// devices are told through a conversationUpdated event.
func (s *Server) UpdateConversation(ctx context.Context, req *rpc.UpdateConversationRequest) (*chat.Conversation, error) {
	me, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseID("conversation", req.ConversationID)
	if err != nil {
		return nil, s.fail("update conversation", err)
	}
	conv, err := s.convs.UpdateMember(ctx, id, me, req.Muted, req.Archived)
	if err != nil {
		return nil, s.fail("update conversation", err)
	}
	view := conv.ToChat(me, s.hub.Online)
	_ = s.hub.SendToUser(me.Hex(), &chat.Event{
		Type:           chat.ConversationUpdated,
		ConversationID: view.ID,
		Conversation:   &view,
		At:             s.now(),
	})
	return &view, nil
}

func (s *Server) ListMessages(ctx context.Context, req *rpc.ListMessagesRequest) (*chat.Page, error) {
	me, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseID("conversation", req.ConversationID)
	if err != nil {
		return nil, s.fail("list messages", err)
	}
	var before bson.ObjectID
	if req.BeforeMessageID != "" {
		if before, err = parseID("beforeMessageId", req.BeforeMessageID); err != nil {
			return nil, s.fail("list messages", err)
		}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)

	conv, err := s.convs.Get(ctx, id, me)
	if err != nil {
		return nil, s.fail("list messages", err)
	}
	msgs, more, err := s.msgs.Page(ctx, id, before, limit)
	if err != nil {
		return nil, s.fail("list messages", err)
	}
	page := &chat.Page{Messages: make([]chat.Message, 0, len(msgs)), HasMore: &more}
	for _, m := range msgs {
		page.Messages = append(page.Messages, messageView(conv, m))
	}
	return page, nil
}

// messageView renders m, marking it read once another member has read past
// it.
func messageView(conv *data.Conversation, m *data.Message) chat.Message {
	at, read := conv.ReadBySomeoneElse(m.AuthorID, m.CreatedAt)
	if !read {
		return m.ToChat(chat.StatusSent)
	}
	out := m.ToChat(chat.StatusRead)
	out.ReadAt = &at
	return out
}

// SendMessage persists a message and delivers it to every member. A retry
// with a client id already stored returns the stored message without a
// second delivery.
func (s *Server) SendMessage(ctx context.Context, o *chat.Outgoing) (*chat.Message, error) {
	me, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := chat.ValidateOutgoing(o); err != nil {
		return nil, s.fail("send message", err)
	}
	id, err := parseID("conversation", o.ConversationID)
	if err != nil {
		return nil, s.fail("send message", err)
	}
	conv, err := s.convs.Get(ctx, id, me)
	if err != nil {
		return nil, s.fail("send message", err)
	}

	m := &data.Message{
		ConversationID: id,
		ClientID:       o.ClientID,
		AuthorID:       me,
		Kind:           string(o.Kind),
		Content:        o.Content,
		ReplyTo:        o.ReplyTo,
		CreatedAt:      s.now(),
	}
	if a := o.Attachment; a != nil {
		m.Attachment = &data.Attachment{URL: a.URL, Name: a.Name, MimeType: a.MimeType, Size: a.Size}
	}
	stored, created, err := s.msgs.Insert(ctx, m)
	if err != nil {
		return nil, s.fail("send message", err)
	}
	out := messageView(conv, stored)
	if !created {
		return &out, nil
	}
	// The message is stored; a failed preview update must not make the
	// sender retry it.
	if updated, err := s.convs.RecordMessage(ctx, conv, stored); err != nil {
		s.log.Warn("record message on conversation failed", zap.String("message", stored.ID.Hex()), zap.Error(err))
	} else {
		conv = updated
	}
	s.broadcast(conv, chat.Event{
		Type:           chat.MessageReceived,
		ConversationID: out.ConversationID,
		MessageID:      out.ID,
		UserID:         out.AuthorID,
		Message:        &out,
		At:             stored.CreatedAt,
	})
	return &out, nil
}

// messageTarget resolves and authorizes the ids of a message mutation.
func (s *Server) messageTarget(ctx context.Context, convHex, msgHex string) (me bson.ObjectID, conv *data.Conversation, msgID bson.ObjectID, err error) {
	if me, err = s.caller(ctx); err != nil {
		return
	}
	convID, err := parseID("conversation", convHex)
	if err != nil {
		return
	}
	if msgID, err = parseID("message", msgHex); err != nil {
		return
	}
	conv, err = s.convs.Get(ctx, convID, me)
	return
}

func (s *Server) EditMessage(ctx context.Context, req *rpc.EditMessageRequest) (*chat.Message, error) {
	me, conv, msgID, err := s.messageTarget(ctx, req.ConversationID, req.MessageID)
	if err != nil {
		return nil, s.fail("edit message", err)
	}
	content := normalize.Content(req.Content)
	if err := chat.ValidateContent(content, false); err != nil {
		return nil, s.fail("edit message", err)
	}
	m, err := s.msgs.Edit(ctx, conv.ID, msgID, me, content, s.now())
	if err != nil {
		return nil, s.fail("edit message", err)
	}
	return s.afterMutation(ctx, conv, m, chat.MessageUpdated, true), nil
}

func (s *Server) DeleteMessage(ctx context.Context, req *rpc.MessageRequest) (*chat.Message, error) {
	me, conv, msgID, err := s.messageTarget(ctx, req.ConversationID, req.MessageID)
	if err != nil {
		return nil, s.fail("delete message", err)
	}
	m, err := s.msgs.Tombstone(ctx, conv.ID, msgID, me)
	if err != nil {
		return nil, s.fail("delete message", err)
	}
	return s.afterMutation(ctx, conv, m, chat.MessageDeleted, true), nil
}

func (s *Server) AddReaction(ctx context.Context, req *rpc.ReactionRequest) (*chat.Message, error) {
	me, conv, msgID, err := s.messageTarget(ctx, req.ConversationID, req.MessageID)
	if err != nil {
		return nil, s.fail("add reaction", err)
	}
	m, err := s.msgs.AddReaction(ctx, conv.ID, msgID, req.Emoji, me)
	if err != nil {
		return nil, s.fail("add reaction", err)
	}
	return s.afterMutation(ctx, conv, m, chat.MessageUpdated, false), nil
}

func (s *Server) RemoveReaction(ctx context.Context, req *rpc.ReactionRequest) (*chat.Message, error) {
	me, conv, msgID, err := s.messageTarget(ctx, req.ConversationID, req.MessageID)
	if err != nil {
		return nil, s.fail("remove reaction", err)
	}
	m, err := s.msgs.RemoveReaction(ctx, conv.ID, msgID, req.Emoji, me)
	if err != nil {
		return nil, s.fail("remove reaction", err)
	}
	return s.afterMutation(ctx, conv, m, chat.MessageUpdated, false), nil
}

// afterMutation refreshes the stored preview when asked and broadcasts the
// changed message.
func (s *Server) afterMutation(ctx context.Context, conv *data.Conversation, m *data.Message, typ chat.EventType, preview bool) *chat.Message {
	if preview {
		if err := s.convs.UpdatePreview(ctx, m); err != nil {
			s.log.Warn("update preview failed", zap.String("message", m.ID.Hex()), zap.Error(err))
		}
	}
	out := messageView(conv, m)
	s.broadcast(conv, chat.Event{
		Type:           typ,
		ConversationID: out.ConversationID,
		MessageID:      out.ID,
		Message:        &out,
		At:             s.now(),
	})
	return &out
}

// broadcast sends ev to every online member of conv.
func (s *Server) broadcast(conv *data.Conversation, ev chat.Event) {
	s.metrics.Event(string(ev.Type))
	for _, member := range conv.Members {
		if err := s.hub.SendToUser(member.Hex(), &ev); err != nil {
			s.log.Debug("event not delivered", zap.String("user", member.Hex()), zap.Error(err))
		}
	}
}

// notifyConversation tells the members other than except about conv, each
// with their own view of it.
func (s *Server) notifyConversation(conv *data.Conversation, except bson.ObjectID) {
	for _, member := range conv.Members {
		if member == except {
			continue
		}
		view := conv.ToChat(member, s.hub.Online)
		_ = s.hub.SendToUser(member.Hex(), &chat.Event{
			Type:           chat.ConversationUpdated,
			ConversationID: view.ID,
			Conversation:   &view,
			At:             s.now(),
		})
	}
}

// announcePresence tells everyone who shares a conversation with user that
// user came online or went offline.
func (s *Server) announcePresence(user bson.ObjectID, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	convs, err := s.convs.ListForUser(ctx, user)
	if err != nil {
		s.log.Warn("presence lookup failed", zap.String("user", user.Hex()), zap.Error(err))
		return
	}
	ev := &chat.Event{Type: chat.UserOffline, UserID: user.Hex(), At: s.now()}
	if online {
		ev.Type = chat.UserOnline
	}
	seen := map[bson.ObjectID]bool{user: true}
	for _, c := range convs {
		for _, m := range c.Members {
			if seen[m] {
				continue
			}
			seen[m] = true
			_ = s.hub.SendToUser(m.Hex(), ev)
		}
	}
}

// Connect is the realtime channel: the client writes frames, the server
// pushes events for every conversation the user belongs to.
func (s *Server) Connect(stream rpc.ConnectServer) error {
	ctx := stream.Context()
	me, err := s.caller(ctx)
	if err != nil {
		return err
	}
	user := me.Hex()
	connID, first := s.hub.Register(user, stream)
	log := s.log.With(zap.String("user", user), zap.Int64("conn", connID))
	log.Info("stream connected")
	if first {
		s.announcePresence(me, true)
	}
	defer func() {
		if s.hub.Unregister(user, connID) {
			s.announcePresence(me, false)
		}
		log.Info("stream closed")
	}()

	for {
		f, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := s.handleFrame(ctx, me, connID, f); err != nil {
			log.Warn("frame rejected", zap.String("op", string(f.Op)), zap.Error(err))
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, me bson.ObjectID, connID int64, f *rpc.Frame) error {
	user := me.Hex()
	if f.ConversationID == "" && f.Message != nil {
		f.ConversationID = f.Message.ConversationID
	}
	convID, err := parseID("conversation", f.ConversationID)
	if err != nil {
		return err
	}

	switch f.Op {
	case rpc.OpJoin:
		if _, err := s.convs.Get(ctx, convID, me); err != nil {
			return err
		}
		s.hub.SetJoined(user, connID, f.ConversationID, true)

	case rpc.OpLeave:
		s.hub.SetJoined(user, connID, f.ConversationID, false)

	case rpc.OpTyping:
		conv, err := s.convs.Get(ctx, convID, me)
		if err != nil {
			return err
		}
		ev := &chat.Event{Type: chat.TypingStopped, ConversationID: f.ConversationID, UserID: user, At: s.now()}
		if f.Typing {
			ev.Type = chat.TypingStarted
		}
		for _, m := range conv.Members {
			if m != me {
				_ = s.hub.SendToUser(m.Hex(), ev)
			}
		}

	case rpc.OpRead:
		now := s.now()
		conv, err := s.convs.MarkRead(ctx, convID, me, now)
		if err != nil {
			return err
		}
		s.broadcast(conv, chat.Event{Type: chat.MessageRead, ConversationID: f.ConversationID, UserID: user, At: now})

	case rpc.OpSend:
		// A realtime copy for members that have the conversation open. The
		// durable copy follows from SendMessage.
		if f.Message == nil {
			return &chat.ValidationError{Field: "message", Reason: "is required"}
		}
		o := *f.Message
		o.ConversationID = f.ConversationID
		if err := chat.ValidateOutgoing(&o); err != nil {
			return err
		}
		if o.ClientID == "" {
			return &chat.ValidationError{Field: "clientId", Reason: "is required"}
		}
		conv, err := s.convs.Get(ctx, convID, me)
		if err != nil {
			return err
		}
		createdAt := o.CreatedAt
		if createdAt.IsZero() {
			createdAt = s.now()
		}
		m := chat.Message{
			ClientID:       o.ClientID,
			ConversationID: o.ConversationID,
			AuthorID:       user,
			Kind:           o.Kind,
			Content:        o.Content,
			Status:         chat.StatusSent,
			CreatedAt:      createdAt,
			ReplyTo:        o.ReplyTo,
			Attachment:     o.Attachment,
		}
		ev := &chat.Event{Type: chat.MessageReceived, ConversationID: o.ConversationID, UserID: user, Message: &m, At: s.now()}
		for _, member := range conv.Members {
			if member != me {
				_ = s.hub.SendToJoined(member.Hex(), ev)
			}
		}

	default:
		return &chat.ValidationError{Field: "op", Reason: "unknown operation " + string(f.Op)}
	}
	return nil
}
