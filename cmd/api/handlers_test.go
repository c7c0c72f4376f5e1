package main

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/PaulBabatuyi/chatsync/internal/auth"
	"github.com/PaulBabatuyi/chatsync/internal/chat"
	"github.com/PaulBabatuyi/chatsync/internal/rpc"
)

// fakeStream implements rpc.ConnectServer over a fixed list of frames.
type fakeStream struct {
	fakeSender
	ctx    context.Context
	frames []*rpc.Frame
}

func (f *fakeStream) Recv() (*rpc.Frame, error) {
	if len(f.frames) == 0 {
		return nil, io.EOF
	}
	fr := f.frames[0]
	f.frames = f.frames[1:]
	return fr, nil
}

func (f *fakeStream) Context() context.Context        { return f.ctx }
func (f *fakeStream) SetHeader(metadata.MD) error     { return nil }
func (f *fakeStream) SendHeader(metadata.MD) error    { return nil }
func (f *fakeStream) SetTrailer(metadata.MD)          {}
func (f *fakeStream) SendMsg(m any) error             { return errors.New("SendMsg: not supported") }
func (f *fakeStream) RecvMsg(m any) error             { return errors.New("RecvMsg: not supported") }

func ctxFor(id bson.ObjectID) context.Context {
	return context.WithValue(context.Background(), authContextKey{}, &auth.Claims{UserID: id.Hex()})
}

type fixture struct {
	db    *memDB
	srv   *Server
	hub   *ConnectionHub
	alice bson.ObjectID
	bob   bson.ObjectID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newMemDB()
	users, convs, msgs := db.stores()
	hub := NewConnectionHub()
	srv := newServer(users, convs, msgs, auth.NewJWTManager("test-secret", time.Hour), hub, zap.NewNop())
	return &fixture{
		db:    db,
		srv:   srv,
		hub:   hub,
		alice: db.addUser("alice@example.com"),
		bob:   db.addUser("bob@example.com"),
	}
}

func (f *fixture) direct(t *testing.T) string {
	t.Helper()
	conv, err := f.srv.CreateDirect(ctxFor(f.alice), &rpc.CreateDirectRequest{ParticipantID: f.bob.Hex()})
	if err != nil {
		t.Fatalf("CreateDirect: %v", err)
	}
	return conv.ID
}

func ofType(evs []*chat.Event, typ chat.EventType) []*chat.Event {
	var out []*chat.Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestRegisterAndLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.srv.Register(ctx, &rpc.RegisterRequest{Email: " Carol@Example.com ", Password: "testPass123"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if resp.Token == "" || resp.UserID == "" || resp.Email != "carol@example.com" {
		t.Fatalf("unexpected register response: %+v", resp)
	}

	if _, err := f.srv.Register(ctx, &rpc.RegisterRequest{Email: "carol@example.com", Password: "testPass123"}); status.Code(err) != codes.AlreadyExists {
		t.Fatalf("duplicate register: got %v, want AlreadyExists", err)
	}
	if _, err := f.srv.Register(ctx, &rpc.RegisterRequest{Email: "dave@example.com", Password: "short"}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("short password: got %v, want InvalidArgument", err)
	}

	login, err := f.srv.Login(ctx, &rpc.LoginRequest{Email: "CAROL@example.com", Password: "testPass123"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if login.UserID != resp.UserID {
		t.Fatalf("login user %s, registered %s", login.UserID, resp.UserID)
	}
	if _, err := f.srv.Login(ctx, &rpc.LoginRequest{Email: "carol@example.com", Password: "wrong-password"}); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("wrong password: got %v, want Unauthenticated", err)
	}
	if _, err := f.srv.Login(ctx, &rpc.LoginRequest{Email: "nobody@example.com", Password: "testPass123"}); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("unknown user: got %v, want Unauthenticated", err)
	}
}

func TestCreateDirect(t *testing.T) {
	f := newFixture(t)
	bobSender := &fakeSender{}
	f.hub.Register(f.bob.Hex(), bobSender)

	first := f.direct(t)
	if again := f.direct(t); again != first {
		t.Fatalf("direct conversation not reused: %s != %s", again, first)
	}
	if evs := ofType(bobSender.events(), chat.ConversationUpdated); len(evs) == 0 || evs[0].Conversation == nil {
		t.Fatalf("bob was not told about the conversation")
	}

	if _, err := f.srv.CreateDirect(ctxFor(f.alice), &rpc.CreateDirectRequest{ParticipantID: f.alice.Hex()}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("self conversation: got %v, want InvalidArgument", err)
	}
	if _, err := f.srv.CreateDirect(ctxFor(f.alice), &rpc.CreateDirectRequest{ParticipantID: bson.NewObjectID().Hex()}); status.Code(err) != codes.NotFound {
		t.Fatalf("unknown participant: got %v, want NotFound", err)
	}
	if _, err := f.srv.CreateDirect(ctxFor(f.alice), &rpc.CreateDirectRequest{ParticipantID: "zzz"}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("bad id: got %v, want InvalidArgument", err)
	}
}

func TestCreateGroupDedupesMembers(t *testing.T) {
	f := newFixture(t)
	carol := f.db.addUser("carol@example.com")

	conv, err := f.srv.CreateGroup(ctxFor(f.alice), &rpc.CreateGroupRequest{
		ParticipantIDs: []string{f.bob.Hex(), carol.Hex(), f.bob.Hex(), f.alice.Hex()},
		Title:          "  team  ",
	})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if conv.Kind != chat.Group || conv.Title != "team" || len(conv.Participants) != 3 {
		t.Fatalf("unexpected group: %+v", conv)
	}
	if conv.Participants[0].ID != f.alice.Hex() {
		t.Fatalf("creator should be the first member")
	}

	if _, err := f.srv.CreateGroup(ctxFor(f.alice), &rpc.CreateGroupRequest{ParticipantIDs: []string{f.alice.Hex()}}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("group of one: got %v, want InvalidArgument", err)
	}
}

func TestSendMessage_DeliversAndCountsUnread(t *testing.T) {
	f := newFixture(t)
	convID := f.direct(t)
	bobSender := &fakeSender{}
	f.hub.Register(f.bob.Hex(), bobSender)

	out := &chat.Outgoing{ClientID: "c-1", ConversationID: convID, Content: "  hey bob  "}
	msg, err := f.srv.SendMessage(ctxFor(f.alice), out)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.ID == "" || msg.ClientID != "c-1" || msg.Content != "hey bob" || msg.Status != chat.StatusSent {
		t.Fatalf("unexpected message: %+v", msg)
	}

	got := ofType(bobSender.events(), chat.MessageReceived)
	if len(got) != 1 || got[0].Message.ID != msg.ID || got[0].Message.ClientID != "c-1" {
		t.Fatalf("bob did not receive the message: %+v", got)
	}

	// A retry with the same client id returns the stored message and is
	// not delivered again.
	again, err := f.srv.SendMessage(ctxFor(f.alice), &chat.Outgoing{ClientID: "c-1", ConversationID: convID, Content: "hey bob"})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if again.ID != msg.ID {
		t.Fatalf("retry stored a second message: %s != %s", again.ID, msg.ID)
	}
	if n := len(ofType(bobSender.events(), chat.MessageReceived)); n != 1 {
		t.Fatalf("retry delivered again: %d events", n)
	}

	list, err := f.srv.ListConversations(ctxFor(f.bob), &emptypb.Empty{})
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list.Conversations) != 1 || list.Conversations[0].Unread != 1 {
		t.Fatalf("bob should have one unread message: %+v", list.Conversations)
	}
	if lm := list.Conversations[0].LastMessage; lm == nil || lm.MessageID != msg.ID {
		t.Fatalf("preview not updated: %+v", lm)
	}
	if p := list.Conversations[0].Participants; !(p[0].Online || p[1].Online) {
		t.Fatalf("bob is connected and should show online")
	}
}

func TestSendMessage_StoredDespitePreviewFailure(t *testing.T) {
	f := newFixture(t)
	convID := f.direct(t)
	bobSender := &fakeSender{}
	f.hub.Register(f.bob.Hex(), bobSender)

	f.db.mu.Lock()
	f.db.recordErr = errors.New("write conflict")
	f.db.mu.Unlock()

	msg, err := f.srv.SendMessage(ctxFor(f.alice), &chat.Outgoing{ClientID: "c-1", ConversationID: convID, Content: "hi"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.ID == "" || msg.Status != chat.StatusSent {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if got := ofType(bobSender.events(), chat.MessageReceived); len(got) != 1 {
		t.Fatalf("bob should receive the message once, got %d", len(got))
	}

	f.db.mu.Lock()
	f.db.recordErr = nil
	f.db.mu.Unlock()
	again, err := f.srv.SendMessage(ctxFor(f.alice), &chat.Outgoing{ClientID: "c-1", ConversationID: convID, Content: "hi"})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if again.ID != msg.ID {
		t.Fatalf("retry stored a second message: %s != %s", again.ID, msg.ID)
	}
	f.db.mu.Lock()
	n := len(f.db.msgs)
	f.db.mu.Unlock()
	if n != 1 {
		t.Fatalf("want one stored message, got %d", n)
	}
}

func TestSendMessage_RejectsInvalidAndForeign(t *testing.T) {
	f := newFixture(t)
	convID := f.direct(t)
	carol := f.db.addUser("carol@example.com")

	if _, err := f.srv.SendMessage(ctxFor(f.alice), &chat.Outgoing{ConversationID: convID, Content: "   "}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("empty content: got %v, want InvalidArgument", err)
	}
	if _, err := f.srv.SendMessage(ctxFor(carol), &chat.Outgoing{ConversationID: convID, Content: "hi"}); status.Code(err) != codes.NotFound {
		t.Fatalf("non member: got %v, want NotFound", err)
	}
	if _, err := f.srv.SendMessage(context.Background(), &chat.Outgoing{ConversationID: convID, Content: "hi"}); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("no claims: got %v, want Unauthenticated", err)
	}
}

func TestListMessages_PagesAndReadStatus(t *testing.T) {
	f := newFixture(t)
	convID := f.direct(t)

	var ids []string
	for i := range 5 {
		m, err := f.srv.SendMessage(ctxFor(f.alice), &chat.Outgoing{ConversationID: convID, Content: string(rune('a' + i))})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		ids = append(ids, m.ID)
	}

	page, err := f.srv.ListMessages(ctxFor(f.alice), &rpc.ListMessagesRequest{ConversationID: convID, Limit: 3})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(page.Messages) != 3 || page.Messages[0].ID != ids[2] || page.Messages[2].ID != ids[4] {
		t.Fatalf("unexpected newest page: %+v", page.Messages)
	}
	if page.HasMore == nil || !*page.HasMore {
		t.Fatalf("expected more history")
	}

	older, err := f.srv.ListMessages(ctxFor(f.alice), &rpc.ListMessagesRequest{ConversationID: convID, BeforeMessageID: ids[2], Limit: 3})
	if err != nil {
		t.Fatalf("ListMessages older: %v", err)
	}
	if len(older.Messages) != 2 || older.Messages[0].ID != ids[0] || *older.HasMore {
		t.Fatalf("unexpected older page: %+v", older.Messages)
	}

	// Bob reads the conversation; alice now sees her messages as read.
	bobStream := &fakeStream{ctx: ctxFor(f.bob), frames: []*rpc.Frame{{Op: rpc.OpRead, ConversationID: convID}}}
	if err := f.srv.Connect(bobStream); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	page, err = f.srv.ListMessages(ctxFor(f.alice), &rpc.ListMessagesRequest{ConversationID: convID})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	for _, m := range page.Messages {
		if m.Status != chat.StatusRead || m.ReadAt == nil {
			t.Fatalf("message %s should be read: %+v", m.ID, m)
		}
	}
}

func TestEditDeleteAndReactions(t *testing.T) {
	f := newFixture(t)
	convID := f.direct(t)
	bobSender := &fakeSender{}
	f.hub.Register(f.bob.Hex(), bobSender)

	msg, err := f.srv.SendMessage(ctxFor(f.alice), &chat.Outgoing{ConversationID: convID, Content: "hello"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if _, err := f.srv.EditMessage(ctxFor(f.bob), &rpc.EditMessageRequest{ConversationID: convID, MessageID: msg.ID, Content: "hijack"}); status.Code(err) != codes.NotFound {
		t.Fatalf("edit by non author: got %v, want NotFound", err)
	}
	edited, err := f.srv.EditMessage(ctxFor(f.alice), &rpc.EditMessageRequest{ConversationID: convID, MessageID: msg.ID, Content: "hello there"})
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if edited.Content != "hello there" || edited.EditedAt == nil {
		t.Fatalf("unexpected edit result: %+v", edited)
	}
	if evs := ofType(bobSender.events(), chat.MessageUpdated); len(evs) != 1 || evs[0].Message.Content != "hello there" {
		t.Fatalf("bob did not see the edit: %+v", evs)
	}

	reacted, err := f.srv.AddReaction(ctxFor(f.bob), &rpc.ReactionRequest{ConversationID: convID, MessageID: msg.ID, Emoji: "👍"})
	if err != nil {
		t.Fatalf("AddReaction: %v", err)
	}
	if users := reacted.Reactions["👍"]; len(users) != 1 || users[0] != f.bob.Hex() {
		t.Fatalf("unexpected reactions: %+v", reacted.Reactions)
	}
	unreacted, err := f.srv.RemoveReaction(ctxFor(f.bob), &rpc.ReactionRequest{ConversationID: convID, MessageID: msg.ID, Emoji: "👍"})
	if err != nil {
		t.Fatalf("RemoveReaction: %v", err)
	}
	if len(unreacted.Reactions) != 0 {
		t.Fatalf("reaction not removed: %+v", unreacted.Reactions)
	}

	deleted, err := f.srv.DeleteMessage(ctxFor(f.alice), &rpc.MessageRequest{ConversationID: convID, MessageID: msg.ID})
	if err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if !deleted.Deleted || deleted.Content != chat.Tombstone {
		t.Fatalf("message not tombstoned: %+v", deleted)
	}
	if evs := ofType(bobSender.events(), chat.MessageDeleted); len(evs) != 1 || evs[0].MessageID != msg.ID {
		t.Fatalf("bob did not see the delete: %+v", evs)
	}

	conv, err := f.srv.GetConversation(ctxFor(f.bob), &rpc.ConversationRequest{ConversationID: convID})
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.LastMessage == nil || !conv.LastMessage.Deleted {
		t.Fatalf("preview should show the deletion: %+v", conv.LastMessage)
	}
}

func TestUpdateAndDeleteConversation(t *testing.T) {
	f := newFixture(t)
	convID := f.direct(t)
	aliceOther := &fakeSender{}
	f.hub.Register(f.alice.Hex(), aliceOther)

	muted := true
	conv, err := f.srv.UpdateConversation(ctxFor(f.alice), &rpc.UpdateConversationRequest{ConversationID: convID, Muted: &muted})
	if err != nil {
		t.Fatalf("UpdateConversation: %v", err)
	}
	if !conv.Muted || conv.Archived {
		t.Fatalf("unexpected flags: %+v", conv)
	}
	if evs := ofType(aliceOther.events(), chat.ConversationUpdated); len(evs) != 1 || !evs[0].Conversation.Muted {
		t.Fatalf("other device not told about the change: %+v", evs)
	}
	bobView, _ := f.srv.GetConversation(ctxFor(f.bob), &rpc.ConversationRequest{ConversationID: convID})
	if bobView.Muted {
		t.Fatalf("mute should only apply to alice")
	}

	if _, err := f.srv.SendMessage(ctxFor(f.alice), &chat.Outgoing{ConversationID: convID, Content: "bye"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if _, err := f.srv.DeleteConversation(ctxFor(f.alice), &rpc.ConversationRequest{ConversationID: convID}); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := f.srv.GetConversation(ctxFor(f.bob), &rpc.ConversationRequest{ConversationID: convID}); status.Code(err) != codes.NotFound {
		t.Fatalf("deleted conversation: got %v, want NotFound", err)
	}
	if n := len(f.db.msgs); n != 0 {
		t.Fatalf("messages not removed: %d left", n)
	}
}

func TestConnect_RelaysFramesToJoinedMembers(t *testing.T) {
	f := newFixture(t)
	convID := f.direct(t)

	bobOpen := &fakeSender{}
	bobIdle := &fakeSender{}
	openID, _ := f.hub.Register(f.bob.Hex(), bobOpen)
	f.hub.Register(f.bob.Hex(), bobIdle)
	f.hub.SetJoined(f.bob.Hex(), openID, convID, true)

	alice := &fakeStream{
		ctx: ctxFor(f.alice),
		frames: []*rpc.Frame{
			{Op: rpc.OpJoin, ConversationID: convID},
			{Op: rpc.OpSend, ConversationID: convID, Message: &chat.Outgoing{ClientID: "c-9", Content: "live"}},
			{Op: rpc.OpTyping, ConversationID: convID, Typing: true},
			{Op: rpc.OpRead, ConversationID: convID},
			{Op: "bogus", ConversationID: convID},
		},
	}
	if err := f.srv.Connect(alice); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	relayed := ofType(bobOpen.events(), chat.MessageReceived)
	if len(relayed) != 1 {
		t.Fatalf("joined connection should get the realtime copy, got %d", len(relayed))
	}
	if m := relayed[0].Message; m.ID != "" || m.ClientID != "c-9" || m.AuthorID != f.alice.Hex() || m.Status != chat.StatusSent {
		t.Fatalf("unexpected relayed message: %+v", m)
	}
	if n := len(ofType(bobIdle.events(), chat.MessageReceived)); n != 0 {
		t.Fatalf("idle connection should not get the realtime copy")
	}
	if n := len(ofType(alice.events(), chat.MessageReceived)); n != 0 {
		t.Fatalf("sender should not get its own realtime copy")
	}

	for _, bob := range []*fakeSender{bobOpen, bobIdle} {
		evs := bob.events()
		if n := len(ofType(evs, chat.UserOnline)); n != 1 {
			t.Fatalf("expected one userOnline, got %d", n)
		}
		if typing := ofType(evs, chat.TypingStarted); len(typing) != 1 || typing[0].UserID != f.alice.Hex() {
			t.Fatalf("unexpected typing events: %+v", typing)
		}
		if read := ofType(evs, chat.MessageRead); len(read) != 1 || read[0].UserID != f.alice.Hex() {
			t.Fatalf("unexpected read events: %+v", read)
		}
		if n := len(ofType(evs, chat.UserOffline)); n != 1 {
			t.Fatalf("expected one userOffline, got %d", n)
		}
	}

	if f.hub.Online(f.alice.Hex()) {
		t.Fatalf("alice should be unregistered after EOF")
	}
}

func TestConnect_RejectsForeignJoin(t *testing.T) {
	f := newFixture(t)
	convID := f.direct(t)
	carol := f.db.addUser("carol@example.com")

	carolStream := &fakeStream{ctx: ctxFor(carol), frames: []*rpc.Frame{{Op: rpc.OpJoin, ConversationID: convID}}}
	bobOpen := &fakeSender{}
	f.hub.Register(f.bob.Hex(), bobOpen)

	if err := f.srv.Connect(carolStream); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// A rejected frame is not fatal and nothing reached bob.
	if n := len(bobOpen.events()); n != 0 {
		t.Fatalf("bob should not hear about carol: %d events", n)
	}
}

func TestConnect_Unauthenticated(t *testing.T) {
	f := newFixture(t)
	err := f.srv.Connect(&fakeStream{ctx: context.Background()})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("got %v, want Unauthenticated", err)
	}
}
