package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/PaulBabatuyi/chatsync/internal/chat"
	"github.com/PaulBabatuyi/chatsync/internal/data"
	"github.com/PaulBabatuyi/chatsync/internal/normalize"
)

// memDB is an in-memory stand-in for the MongoDB stores. It implements
// userStore, conversationStore and messageStore.
type memDB struct {
	mu    sync.Mutex
	users map[bson.ObjectID]*data.User
	convs map[bson.ObjectID]*data.Conversation
	msgs  []*data.Message

	recordErr error
}

func newMemDB() *memDB {
	return &memDB{
		users: map[bson.ObjectID]*data.User{},
		convs: map[bson.ObjectID]*data.Conversation{},
	}
}

type memUsers struct{ *memDB }
type memConvs struct{ *memDB }
type memMsgs struct{ *memDB }

func (d *memDB) stores() (memUsers, memConvs, memMsgs) {
	return memUsers{d}, memConvs{d}, memMsgs{d}
}

// addUser creates a user directly and returns its id.
func (d *memDB) addUser(email string) bson.ObjectID {
	d.mu.Lock()
	defer d.mu.Unlock()
	u := &data.User{ID: bson.NewObjectID(), Email: normalize.Email(email)}
	d.users[u.ID] = u
	return u.ID
}

func (u memUsers) CreateUser(_ context.Context, email, hashedPassword string) (*data.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	email = normalize.Email(email)
	for _, existing := range u.users {
		if existing.Email == email {
			return nil, data.ErrUserExists
		}
	}
	user := &data.User{ID: bson.NewObjectID(), Email: email, Password: hashedPassword, CreatedAt: time.Now()}
	u.users[user.ID] = user
	cp := *user
	return &cp, nil
}

func (u memUsers) GetUserByEmail(_ context.Context, email string) (*data.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	email = normalize.Email(email)
	for _, existing := range u.users {
		if existing.Email == email {
			cp := *existing
			return &cp, nil
		}
	}
	return nil, chat.ErrNotFound
}

func (u memUsers) AllExist(_ context.Context, ids []bson.ObjectID) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, id := range ids {
		if _, ok := u.users[id]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func cloneConv(c *data.Conversation) *data.Conversation {
	cp := *c
	cp.Members = slices.Clone(c.Members)
	cp.Unread = maps.Clone(c.Unread)
	cp.Muted = maps.Clone(c.Muted)
	cp.Archived = maps.Clone(c.Archived)
	cp.LastRead = maps.Clone(c.LastRead)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		cp.LastMessage = &lm
	}
	return &cp
}

func newMemConv(kind chat.ConversationKind, members []bson.ObjectID) *data.Conversation {
	now := time.Now()
	return &data.Conversation{
		ID:           bson.NewObjectID(),
		Kind:         string(kind),
		Members:      slices.Clone(members),
		Unread:       map[string]int{},
		Muted:        map[string]bool{},
		Archived:     map[string]bool{},
		LastRead:     map[string]time.Time{},
		LastActivity: now,
		CreatedAt:    now,
	}
}

func (c memConvs) CreateDirect(_ context.Context, a, b bson.ObjectID) (*data.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := []string{a.Hex(), b.Hex()}
	sort.Strings(keys)
	key := strings.Join(keys, ":")
	for _, conv := range c.convs {
		if conv.DirectKey == key {
			return cloneConv(conv), nil
		}
	}
	conv := newMemConv(chat.Direct, []bson.ObjectID{a, b})
	conv.DirectKey = key
	c.convs[conv.ID] = conv
	return cloneConv(conv), nil
}

func (c memConvs) CreateGroup(_ context.Context, members []bson.ObjectID, title string) (*data.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv := newMemConv(chat.Group, members)
	conv.Title = title
	c.convs[conv.ID] = conv
	return cloneConv(conv), nil
}

// member returns the stored conversation when member belongs to it. The
// caller holds mu.
func (c memConvs) member(id, member bson.ObjectID) (*data.Conversation, error) {
	conv, ok := c.convs[id]
	if !ok || !conv.HasMember(member) {
		return nil, fmt.Errorf("conversation %s: %w", id.Hex(), chat.ErrNotFound)
	}
	return conv, nil
}

func (c memConvs) Get(_ context.Context, id, member bson.ObjectID) (*data.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, err := c.member(id, member)
	if err != nil {
		return nil, err
	}
	return cloneConv(conv), nil
}

func (c memConvs) ListForUser(_ context.Context, member bson.ObjectID) ([]*data.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*data.Conversation
	for _, conv := range c.convs {
		if conv.HasMember(member) {
			out = append(out, cloneConv(conv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

func (c memConvs) Delete(_ context.Context, id, member bson.ObjectID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.member(id, member); err != nil {
		return err
	}
	delete(c.convs, id)
	return nil
}

func (c memConvs) UpdateMember(_ context.Context, id, member bson.ObjectID, muted, archived *bool) (*data.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, err := c.member(id, member)
	if err != nil {
		return nil, err
	}
	if muted != nil {
		conv.Muted[member.Hex()] = *muted
	}
	if archived != nil {
		conv.Archived[member.Hex()] = *archived
	}
	return cloneConv(conv), nil
}

func (c memConvs) RecordMessage(_ context.Context, in *data.Conversation, m *data.Message) (*data.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recordErr != nil {
		return nil, c.recordErr
	}
	conv, err := c.member(in.ID, m.AuthorID)
	if err != nil {
		return nil, err
	}
	lm := m.Preview()
	conv.LastMessage = &lm
	conv.LastActivity = m.CreatedAt
	for _, member := range conv.Members {
		if member != m.AuthorID {
			conv.Unread[member.Hex()]++
		}
	}
	return cloneConv(conv), nil
}

func (c memConvs) UpdatePreview(_ context.Context, m *data.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[m.ConversationID]
	if ok && conv.LastMessage != nil && conv.LastMessage.MessageID == m.ID {
		lm := m.Preview()
		conv.LastMessage = &lm
	}
	return nil
}

func (c memConvs) MarkRead(_ context.Context, id, member bson.ObjectID, at time.Time) (*data.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, err := c.member(id, member)
	if err != nil {
		return nil, err
	}
	conv.Unread[member.Hex()] = 0
	conv.LastRead[member.Hex()] = at
	return cloneConv(conv), nil
}

func cloneMsg(m *data.Message) *data.Message {
	cp := *m
	if m.Reactions != nil {
		cp.Reactions = map[string][]string{}
		for k, v := range m.Reactions {
			cp.Reactions[k] = slices.Clone(v)
		}
	}
	if m.Attachment != nil {
		a := *m.Attachment
		cp.Attachment = &a
	}
	return &cp
}

func (s memMsgs) Insert(_ context.Context, m *data.Message) (*data.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ClientID != "" {
		for _, existing := range s.msgs {
			if existing.ConversationID == m.ConversationID && existing.ClientID == m.ClientID {
				return cloneMsg(existing), false, nil
			}
		}
	}
	stored := cloneMsg(m)
	stored.ID = bson.NewObjectID()
	s.msgs = append(s.msgs, stored)
	return cloneMsg(stored), true, nil
}

func (s memMsgs) Page(_ context.Context, conversationID, before bson.ObjectID, limit int) ([]*data.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var log []*data.Message
	for _, m := range s.msgs {
		if m.ConversationID != conversationID {
			continue
		}
		if !before.IsZero() && m.ID == before {
			break
		}
		log = append(log, m)
	}
	hasMore := len(log) > limit
	if hasMore {
		log = log[len(log)-limit:]
	}
	out := make([]*data.Message, 0, len(log))
	for _, m := range log {
		out = append(out, cloneMsg(m))
	}
	return out, hasMore, nil
}

// find returns the stored message matching id in conversationID. The caller
// holds mu.
func (s memMsgs) find(conversationID, id bson.ObjectID, ok func(*data.Message) bool) (*data.Message, error) {
	for _, m := range s.msgs {
		if m.ID == id && m.ConversationID == conversationID && ok(m) {
			return m, nil
		}
	}
	return nil, fmt.Errorf("message: %w", chat.ErrNotFound)
}

func (s memMsgs) Edit(_ context.Context, conversationID, id, author bson.ObjectID, content string, at time.Time) (*data.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.find(conversationID, id, func(m *data.Message) bool { return m.AuthorID == author && !m.Deleted })
	if err != nil {
		return nil, err
	}
	m.Content = content
	m.EditedAt = &at
	return cloneMsg(m), nil
}

func (s memMsgs) Tombstone(_ context.Context, conversationID, id, author bson.ObjectID) (*data.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.find(conversationID, id, func(m *data.Message) bool { return m.AuthorID == author })
	if err != nil {
		return nil, err
	}
	m.Deleted = true
	m.Content = chat.Tombstone
	m.Attachment = nil
	m.Reactions = nil
	return cloneMsg(m), nil
}

func (s memMsgs) AddReaction(_ context.Context, conversationID, id bson.ObjectID, emoji string, user bson.ObjectID) (*data.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.find(conversationID, id, func(m *data.Message) bool { return !m.Deleted })
	if err != nil {
		return nil, err
	}
	if m.Reactions == nil {
		m.Reactions = map[string][]string{}
	}
	if !slices.Contains(m.Reactions[emoji], user.Hex()) {
		m.Reactions[emoji] = append(m.Reactions[emoji], user.Hex())
	}
	return cloneMsg(m), nil
}

func (s memMsgs) RemoveReaction(_ context.Context, conversationID, id bson.ObjectID, emoji string, user bson.ObjectID) (*data.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.find(conversationID, id, func(m *data.Message) bool { return !m.Deleted })
	if err != nil {
		return nil, err
	}
	if users := slices.DeleteFunc(m.Reactions[emoji], func(u string) bool { return u == user.Hex() }); len(users) > 0 {
		m.Reactions[emoji] = users
	} else {
		delete(m.Reactions, emoji)
	}
	return cloneMsg(m), nil
}

func (s memMsgs) DeleteConversation(_ context.Context, conversationID bson.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = slices.DeleteFunc(s.msgs, func(m *data.Message) bool { return m.ConversationID == conversationID })
	return nil
}
