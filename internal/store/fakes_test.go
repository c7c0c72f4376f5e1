package store

import (
	"context"
	"errors"
	"sync"

	"github.com/PaulBabatuyi/chatsync/internal/chat"
)

var errBackend = errors.New("backend unavailable")

// fakeFetcher serves both the conversation and message history calls from
// memory.
type fakeFetcher struct {
	mu sync.Mutex

	convs    []chat.Conversation
	listErr  error
	byID     map[string]chat.Conversation
	gets     int
	getGate  chan struct{}
	created  chat.Conversation
	mutErr   error
	updates  []chat.ConversationUpdate
	deleted  []string
	pages    []chat.Page
	queries  []chat.PageQuery
	pageErr  error
	pageGate chan struct{}
	sent     []chat.Outgoing
	hang     bool
	send     func(chat.Outgoing) (chat.Message, error)
	edited   map[string]string
	reaction []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{byID: map[string]chat.Conversation{}, edited: map[string]string{}}
}

func (f *fakeFetcher) ListConversations(context.Context) ([]chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]chat.Conversation, len(f.convs))
	for i := range f.convs {
		out[i] = f.convs[i].Clone()
	}
	return out, nil
}

func (f *fakeFetcher) GetConversation(_ context.Context, id string) (chat.Conversation, error) {
	f.mu.Lock()
	gate := f.getGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	c, ok := f.byID[id]
	if !ok {
		return chat.Conversation{}, chat.ErrNotFound
	}
	return c.Clone(), nil
}

func (f *fakeFetcher) CreateDirect(context.Context, string) (chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created.Clone(), f.mutErr
}

func (f *fakeFetcher) CreateGroup(context.Context, []string, string) (chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created.Clone(), f.mutErr
}

func (f *fakeFetcher) DeleteConversation(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutErr != nil {
		return f.mutErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeFetcher) UpdateConversation(_ context.Context, id string, u chat.ConversationUpdate) (chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutErr != nil {
		return chat.Conversation{}, f.mutErr
	}
	f.updates = append(f.updates, u)
	return chat.Conversation{ID: id}, nil
}

func (f *fakeFetcher) ListMessages(_ context.Context, _ string, q chat.PageQuery) (chat.Page, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	gate := f.pageGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pageErr != nil {
		return chat.Page{}, f.pageErr
	}
	if len(f.pages) == 0 {
		return chat.Page{}, nil
	}
	p := f.pages[0]
	f.pages = f.pages[1:]
	return p, nil
}

func (f *fakeFetcher) SendMessage(ctx context.Context, o chat.Outgoing) (chat.Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, o)
	send, hang := f.send, f.hang
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return chat.Message{}, ctx.Err()
	}
	if send == nil {
		return chat.Message{}, errBackend
	}
	return send(o)
}

func (f *fakeFetcher) EditMessage(_ context.Context, _, messageID, content string) (chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutErr != nil {
		return chat.Message{}, f.mutErr
	}
	f.edited[messageID] = content
	return chat.Message{ID: messageID, Content: content}, nil
}

func (f *fakeFetcher) DeleteMessage(_ context.Context, _, messageID string) (chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutErr != nil {
		return chat.Message{}, f.mutErr
	}
	return chat.Message{ID: messageID, Deleted: true}, nil
}

func (f *fakeFetcher) AddReaction(_ context.Context, _, messageID, emoji string) (chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reaction = append(f.reaction, "+"+emoji)
	return chat.Message{ID: messageID}, f.mutErr
}

func (f *fakeFetcher) RemoveReaction(_ context.Context, _, messageID, emoji string) (chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reaction = append(f.reaction, "-"+emoji)
	return chat.Message{ID: messageID}, f.mutErr
}

func (f *fakeFetcher) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeFetcher) queryLog() []chat.PageQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.PageQuery(nil), f.queries...)
}

func (f *fakeFetcher) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

// fakeChannel records every intent and lets tests push events to the
// subscribed stores.
type fakeChannel struct {
	mu       sync.Mutex
	subs     map[string]func(chat.Event)
	joined   map[string]func(chat.Event)
	leaves   int
	realtime []chat.Outgoing
	typing   []bool
	reads    []string
	joinErr  error
	markErr  error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{subs: map[string]func(chat.Event){}, joined: map[string]func(chat.Event){}}
}

func (c *fakeChannel) Subscribe(key string, h func(chat.Event)) func() {
	c.mu.Lock()
	c.subs[key] = h
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, key)
		c.mu.Unlock()
	}
}

func (c *fakeChannel) Join(_ context.Context, _, key string, h func(chat.Event)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joinErr != nil {
		return c.joinErr
	}
	c.joined[key] = h
	return nil
}

func (c *fakeChannel) Leave(_ context.Context, _, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.joined, key)
	c.leaves++
	return nil
}

func (c *fakeChannel) SendRealtime(_ context.Context, o chat.Outgoing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.realtime = append(c.realtime, o)
	return nil
}

func (c *fakeChannel) SendTyping(_ context.Context, _ string, typing bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing = append(c.typing, typing)
	return nil
}

func (c *fakeChannel) MarkAsRead(_ context.Context, conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.markErr != nil {
		return c.markErr
	}
	c.reads = append(c.reads, conversationID)
	return nil
}

// emit delivers ev to every subscriber and joined log, outside the lock.
func (c *fakeChannel) emit(ev chat.Event) {
	c.mu.Lock()
	hs := make([]func(chat.Event), 0, len(c.subs)+len(c.joined))
	for _, h := range c.subs {
		hs = append(hs, h)
	}
	for _, h := range c.joined {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (c *fakeChannel) typingLog() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.typing...)
}

func (c *fakeChannel) readLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reads...)
}

func (c *fakeChannel) realtimeLog() []chat.Outgoing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chat.Outgoing(nil), c.realtime...)
}

func (c *fakeChannel) joinedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.joined)
}

// previewSink records published previews.
type previewSink struct {
	mu       sync.Mutex
	previews []chat.Preview
}

func (p *previewSink) UpdatePreview(_ string, pv chat.Preview) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.previews = append(p.previews, pv)
}

func (p *previewSink) last() (chat.Preview, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.previews) == 0 {
		return chat.Preview{}, false
	}
	return p.previews[len(p.previews)-1], true
}
