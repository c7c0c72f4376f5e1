package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/chatsync/internal/chat"
	"github.com/PaulBabatuyi/chatsync/internal/logger"
)

// DefaultTypingExpiry is how long a remote typing signal stays visible
// without a refresh.
const DefaultTypingExpiry = 5 * time.Second

const fetchMissingTimeout = 15 * time.Second

// ListState holds the status flags of the conversation list.
type ListState struct {
	Loading    bool
	Refreshing bool
	// FetchErr is the failure of the last Load; the previous list is kept.
	FetchErr error
	// ActionErr is the failure of the last user-initiated action.
	ActionErr error
}

// ConversationStoreConfig wires a ConversationStore.
type ConversationStoreConfig struct {
	ActorID      string
	Fetcher      ConversationFetcher
	Channel      ListChannel
	TypingExpiry time.Duration
	Logger       *zap.Logger
	// OnChange is called after every state change, outside the store lock.
	OnChange func()
}

type typingEntry struct {
	timer *time.Timer
	gen   uint64
}

// ConversationStore owns the ordered list of conversation summaries the
// local actor participates in. The list is sorted by last activity, newest
// first, with ties broken by conversation id.
type ConversationStore struct {
	actorID      string
	fetcher      ConversationFetcher
	channel      ListChannel
	typingExpiry time.Duration
	log          *zap.Logger
	onChange     func()
	key          string

	mu            sync.Mutex
	conversations []chat.Conversation
	// counted holds, per conversation, the ids of messages already added to
	// the unread counter since it was last reset.
	counted     map[string]map[string]struct{}
	typing      map[string]map[string]*typingEntry
	typingGen   uint64
	fetching    map[string][]chat.Event // events held while the summary is fetched
	loading     bool
	refreshing  bool
	fetchErr    error
	actionErr   error
	unsubscribe func()
	closed      bool
}

// NewConversationStore returns an empty list. Call Start to receive events.
func NewConversationStore(cfg ConversationStoreConfig) *ConversationStore {
	if cfg.TypingExpiry <= 0 {
		cfg.TypingExpiry = DefaultTypingExpiry
	}
	return &ConversationStore{
		actorID:      cfg.ActorID,
		fetcher:      cfg.Fetcher,
		channel:      cfg.Channel,
		typingExpiry: cfg.TypingExpiry,
		log:          logger.OrNop(cfg.Logger).With(zap.String("store", "conversations")),
		onChange:     cfg.OnChange,
		key:          "list-" + uuid.NewString(),
		counted:      map[string]map[string]struct{}{},
		typing:       map[string]map[string]*typingEntry{},
		fetching:     map[string][]chat.Event{},
	}
}

// Start subscribes the store to the event channel. Calling it again is a no-op.
func (s *ConversationStore) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.unsubscribe != nil || s.channel == nil {
		return
	}
	s.unsubscribe = s.channel.Subscribe(s.key, s.handle)
}

// Close unsubscribes from the channel and stops every typing timer. Results
// of calls still in flight are discarded.
func (s *ConversationStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	for _, users := range s.typing {
		for _, e := range users {
			e.timer.Stop()
		}
	}
	s.typing = map[string]map[string]*typingEntry{}
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Load fetches the full conversation list. On failure the previous list is
// kept and the error is recorded in State().FetchErr.
func (s *ConversationStore) Load(ctx context.Context) error {
	return s.fetch(ctx, false)
}

// Refresh is Load for background use: it raises the Refreshing flag instead
// of Loading, and failures are only logged.
func (s *ConversationStore) Refresh(ctx context.Context) {
	if err := s.fetch(ctx, true); err != nil {
		s.log.Warn("background refresh failed", zap.Error(err))
	}
}

func (s *ConversationStore) fetch(ctx context.Context, refreshing bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.ErrClosed
	}
	if refreshing {
		s.refreshing = true
	} else {
		s.loading = true
	}
	s.mu.Unlock()
	s.changed()

	convs, err := s.fetcher.ListConversations(ctx)

	s.mu.Lock()
	if refreshing {
		s.refreshing = false
	} else {
		s.loading = false
	}
	if s.closed {
		s.mu.Unlock()
		return chat.ErrClosed
	}
	if err != nil {
		err = chat.Transport("list conversations", err)
		if !refreshing {
			s.fetchErr = err
		}
		s.mu.Unlock()
		s.changed()
		return err
	}
	s.fetchErr = nil
	s.replaceAll(convs)
	s.mu.Unlock()
	s.changed()
	return nil
}

func (s *ConversationStore) replaceAll(convs []chat.Conversation) {
	seen := make(map[string]bool, len(convs))
	out := make([]chat.Conversation, 0, len(convs))
	for _, c := range convs {
		if c.ID == "" || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		c = c.Clone()
		c.Typing = typingSet(s.typing[c.ID])
		out = append(out, c)
	}
	for id := range s.typing {
		if !seen[id] {
			s.dropTyping(id)
		}
	}
	s.conversations = out
	s.sort()
}

// CreateDirect opens a one-to-one conversation with participantID.
func (s *ConversationStore) CreateDirect(ctx context.Context, participantID string) (chat.Conversation, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return chat.Conversation{}, s.fail(&chat.ValidationError{Field: "participant", Reason: "is required"})
	}
	conv, err := s.fetcher.CreateDirect(ctx, participantID)
	if err != nil {
		return chat.Conversation{}, s.fail(chat.Transport("create direct conversation", err))
	}
	return s.insertCreated(conv)
}

// CreateGroup opens a group conversation with participantIDs.
func (s *ConversationStore) CreateGroup(ctx context.Context, participantIDs []string, title string) (chat.Conversation, error) {
	ids := make([]string, 0, len(participantIDs))
	for _, id := range participantIDs {
		if id = strings.TrimSpace(id); id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return chat.Conversation{}, s.fail(&chat.ValidationError{Field: "participants", Reason: "at least one is required"})
	}
	conv, err := s.fetcher.CreateGroup(ctx, ids, strings.TrimSpace(title))
	if err != nil {
		return chat.Conversation{}, s.fail(chat.Transport("create group conversation", err))
	}
	return s.insertCreated(conv)
}

// insertCreated adds a conversation returned by a create call unless the
// list already holds it.
func (s *ConversationStore) insertCreated(conv chat.Conversation) (chat.Conversation, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return conv, chat.ErrClosed
	}
	s.actionErr = nil
	if i := s.index(conv.ID); i >= 0 {
		out := s.conversations[i].Clone()
		s.mu.Unlock()
		return out, nil
	}
	conv = conv.Clone()
	if conv.LastActivity.IsZero() {
		// New conversations go to the head of the list.
		conv.LastActivity = time.Now()
	}
	s.conversations = append([]chat.Conversation{conv}, s.conversations...)
	s.sort()
	s.mu.Unlock()
	s.changed()
	return conv.Clone(), nil
}

// Delete removes a conversation once the backend confirms the deletion.
func (s *ConversationStore) Delete(ctx context.Context, id string) error {
	if err := s.fetcher.DeleteConversation(ctx, id); err != nil {
		return s.fail(chat.Transport("delete conversation", err))
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.ErrClosed
	}
	s.actionErr = nil
	if i := s.index(id); i >= 0 {
		s.conversations = slices.Delete(s.conversations, i, i+1)
	}
	delete(s.counted, id)
	s.dropTyping(id)
	s.mu.Unlock()
	s.changed()
	return nil
}

// ToggleMute flips the mute flag of a conversation after the backend
// confirms it.
func (s *ConversationStore) ToggleMute(ctx context.Context, id string) error {
	s.mu.Lock()
	i := s.index(id)
	if i < 0 {
		s.mu.Unlock()
		return s.fail(chat.ErrNotFound)
	}
	muted := !s.conversations[i].Muted
	s.mu.Unlock()

	return s.update(ctx, id, chat.ConversationUpdate{Muted: &muted}, "mute conversation")
}

// Archive marks a conversation archived after the backend confirms it.
func (s *ConversationStore) Archive(ctx context.Context, id string) error {
	archived := true
	return s.update(ctx, id, chat.ConversationUpdate{Archived: &archived}, "archive conversation")
}

func (s *ConversationStore) update(ctx context.Context, id string, u chat.ConversationUpdate, op string) error {
	if _, err := s.fetcher.UpdateConversation(ctx, id, u); err != nil {
		return s.fail(chat.Transport(op, err))
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.ErrClosed
	}
	s.actionErr = nil
	if i := s.index(id); i >= 0 {
		c := &s.conversations[i]
		if u.Muted != nil {
			c.Muted = *u.Muted
		}
		if u.Archived != nil {
			c.Archived = *u.Archived
		}
	}
	s.mu.Unlock()
	s.changed()
	return nil
}

// MarkRead sends the mark-read intent and resets the unread counter once
// the channel accepts it.
func (s *ConversationStore) MarkRead(ctx context.Context, id string) error {
	if err := s.channel.MarkAsRead(ctx, id); err != nil {
		return s.fail(chat.Transport("mark as read", err))
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.ErrClosed
	}
	changed := s.resetUnread(id)
	s.mu.Unlock()
	if changed {
		s.changed()
	}
	return nil
}

// UpdatePreview records the newest message of a conversation as reported by
// its message log.
func (s *ConversationStore) UpdatePreview(conversationID string, p chat.Preview) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	i := s.index(conversationID)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	changed := s.applyPreview(&s.conversations[i], p)
	if changed {
		s.sort()
	}
	s.mu.Unlock()
	if changed {
		s.changed()
	}
}

// Conversations returns a copy of the ordered list.
func (s *ConversationStore) Conversations() []chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Conversation, len(s.conversations))
	for i := range s.conversations {
		out[i] = s.conversations[i].Clone()
	}
	return out
}

// Conversation returns a copy of one conversation.
func (s *ConversationStore) Conversation(id string) (chat.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(id); i >= 0 {
		return s.conversations[i].Clone(), true
	}
	return chat.Conversation{}, false
}

// TotalUnread sums the unread counters of conversations that are not archived.
func (s *ConversationStore) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, c := range s.conversations {
		if !c.Archived {
			total += c.Unread
		}
	}
	return total
}

// State returns the current status flags.
func (s *ConversationStore) State() ListState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ListState{
		Loading:    s.loading,
		Refreshing: s.refreshing,
		FetchErr:   s.fetchErr,
		ActionErr:  s.actionErr,
	}
}

// ClearError forgets the last action error.
func (s *ConversationStore) ClearError() {
	s.mu.Lock()
	s.actionErr = nil
	s.mu.Unlock()
	s.changed()
}

func (s *ConversationStore) fail(err error) error {
	s.mu.Lock()
	s.actionErr = err
	s.mu.Unlock()
	s.log.Warn("conversation action failed", zap.Error(err))
	s.changed()
	return err
}

func (s *ConversationStore) handle(ev chat.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed, missing := false, ""
	switch ev.Type {
	case chat.MessageReceived:
		changed, missing = s.onMessageReceived(ev)
	case chat.MessageUpdated, chat.MessageDeleted:
		changed = s.onMessageChanged(ev)
	case chat.MessageRead:
		if ev.UserID == s.actorID {
			changed = s.resetUnread(ev.ConversationID)
		}
	case chat.ConversationUpdated:
		changed = s.onConversationUpdated(ev)
	case chat.UserOnline, chat.UserOffline:
		changed = s.onPresenceChanged(ev)
	case chat.TypingStarted:
		changed = s.onTypingStarted(ev.ConversationID, ev.UserID)
	case chat.TypingStopped:
		changed = s.onTypingStopped(ev.ConversationID, ev.UserID)
	}
	s.mu.Unlock()

	if missing != "" {
		go s.fetchMissing(missing, ev)
	}
	if changed {
		s.changed()
	}
}

func (s *ConversationStore) onMessageReceived(ev chat.Event) (bool, string) {
	m := ev.Message
	if m == nil {
		return false, ""
	}
	id := ev.ConversationID
	if id == "" {
		id = m.ConversationID
	}
	i := s.index(id)
	if i < 0 {
		if held, ok := s.fetching[id]; ok {
			s.fetching[id] = append(held, ev)
			return false, ""
		}
		s.fetching[id] = nil
		return false, id
	}

	c := &s.conversations[i]
	p := m.Preview()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = ev.At
	}
	s.applyPreview(c, p)
	if m.AuthorID != s.actorID && s.markCounted(id, m) {
		c.Unread++
	}
	s.onTypingStopped(id, m.AuthorID)
	s.sort()
	return true, ""
}

// markCounted records m as counted towards the unread counter and reports
// whether it was not counted before. Both ids are recorded so a realtime copy
// and its durable echo count once.
func (s *ConversationStore) markCounted(conversationID string, m *chat.Message) bool {
	if m.ID == "" && m.ClientID == "" {
		return true
	}
	ids := s.counted[conversationID]
	if ids == nil {
		ids = map[string]struct{}{}
		s.counted[conversationID] = ids
	}
	seen := false
	for _, key := range []string{m.ID, m.ClientID} {
		if key == "" {
			continue
		}
		if _, ok := ids[key]; ok {
			seen = true
		}
		ids[key] = struct{}{}
	}
	return !seen
}

func (s *ConversationStore) resetUnread(id string) bool {
	delete(s.counted, id)
	i := s.index(id)
	if i < 0 || s.conversations[i].Unread == 0 {
		return false
	}
	s.conversations[i].Unread = 0
	return true
}

func (s *ConversationStore) applyPreview(c *chat.Conversation, p chat.Preview) bool {
	if c.LastMessage != nil && c.LastMessage.MessageID != p.MessageID && p.CreatedAt.Before(c.LastMessage.CreatedAt) {
		return false
	}
	c.LastMessage = &p
	if p.CreatedAt.After(c.LastActivity) {
		c.LastActivity = p.CreatedAt
	}
	return true
}

func (s *ConversationStore) onMessageChanged(ev chat.Event) bool {
	i := s.index(ev.ConversationID)
	if i < 0 {
		return false
	}
	c := &s.conversations[i]
	id := ev.MessageID
	if id == "" && ev.Message != nil {
		id = ev.Message.ID
	}
	if c.LastMessage == nil || c.LastMessage.MessageID != id {
		return false
	}
	if ev.Type == chat.MessageDeleted || (ev.Message != nil && ev.Message.Deleted) {
		c.LastMessage.Deleted = true
		c.LastMessage.Content = chat.Tombstone
		return true
	}
	if ev.Message != nil {
		c.LastMessage.Content = ev.Message.Content
		return true
	}
	return false
}

func (s *ConversationStore) onConversationUpdated(ev chat.Event) bool {
	if ev.Conversation == nil || ev.Conversation.ID == "" {
		return false
	}
	conv := ev.Conversation.Clone()
	conv.Typing = typingSet(s.typing[conv.ID])
	if i := s.index(conv.ID); i >= 0 {
		s.conversations[i] = conv
	} else {
		s.conversations = append(s.conversations, conv)
	}
	s.sort()
	return true
}

func (s *ConversationStore) onPresenceChanged(ev chat.Event) bool {
	if ev.UserID == "" {
		return false
	}
	online := ev.Type == chat.UserOnline
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	changed := false
	for i := range s.conversations {
		ps := s.conversations[i].Participants
		for j := range ps {
			if ps[j].ID != ev.UserID {
				continue
			}
			ps[j].Online = online
			if !online {
				ps[j].LastSeen = at
			}
			changed = true
		}
	}
	return changed
}

func (s *ConversationStore) onTypingStarted(conversationID, userID string) bool {
	if userID == "" || userID == s.actorID {
		return false
	}
	i := s.index(conversationID)
	if i < 0 {
		return false
	}
	users := s.typing[conversationID]
	if users == nil {
		users = map[string]*typingEntry{}
		s.typing[conversationID] = users
	}
	s.typingGen++
	gen := s.typingGen
	timer := time.AfterFunc(s.typingExpiry, func() { s.expireTyping(conversationID, userID, gen) })
	if e, ok := users[userID]; ok {
		e.timer.Stop()
		e.timer, e.gen = timer, gen
		return false
	}
	users[userID] = &typingEntry{timer: timer, gen: gen}
	s.conversations[i].Typing = typingSet(users)
	return true
}

func (s *ConversationStore) onTypingStopped(conversationID, userID string) bool {
	users := s.typing[conversationID]
	e, ok := users[userID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(users, userID)
	if len(users) == 0 {
		delete(s.typing, conversationID)
	}
	if i := s.index(conversationID); i >= 0 {
		s.conversations[i].Typing = typingSet(users)
	}
	return true
}

// expireTyping synthesizes a typing stop when no signal refreshed the entry
// within the expiry interval.
func (s *ConversationStore) expireTyping(conversationID, userID string, gen uint64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	e, ok := s.typing[conversationID][userID]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	s.onTypingStopped(conversationID, userID)
	s.mu.Unlock()
	s.log.Debug("typing expired", zap.String("conversation", conversationID), zap.String("user", userID))
	s.changed()
}

func (s *ConversationStore) dropTyping(conversationID string) {
	for _, e := range s.typing[conversationID] {
		e.timer.Stop()
	}
	delete(s.typing, conversationID)
}

func (s *ConversationStore) fetchMissing(id string, ev chat.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchMissingTimeout)
	defer cancel()
	conv, err := s.fetcher.GetConversation(ctx, id)

	s.mu.Lock()
	held := s.fetching[id]
	delete(s.fetching, id)
	if s.closed {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("fetch conversation for incoming message failed",
			zap.String("conversation", id), zap.Int("dropped", len(held)+1), zap.Error(err))
		return
	}
	if s.index(conv.ID) < 0 {
		conv = conv.Clone()
		conv.Typing = nil
		s.conversations = append(s.conversations, conv)
	}
	// The fetched summary already accounts for the message that revealed it.
	if ev.Message != nil && ev.Message.AuthorID != s.actorID {
		s.markCounted(conv.ID, ev.Message)
	}
	i := s.index(conv.ID)
	p := ev.Message.Preview()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = ev.At
	}
	s.applyPreview(&s.conversations[i], p)
	for _, later := range held {
		s.onMessageReceived(later)
	}
	s.sort()
	s.mu.Unlock()
	s.changed()
}

func (s *ConversationStore) index(id string) int {
	return slices.IndexFunc(s.conversations, func(c chat.Conversation) bool { return c.ID == id })
}

func (s *ConversationStore) sort() {
	slices.SortStableFunc(s.conversations, func(a, b chat.Conversation) int {
		if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func (s *ConversationStore) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

func typingSet(users map[string]*typingEntry) []string {
	if len(users) == 0 {
		return nil
	}
	out := make([]string, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
