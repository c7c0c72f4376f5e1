package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/PaulBabatuyi/chatsync/internal/chat"
	"github.com/PaulBabatuyi/chatsync/internal/logger"
	"github.com/PaulBabatuyi/chatsync/internal/metrics"
	"github.com/PaulBabatuyi/chatsync/internal/normalize"
)

const (
	DefaultPageSize      = 50
	DefaultSendTimeout   = 15 * time.Second
	DefaultTypingIdle    = 3 * time.Second
	DefaultTypingRefresh = 2 * time.Second

	signalTimeout = 5 * time.Second
)

// LogState holds the status flags of a message log.
type LogState struct {
	Loaded      bool
	Loading     bool
	LoadingMore bool
	// HasMore says whether older history may exist. Without an explicit
	// answer from the backend it is guessed from the page being full.
	HasMore bool
	// Err is the failure of the last load or mutation.
	Err error
}

// Draft is a message the local actor composes.
type Draft struct {
	Content    string
	Kind       chat.Kind
	ReplyTo    string
	Attachment *chat.Attachment
}

// MessageStoreConfig wires a MessageStore.
type MessageStoreConfig struct {
	ConversationID string
	ActorID        string
	Fetcher        MessageFetcher
	Channel        ConversationChannel
	// Previews receives the newest confirmed message. Optional.
	Previews PreviewSink

	PageSize      int
	SendTimeout   time.Duration
	TypingIdle    time.Duration
	TypingRefresh time.Duration
	MatchWindow   time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// OnChange is called after every state change, outside the store lock.
	OnChange func()
	// NewID generates client message ids; defaults to UUIDs.
	NewID func() string
	Now   func() time.Time
}

// MessageStore owns the ordered message log of one open conversation. Its
// state is only changed under mu; network calls run without the lock, so
// events keep being applied while a call is outstanding.
type MessageStore struct {
	conversationID string
	actorID        string
	fetcher        MessageFetcher
	channel        ConversationChannel
	previews       PreviewSink
	pageSize       int
	sendTimeout    time.Duration
	typingIdle     time.Duration
	matchWindow    time.Duration
	log            *zap.Logger
	metrics        *metrics.Metrics
	onChange       func()
	newID          func() string
	now            func() time.Time
	key            string

	mu          sync.Mutex
	messages    []chat.Message
	loaded      bool
	loading     bool
	loadingMore bool
	hasMore     bool
	err         error
	opened      bool
	closed      bool

	typing        bool
	typingTimer   *time.Timer
	typingGen     uint64
	typingLimiter *rate.Limiter
}

// NewMessageStore returns an empty log for one conversation. Call Open to
// join the conversation's events and Load to fetch history.
func NewMessageStore(cfg MessageStoreConfig) *MessageStore {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.TypingIdle <= 0 {
		cfg.TypingIdle = DefaultTypingIdle
	}
	if cfg.TypingRefresh <= 0 {
		cfg.TypingRefresh = DefaultTypingRefresh
	}
	if cfg.MatchWindow <= 0 {
		cfg.MatchWindow = DefaultMatchWindow
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &MessageStore{
		conversationID: cfg.ConversationID,
		actorID:        cfg.ActorID,
		fetcher:        cfg.Fetcher,
		channel:        cfg.Channel,
		previews:       cfg.Previews,
		pageSize:       cfg.PageSize,
		sendTimeout:    cfg.SendTimeout,
		typingIdle:     cfg.TypingIdle,
		matchWindow:    cfg.MatchWindow,
		log:            logger.OrNop(cfg.Logger).With(zap.String("conversation", cfg.ConversationID)),
		metrics:        cfg.Metrics,
		onChange:       cfg.OnChange,
		newID:          cfg.NewID,
		now:            cfg.Now,
		key:            "log-" + uuid.NewString(),
		typingLimiter:  rate.NewLimiter(rate.Every(cfg.TypingRefresh), 1),
	}
}

// Open joins the conversation on the event channel. Calling it again is a
// no-op.
func (s *MessageStore) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.ErrClosed
	}
	if s.opened {
		s.mu.Unlock()
		return nil
	}
	s.opened = true
	s.mu.Unlock()

	if err := s.channel.Join(ctx, s.conversationID, s.key, s.handle); err != nil {
		s.mu.Lock()
		s.opened = false
		s.mu.Unlock()
		return chat.Transport("join conversation", err)
	}
	return nil
}

// Close leaves the conversation and cancels the typing timer. Calls still in
// flight complete, but their results are discarded.
func (s *MessageStore) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	wasTyping, opened := s.typing, s.opened
	s.typing = false
	s.mu.Unlock()

	if wasTyping {
		if err := s.channel.SendTyping(ctx, s.conversationID, false); err != nil {
			s.log.Warn("typing stop on close failed", zap.Error(err))
		}
	}
	if opened {
		if err := s.channel.Leave(ctx, s.conversationID, s.key); err != nil {
			return chat.Transport("leave conversation", err)
		}
	}
	return nil
}

// Load fetches the most recent page of history and reconciles it with the
// log. It is a no-op while another Load is in flight.
func (s *MessageStore) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.ErrClosed
	}
	if s.loading {
		s.mu.Unlock()
		return nil
	}
	s.loading = true
	s.mu.Unlock()
	s.changed()

	page, err := s.fetcher.ListMessages(ctx, s.conversationID, chat.PageQuery{Limit: s.pageSize})

	s.mu.Lock()
	s.loading = false
	if s.closed {
		s.mu.Unlock()
		return chat.ErrClosed
	}
	if err != nil {
		s.err = chat.Transport("load messages", err)
		err = s.err
		s.mu.Unlock()
		s.changed()
		return err
	}
	s.err = nil
	s.loaded = true
	s.hasMore = hasMore(page, s.pageSize)
	for _, m := range page.Messages {
		s.applyIncoming(m)
	}
	preview := s.tailPreview(len(s.messages) - 1)
	s.mu.Unlock()
	s.changed()
	s.publishPreview(preview)
	return nil
}

// LoadMore fetches the page preceding the oldest confirmed message. It is a
// no-op while a load is in flight or when no older history is indicated.
func (s *MessageStore) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.ErrClosed
	}
	if s.loading || s.loadingMore || !s.hasMore {
		s.mu.Unlock()
		return nil
	}
	cursor := s.oldestConfirmed()
	if cursor == "" {
		s.mu.Unlock()
		return nil
	}
	s.loadingMore = true
	s.mu.Unlock()
	s.changed()

	page, err := s.fetcher.ListMessages(ctx, s.conversationID, chat.PageQuery{BeforeMessageID: cursor, Limit: s.pageSize})

	s.mu.Lock()
	s.loadingMore = false
	if s.closed {
		s.mu.Unlock()
		return chat.ErrClosed
	}
	if err != nil {
		s.err = chat.Transport("load older messages", err)
		err = s.err
		s.mu.Unlock()
		s.changed()
		return err
	}
	s.err = nil
	s.hasMore = hasMore(page, s.pageSize)
	for _, m := range page.Messages {
		s.applyIncoming(m)
	}
	s.mu.Unlock()
	s.changed()
	return nil
}

// hasMore prefers the backend's answer and falls back to guessing from a
// full page.
func hasMore(p chat.Page, pageSize int) bool {
	if p.HasMore != nil {
		return *p.HasMore
	}
	return len(p.Messages) >= pageSize
}

func (s *MessageStore) oldestConfirmed() string {
	for _, m := range s.messages {
		if m.Status == chat.StatusSent || m.Status == chat.StatusRead {
			return m.ID
		}
	}
	return ""
}

// Send validates d, appends it to the log as pending and then delivers it:
// a fire-and-forget realtime send over the channel and the durable call.
// The pending entry is replaced in place by the confirmed message, or marked
// failed when the durable call fails or times out.
func (s *MessageStore) Send(ctx context.Context, d Draft) (chat.Message, error) {
	o := chat.Outgoing{
		ConversationID: s.conversationID,
		Kind:           d.Kind,
		Content:        d.Content,
		ReplyTo:        d.ReplyTo,
		Attachment:     d.Attachment,
	}
	if err := chat.ValidateOutgoing(&o); err != nil {
		return chat.Message{}, err
	}
	if o.Attachment != nil {
		a := *o.Attachment
		o.Attachment = &a
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.Message{}, chat.ErrClosed
	}
	o.ClientID = s.newID()
	o.CreatedAt = s.now()
	pending := chat.Message{
		ID:             o.ClientID,
		ClientID:       o.ClientID,
		ConversationID: o.ConversationID,
		AuthorID:       s.actorID,
		Kind:           o.Kind,
		Content:        o.Content,
		Status:         chat.StatusPending,
		CreatedAt:      o.CreatedAt,
		ReplyTo:        o.ReplyTo,
		Attachment:     o.Attachment,
	}
	s.messages, _ = insertSorted(s.messages, pending)
	s.mu.Unlock()
	s.changed()

	if err := s.StopTyping(ctx); err != nil {
		s.log.Warn("typing stop on send failed", zap.Error(err))
	}
	go s.sendRealtime(o)

	callCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	confirmed, err := s.fetcher.SendMessage(callCtx, o)
	if err != nil {
		return s.failSend(o.ClientID, chat.Transport("send message", err))
	}
	return s.confirmSend(o.ClientID, confirmed)
}

func (s *MessageStore) sendRealtime(o chat.Outgoing) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()
	if err := s.channel.SendRealtime(ctx, o); err != nil {
		s.log.Warn("realtime send failed", zap.String("client_id", o.ClientID), zap.Error(err))
	}
}

func (s *MessageStore) confirmSend(clientID string, confirmed chat.Message) (chat.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return confirmed, nil
	}
	if confirmed.ClientID == "" {
		confirmed.ClientID = clientID
	}
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = s.conversationID
	}
	i := indexByClientID(s.messages, clientID)
	if i < 0 {
		i = s.applyIncoming(confirmed)
	} else {
		// An echo may have been appended separately under the server id.
		if j := indexByID(s.messages, confirmed.ID); confirmed.ID != "" && j >= 0 && j != i {
			confirmed = merge(s.messages[j], confirmed)
			s.messages = slices.Delete(s.messages, j, j+1)
			if j < i {
				i--
			}
		}
		s.messages[i] = merge(s.messages[i], confirmed)
		i = settle(s.messages, i)
		s.metrics.Reconciled(metrics.OutcomeClientID)
	}
	s.err = nil
	out := s.messages[i].Clone()
	preview := s.tailPreview(i)
	s.mu.Unlock()
	s.changed()
	s.publishPreview(preview)
	return out, nil
}

func (s *MessageStore) failSend(clientID string, err error) (chat.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.Message{}, err
	}
	var out chat.Message
	if i := indexByClientID(s.messages, clientID); i >= 0 {
		m := &s.messages[i]
		if m.Status == chat.StatusPending {
			m.Status = chat.StatusFailed
			m.Error = err.Error()
			s.metrics.SendFailed()
		}
		out = m.Clone()
	}
	s.mu.Unlock()
	s.log.Warn("send failed", zap.String("client_id", clientID), zap.Error(err))
	s.changed()
	return out, err
}

// Retry removes a failed message and sends its content again as a new
// pending message.
func (s *MessageStore) Retry(ctx context.Context, messageID string) (chat.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.Message{}, chat.ErrClosed
	}
	i := indexByID(s.messages, messageID)
	if i < 0 {
		s.mu.Unlock()
		return chat.Message{}, chat.ErrNotFound
	}
	old := s.messages[i]
	if old.Status != chat.StatusFailed {
		s.mu.Unlock()
		return chat.Message{}, chat.ErrNotRetryable
	}
	s.messages = slices.Delete(s.messages, i, i+1)
	s.mu.Unlock()
	s.changed()

	return s.Send(ctx, Draft{
		Content:    old.Content,
		Kind:       old.Kind,
		ReplyTo:    old.ReplyTo,
		Attachment: old.Attachment,
	})
}

// Edit changes the content of a confirmed message once the backend accepts it.
func (s *MessageStore) Edit(ctx context.Context, messageID, content string) (chat.Message, error) {
	content = normalize.Content(content)
	if err := chat.ValidateContent(content, false); err != nil {
		return chat.Message{}, err
	}
	if err := s.checkMutable(messageID, true); err != nil {
		return chat.Message{}, err
	}
	updated, err := s.fetcher.EditMessage(ctx, s.conversationID, messageID, content)
	if err != nil {
		return chat.Message{}, s.setErr(chat.Transport("edit message", err))
	}
	return s.applyConfirmed(messageID, func(m *chat.Message) {
		m.Content = content
		if updated.Content != "" {
			m.Content = updated.Content
		}
		at := s.now()
		if updated.EditedAt != nil {
			at = *updated.EditedAt
		}
		m.EditedAt = &at
	})
}

// Delete tombstones a confirmed message once the backend accepts it. The
// message keeps its position.
func (s *MessageStore) Delete(ctx context.Context, messageID string) (chat.Message, error) {
	if err := s.checkMutable(messageID, true); err != nil {
		return chat.Message{}, err
	}
	if _, err := s.fetcher.DeleteMessage(ctx, s.conversationID, messageID); err != nil {
		return chat.Message{}, s.setErr(chat.Transport("delete message", err))
	}
	return s.applyConfirmed(messageID, func(m *chat.Message) { m.MarkDeleted() })
}

// React adds the local actor's emoji reaction once the backend accepts it.
func (s *MessageStore) React(ctx context.Context, messageID, emoji string) (chat.Message, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return chat.Message{}, &chat.ValidationError{Field: "emoji", Reason: "is empty"}
	}
	if err := s.checkMutable(messageID, false); err != nil {
		return chat.Message{}, err
	}
	if _, err := s.fetcher.AddReaction(ctx, s.conversationID, messageID, emoji); err != nil {
		return chat.Message{}, s.setErr(chat.Transport("add reaction", err))
	}
	return s.applyConfirmed(messageID, func(m *chat.Message) {
		m.Reactions = m.Reactions.Add(emoji, s.actorID)
	})
}

// Unreact removes the local actor's emoji reaction once the backend accepts it.
func (s *MessageStore) Unreact(ctx context.Context, messageID, emoji string) (chat.Message, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return chat.Message{}, &chat.ValidationError{Field: "emoji", Reason: "is empty"}
	}
	if err := s.checkMutable(messageID, false); err != nil {
		return chat.Message{}, err
	}
	if _, err := s.fetcher.RemoveReaction(ctx, s.conversationID, messageID, emoji); err != nil {
		return chat.Message{}, s.setErr(chat.Transport("remove reaction", err))
	}
	return s.applyConfirmed(messageID, func(m *chat.Message) {
		m.Reactions = m.Reactions.Remove(emoji, s.actorID)
	})
}

// checkMutable verifies the message exists, is confirmed and not deleted.
// ownOnly additionally requires the local actor to be its author.
func (s *MessageStore) checkMutable(messageID string, ownOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return chat.ErrClosed
	}
	i := indexByID(s.messages, messageID)
	if messageID == "" || i < 0 {
		return chat.ErrNotFound
	}
	m := &s.messages[i]
	switch {
	case m.Status == chat.StatusPending || m.Status == chat.StatusFailed:
		return &chat.ValidationError{Field: "message", Reason: "is not sent yet"}
	case m.Deleted:
		return &chat.ValidationError{Field: "message", Reason: "is deleted"}
	case ownOnly && m.AuthorID != s.actorID:
		return &chat.ValidationError{Field: "message", Reason: "is authored by someone else"}
	}
	return nil
}

func (s *MessageStore) applyConfirmed(messageID string, apply func(*chat.Message)) (chat.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.Message{}, chat.ErrClosed
	}
	i := indexByID(s.messages, messageID)
	if i < 0 {
		s.mu.Unlock()
		return chat.Message{}, chat.ErrNotFound
	}
	apply(&s.messages[i])
	s.err = nil
	out := s.messages[i].Clone()
	preview := s.tailPreview(i)
	s.mu.Unlock()
	s.changed()
	s.publishPreview(preview)
	return out, nil
}

func (s *MessageStore) setErr(err error) error {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.log.Warn("message action failed", zap.Error(err))
	s.changed()
	return err
}

// SendTyping signals that the local actor is typing and arms the idle timer.
// Repeated calls reset the timer; the start signal is repeated at most once
// per refresh interval. When the timer fires a stop signal is sent.
func (s *MessageStore) SendTyping(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.ErrClosed
	}
	refresh := s.typingLimiter.Allow()
	emit := !s.typing || refresh
	s.typing = true
	s.typingGen++
	gen := s.typingGen
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.typingIdle, func() { s.typingExpired(gen) })
	s.mu.Unlock()

	if !emit {
		return nil
	}
	if err := s.channel.SendTyping(ctx, s.conversationID, true); err != nil {
		return chat.Transport("send typing", err)
	}
	return nil
}

// StopTyping cancels the idle timer and sends the stop signal right away if
// the actor was typing.
func (s *MessageStore) StopTyping(ctx context.Context) error {
	s.mu.Lock()
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingGen++
	was := s.typing
	s.typing = false
	s.mu.Unlock()

	if !was {
		return nil
	}
	if err := s.channel.SendTyping(ctx, s.conversationID, false); err != nil {
		return chat.Transport("send typing", err)
	}
	return nil
}

func (s *MessageStore) typingExpired(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.typingGen || !s.typing {
		s.mu.Unlock()
		return
	}
	s.typing = false
	s.typingTimer = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if err := s.channel.SendTyping(ctx, s.conversationID, false); err != nil {
		s.log.Warn("typing stop failed", zap.Error(err))
	}
}

// Typing reports whether the local actor is currently signalled as typing.
func (s *MessageStore) Typing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

func (s *MessageStore) handle(ev chat.Event) {
	if ev.ConversationID != "" && ev.ConversationID != s.conversationID {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var preview *chat.Preview
	changed, markRead := false, false
	switch ev.Type {
	case chat.MessageReceived:
		if ev.Message == nil {
			break
		}
		i := s.applyIncoming(*ev.Message)
		preview = s.tailPreview(i)
		changed = true
		markRead = ev.Message.AuthorID != s.actorID
	case chat.MessageUpdated:
		changed = s.applyRemoteUpdate(ev)
	case chat.MessageDeleted:
		id := ev.MessageID
		if id == "" && ev.Message != nil {
			id = ev.Message.ID
		}
		if i := indexByID(s.messages, id); id != "" && i >= 0 && !s.messages[i].Deleted {
			s.messages[i].MarkDeleted()
			preview = s.tailPreview(i)
			changed = true
		}
	case chat.MessageRead:
		if ev.UserID != "" && ev.UserID != s.actorID {
			changed = s.markOwnRead(ev.At)
		}
	}
	s.mu.Unlock()

	if markRead {
		go s.markRead()
	}
	if changed {
		s.changed()
	}
	s.publishPreview(preview)
}

// applyIncoming reconciles a server copy of a message into the log and
// returns its index. Callers hold mu.
func (s *MessageStore) applyIncoming(m chat.Message) int {
	m = m.Clone()
	if m.ConversationID == "" {
		m.ConversationID = s.conversationID
	}
	if m.Status == "" || m.Status == chat.StatusPending || m.Status == chat.StatusFailed {
		m.Status = chat.StatusSent
	}

	match := Reconcile(s.messages, m, s.actorID, s.matchWindow)
	s.metrics.Reconciled(match.Decision.String())
	if match.Ambiguous {
		s.log.Warn("ambiguous reconciliation",
			zap.String("message_id", m.ID),
			zap.String("decision", match.Decision.String()),
			zap.Error(chat.ErrReconciliationAmbiguity))
	}
	if match.Decision == Append {
		if m.ID == "" {
			m.ID = m.ClientID
		}
		if m.ID == "" {
			m.ID = s.newID()
		}
		var i int
		s.messages, i = insertSorted(s.messages, m)
		return i
	}
	s.messages[match.Index] = merge(s.messages[match.Index], m)
	return settle(s.messages, match.Index)
}

func (s *MessageStore) applyRemoteUpdate(ev chat.Event) bool {
	u := ev.Message
	if u == nil {
		return false
	}
	i := -1
	if u.ID != "" {
		i = indexByID(s.messages, u.ID)
	}
	if i < 0 && u.ClientID != "" {
		i = indexByClientID(s.messages, u.ClientID)
	}
	if i < 0 {
		return false
	}
	m := &s.messages[i]
	if u.Deleted {
		m.MarkDeleted()
		return true
	}
	m.Content = u.Content
	if u.EditedAt != nil {
		t := *u.EditedAt
		m.EditedAt = &t
	}
	m.Reactions = u.Reactions.Clone()
	if u.Status != "" {
		m.Status = m.Status.Advance(u.Status)
	}
	return true
}

// markOwnRead moves every sent message of the local actor to read.
func (s *MessageStore) markOwnRead(at time.Time) bool {
	if at.IsZero() {
		at = s.now()
	}
	changed := false
	for i := range s.messages {
		m := &s.messages[i]
		if m.AuthorID != s.actorID || m.Status != chat.StatusSent {
			continue
		}
		m.Status = m.Status.Advance(chat.StatusRead)
		t := at
		m.ReadAt = &t
		changed = true
	}
	return changed
}

func (s *MessageStore) markRead() {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if err := s.channel.MarkAsRead(ctx, s.conversationID); err != nil {
		s.log.Warn("mark as read failed", zap.Error(err))
	}
}

// tailPreview returns the preview of the message at i when it is the newest
// confirmed entry of the log. Callers hold mu.
func (s *MessageStore) tailPreview(i int) *chat.Preview {
	if i < 0 || i != len(s.messages)-1 {
		return nil
	}
	m := &s.messages[i]
	if m.Status != chat.StatusSent && m.Status != chat.StatusRead {
		return nil
	}
	p := m.Preview()
	return &p
}

func (s *MessageStore) publishPreview(p *chat.Preview) {
	if p == nil || s.previews == nil {
		return
	}
	s.previews.UpdatePreview(s.conversationID, *p)
}

// Messages returns a copy of the log, oldest first.
func (s *MessageStore) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneLog(s.messages)
}

// Message returns a copy of one entry.
func (s *MessageStore) Message(id string) (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexByID(s.messages, id); i >= 0 {
		return s.messages[i].Clone(), true
	}
	return chat.Message{}, false
}

// State returns the current status flags.
func (s *MessageStore) State() LogState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return LogState{
		Loaded:      s.loaded,
		Loading:     s.loading,
		LoadingMore: s.loadingMore,
		HasMore:     s.hasMore,
		Err:         s.err,
	}
}

// ConversationID returns the conversation this log belongs to.
func (s *MessageStore) ConversationID() string { return s.conversationID }

func (s *MessageStore) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
