package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/chatsync/internal/chat"
	"github.com/PaulBabatuyi/chatsync/internal/store"
)

const openHelp = `commands:
  <text>                 send a message
  /more                  load older history
  /edit <id> <text>      edit one of your messages
  /delete <id>           delete one of your messages
  /react <id> <emoji>    add a reaction
  /unreact <id> <emoji>  remove a reaction
  /retry <id>            resend a failed message
  /typing                signal that you are typing
  /read                  mark the conversation read
  /quit                  leave
`

func (e *engine) printList(ctx context.Context, out io.Writer) error {
	if err := e.list.Load(ctx); err != nil {
		return err
	}
	convs := e.list.Conversations()
	if len(convs) == 0 {
		fmt.Fprintln(out, "no conversations")
		return nil
	}
	for _, c := range convs {
		fmt.Fprintln(out, formatConversation(c, e.actor))
	}
	fmt.Fprintf(out, "%d unread\n", e.list.TotalUnread())
	return nil
}

// formatConversation renders one line of the conversation list.
func formatConversation(c chat.Conversation, actor string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s", c.ID, conversationName(c, actor))
	if c.Unread > 0 {
		fmt.Fprintf(&b, "  (%d)", c.Unread)
	}
	if c.Muted {
		b.WriteString("  [muted]")
	}
	if c.Archived {
		b.WriteString("  [archived]")
	}
	if p := c.LastMessage; p != nil {
		text := p.Content
		if p.Deleted {
			text = chat.Tombstone
		}
		fmt.Fprintf(&b, "  %s: %s", short(p.AuthorID), truncate(text, 40))
	}
	return b.String()
}

// conversationName is the title of a group, or the other members' ids.
func conversationName(c chat.Conversation, actor string) string {
	if c.Title != "" {
		return c.Title
	}
	var names []string
	for _, p := range c.Participants {
		if p.ID == actor {
			continue
		}
		name := short(p.ID)
		if p.Online {
			name += "*"
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return string(c.Kind)
	}
	return strings.Join(names, ", ")
}

// formatMessage renders one line of a message log.
func formatMessage(m chat.Message, actor string) string {
	author := short(m.AuthorID)
	if m.AuthorID == actor {
		author = "me"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s: %s", m.CreatedAt.Local().Format(time.Kitchen), short(m.ID), author, m.Content)
	if m.Attachment != nil {
		fmt.Fprintf(&b, " <%s %s>", m.Kind, m.Attachment.URL)
	}
	if m.EditedAt != nil && !m.Deleted {
		b.WriteString(" (edited)")
	}
	if len(m.Reactions) > 0 {
		emojis := make([]string, 0, len(m.Reactions))
		for emoji, users := range m.Reactions {
			emojis = append(emojis, fmt.Sprintf("%s%d", emoji, len(users)))
		}
		slices.Sort(emojis)
		fmt.Fprintf(&b, " [%s]", strings.Join(emojis, " "))
	}
	if m.AuthorID == actor {
		switch m.Status {
		case chat.StatusPending:
			b.WriteString(" …")
		case chat.StatusRead:
			b.WriteString(" ✓✓")
		case chat.StatusSent:
			b.WriteString(" ✓")
		case chat.StatusFailed:
			b.WriteString(" ! failed")
			if m.Error != "" {
				b.WriteString(": " + m.Error)
			}
		}
	}
	return b.String()
}

// short abbreviates an id for display. Ids stay unique enough in the tail.
func short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// printer writes log lines for messages whose rendering changed since they
// were last printed.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	actor   string
	printed map[string]string
	typing  string
}

func newPrinter(out io.Writer, actor string) *printer {
	return &printer{out: out, actor: actor, printed: map[string]string{}}
}

func (p *printer) messages(msgs []chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		line := formatMessage(m, p.actor)
		key := m.ClientID
		if key == "" {
			key = m.ID
		}
		if p.printed[key] == line {
			continue
		}
		p.printed[key] = line
		fmt.Fprintln(p.out, line)
	}
}

func (p *printer) typingOf(c chat.Conversation) {
	var others []string
	for _, id := range c.Typing {
		if id != p.actor {
			others = append(others, short(id))
		}
	}
	line := ""
	if len(others) > 0 {
		line = strings.Join(others, ", ") + " typing…"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if line == p.typing {
		return
	}
	p.typing = line
	if line != "" {
		fmt.Fprintln(p.out, line)
	}
}

// resolve maps an abbreviated id back onto a log entry id.
func resolve(log *store.MessageStore, ref string) (string, error) {
	if _, ok := log.Message(ref); ok {
		return ref, nil
	}
	for _, m := range log.Messages() {
		if strings.HasSuffix(m.ID, ref) {
			return m.ID, nil
		}
	}
	return "", fmt.Errorf("message %s: %w", ref, chat.ErrNotFound)
}

// parseCommand splits an input line into a slash command and its arguments.
// A line without a leading slash is a message; cmd is empty.
func parseCommand(line string) (cmd string, args []string, text string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", nil, line
	}
	fields := strings.Fields(line)
	cmd = strings.TrimPrefix(fields[0], "/")
	if len(fields) > 1 {
		args = fields[1:]
	}
	if len(args) > 1 {
		rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		text = strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
	}
	return cmd, args, text
}

// open streams one conversation and sends the lines read from in.
func (e *engine) open(ctx context.Context, conversationID string, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.connect(ctx)

	p := newPrinter(out, e.actor)
	var msgLog *store.MessageStore
	msgLog = store.NewMessageStore(store.MessageStoreConfig{
		ConversationID: conversationID,
		ActorID:        e.actor,
		Fetcher:        e.fetch,
		Channel:        e.hub,
		Previews:       e.list,
		PageSize:       e.cfg.PageSize,
		SendTimeout:    e.cfg.SendTimeout,
		TypingIdle:     e.cfg.TypingIdle,
		Logger:         e.log,
		Metrics:        e.metrics,
		OnChange:       func() { p.messages(msgLog.Messages()) },
	})
	e.onListChange(func() {
		if c, ok := e.list.Conversation(conversationID); ok {
			p.typingOf(c)
		}
	})

	if err := e.list.Load(ctx); err != nil {
		e.log.Warn("conversation list unavailable", zap.Error(err))
	}
	if c, ok := e.list.Conversation(conversationID); ok {
		fmt.Fprintf(out, "== %s ==\n", conversationName(c, e.actor))
	}
	if err := msgLog.Open(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = msgLog.Close(closeCtx)
	}()
	if err := msgLog.Load(ctx); err != nil {
		return err
	}
	p.messages(msgLog.Messages())
	if err := e.list.MarkRead(ctx, conversationID); err != nil {
		e.log.Warn("mark read failed", zap.Error(err))
	}
	fmt.Fprint(out, openHelp)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := e.exec(ctx, msgLog, line, out)
			if err != nil {
				fmt.Fprintln(out, "error:", err)
			}
			if quit {
				return nil
			}
		}
	}
}

var errUsage = errors.New("wrong arguments, see the command list")

func (e *engine) exec(ctx context.Context, msgLog *store.MessageStore, line string, out io.Writer) (bool, error) {
	cmd, args, text := parseCommand(line)
	if cmd == "" {
		if text == "" {
			return false, nil
		}
		_, err := msgLog.Send(ctx, store.Draft{Content: text})
		return false, err
	}

	needs := func(n int) error {
		if len(args) < n {
			return errUsage
		}
		return nil
	}
	var err error
	switch cmd {
	case "quit", "q":
		return true, nil
	case "help":
		fmt.Fprint(out, openHelp)
	case "more":
		before := len(msgLog.Messages())
		if err = msgLog.LoadMore(ctx); err == nil {
			fmt.Fprintf(out, "loaded %d older messages\n", len(msgLog.Messages())-before)
		}
	case "typing":
		err = msgLog.SendTyping(ctx)
	case "read":
		err = e.list.MarkRead(ctx, msgLog.ConversationID())
	case "edit", "delete", "react", "unreact", "retry":
		if err = needs(1); err != nil {
			break
		}
		var id string
		if id, err = resolve(msgLog, args[0]); err != nil {
			break
		}
		switch cmd {
		case "edit":
			if err = needs(2); err == nil {
				_, err = msgLog.Edit(ctx, id, text)
			}
		case "delete":
			_, err = msgLog.Delete(ctx, id)
		case "react":
			if err = needs(2); err == nil {
				_, err = msgLog.React(ctx, id, args[1])
			}
		case "unreact":
			if err = needs(2); err == nil {
				_, err = msgLog.Unreact(ctx, id, args[1])
			}
		case "retry":
			_, err = msgLog.Retry(ctx, id)
		}
	default:
		err = fmt.Errorf("unknown command /%s", cmd)
	}
	return false, err
}
