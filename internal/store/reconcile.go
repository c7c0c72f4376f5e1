// Package store keeps the local view of conversations and messages in step
// with the messaging backend: the conversation list, one message log per open
// conversation, and the reconciliation of optimistic entries with
// server-confirmed messages.
package store

import (
	"time"

	"github.com/PaulBabatuyi/chatsync/internal/chat"
	"github.com/PaulBabatuyi/chatsync/internal/metrics"
)

// DefaultMatchWindow bounds how far apart a pending entry and an echo may be
// for the content fallback to pair them.
const DefaultMatchWindow = 2 * time.Minute

// Decision says how an incoming message relates to the current log.
type Decision int

const (
	// Append means the message is new to the log.
	Append Decision = iota
	// ReplaceByID means the log already holds the message under its server id.
	ReplaceByID
	// ReplaceByClientID means the message confirms a local entry whose
	// client id was echoed back.
	ReplaceByClientID
	// ReplaceByContent means the message confirms a pending entry matched on
	// author, kind and content within the match window.
	ReplaceByContent
)

func (d Decision) String() string {
	switch d {
	case ReplaceByID:
		return metrics.OutcomeDuplicate
	case ReplaceByClientID:
		return metrics.OutcomeClientID
	case ReplaceByContent:
		return metrics.OutcomeContent
	}
	return metrics.OutcomeAppend
}

// Match is the result of Reconcile. Index is the position of the matched
// entry, or -1 when Decision is Append.
type Match struct {
	Decision Decision
	Index    int
	// Ambiguous is set when the content fallback had to guess: several
	// pending entries matched (the oldest was taken), or entries matched
	// outside the window (the message was appended).
	Ambiguous bool
}

// Reconcile decides whether in confirms an entry of log or is new. It does
// not modify log.
//
// Server ids are checked first, then an echoed client id. Only when the
// message is authored by actorID and carries no client id does it fall back
// to matching a pending entry on author, kind and content created within
// window of in. Anything unmatched is appended: a possible duplicate is
// preferred over a lost message.
func Reconcile(log []chat.Message, in chat.Message, actorID string, window time.Duration) Match {
	if in.ID != "" {
		for i := range log {
			if log[i].ID == in.ID {
				return Match{Decision: ReplaceByID, Index: i}
			}
		}
	}
	if in.ClientID != "" {
		for i := range log {
			if log[i].ClientID == in.ClientID || log[i].ID == in.ClientID {
				return Match{Decision: ReplaceByClientID, Index: i}
			}
		}
		return Match{Decision: Append, Index: -1}
	}
	if actorID == "" || in.AuthorID != actorID {
		return Match{Decision: Append, Index: -1}
	}

	found, candidates, stale := -1, 0, false
	for i := range log {
		m := &log[i]
		if m.Status != chat.StatusPending || m.AuthorID != in.AuthorID ||
			m.Kind != in.Kind || m.Content != in.Content {
			continue
		}
		if window > 0 && !in.CreatedAt.IsZero() && absDuration(in.CreatedAt.Sub(m.CreatedAt)) > window {
			stale = true
			continue
		}
		if found < 0 {
			found = i
		}
		candidates++
	}
	if found < 0 {
		return Match{Decision: Append, Index: -1, Ambiguous: stale}
	}
	return Match{Decision: ReplaceByContent, Index: found, Ambiguous: candidates > 1}
}

// merge folds a server copy of a message into the local entry it confirms.
// The server copy wins except where that would move state backwards.
func merge(local, server chat.Message) chat.Message {
	out := server.Clone()
	if out.ID == "" {
		out.ID = local.ID
	}
	if out.ClientID == "" {
		out.ClientID = local.ClientID
	}
	if out.ConversationID == "" {
		out.ConversationID = local.ConversationID
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = local.CreatedAt
	}

	confirmed := server.Status
	if confirmed == "" || confirmed == chat.StatusPending || confirmed == chat.StatusFailed {
		confirmed = chat.StatusSent
	}
	if local.Status == chat.StatusFailed {
		// The backend holds the message after all.
		out.Status = confirmed
	} else {
		out.Status = local.Status.Advance(confirmed)
	}
	if out.ReadAt == nil && local.ReadAt != nil {
		t := *local.ReadAt
		out.ReadAt = &t
	}

	if local.EditedAt != nil && (server.EditedAt == nil || server.EditedAt.Before(*local.EditedAt)) {
		out.Content = local.Content
		t := *local.EditedAt
		out.EditedAt = &t
	}
	if local.Deleted && !out.Deleted {
		out.MarkDeleted()
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
