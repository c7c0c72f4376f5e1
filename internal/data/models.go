package data

import (
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/PaulBabatuyi/chatsync/internal/chat"
)

// User maps to the users collection.
type User struct {
	ID        bson.ObjectID `bson:"_id,omitempty"`
	Email     string        `bson:"email"`
	Password  string        `bson:"password"`
	CreatedAt time.Time     `bson:"created_at"`
	UpdatedAt time.Time     `bson:"updated_at"`
}

// Conversation maps to the conversations collection. Per-member state is
// kept in maps keyed by the member's hex id so single fields can be updated
// with dotted paths.
type Conversation struct {
	ID           bson.ObjectID        `bson:"_id,omitempty"`
	Kind         string               `bson:"kind"`
	Title        string               `bson:"title,omitempty"`
	DirectKey    string               `bson:"direct_key,omitempty"`
	Members      []bson.ObjectID      `bson:"members"`
	Unread       map[string]int       `bson:"unread"`
	Muted        map[string]bool      `bson:"muted"`
	Archived     map[string]bool      `bson:"archived"`
	LastRead     map[string]time.Time `bson:"last_read"`
	LastMessage  *LastMessage         `bson:"last_message,omitempty"`
	LastActivity time.Time            `bson:"last_activity"`
	CreatedAt    time.Time            `bson:"created_at"`
}

// LastMessage is the denormalized preview stored on a conversation.
type LastMessage struct {
	MessageID bson.ObjectID `bson:"message_id"`
	AuthorID  bson.ObjectID `bson:"author_id"`
	Kind      string        `bson:"kind"`
	Content   string        `bson:"content"`
	Deleted   bool          `bson:"deleted,omitempty"`
	CreatedAt time.Time     `bson:"created_at"`
}

// HasMember reports whether user belongs to c.
func (c *Conversation) HasMember(user bson.ObjectID) bool {
	return slices.Contains(c.Members, user)
}

// ReadBySomeoneElse reports whether a member other than author has read up
// to at.
func (c *Conversation) ReadBySomeoneElse(author bson.ObjectID, at time.Time) (time.Time, bool) {
	for hex, t := range c.LastRead {
		if hex != author.Hex() && !t.Before(at) {
			return t, true
		}
	}
	return time.Time{}, false
}

// ToChat renders c as seen by viewer. online reports presence; it may be nil.
func (c *Conversation) ToChat(viewer bson.ObjectID, online func(id string) bool) chat.Conversation {
	key := viewer.Hex()
	out := chat.Conversation{
		ID:           c.ID.Hex(),
		Kind:         chat.ConversationKind(c.Kind),
		Title:        c.Title,
		LastActivity: c.LastActivity,
		Unread:       c.Unread[key],
		Muted:        c.Muted[key],
		Archived:     c.Archived[key],
	}
	for _, m := range c.Members {
		p := chat.Participant{ID: m.Hex()}
		if online != nil {
			p.Online = online(p.ID)
		}
		if !p.Online {
			p.LastSeen = c.LastRead[p.ID]
		}
		out.Participants = append(out.Participants, p)
	}
	if lm := c.LastMessage; lm != nil {
		out.LastMessage = &chat.Preview{
			MessageID: lm.MessageID.Hex(),
			AuthorID:  lm.AuthorID.Hex(),
			Kind:      chat.Kind(lm.Kind),
			Content:   lm.Content,
			Deleted:   lm.Deleted,
			CreatedAt: lm.CreatedAt,
		}
	}
	return out
}

// Attachment is the stored form of chat.Attachment.
type Attachment struct {
	URL      string `bson:"url"`
	Name     string `bson:"name,omitempty"`
	MimeType string `bson:"mime_type,omitempty"`
	Size     int64  `bson:"size"`
}

// Message maps to the messages collection.
type Message struct {
	ID             bson.ObjectID       `bson:"_id,omitempty"`
	ConversationID bson.ObjectID       `bson:"conversation_id"`
	ClientID       string              `bson:"client_id,omitempty"`
	AuthorID       bson.ObjectID       `bson:"author_id"`
	Kind           string              `bson:"kind"`
	Content        string              `bson:"content"`
	ReplyTo        string              `bson:"reply_to,omitempty"`
	Attachment     *Attachment         `bson:"attachment,omitempty"`
	Reactions      map[string][]string `bson:"reactions,omitempty"`
	Deleted        bool                `bson:"deleted"`
	EditedAt       *time.Time          `bson:"edited_at,omitempty"`
	CreatedAt      time.Time           `bson:"created_at"`
}

// Preview returns the conversation preview for m.
func (m *Message) Preview() LastMessage {
	return LastMessage{
		MessageID: m.ID,
		AuthorID:  m.AuthorID,
		Kind:      m.Kind,
		Content:   m.Content,
		Deleted:   m.Deleted,
		CreatedAt: m.CreatedAt,
	}
}

// ToChat renders m with the given delivery status.
func (m *Message) ToChat(status chat.Status) chat.Message {
	out := chat.Message{
		ID:             m.ID.Hex(),
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID.Hex(),
		AuthorID:       m.AuthorID.Hex(),
		Kind:           chat.Kind(m.Kind),
		Content:        m.Content,
		Status:         status,
		CreatedAt:      m.CreatedAt,
		ReplyTo:        m.ReplyTo,
		Deleted:        m.Deleted,
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	if a := m.Attachment; a != nil {
		out.Attachment = &chat.Attachment{URL: a.URL, Name: a.Name, MimeType: a.MimeType, Size: a.Size}
	}
	for emoji, users := range m.Reactions {
		if len(users) == 0 {
			continue
		}
		if out.Reactions == nil {
			out.Reactions = chat.Reactions{}
		}
		out.Reactions[emoji] = slices.Clone(users)
	}
	return out
}
