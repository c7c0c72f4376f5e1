package data

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/PaulBabatuyi/chatsync/internal/chat"
)

// MessagesStore provides message DB operations.
type MessagesStore struct {
	coll *mongo.Collection
}

func NewMessagesStore(coll *mongo.Collection) *MessagesStore {
	return &MessagesStore{coll: coll}
}

// Insert stores m and fills in its id. A retried send carrying a client id
// that is already stored returns the stored message and created=false.
func (s *MessagesStore) Insert(ctx context.Context, m *Message) (stored *Message, created bool, err error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := s.coll.InsertOne(ctx, m)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) && m.ClientID != "" {
			var existing Message
			filter := bson.M{"conversation_id": m.ConversationID, "client_id": m.ClientID}
			if ferr := s.coll.FindOne(ctx, filter).Decode(&existing); ferr != nil {
				return nil, false, ferr
			}
			return &existing, false, nil
		}
		return nil, false, err
	}
	m.ID = res.InsertedID.(bson.ObjectID)
	return m, true, nil
}

// Page returns up to limit messages of a conversation preceding before
// (all when before is zero), oldest first, and whether older ones exist.
func (s *MessagesStore) Page(ctx context.Context, conversationID, before bson.ObjectID, limit int) ([]*Message, bool, error) {
	filter := bson.M{"conversation_id": conversationID}
	if !before.IsZero() {
		filter["_id"] = bson.M{"$lt": before}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetLimit(int64(limit) + 1)

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, false, err
	}
	defer cursor.Close(ctx)

	var messages []*Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, false, err
	}
	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	slices.Reverse(messages)
	return messages, hasMore, nil
}

func (s *MessagesStore) Get(ctx context.Context, conversationID, id bson.ObjectID) (*Message, error) {
	var m Message
	if err := s.coll.FindOne(ctx, bson.M{"_id": id, "conversation_id": conversationID}).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("message %s: %w", id.Hex(), chat.ErrNotFound)
		}
		return nil, err
	}
	return &m, nil
}

// Edit replaces the content of a live message authored by author.
func (s *MessagesStore) Edit(ctx context.Context, conversationID, id, author bson.ObjectID, content string, at time.Time) (*Message, error) {
	return s.update(ctx, bson.M{"_id": id, "conversation_id": conversationID, "author_id": author, "deleted": false},
		bson.M{"$set": bson.M{"content": content, "edited_at": at}})
}

// Tombstone marks a message authored by author as deleted, dropping its
// payload.
func (s *MessagesStore) Tombstone(ctx context.Context, conversationID, id, author bson.ObjectID) (*Message, error) {
	return s.update(ctx, bson.M{"_id": id, "conversation_id": conversationID, "author_id": author},
		bson.M{
			"$set":   bson.M{"deleted": true, "content": chat.Tombstone},
			"$unset": bson.M{"attachment": "", "reactions": ""},
		})
}

// AddReaction records user under emoji once.
func (s *MessagesStore) AddReaction(ctx context.Context, conversationID, id bson.ObjectID, emoji string, user bson.ObjectID) (*Message, error) {
	field, err := reactionField(emoji)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, bson.M{"_id": id, "conversation_id": conversationID, "deleted": false},
		bson.M{"$addToSet": bson.M{field: user.Hex()}})
}

// RemoveReaction drops user from emoji.
func (s *MessagesStore) RemoveReaction(ctx context.Context, conversationID, id bson.ObjectID, emoji string, user bson.ObjectID) (*Message, error) {
	field, err := reactionField(emoji)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, bson.M{"_id": id, "conversation_id": conversationID, "deleted": false},
		bson.M{"$pull": bson.M{field: user.Hex()}})
}

// DeleteConversation removes every message of a conversation.
func (s *MessagesStore) DeleteConversation(ctx context.Context, conversationID bson.ObjectID) error {
	_, err := s.coll.DeleteMany(ctx, bson.M{"conversation_id": conversationID})
	return err
}

func (s *MessagesStore) update(ctx context.Context, filter, update bson.M) (*Message, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var m Message
	if err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("message: %w", chat.ErrNotFound)
		}
		return nil, err
	}
	return &m, nil
}

// reactionField maps an emoji onto its document path. Emoji containing path
// syntax are rejected.
func reactionField(emoji string) (string, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || strings.ContainsAny(emoji, ".$") {
		return "", &chat.ValidationError{Field: "emoji", Reason: "is not a valid reaction"}
	}
	return "reactions." + emoji, nil
}
