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

// ConversationsStore performs conversation DB operations. Every read and
// write is scoped to a member so non-members see ErrNotFound.
type ConversationsStore struct {
	coll *mongo.Collection
}

func NewConversationsStore(coll *mongo.Collection) *ConversationsStore {
	return &ConversationsStore{coll: coll}
}

// directKey identifies the direct conversation between two users regardless
// of who created it.
func directKey(a, b bson.ObjectID) string {
	ids := []string{a.Hex(), b.Hex()}
	slices.Sort(ids)
	return strings.Join(ids, ":")
}

func newConversation(kind chat.ConversationKind, members []bson.ObjectID, now time.Time) bson.M {
	zero := map[string]int{}
	for _, m := range members {
		zero[m.Hex()] = 0
	}
	return bson.M{
		"kind":          string(kind),
		"members":       members,
		"unread":        zero,
		"muted":         map[string]bool{},
		"archived":      map[string]bool{},
		"last_read":     map[string]time.Time{},
		"last_activity": now,
		"created_at":    now,
	}
}

// CreateDirect returns the direct conversation between a and b, creating it
// when it does not exist yet.
func (s *ConversationsStore) CreateDirect(ctx context.Context, a, b bson.ObjectID) (*Conversation, error) {
	key := directKey(a, b)
	// The upsert copies direct_key from the filter.
	doc := newConversation(chat.Direct, []bson.ObjectID{a, b}, time.Now())

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var conv Conversation
	err := s.coll.FindOneAndUpdate(ctx, bson.M{"direct_key": key}, bson.M{"$setOnInsert": doc}, opts).Decode(&conv)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateGroup inserts a group conversation. members must include the creator.
func (s *ConversationsStore) CreateGroup(ctx context.Context, members []bson.ObjectID, title string) (*Conversation, error) {
	doc := newConversation(chat.Group, members, time.Now())
	if title != "" {
		doc["title"] = title
	}
	res, err := s.coll.InsertOne(ctx, doc)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, res.InsertedID.(bson.ObjectID), members[0])
}

// Get returns a conversation member belongs to.
func (s *ConversationsStore) Get(ctx context.Context, id, member bson.ObjectID) (*Conversation, error) {
	var conv Conversation
	err := s.coll.FindOne(ctx, bson.M{"_id": id, "members": member}).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("conversation %s: %w", id.Hex(), chat.ErrNotFound)
		}
		return nil, err
	}
	return &conv, nil
}

// ListForUser returns the conversations of member, most recent first.
func (s *ConversationsStore) ListForUser(ctx context.Context, member bson.ObjectID) ([]*Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_activity", Value: -1}, {Key: "_id", Value: 1}})
	cursor, err := s.coll.Find(ctx, bson.M{"members": member}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var convs []*Conversation
	if err := cursor.All(ctx, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// Delete removes a conversation member belongs to.
func (s *ConversationsStore) Delete(ctx context.Context, id, member bson.ObjectID) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id, "members": member})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("conversation %s: %w", id.Hex(), chat.ErrNotFound)
	}
	return nil
}

// UpdateMember changes the mute and archive flags member holds on a
// conversation and returns the updated document.
func (s *ConversationsStore) UpdateMember(ctx context.Context, id, member bson.ObjectID, muted, archived *bool) (*Conversation, error) {
	set := bson.M{}
	if muted != nil {
		set["muted."+member.Hex()] = *muted
	}
	if archived != nil {
		set["archived."+member.Hex()] = *archived
	}
	if len(set) == 0 {
		return s.Get(ctx, id, member)
	}
	return s.findAndUpdate(ctx, id, member, bson.M{"$set": set})
}

// RecordMessage stores m as the conversation preview and bumps the unread
// counter of every member except the author.
func (s *ConversationsStore) RecordMessage(ctx context.Context, conv *Conversation, m *Message) (*Conversation, error) {
	inc := bson.M{}
	for _, member := range conv.Members {
		if member != m.AuthorID {
			inc["unread."+member.Hex()] = 1
		}
	}
	update := bson.M{"$set": bson.M{"last_message": m.Preview(), "last_activity": m.CreatedAt}}
	if len(inc) > 0 {
		update["$inc"] = inc
	}
	return s.findAndUpdate(ctx, conv.ID, m.AuthorID, update)
}

// UpdatePreview rewrites the stored preview when it shows m.
func (s *ConversationsStore) UpdatePreview(ctx context.Context, m *Message) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": m.ConversationID, "last_message.message_id": m.ID},
		bson.M{"$set": bson.M{"last_message": m.Preview()}})
	return err
}

// MarkRead clears member's unread counter and records the read time.
func (s *ConversationsStore) MarkRead(ctx context.Context, id, member bson.ObjectID, at time.Time) (*Conversation, error) {
	return s.findAndUpdate(ctx, id, member, bson.M{"$set": bson.M{
		"unread." + member.Hex():    0,
		"last_read." + member.Hex(): at,
	}})
}

func (s *ConversationsStore) findAndUpdate(ctx context.Context, id, member bson.ObjectID, update bson.M) (*Conversation, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var conv Conversation
	err := s.coll.FindOneAndUpdate(ctx, bson.M{"_id": id, "members": member}, update, opts).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("conversation %s: %w", id.Hex(), chat.ErrNotFound)
		}
		return nil, err
	}
	return &conv, nil
}
