package mongodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/convoflow/pkg/protocol"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// ErrContactNotFound is returned when no contact is attached to a conversation.
var ErrContactNotFound = errors.New("contact not found for conversation")

// ContactStore mutates the per-org contacts_<org> collections, keyed by conversation id.
type ContactStore struct {
	db *mongo.Database
}

func NewContactStore(db *mongo.Database) *ContactStore {
	return &ContactStore{db: db}
}

var _ protocol.ContactStore = (*ContactStore)(nil)

func (cs *ContactStore) contacts(orgID string) *mongo.Collection {
	return cs.db.Collection("contacts_" + orgID)
}

// AddTag adds tag to the contact's categories. It reports false when the tag was already present.
func (cs *ContactStore) AddTag(ctx context.Context, orgID, conversationID, tag string) (bool, error) {
	return cs.update(ctx, orgID, conversationID, bson.M{"$addToSet": bson.M{"categories": tag}})
}

// RemoveTag pulls tag from the contact's categories. It reports false when the tag was absent.
func (cs *ContactStore) RemoveTag(ctx context.Context, orgID, conversationID, tag string) (bool, error) {
	return cs.update(ctx, orgID, conversationID, bson.M{"$pull": bson.M{"categories": tag}})
}

// SetField upserts custom_fields.<key> on the contact.
func (cs *ContactStore) SetField(ctx context.Context, orgID, conversationID, key string, value any) (bool, error) {
	return cs.update(ctx, orgID, conversationID, bson.M{"$set": bson.M{"custom_fields." + key: value}})
}

func (cs *ContactStore) update(ctx context.Context, orgID, conversationID string, update bson.M) (bool, error) {
	res, err := cs.contacts(orgID).UpdateOne(ctx, bson.M{"conversation_id": conversationID}, update)
	if err != nil {
		return false, fmt.Errorf("failed to update contact of conversation %s: %w", conversationID, err)
	}

	if res.MatchedCount == 0 {
		return false, fmt.Errorf("%w: %s", ErrContactNotFound, conversationID)
	}

	return res.ModifiedCount > 0, nil
}

// ConversationLookup reads the per-org conversations_<org> collections.
type ConversationLookup struct {
	db *mongo.Database
}

func NewConversationLookup(db *mongo.Database) *ConversationLookup {
	return &ConversationLookup{db: db}
}

var _ protocol.ConversationLookup = (*ConversationLookup)(nil)

func (cl *ConversationLookup) Get(ctx context.Context, orgID, conversationID string) (*protocol.Conversation, error) {
	var conversation protocol.Conversation

	err := cl.db.Collection("conversations_"+orgID).
		FindOne(ctx, bson.M{"conversation_id": conversationID}).
		Decode(&conversation)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to fetch conversation %s: %w", conversationID, err)
	}

	conversation.OrgID = orgID

	return &conversation, nil
}

// SenderDirectory resolves org sender accounts from the organizations collection.
type SenderDirectory struct {
	db *mongo.Database
}

func NewSenderDirectory(db *mongo.Database) *SenderDirectory {
	return &SenderDirectory{db: db}
}

var _ protocol.SenderDirectory = (*SenderDirectory)(nil)

func (sd *SenderDirectory) WhatsAppSenderID(ctx context.Context, orgID string) (string, error) {
	var org struct {
		WhatsAppID string `bson:"wa_id"`
	}

	err := sd.db.Collection(organizationsCollection).FindOne(ctx, bson.M{"org_id": orgID}).Decode(&org)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", nil
		}

		return "", fmt.Errorf("failed to fetch organization %s: %w", orgID, err)
	}

	return org.WhatsAppID, nil
}
