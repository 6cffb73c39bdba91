package protocol

import "context"

const (
	ConversationStatusOpen   = "open"
	ConversationStatusClosed = "closed"
)

// Conversation is the subset of conversation state the engine reads.
type Conversation struct {
	ID           string `json:"id"            bson:"conversation_id"`
	OrgID        string `json:"org_id"        bson:"org_id"`
	Status       string `json:"status"        bson:"status"`
	Platform     string `json:"platform"      bson:"platform"`
	PlatformID   string `json:"platform_id"   bson:"platform_id"`
	CustomerID   string `json:"customer_id"   bson:"customer_id"`
	CustomerName string `json:"customer_name" bson:"customer_name"`
	ContactID    string `json:"contact_id"    bson:"contact_id"`
}

// IsClosed reports whether the conversation no longer accepts automated messages.
func (c *Conversation) IsClosed() bool {
	return c.Status == ConversationStatusClosed
}

// ConversationLookup fetches conversation state. Get returns nil, nil when the conversation does
// not exist.
type ConversationLookup interface {
	Get(ctx context.Context, orgID, conversationID string) (*Conversation, error)
}

// ContactStore mutates the contact attached to a conversation. Tag operations are idempotent and
// report whether anything changed.
type ContactStore interface {
	AddTag(ctx context.Context, orgID, conversationID, tag string) (bool, error)
	RemoveTag(ctx context.Context, orgID, conversationID, tag string) (bool, error)
	SetField(ctx context.Context, orgID, conversationID, key string, value any) (bool, error)
}

// ExecutionCounter records successful flow runs.
type ExecutionCounter interface {
	Increment(ctx context.Context, orgID, flowID string) error
}
