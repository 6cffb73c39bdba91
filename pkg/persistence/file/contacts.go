package file

import (
	"context"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/dukex/convoflow/pkg/protocol"
)

// Contact is the file representation of the contact attached to a conversation.
type Contact struct {
	OrgID          string         `json:"org_id"`
	ConversationID string         `json:"conversation_id"`
	Categories     []string       `json:"categories"`
	CustomFields   map[string]any `json:"custom_fields"`
}

// ContactStore keeps contacts under root/contacts. Unknown contacts are created on first write.
type ContactStore struct {
	contacts collection[Contact]
	mu       sync.Mutex
}

func NewContactStore(root string) *ContactStore {
	return &ContactStore{
		contacts: collection[Contact]{dir: filepath.Join(strings.Replace(root, "file://", "", 1), "contacts")},
	}
}

var _ protocol.ContactStore = (*ContactStore)(nil)

func (cs *ContactStore) AddTag(_ context.Context, orgID, conversationID, tag string) (bool, error) {
	return cs.update(orgID, conversationID, func(c *Contact) bool {
		if slices.Contains(c.Categories, tag) {
			return false
		}

		c.Categories = append(c.Categories, tag)

		return true
	})
}

func (cs *ContactStore) RemoveTag(_ context.Context, orgID, conversationID, tag string) (bool, error) {
	return cs.update(orgID, conversationID, func(c *Contact) bool {
		index := slices.Index(c.Categories, tag)
		if index < 0 {
			return false
		}

		c.Categories = slices.Delete(c.Categories, index, index+1)

		return true
	})
}

func (cs *ContactStore) SetField(_ context.Context, orgID, conversationID, key string, value any) (bool, error) {
	return cs.update(orgID, conversationID, func(c *Contact) bool {
		if current, ok := c.CustomFields[key]; ok && reflect.DeepEqual(current, value) {
			return false
		}

		c.CustomFields[key] = value

		return true
	})
}

// Get returns the contact of a conversation, or nil.
func (cs *ContactStore) Get(orgID, conversationID string) (*Contact, error) {
	return cs.contacts.get(contactID(orgID, conversationID))
}

func (cs *ContactStore) update(orgID, conversationID string, mutate func(*Contact) bool) (bool, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	id := contactID(orgID, conversationID)

	contact, err := cs.contacts.get(id)
	if err != nil {
		return false, err
	}

	if contact == nil {
		contact = &Contact{OrgID: orgID, ConversationID: conversationID}
	}

	if contact.CustomFields == nil {
		contact.CustomFields = map[string]any{}
	}

	if !mutate(contact) {
		return false, nil
	}

	return true, cs.contacts.put(id, contact)
}

func contactID(orgID, conversationID string) string {
	return orgID + "__" + conversationID
}

// SenderDirectory reads sender accounts from root/organizations/<org>.json.
type SenderDirectory struct {
	organizations collection[organization]
}

type organization struct {
	WhatsAppID string `json:"wa_id"`
}

func NewSenderDirectory(root string) *SenderDirectory {
	return &SenderDirectory{
		organizations: collection[organization]{dir: filepath.Join(strings.Replace(root, "file://", "", 1), "organizations")},
	}
}

var _ protocol.SenderDirectory = (*SenderDirectory)(nil)

func (sd *SenderDirectory) WhatsAppSenderID(_ context.Context, orgID string) (string, error) {
	org, err := sd.organizations.get(orgID)
	if err != nil || org == nil {
		return "", err
	}

	return org.WhatsAppID, nil
}
