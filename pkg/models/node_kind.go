package models

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// NodeKind is the closed set of node variants a flow may contain.
type NodeKind string

const (
	// Triggers
	KindInstagramDMReceived     NodeKind = "instagram_dm_received"
	KindInstagramComment        NodeKind = "instagram_comment"
	KindInstagramPostComment    NodeKind = "instagram_post_comment"
	KindInstagramStoryReply     NodeKind = "instagram_story_reply"
	KindInstagramStoryMention   NodeKind = "instagram_story_mention"
	KindWhatsAppMessageReceived NodeKind = "whatsapp_message_received"
	KindContactTagAdded         NodeKind = "contact_tag_added"
	KindContactTagRemoved       NodeKind = "contact_tag_removed"

	// Flow control
	KindCondition  NodeKind = "condition"
	KindRandomizer NodeKind = "randomizer"
	KindDelay      NodeKind = "delay"

	// Actions
	KindInstagramMessage NodeKind = "instagram_message"
	KindWhatsAppMessage  NodeKind = "whatsapp_message"
	KindAddTag           NodeKind = "add_tag"
	KindRemoveTag        NodeKind = "remove_tag"
	KindSetCustomField   NodeKind = "set_custom_field"
	KindHTTPRequest      NodeKind = "http_request"
)

// ErrUnknownNodeKind is returned when a node type is not part of the closed set.
var ErrUnknownNodeKind = errors.New("unknown node kind")

var triggerKinds = map[NodeKind]bool{
	KindInstagramDMReceived:     true,
	KindInstagramComment:        true,
	KindInstagramPostComment:    true,
	KindInstagramStoryReply:     true,
	KindInstagramStoryMention:   true,
	KindWhatsAppMessageReceived: true,
	KindContactTagAdded:         true,
	KindContactTagRemoved:       true,
}

var actionKinds = map[NodeKind]bool{
	KindInstagramMessage: true,
	KindWhatsAppMessage:  true,
	KindAddTag:           true,
	KindRemoveTag:        true,
	KindSetCustomField:   true,
	KindHTTPRequest:      true,
	KindDelay:            true,
	KindRandomizer:       true,
}

// ParseNodeKind maps a persisted node type onto the closed NodeKind set.
func ParseNodeKind(nodeType string) (NodeKind, error) {
	kind := NodeKind(strings.TrimSpace(nodeType))
	if triggerKinds[kind] || actionKinds[kind] || kind == KindCondition {
		return kind, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownNodeKind, nodeType)
}

// IsTrigger reports whether the kind starts a flow.
func (k NodeKind) IsTrigger() bool {
	return triggerKinds[k]
}

// IsAction reports whether the kind is executed by the action dispatcher.
func (k NodeKind) IsAction() bool {
	return actionKinds[k]
}

// ActionKinds returns every dispatchable kind, sorted.
func ActionKinds() []NodeKind {
	return sortedKinds(actionKinds)
}

// TriggerKinds returns every kind that can start a flow, sorted.
func TriggerKinds() []NodeKind {
	return sortedKinds(triggerKinds)
}

func sortedKinds(set map[NodeKind]bool) []NodeKind {
	kinds := make([]NodeKind, 0, len(set))
	for kind := range set {
		kinds = append(kinds, kind)
	}

	slices.Sort(kinds)

	return kinds
}

// CanonicalTriggerType folds legacy trigger type aliases into the type the registry matches on.
func CanonicalTriggerType(triggerType string) string {
	if NodeKind(triggerType) == KindInstagramComment {
		return string(KindInstagramPostComment)
	}

	return triggerType
}

// PlatformOf returns the messaging platform a trigger type belongs to, or "" when it applies to any.
func PlatformOf(triggerType string) string {
	switch {
	case strings.HasPrefix(triggerType, "instagram_"):
		return PlatformInstagram
	case strings.HasPrefix(triggerType, "whatsapp_"):
		return PlatformWhatsApp
	default:
		return ""
	}
}

const (
	PlatformInstagram = "instagram"
	PlatformWhatsApp  = "whatsapp"
)
