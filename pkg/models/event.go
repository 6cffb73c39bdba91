package models

// Event types emitted by the platform webhook layer after normalization.
const (
	EventMessageReceived = "message_received"
	EventStoryMention    = "story_mention"
	EventStoryReply      = "story_reply"
	EventPostComment     = "post_comment"
	EventTagAdded        = "tag_added"
	EventTagRemoved      = "tag_removed"
)

// InboundEvent is a normalized platform event handed to the automation engine.
type InboundEvent struct {
	OrgID       string         `json:"org_id"               validate:"required"`
	Platform    string         `json:"platform"             validate:"required"`
	EventType   string         `json:"event_type"           validate:"required"`
	MessageID   string         `json:"message_id,omitempty"`
	TriggerData map[string]any `json:"trigger_data"`
}

// TriggerTypeForEvent maps a normalized event type onto the canonical trigger type.
func TriggerTypeForEvent(eventType, platform string) string {
	switch eventType {
	case EventMessageReceived:
		if platform == PlatformWhatsApp {
			return string(KindWhatsAppMessageReceived)
		}

		return string(KindInstagramDMReceived)
	case EventStoryMention:
		return string(KindInstagramStoryMention)
	case EventStoryReply:
		return string(KindInstagramStoryReply)
	case EventPostComment:
		return string(KindInstagramPostComment)
	case EventTagAdded:
		return string(KindContactTagAdded)
	case EventTagRemoved:
		return string(KindContactTagRemoved)
	default:
		return eventType
	}
}

// ConversationID extracts the conversation id carried by trigger data.
func ConversationID(triggerData map[string]any) string {
	return StringField(triggerData, "conversation_id")
}

// StringField reads a string value from a loosely typed map.
func StringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}

	if s, ok := data[key].(string); ok {
		return s
	}

	return ""
}
