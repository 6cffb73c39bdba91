// Package contact implements the node kinds that mutate the contact behind a conversation.
package contact

import (
	"context"
	"fmt"

	"github.com/spf13/cast"

	"github.com/dukex/convoflow/pkg/actions"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/protocol"
)

// TagHandler adds or removes a contact tag. Both directions are idempotent.
type TagHandler struct {
	kind  models.NodeKind
	store protocol.ContactStore
}

func NewAddTag(store protocol.ContactStore) *TagHandler {
	return &TagHandler{kind: models.KindAddTag, store: store}
}

func NewRemoveTag(store protocol.ContactStore) *TagHandler {
	return &TagHandler{kind: models.KindRemoveTag, store: store}
}

func (h *TagHandler) Kind() models.NodeKind {
	return h.kind
}

func (h *TagHandler) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tag": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Tag name. Supports {{variable}} placeholders.",
			},
		},
		"required": []any{"tag"},
	}
}

func (h *TagHandler) Execute(ctx context.Context, run *actions.Run, node actions.Node) (*actions.Outcome, error) {
	action := "tag_added"
	if h.kind == models.KindRemoveTag {
		action = "tag_removed"
	}

	tag := run.Vars.Resolve(cast.ToString(node.Config["tag"]))
	conversationID := run.Trigger("conversation_id")

	if tag == "" || conversationID == "" {
		err := fmt.Errorf("%w: tag and conversation_id are required", actions.ErrMissingContext)
		run.Log(node, action, err.Error(), false, nil)

		return nil, err
	}

	var (
		changed bool
		err     error
	)

	if h.kind == models.KindAddTag {
		changed, err = h.store.AddTag(ctx, run.OrgID, conversationID, tag)
	} else {
		changed, err = h.store.RemoveTag(ctx, run.OrgID, conversationID, tag)
	}

	if err != nil {
		run.Log(node, action, fmt.Sprintf("Failed to update tag %q: %v", tag, err), false, nil)

		return nil, fmt.Errorf("failed to update tag %q: %w", tag, err)
	}

	message := fmt.Sprintf("Tag %q updated", tag)
	if !changed {
		message = fmt.Sprintf("Tag %q already in the requested state", tag)
	}

	run.Log(node, action, message, true, map[string]any{"tag": tag, "changed": changed})

	return nil, nil
}

// FieldHandler upserts a custom field on the contact.
type FieldHandler struct {
	store protocol.ContactStore
}

func NewSetField(store protocol.ContactStore) *FieldHandler {
	return &FieldHandler{store: store}
}

func (h *FieldHandler) Kind() models.NodeKind {
	return models.KindSetCustomField
}

func (h *FieldHandler) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"fieldName": map[string]any{
				"type":      "string",
				"minLength": 1,
			},
			"fieldValue": map[string]any{
				"description": "Value to store. Strings support {{variable}} placeholders.",
			},
		},
		"required": []any{"fieldName"},
	}
}

func (h *FieldHandler) Execute(ctx context.Context, run *actions.Run, node actions.Node) (*actions.Outcome, error) {
	const action = "field_set"

	name := run.Vars.Resolve(cast.ToString(node.Config["fieldName"]))
	value := run.Vars.ResolveValue(node.Config["fieldValue"])
	conversationID := run.Trigger("conversation_id")

	if name == "" || conversationID == "" {
		err := fmt.Errorf("%w: fieldName and conversation_id are required", actions.ErrMissingContext)
		run.Log(node, action, err.Error(), false, nil)

		return nil, err
	}

	changed, err := h.store.SetField(ctx, run.OrgID, conversationID, name, value)
	if err != nil {
		run.Log(node, action, fmt.Sprintf("Failed to set field %q: %v", name, err), false, map[string]any{"field": name})

		return nil, fmt.Errorf("failed to set field %q: %w", name, err)
	}

	run.Log(node, action, fmt.Sprintf("Custom field %q set", name), true, map[string]any{
		"field":   name,
		"value":   value,
		"changed": changed,
	})

	return nil, nil
}
