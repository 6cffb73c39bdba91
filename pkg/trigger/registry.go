// Package trigger maintains the trigger registrations of published flows and matches inbound
// events against them.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
)

// Registry projects published flows into matchable registrations.
type Registry struct {
	triggers persistence.TriggerRepository
	logger   *slog.Logger
	now      func() time.Time
}

func NewRegistry(triggers persistence.TriggerRepository, logger *slog.Logger) *Registry {
	return &Registry{
		triggers: triggers,
		logger:   logger.With("module", "trigger_registry"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register replaces the registrations of flow with one per trigger and returns their ids.
func (r *Registry) Register(ctx context.Context, flow *models.Flow) ([]string, error) {
	registrations := BuildRegistrations(flow, r.now())

	err := r.triggers.ReplaceForFlow(ctx, flow.ID, registrations)
	if err != nil {
		return nil, fmt.Errorf("failed to register triggers of flow %s: %w", flow.ID, err)
	}

	ids := make([]string, 0, len(registrations))
	for _, reg := range registrations {
		ids = append(ids, reg.ID)
	}

	r.logger.InfoContext(ctx, "Registered flow triggers", "flow_id", flow.ID, "org_id", flow.OrgID, "trigger_ids", ids)

	return ids, nil
}

// Deactivate stops every registration of flowID from matching.
func (r *Registry) Deactivate(ctx context.Context, flowID string) (int, error) {
	count, err := r.triggers.DeactivateByFlow(ctx, flowID)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate triggers of flow %s: %w", flowID, err)
	}

	r.logger.InfoContext(ctx, "Deactivated flow triggers", "flow_id", flowID, "count", count)

	return count, nil
}

// FindMatching returns every active registration of orgID that an event fires and stamps
// their last_triggered_at.
func (r *Registry) FindMatching(ctx context.Context, orgID, platform, eventType string, triggerData map[string]any) ([]*models.TriggerRegistration, error) {
	triggerType := models.TriggerTypeForEvent(eventType, platform)

	candidates, err := r.triggers.FindActive(ctx, orgID, triggerType)
	if err != nil {
		return nil, fmt.Errorf("failed to find registrations for %s: %w", triggerType, err)
	}

	var matched []*models.TriggerRegistration

	for _, reg := range candidates {
		if reg.Platform != "" && platform != "" && reg.Platform != platform {
			continue
		}

		if Matches(reg.Filters, triggerData) {
			r.Touch(ctx, reg.ID)
			matched = append(matched, reg)
		}
	}

	r.logger.DebugContext(ctx, "Matched trigger registrations",
		"org_id", orgID, "trigger_type", triggerType, "candidates", len(candidates), "matched", len(matched))

	return matched, nil
}

// Touch stamps last_triggered_at on a registration. Failures are logged, not returned.
func (r *Registry) Touch(ctx context.Context, triggerID string) {
	err := r.triggers.Touch(ctx, triggerID, r.now())
	if err != nil {
		r.logger.WarnContext(ctx, "Failed to update last_triggered_at", "trigger_id", triggerID, "error", err)
	}
}

// Matches applies registration filters to trigger data. Empty filters match anything.
func Matches(filters models.TriggerFilters, triggerData map[string]any) bool {
	if filters.Keyword != "" {
		text := strings.ToLower(models.StringField(triggerData, "message_text"))
		if !strings.Contains(text, strings.ToLower(filters.Keyword)) {
			return false
		}
	}

	if filters.PostID != "" && models.StringField(triggerData, "post_id") != filters.PostID {
		return false
	}

	if filters.StoryID != "" && models.StringField(triggerData, "story_id") != filters.StoryID {
		return false
	}

	if filters.Tag != "" && models.StringField(triggerData, "tag") != filters.Tag {
		return false
	}

	return true
}

// BuildRegistrations derives one active registration per trigger of flow.
func BuildRegistrations(flow *models.Flow, now time.Time) []*models.TriggerRegistration {
	registrations := make([]*models.TriggerRegistration, 0, len(flow.FlowData.Triggers))

	for index, trig := range flow.FlowData.Triggers {
		if trig == nil {
			continue
		}

		node := flow.FlowData.Node(trig.StartNodeID)

		triggerType := trig.Type
		if triggerType == "" && node != nil {
			triggerType = node.Type
		}

		triggerType = models.CanonicalTriggerType(triggerType)

		platform := models.PlatformOf(triggerType)
		if node != nil && node.App != "" {
			platform = node.App
		}

		registrations = append(registrations, &models.TriggerRegistration{
			ID:           models.TriggerRegistrationID(flow.ID, index),
			FlowID:       flow.ID,
			OrgID:        flow.OrgID,
			Platform:     platform,
			TriggerType:  triggerType,
			Filters:      buildFilters(trig.Config, node),
			StartNodeID:  trig.StartNodeID,
			Status:       models.RegistrationStatusActive,
			RegisteredAt: now,
		})
	}

	return registrations
}

func buildFilters(config map[string]any, node *models.Node) models.TriggerFilters {
	pick := func(key string) string {
		if v := models.StringField(config, key); v != "" {
			return v
		}

		if nested, ok := config["filters"].(map[string]any); ok {
			if v := models.StringField(nested, key); v != "" {
				return v
			}
		}

		if node != nil {
			return node.ConfigString(key)
		}

		return ""
	}

	return models.TriggerFilters{
		Keyword: pick("keyword"),
		PostID:  pick("post_id"),
		StoryID: pick("story_id"),
		Tag:     pick("tag"),
	}
}
