package models

import (
	"fmt"
	"time"
)

// RegistrationStatus represents whether a trigger registration is matched against inbound events.
type RegistrationStatus string

const (
	RegistrationStatusActive   RegistrationStatus = "active"
	RegistrationStatusInactive RegistrationStatus = "inactive"
)

// TriggerFilters narrow which events of a trigger type fire a flow. Empty fields match anything.
type TriggerFilters struct {
	Keyword string `json:"keyword,omitempty"  bson:"keyword,omitempty"`
	PostID  string `json:"post_id,omitempty"  bson:"post_id,omitempty"`
	StoryID string `json:"story_id,omitempty" bson:"story_id,omitempty"`
	Tag     string `json:"tag,omitempty"      bson:"tag,omitempty"`
}

// TriggerRegistration is the matchable form of one trigger of a published flow.
type TriggerRegistration struct {
	ID              string             `json:"trigger_id"                  bson:"_id"`
	FlowID          string             `json:"flow_id"                     bson:"flow_id"`
	OrgID           string             `json:"org_id"                      bson:"org_id"`
	Platform        string             `json:"platform,omitempty"          bson:"platform"`
	TriggerType     string             `json:"trigger_type"                bson:"trigger_type"`
	Filters         TriggerFilters     `json:"filters"                     bson:"filters"`
	StartNodeID     string             `json:"start_node_id"               bson:"start_node_id"`
	Status          RegistrationStatus `json:"status"                      bson:"status"`
	RegisteredAt    time.Time          `json:"registered_at"               bson:"registered_at"`
	LastTriggeredAt *time.Time         `json:"last_triggered_at,omitempty" bson:"last_triggered_at"`
}

// TriggerRegistrationID derives the stable id for the trigger at index of a flow.
func TriggerRegistrationID(flowID string, index int) string {
	return fmt.Sprintf("trigger_%s_%d", flowID, index)
}
