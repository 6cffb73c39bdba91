// Package models defines the core domain models for graph-shaped messaging automations.
package models

import "time"

// FlowStatus represents the lifecycle state of a flow.
type FlowStatus string

const (
	FlowStatusDraft     FlowStatus = "draft"     // Editable, not executable
	FlowStatusPublished FlowStatus = "published" // Triggers registered, executable
)

// Flow is an organization-owned automation graph.
type Flow struct {
	ID             string     `json:"id"                         bson:"_id"`
	OrgID          string     `json:"org_id"                     bson:"org_id"           validate:"required"`
	Name           string     `json:"name"                       bson:"name"             validate:"required,min=3"`
	Description    string     `json:"description"                bson:"description"`
	Status         FlowStatus `json:"status"                     bson:"status"           validate:"required,oneof=draft published"`
	Version        int        `json:"version"                    bson:"version"`
	FlowData       FlowData   `json:"flow_data"                  bson:"flow_data"`
	CreatedBy      string     `json:"created_by,omitempty"       bson:"created_by"`
	ExecutionCount int64      `json:"execution_count"            bson:"execution_count"`
	CreatedAt      time.Time  `json:"created_at"                 bson:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"                 bson:"updated_at"`
	PublishedAt    *time.Time `json:"published_at,omitempty"     bson:"published_at"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty" bson:"last_executed_at"`
}

// FlowData is the graph definition of a flow.
type FlowData struct {
	Nodes       map[string]*Node `json:"nodes"       bson:"nodes"`
	Connections []*Connection    `json:"connections" bson:"connections"`
	Triggers    []*FlowTrigger   `json:"triggers"    bson:"triggers"`
}

// Node is a single step of the graph. Type is parsed into a NodeKind at publish time.
type Node struct {
	Type   string         `json:"type"          bson:"type"`
	App    string         `json:"app,omitempty" bson:"app,omitempty"`
	Config map[string]any `json:"config"        bson:"config"`
}

// Connection is a directed edge between two nodes.
type Connection struct {
	Source       string `json:"source"                  bson:"source"`
	Target       string `json:"target"                  bson:"target"`
	SourceHandle string `json:"source_handle,omitempty" bson:"source_handle,omitempty"`
}

// FlowTrigger binds a trigger type and its filters to the node the walk starts from.
type FlowTrigger struct {
	Type        string         `json:"type"          bson:"type"`
	Config      map[string]any `json:"config"        bson:"config"`
	StartNodeID string         `json:"start_node_id" bson:"start_node_id"`
}

// IsPublished reports whether the flow is currently executable.
func (f *Flow) IsPublished() bool {
	return f.Status == FlowStatusPublished
}

// Node returns the node with the given id, or nil.
func (d *FlowData) Node(id string) *Node {
	if d.Nodes == nil {
		return nil
	}

	return d.Nodes[id]
}

// Outgoing returns the connections leaving nodeID in declaration order.
func (d *FlowData) Outgoing(nodeID string) []*Connection {
	var out []*Connection

	for _, conn := range d.Connections {
		if conn != nil && conn.Source == nodeID {
			out = append(out, conn)
		}
	}

	return out
}

// Incoming returns the connections entering nodeID in declaration order.
func (d *FlowData) Incoming(nodeID string) []*Connection {
	var in []*Connection

	for _, conn := range d.Connections {
		if conn != nil && conn.Target == nodeID {
			in = append(in, conn)
		}
	}

	return in
}

// ConfigString reads a string config value, returning "" when absent or not a string.
func (n *Node) ConfigString(key string) string {
	if n == nil || n.Config == nil {
		return ""
	}

	if s, ok := n.Config[key].(string); ok {
		return s
	}

	return ""
}
