package services

import (
	"fmt"
	"sort"

	"github.com/dukex/convoflow/pkg/actions"
	"github.com/dukex/convoflow/pkg/condition"
	"github.com/dukex/convoflow/pkg/models"
)

var conditionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"variable": map[string]any{"type": "string", "minLength": 1},
		"operator": map[string]any{"type": "string", "enum": operatorEnum()},
		"value":    map[string]any{},
	},
	"required": []any{"variable", "operator"},
}

func operatorEnum() []any {
	ops := condition.Operators()
	enum := make([]any, 0, len(ops))

	for _, op := range ops {
		enum = append(enum, string(op))
	}

	return enum
}

// ValidateStructure checks that every connection and trigger references an existing node.
func ValidateStructure(data models.FlowData) []string {
	var issues []string

	for i, conn := range data.Connections {
		if conn == nil {
			issues = append(issues, fmt.Sprintf("connection %d is empty", i))

			continue
		}

		if data.Node(conn.Source) == nil {
			issues = append(issues, fmt.Sprintf("connection source %q not found in nodes", conn.Source))
		}

		if data.Node(conn.Target) == nil {
			issues = append(issues, fmt.Sprintf("connection target %q not found in nodes", conn.Target))
		}
	}

	for i, trig := range data.Triggers {
		if trig == nil || trig.StartNodeID == "" {
			issues = append(issues, fmt.Sprintf("trigger %d has no start_node_id", i))

			continue
		}

		if data.Node(trig.StartNodeID) == nil {
			issues = append(issues, fmt.Sprintf("trigger start_node_id %q not found in nodes", trig.StartNodeID))
		}
	}

	return issues
}

// ValidateForPublish returns every problem that prevents flow from executing: dangling references,
// missing or unknown triggers, unknown node kinds, invalid node configs and cycles.
func ValidateForPublish(flow *models.Flow, dispatcher *actions.Dispatcher) []string {
	issues := ValidateStructure(flow.FlowData)

	if len(flow.FlowData.Triggers) == 0 {
		issues = append(issues, ErrTriggerRequired.Error())
	}

	for i, trig := range flow.FlowData.Triggers {
		if trig == nil {
			continue
		}

		triggerType := trig.Type
		if node := flow.FlowData.Node(trig.StartNodeID); triggerType == "" && node != nil {
			triggerType = node.Type
		}

		kind, err := models.ParseNodeKind(models.CanonicalTriggerType(triggerType))
		if err != nil || !kind.IsTrigger() {
			issues = append(issues, fmt.Sprintf("trigger %d has unsupported type %q", i, triggerType))
		}
	}

	ids := make([]string, 0, len(flow.FlowData.Nodes))
	for id := range flow.FlowData.Nodes {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		issues = append(issues, validateNode(id, flow.FlowData.Nodes[id], dispatcher)...)
	}

	if cycle := findCycle(flow.FlowData); cycle != "" {
		issues = append(issues, fmt.Sprintf("flow contains a cycle through node %q", cycle))
	}

	return issues
}

func validateNode(id string, node *models.Node, dispatcher *actions.Dispatcher) []string {
	if node == nil {
		return []string{fmt.Sprintf("node %q is empty", id)}
	}

	kind, err := models.ParseNodeKind(node.Type)
	if err != nil {
		return []string{fmt.Sprintf("node %q: %v", id, err)}
	}

	switch {
	case kind.IsTrigger():
		return nil
	case kind == models.KindCondition:
		err = actions.ValidateSchema(conditionSchema, node.Config)
	case dispatcher != nil:
		err = dispatcher.Validate(kind, node.Config)
	}

	if err != nil {
		return []string{fmt.Sprintf("node %q (%s): %v", id, kind, err)}
	}

	return nil
}

// findCycle returns a node on a directed cycle, or "" when the graph is acyclic.
func findCycle(data models.FlowData) string {
	const (
		unvisited = iota
		visiting
		done
	)

	adjacency := make(map[string][]string, len(data.Nodes))
	for _, conn := range data.Connections {
		if conn != nil {
			adjacency[conn.Source] = append(adjacency[conn.Source], conn.Target)
		}
	}

	state := make(map[string]int, len(data.Nodes))

	var visit func(id string) string

	visit = func(id string) string {
		state[id] = visiting

		for _, next := range adjacency[id] {
			switch state[next] {
			case visiting:
				return next
			case unvisited:
				if found := visit(next); found != "" {
					return found
				}
			}
		}

		state[id] = done

		return ""
	}

	ids := make([]string, 0, len(adjacency))
	for id := range adjacency {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		if state[id] == unvisited {
			if found := visit(id); found != "" {
				return found
			}
		}
	}

	return ""
}
