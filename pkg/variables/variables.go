// Package variables holds the per-execution variable context and resolves {{path}} placeholders
// against it.
package variables

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"strings"
	"sync"

	"github.com/spf13/cast"
)

var placeholder = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Context is the mutable key/value scope of one flow execution. Safe for concurrent use.
type Context struct {
	mu   sync.RWMutex
	vars map[string]any
}

// New creates a context seeded with a copy of initial.
func New(initial map[string]any) *Context {
	vars := make(map[string]any, len(initial))
	maps.Copy(vars, initial)

	return &Context{vars: vars}
}

// Seed builds the initial context of a flow run from its trigger data.
func Seed(executionID, orgID, flowID string, triggerData map[string]any) *Context {
	if triggerData == nil {
		triggerData = map[string]any{}
	}

	return New(map[string]any{
		"trigger_data":      triggerData,
		"customer_name":     firstOf(triggerData, "customer_name", "commenter_username"),
		"customer_username": triggerData["customer_username"],
		"customer_id":       firstOf(triggerData, "customer_id", "commenter_id"),
		"comment_text":      firstOf(triggerData, "comment_text", "message_text"),
		"message_text":      triggerData["message_text"],
		"comment_id":        triggerData["comment_id"],
		"post_id":           triggerData["post_id"],
		"conversation_id":   triggerData["conversation_id"],
		"platform":          triggerData["platform"],
		"platform_id":       triggerData["platform_id"],
		"execution_id":      executionID,
		"org_id":            orgID,
		"flow_id":           flowID,
	})
}

func firstOf(data map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := data[key]; ok && v != nil && v != "" {
			return v
		}
	}

	return nil
}

// Set stores value under key, replacing any previous value.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.vars[key] = value
}

// Get walks a dotted path through nested maps. It returns nil when any segment is missing or an
// intermediate value is not a map.
func (c *Context) Get(path string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	value, ok := lookup(c.vars, path)
	if !ok {
		return nil
	}

	return value
}

// GetString returns the value at path rendered as a string, or "" when missing.
func (c *Context) GetString(path string) string {
	value := c.Get(path)
	if value == nil {
		return ""
	}

	return stringify(value)
}

// Snapshot returns a shallow copy of the current variables.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return maps.Clone(c.vars)
}

// Resolve replaces every {{path}} placeholder in template with the value at path. Placeholders
// whose path does not resolve are left untouched.
func (c *Context) Resolve(template string) string {
	if !strings.Contains(template, "{{") {
		return template
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return placeholder.ReplaceAllStringFunc(template, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])

		value, ok := lookup(c.vars, path)
		if !ok || value == nil {
			return match
		}

		return stringify(value)
	})
}

// ResolveValue resolves placeholders in every string nested in value.
func (c *Context) ResolveValue(value any) any {
	switch v := value.(type) {
	case string:
		return c.Resolve(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = c.ResolveValue(item)
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = c.ResolveValue(item)
		}

		return out
	default:
		return value
	}
}

func lookup(vars map[string]any, path string) (any, bool) {
	var current any = vars

	for _, segment := range strings.Split(path, ".") {
		node, ok := asMap(current)
		if !ok {
			return nil, false
		}

		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

func asMap(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case map[string]any:
		return v, true
	case map[string]string:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = item
		}

		return out, true
	default:
		return nil, false
	}
}

func stringify(value any) string {
	switch value.(type) {
	case map[string]any, []any, map[string]string:
		encoded, err := json.Marshal(value)
		if err == nil {
			return string(encoded)
		}
	}

	s, err := cast.ToStringE(value)
	if err != nil {
		return fmt.Sprint(value)
	}

	return s
}
