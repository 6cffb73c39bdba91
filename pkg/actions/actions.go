// Package actions dispatches flow nodes to the handler of their kind and validates node
// configuration against each handler's JSON schema.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/dukex/convoflow/pkg/ledger"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/variables"
)

var (
	// ErrNoHandler is returned when no handler is registered for a node kind.
	ErrNoHandler = errors.New("no handler registered for node kind")
	// ErrInvalidConfig is returned when a node config does not satisfy its handler's schema.
	ErrInvalidConfig = errors.New("invalid node config")
	// ErrMissingContext is returned when trigger data lacks an identifier an action needs.
	ErrMissingContext = errors.New("missing identifier in trigger data")
)

// Run is the execution state handed to handlers.
type Run struct {
	ExecutionID string
	OrgID       string
	FlowID      string
	TriggerData map[string]any
	Vars        *variables.Context
	Recorder    *ledger.Recorder
	Logger      *slog.Logger
}

// Log appends a ledger entry for nodeID.
func (r *Run) Log(node Node, action, message string, success bool, details map[string]any) {
	if r.Recorder != nil {
		r.Recorder.Log(node.ID, string(node.Kind), action, message, success, details)
	}
}

// Trigger reads a string field of the trigger data.
func (r *Run) Trigger(key string) string {
	return models.StringField(r.TriggerData, key)
}

// Node is the node being executed.
type Node struct {
	ID     string
	Kind   models.NodeKind
	Config map[string]any
	// Targets are the ids of the nodes reachable through the node's outgoing connections.
	Targets []string
}

// Outcome tells the executor which outgoing connections to follow. A nil Outcome follows all.
type Outcome struct {
	Targets []string
}

// Handler executes one node kind.
type Handler interface {
	Kind() models.NodeKind
	// Schema returns the JSON schema of the node config, or nil when any config is accepted.
	Schema() map[string]any
	Execute(ctx context.Context, run *Run, node Node) (*Outcome, error)
}

// Descriptor describes a dispatchable node kind.
type Descriptor struct {
	Kind   models.NodeKind `json:"kind"`
	Schema map[string]any  `json:"schema,omitempty"`
}

// Dispatcher routes nodes to their handlers.
type Dispatcher struct {
	handlers map[models.NodeKind]Handler
	logger   *slog.Logger
}

func NewDispatcher(logger *slog.Logger, handlers ...Handler) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[models.NodeKind]Handler, len(handlers)),
		logger:   logger.With("module", "action_dispatcher"),
	}

	for _, h := range handlers {
		d.Register(h)
	}

	return d
}

// Register adds or replaces the handler for its kind.
func (d *Dispatcher) Register(handler Handler) {
	d.handlers[handler.Kind()] = handler
}

// Handles reports whether a handler exists for kind.
func (d *Dispatcher) Handles(kind models.NodeKind) bool {
	_, ok := d.handlers[kind]

	return ok
}

// Dispatch executes node with its kind's handler.
func (d *Dispatcher) Dispatch(ctx context.Context, run *Run, node Node) (*Outcome, error) {
	handler, ok := d.handlers[node.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, node.Kind)
	}

	if node.Config == nil {
		node.Config = map[string]any{}
	}

	d.logger.DebugContext(ctx, "Dispatching node",
		"execution_id", run.ExecutionID, "node_id", node.ID, "kind", node.Kind)

	return handler.Execute(ctx, run, node)
}

// Validate checks config against the schema of kind's handler.
func (d *Dispatcher) Validate(kind models.NodeKind, config map[string]any) error {
	handler, ok := d.handlers[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, kind)
	}

	return ValidateSchema(handler.Schema(), config)
}

// Descriptors lists every registered kind with its schema, sorted by kind.
func (d *Dispatcher) Descriptors() []Descriptor {
	descriptors := make([]Descriptor, 0, len(d.handlers))
	for kind, h := range d.handlers {
		descriptors = append(descriptors, Descriptor{Kind: kind, Schema: h.Schema()})
	}

	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Kind < descriptors[j].Kind
	})

	return descriptors
}

// ValidateSchema validates config against a JSON schema. A nil schema accepts anything.
func ValidateSchema(schema map[string]any, config map[string]any) error {
	if schema == nil {
		return nil
	}

	if config == nil {
		config = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}

	return nil
}
