package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cast"

	"github.com/dukex/convoflow/pkg/actions"
	"github.com/dukex/convoflow/pkg/actions/flowcontrol"
	"github.com/dukex/convoflow/pkg/condition"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/scheduler"
)

// walk executes nodeID and recurses into the targets it selects. path holds the node ids on the
// current branch; diamonds are allowed, revisits on one branch are not.
func (e *Executor) walk(ctx context.Context, x *execution, nodeID string, parentKind models.NodeKind, path map[string]bool) error {
	if err := ctx.Err(); err != nil {
		return &NodeError{NodeID: nodeID, Err: err}
	}

	if path[nodeID] {
		return &NodeError{NodeID: nodeID, Err: fmt.Errorf("%w at node %s", ErrCycle, nodeID)}
	}

	node := x.flow.FlowData.Node(nodeID)
	if node == nil {
		x.recorder.Log(nodeID, "unknown", models.LogActionNodeNotFound,
			fmt.Sprintf("Node %s not found in flow", nodeID), false, nil)
		x.logger.WarnContext(ctx, "Node not found", "node_id", nodeID)

		return nil
	}

	path[nodeID] = true
	defer delete(path, nodeID)

	x.current = nodeID
	kind := models.NodeKind(node.Type)

	x.recorder.Log(nodeID, node.Type, models.LogActionNodeStart, "Executing "+node.Type, true, nil)

	outgoing := x.flow.FlowData.Outgoing(nodeID)
	targets := make([]string, 0, len(outgoing))
	handles := make([]string, 0, len(outgoing))

	for _, conn := range outgoing {
		targets = append(targets, conn.Target)
		handles = append(handles, conn.SourceHandle)
	}

	next := targets

	switch {
	case kind.IsTrigger():
		x.recorder.Log(nodeID, node.Type, models.LogActionTrigger, "Trigger activated", true, nil)

	case kind == models.KindCondition:
		next = e.evaluate(x, nodeID, node, handles, targets)

	case kind == models.KindDelay && e.deferrable(x, parentKind):
		return e.scheduleDelay(ctx, x, nodeID, node)

	default:
		outcome, err := e.dispatcher.Dispatch(ctx, x.run, actions.Node{
			ID:      nodeID,
			Kind:    kind,
			Config:  node.Config,
			Targets: targets,
		})
		if err != nil {
			if ctx.Err() != nil {
				return &NodeError{NodeID: nodeID, Err: err}
			}

			x.recorder.Log(nodeID, node.Type, models.LogActionNodeError, err.Error(), false, nil)
			x.logger.WarnContext(ctx, "Node failed, continuing", "node_id", nodeID, "kind", kind, "error", err)
		}

		if outcome != nil {
			next = outcome.Targets
		}
	}

	for _, target := range next {
		err := e.walk(ctx, x, target, kind, path)
		if err != nil {
			return err
		}
	}

	return nil
}

func (e *Executor) evaluate(x *execution, nodeID string, node *models.Node, handles, targets []string) []string {
	variable := node.ConfigString("variable")
	operator := condition.Operator(node.ConfigString("operator"))
	value := node.Config["value"]

	result := condition.Evaluate(x.run.Vars, variable, operator, value)
	branch := condition.Route(result, handles, targets)

	x.recorder.Log(nodeID, node.Type, models.LogActionConditionEval,
		fmt.Sprintf("Condition evaluated: %s %s %v = %t", variable, operator, value, result), true,
		map[string]any{"result": result, "variable_value": x.run.Vars.Get(variable)})

	if branch.Fallback {
		x.recorder.Log(nodeID, node.Type, models.LogActionConditionFallback,
			"No connection encodes the result, following all paths", true,
			map[string]any{"result": result})
	}

	return branch.Targets
}

// deferrable reports whether a delay is handed to the durable scheduler: the first step after a
// trigger, or any delay of a resumed run, which must not outlive the job timeout.
func (e *Executor) deferrable(x *execution, parentKind models.NodeKind) bool {
	if e.scheduler == nil || x.run.Vars.GetString("conversation_id") == "" {
		return false
	}

	return x.resumed || parentKind == "" || parentKind.IsTrigger()
}

func (e *Executor) scheduleDelay(ctx context.Context, x *execution, nodeID string, node *models.Node) error {
	delay := flowcontrol.DelayDuration(node.Config)
	fireAt := time.Now().UTC().Add(delay)

	jobID, err := e.scheduler.Schedule(ctx, scheduler.ScheduleRequest{
		OrgID:          x.flow.OrgID,
		FlowID:         x.flow.ID,
		ConversationID: x.run.Vars.GetString("conversation_id"),
		FireAt:         fireAt,
		StartNodeID:    nodeID,
		TriggerType:    x.triggerType,
		TriggerData:    x.run.TriggerData,
	})
	if err != nil {
		x.recorder.Log(nodeID, node.Type, models.LogActionNodeError,
			fmt.Sprintf("Failed to schedule delay: %v", err), false, nil)
		x.logger.ErrorContext(ctx, "Failed to schedule delay", "node_id", nodeID, "error", err)

		return nil
	}

	if !x.resumed {
		x.recorder.SetScheduledJob(jobID)
	}

	x.recorder.Log(nodeID, node.Type, models.LogActionDelayScheduled,
		fmt.Sprintf("Scheduled continuation in %s", delay), true,
		map[string]any{
			"job_id":        jobID,
			"fire_at":       fireAt.Format(time.RFC3339),
			"delay_seconds": cast.ToInt64(delay.Seconds()),
		})
	x.logger.InfoContext(ctx, "Delay scheduled", "node_id", nodeID, "job_id", jobID, "fire_at", fireAt)

	return nil
}
