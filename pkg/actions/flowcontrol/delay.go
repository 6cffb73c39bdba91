// Package flowcontrol implements the delay and randomizer node kinds.
package flowcontrol

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cast"

	"github.com/dukex/convoflow/pkg/actions"
	"github.com/dukex/convoflow/pkg/models"
)

// MaxInlineDelay caps a delay executed inside a synchronous run.
const MaxInlineDelay = 5 * time.Minute

var units = map[string]time.Duration{
	"seconds": time.Second,
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
}

// DelayDuration converts a delay config ({amount, unit}) to a duration. Amount defaults to 1 and
// unit to seconds.
func DelayDuration(config map[string]any) time.Duration {
	amount := 1.0
	if raw, ok := config["amount"]; ok && raw != nil {
		amount = cast.ToFloat64(raw)
	}

	if amount < 0 {
		amount = 0
	}

	unit, ok := units[cast.ToString(config["unit"])]
	if !ok {
		unit = time.Second
	}

	return time.Duration(amount * float64(unit))
}

// DelayHandler pauses the run for at most MaxInlineDelay.
type DelayHandler struct {
	wait func(ctx context.Context, d time.Duration) error
}

func NewDelay() *DelayHandler {
	return &DelayHandler{wait: sleep}
}

func (h *DelayHandler) Kind() models.NodeKind {
	return models.KindDelay
}

func (h *DelayHandler) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"amount": map[string]any{
				"type":    "number",
				"minimum": 0,
				"default": 1,
			},
			"unit": map[string]any{
				"type":    "string",
				"enum":    []any{"seconds", "minutes", "hours", "days"},
				"default": "seconds",
			},
		},
	}
}

func (h *DelayHandler) Execute(ctx context.Context, run *actions.Run, node actions.Node) (*actions.Outcome, error) {
	delay := min(DelayDuration(node.Config), MaxInlineDelay)

	run.Log(node, "delay_start", fmt.Sprintf("Starting delay: %s", delay), true, map[string]any{"seconds": delay.Seconds()})

	err := h.wait(ctx, delay)
	if err != nil {
		return nil, fmt.Errorf("delay interrupted: %w", err)
	}

	run.Log(node, models.LogActionDelayComplete, "Delay completed", true, nil)

	return nil, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
