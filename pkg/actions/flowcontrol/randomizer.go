package flowcontrol

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/dukex/convoflow/pkg/actions"
	"github.com/dukex/convoflow/pkg/models"
)

// RandomizerHandler picks one outgoing connection uniformly at random.
type RandomizerHandler struct {
	intN func(n int) int
}

func NewRandomizer() *RandomizerHandler {
	return &RandomizerHandler{intN: rand.IntN}
}

func (h *RandomizerHandler) Kind() models.NodeKind {
	return models.KindRandomizer
}

func (h *RandomizerHandler) Schema() map[string]any {
	return nil
}

// Execute returns an Outcome restricted to the chosen target, or an empty one when the node has
// no outgoing connections.
func (h *RandomizerHandler) Execute(_ context.Context, run *actions.Run, node actions.Node) (*actions.Outcome, error) {
	if len(node.Targets) == 0 {
		run.Log(node, models.LogActionPathSelected, "No outgoing paths", true, nil)

		return &actions.Outcome{Targets: []string{}}, nil
	}

	selected := node.Targets[h.intN(len(node.Targets))]

	run.Log(node, models.LogActionPathSelected, fmt.Sprintf("Randomly selected path to: %s", selected), true,
		map[string]any{"selected": selected, "options": node.Targets})

	return &actions.Outcome{Targets: []string{selected}}, nil
}
