// Package graph orchestrates the multi-agent team workflow: intent
// entry, fixed routing between role nodes, and decision-driven
// transitions, streamed to the caller as tagged items.
package graph

import (
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
)

// End is the terminal routing target.
const End = "END"

// actionToAgent maps (current node, next_action) to the next node.
// Unknown actions fall back to the node's "continue" successor.
var actionToAgent = map[string]map[string]string{
	"boss": {
		"continue": "product_manager",
		"end":      End,
	},
	"product_manager": {
		"continue":     "architect",
		"back_to_boss": "boss",
		"end":          End,
	},
	"architect": {
		"continue":   "project_manager",
		"back_to_pm": "product_manager",
		"end":        End,
	},
	"project_manager": {
		"continue":          "engineer",
		"back_to_architect": "architect",
		"back_to_pm":        "product_manager",
		"end":               End,
	},
	"engineer": {
		"continue":             "qa",
		"continue_development": "engineer",
		"back_to_architect":    "architect",
		"end":                  End,
	},
	"qa": {
		"continue":         End,
		"back_to_engineer": "engineer",
		"end":              End,
	},
}

// ResolveNext maps a decision to the next node. The second return is
// false when the action was unknown for the node and the linear
// successor was used instead.
func ResolveNext(current, action string) (string, bool) {
	mapping, ok := actionToAgent[current]
	if !ok {
		return End, false
	}
	if next, ok := mapping[action]; ok {
		return next, true
	}
	if next, ok := mapping["continue"]; ok {
		return next, false
	}
	return End, false
}

// TeamState is the shared blackboard passed between nodes. It lives for
// one graph run and is discarded afterwards; durable state is in the
// stores.
type TeamState struct {
	// Messages is the running history: prior persisted turns plus the
	// labeled node summaries appended during this run.
	Messages []*models.Message
	Stage    models.Stage

	WorkspaceID string
	Framework   models.Framework

	// Documents records per-role artifact paths as nodes report them.
	Documents map[string]string

	// NextInstruction overrides the next node's default task prompt.
	// Set from instruction_for_next, cleared after use.
	NextInstruction string

	// Transitions counts node executions this run.
	Transitions int
	// LastDecision is the most recent next_action.
	LastDecision string
}

// NewTeamState builds a run-scoped state over the loaded history.
func NewTeamState(workspaceID string, framework models.Framework, history []*models.Message) *TeamState {
	return &TeamState{
		Messages:    history,
		Stage:       models.StageRequirement,
		WorkspaceID: workspaceID,
		Framework:   framework,
		Documents:   make(map[string]string),
	}
}
