package tools

import (
	"context"
	"fmt"
)

// WorkflowDecisionToolName is the sentinel tool the graph watches for.
const WorkflowDecisionToolName = "workflow_decision"

// WorkflowDecisionArgs is the argument contract of the sentinel tool.
// The graph consumes the call; instruction_for_next becomes the next
// node's task prompt on back-transitions and loops.
type WorkflowDecisionArgs struct {
	NextAction         string `json:"next_action" jsonschema:"description=Next action: continue / end / back_to_boss / back_to_pm / back_to_architect / back_to_engineer / continue_development,required"`
	Reason             string `json:"reason,omitempty" jsonschema:"description=Why this decision was made"`
	InstructionForNext string `json:"instruction_for_next,omitempty" jsonschema:"description=Concrete task for the next node; required on back-transitions and loops"`
}

// WorkflowDecisionTool signals routing decisions to the orchestrator.
// It is registered so the LLM sees its schema, but the graph intercepts
// the call before normal tool execution; Execute only runs if a decision
// call slips through, and simply acknowledges it.
type WorkflowDecisionTool struct{}

// RegisterDecisionTool adds the workflow decision sentinel.
func RegisterDecisionTool(r *Registry) {
	r.Register(&WorkflowDecisionTool{})
}

func (t *WorkflowDecisionTool) Name() string { return WorkflowDecisionToolName }

func (t *WorkflowDecisionTool) Description() string {
	return `Signal the next workflow step to the orchestrator. Call this when:
- requirements are unclear and user clarification is needed: next_action="end"
- requirements/PRD/design documents have problems: next_action="back_to_boss" | "back_to_pm" | "back_to_architect"
- development tasks remain: next_action="continue_development"
- tests failed and need fixes: next_action="back_to_engineer"
- this phase is done and the next should start: next_action="continue"
On back-transitions and loops, always pass instruction_for_next with the concrete task for the next node.`
}

func (t *WorkflowDecisionTool) Parameters() map[string]any {
	return reflectSchema(&WorkflowDecisionArgs{})
}

func (t *WorkflowDecisionTool) Execute(_ context.Context, args map[string]any) string {
	action := stringArg(args, "next_action")
	reason := stringArg(args, "reason")
	if reason != "" {
		return fmt.Sprintf("Workflow decision recorded: %s (%s)", action, reason)
	}
	return fmt.Sprintf("Workflow decision recorded: %s", action)
}
