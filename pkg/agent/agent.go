// Package agent defines the team roles and the tool-calling invocation
// loop that drives a single graph node turn. Agents are stateless: all
// conversation state lives in the message history passed in and the
// stores reached through agentctx.
package agent

import (
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
)

// Role names. These double as graph node names and as the agent_name
// carried on events.
const (
	RoleBoss           = "boss"
	RoleProductManager = "product_manager"
	RoleArchitect      = "architect"
	RoleProjectManager = "project_manager"
	RoleEngineer       = "engineer"
	RoleQA             = "qa"
)

// Agent is a role definition: prompt, tool subset and the workflow
// stage the role's node moves the team into.
type Agent struct {
	Name         string
	Stage        models.Stage
	SystemPrompt string
	// DefaultTask is the task prompt used on first entry into the node.
	// Back-transitions and loops override it via instruction_for_next.
	// Occurrences of {framework} are substituted at invocation time.
	DefaultTask string
	// ToolNames selects the registry subset exposed to the LLM.
	ToolNames []string
	// Label prefixes the node's summary message in the shared history.
	Label string
}

// Decision is a parsed workflow_decision call.
type Decision struct {
	NextAction         string
	Reason             string
	InstructionForNext string
}
