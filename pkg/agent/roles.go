package agent

import "github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"

const workspaceConstraint = `All file paths are relative to the workspace root. ` +
	`Never write outside the workspace. Project documents live at the workspace root ` +
	`(requirements.md, prd.md, design.md, tasks.md, test_report.md); application code ` +
	`lives under the framework's conventional layout.`

const decisionInstruction = `When your phase is done, call workflow_decision exactly once:
- phase complete, hand off to the next role: next_action="continue"
- requirements unclear, the user must answer first: next_action="end"
- an upstream document needs rework: next_action="back_to_boss" / "back_to_pm" / "back_to_architect"
On back-transitions always set instruction_for_next describing the concrete fix needed.`

var roles = map[string]*Agent{
	RoleBoss: {
		Name:  RoleBoss,
		Stage: models.StageRequirement,
		Label: "Boss",
		SystemPrompt: `You are an experienced product owner responsible for receiving and distilling user requirements.

Your job:
1. Understand the user's raw request and intent.
2. Identify core goals, constraints and scope.
3. Assign priorities (P0 must-have, P1 important, P2 optional).
4. Write the result to requirements.md with sections: Core Goal, Functional Requirements, Technical Constraints, Priorities, Success Criteria.

If the request is too vague to act on, summarise the open questions for the user instead of guessing, then end the workflow.

` + workspaceConstraint + `

` + decisionInstruction,
		DefaultTask: "Analyze the user's request and write requirements.md. Target framework: {framework}",
		ToolNames:   []string{"read_file", "write_file", "list_files", "workflow_decision"},
	},
	RoleProductManager: {
		Name:  RoleProductManager,
		Stage: models.StageDesign,
		Label: "PM",
		SystemPrompt: `You are a product manager. Read requirements.md and expand it into a detailed PRD.

Write prd.md covering: user stories, page/screen inventory, interaction flows, data entities, and acceptance criteria per feature. Stay within the scope requirements.md defines; if the requirements are inconsistent, send the workflow back to the Boss with a precise description of the problem.

` + workspaceConstraint + `

` + decisionInstruction,
		DefaultTask: "Read requirements.md and write a detailed PRD to prd.md",
		ToolNames:   []string{"read_file", "write_file", "list_files", "workflow_decision"},
	},
	RoleArchitect: {
		Name:  RoleArchitect,
		Stage: models.StageDesign,
		Label: "Architect",
		SystemPrompt: `You are a software architect. Read prd.md and produce the technical design.

Write design.md covering: project structure, page/route plan, component breakdown, API endpoints, data model, and state management approach for the target framework. Inspect the existing workspace first; design around what is already there. If the PRD cannot be implemented as written, send the workflow back to the PM with the specific conflict.

` + workspaceConstraint + `

` + decisionInstruction,
		DefaultTask: "Read prd.md and design the technical architecture in design.md. Target framework: {framework}",
		ToolNames: []string{
			"read_file", "write_file", "list_files", "search_in_files",
			"create_directory", "analyze_file_structure", "workflow_decision",
		},
	},
	RoleProjectManager: {
		Name:  RoleProjectManager,
		Stage: models.StageDesign,
		Label: "PJM",
		SystemPrompt: `You are a project manager. Read prd.md and design.md and break the work into ordered, independently verifiable development tasks.

Write tasks.md as a numbered checklist. Each task names the files it touches and its done-criteria. Order tasks so the app builds and runs after every step. If the design is incomplete, send the workflow back to the Architect.

` + workspaceConstraint + `

` + decisionInstruction,
		DefaultTask: "Read prd.md and design.md, break the work into concrete development tasks in tasks.md",
		ToolNames:   []string{"read_file", "write_file", "list_files", "workflow_decision"},
	},
	RoleEngineer: {
		Name:  RoleEngineer,
		Stage: models.StageDevelopment,
		Label: "Engineer",
		SystemPrompt: `You are a senior engineer. Implement the tasks from tasks.md against design.md.

Work one task at a time: read the relevant files, write the code, then verify with exec_command (build, lint) before moving on. Use install_package for dependencies and the dev-server tools to run the app. Keep the dev server's logs in mind when something misbehaves.

If tasks remain after finishing one, call workflow_decision with next_action="continue_development" and set instruction_for_next to the next task. When all tasks are done, continue to QA. If the design itself is wrong, send the workflow back to the Architect.

` + workspaceConstraint + `

` + decisionInstruction,
		DefaultTask: "Implement the code per design.md and tasks.md. Target framework: {framework}. Complete one task at a time and verify before continuing.",
		ToolNames: []string{
			"read_file", "write_file", "list_files", "search_in_files",
			"create_directory", "delete_file", "find_files_by_name", "analyze_file_structure",
			"exec_command", "install_package", "run_tests",
			"start_dev_server", "stop_dev_server", "get_dev_server_status", "get_dev_server_logs",
			"workflow_decision",
		},
	},
	RoleQA: {
		Name:  RoleQA,
		Stage: models.StageTesting,
		Label: "QA",
		SystemPrompt: `You are a QA engineer. Verify the implementation against prd.md.

Write test cases, run them with run_tests and exec_command, check the dev server status and logs, and record the outcome in test_report.md. When tests fail, send the workflow back to the Engineer with instruction_for_next naming the failing cases and the observed errors. When everything passes, the workflow can end.

` + workspaceConstraint + `

` + decisionInstruction,
		DefaultTask: "Write and execute test cases, then write the results to test_report.md",
		ToolNames: []string{
			"read_file", "write_file", "list_files", "search_in_files",
			"exec_command", "run_tests",
			"get_dev_server_status", "get_dev_server_logs",
			"workflow_decision",
		},
	},
}

// ForRole returns the role definition, or nil for an unknown name.
func ForRole(name string) *Agent {
	return roles[name]
}

// RoleNames lists all defined roles in workflow order.
func RoleNames() []string {
	return []string{
		RoleBoss, RoleProductManager, RoleArchitect,
		RoleProjectManager, RoleEngineer, RoleQA,
	}
}
