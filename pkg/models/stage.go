package models

// Stage is the workflow phase recorded on the team state and surfaced
// through stage_change events.
type Stage string

// Workflow stages.
const (
	StageRequirement Stage = "requirement"
	StageDesign      Stage = "design"
	StageDevelopment Stage = "development"
	StageTesting     Stage = "testing"
	StageCompleted   Stage = "completed"
)
