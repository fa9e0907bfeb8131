package models

import "time"

// Framework identifies the app template a session generates against.
type Framework string

// Supported frameworks.
const (
	FrameworkNextJS      Framework = "nextjs"
	FrameworkFastAPIVite Framework = "fastapi-vite"
)

// Valid reports whether f is a known framework.
func (f Framework) Valid() bool {
	return f == FrameworkNextJS || f == FrameworkFastAPIVite
}

// Session is one app-generation conversation. WorkspaceID names the
// per-session directory under the host workspaces root. IsRunning is
// not stored; the API derives it from the task queue when serving
// session reads.
type Session struct {
	SessionID   string    `json:"session_id"`
	WorkspaceID string    `json:"workspace_id"`
	Framework   Framework `json:"framework"`
	Title       string    `json:"title,omitempty"`
	UserID      string    `json:"user_id"`
	IsRunning   bool      `json:"is_running"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskStatus is the lifecycle state of a queued generation task.
type TaskStatus string

// Task statuses.
const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Task is one queued run of the agent team for a session. The broker
// delivers at-least-once: a task abandoned by a dead worker is requeued.
type Task struct {
	ID          int64      `json:"id"`
	SessionID   string     `json:"session_id"`
	Status      TaskStatus `json:"status"`
	PodID       string     `json:"pod_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
}
