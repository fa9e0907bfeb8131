// Package queue implements the generation task broker: a shared task
// table drained by per-pod worker pools. Delivery is at-least-once; a
// task whose worker dies is requeued once its heartbeat goes stale.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
)

// Sentinel errors used by the worker poll loop for backoff decisions.
var (
	ErrNoTasksAvailable = errors.New("no pending tasks available")
	ErrAtCapacity       = errors.New("at maximum concurrent task capacity")
)

// TaskQueue is the persistence behind the broker. Claims must be
// atomic across pods; everything else is plain row updates.
type TaskQueue interface {
	// Enqueue inserts a pending task for the session.
	Enqueue(ctx context.Context, sessionID string) (*models.Task, error)

	// ClaimNext atomically claims the oldest pending task for podID and
	// marks it in_progress. Returns ErrNoTasksAvailable when the queue
	// is empty.
	ClaimNext(ctx context.Context, podID string) (*models.Task, error)

	// Heartbeat refreshes the claim on an in-progress task.
	Heartbeat(ctx context.Context, taskID int64) error

	// Complete records the task's terminal status.
	Complete(ctx context.Context, taskID int64, status models.TaskStatus, taskErr string) error

	// CountInProgress returns the number of in-progress tasks across all
	// pods.
	CountInProgress(ctx context.Context) (int, error)

	// HasActiveTask reports whether the session has a pending or
	// in-progress task. The gateway uses it to reject concurrent runs.
	HasActiveTask(ctx context.Context, sessionID string) (bool, error)

	// RequeueStale returns in-progress tasks whose heartbeat is older
	// than cutoff to pending, and reports how many were requeued.
	RequeueStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// Executor runs one claimed task to completion. *orchestrator.Orchestrator
// satisfies it.
type Executor interface {
	RunTask(ctx context.Context, sess *models.Session) (string, error)
}
