package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
)

// PostgresQueue stores tasks in the shared tasks table. Claims use
// FOR UPDATE SKIP LOCKED so concurrent pods never double-claim.
type PostgresQueue struct {
	db *sql.DB
}

// NewPostgresQueue wraps an open database handle.
func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, sessionID string) (*models.Task, error) {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO tasks (session_id, status)
		VALUES ($1, 'pending')
		RETURNING id, created_at`, sessionID)

	task := &models.Task{SessionID: sessionID, Status: models.TaskPending}
	if err := row.Scan(&task.ID, &task.CreatedAt); err != nil {
		return nil, fmt.Errorf("enqueue task for session %s: %w", sessionID, err)
	}
	return task, nil
}

func (q *PostgresQueue) ClaimNext(ctx context.Context, podID string) (*models.Task, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'in_progress', pod_id = $1, started_at = now(), heartbeat_at = now()
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'pending'
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, session_id, created_at, started_at, heartbeat_at`, podID)

	task := &models.Task{Status: models.TaskInProgress, PodID: podID}
	err := row.Scan(&task.ID, &task.SessionID, &task.CreatedAt, &task.StartedAt, &task.HeartbeatAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoTasksAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("claim next task: %w", err)
	}
	return task, nil
}

func (q *PostgresQueue) Heartbeat(ctx context.Context, taskID int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET heartbeat_at = now()
		WHERE id = $1 AND status = 'in_progress'`, taskID)
	if err != nil {
		return fmt.Errorf("heartbeat task %d: %w", taskID, err)
	}
	return nil
}

func (q *PostgresQueue) Complete(ctx context.Context, taskID int64, status models.TaskStatus, taskErr string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET status = $2, error = $3, completed_at = now()
		WHERE id = $1`, taskID, string(status), taskErr)
	if err != nil {
		return fmt.Errorf("complete task %d: %w", taskID, err)
	}
	return nil
}

func (q *PostgresQueue) CountInProgress(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT count(*) FROM tasks WHERE status = 'in_progress'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-progress tasks: %w", err)
	}
	return n, nil
}

func (q *PostgresQueue) HasActiveTask(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT count(*) FROM tasks
		WHERE session_id = $1 AND status IN ('pending', 'in_progress')`, sessionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check active task for session %s: %w", sessionID, err)
	}
	return n > 0, nil
}

func (q *PostgresQueue) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending', pod_id = '', started_at = NULL, heartbeat_at = NULL
		WHERE status = 'in_progress' AND heartbeat_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue stale tasks: %w", err)
	}
	return n, nil
}
