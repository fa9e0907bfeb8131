package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
)

// MemoryQueue is an in-process TaskQueue for memory run mode and tests.
type MemoryQueue struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*models.Task
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{tasks: make(map[int64]*models.Task)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, sessionID string) (*models.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	task := &models.Task{
		ID:        q.nextID,
		SessionID: sessionID,
		Status:    models.TaskPending,
		CreatedAt: time.Now(),
	}
	q.tasks[task.ID] = task
	return copyTask(task), nil
}

func (q *MemoryQueue) ClaimNext(_ context.Context, podID string) (*models.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var pending []*models.Task
	for _, t := range q.tasks {
		if t.Status == models.TaskPending {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return nil, ErrNoTasksAvailable
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	task := pending[0]
	now := time.Now()
	task.Status = models.TaskInProgress
	task.PodID = podID
	task.StartedAt = &now
	task.HeartbeatAt = &now
	return copyTask(task), nil
}

func (q *MemoryQueue) Heartbeat(_ context.Context, taskID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[taskID]; ok && t.Status == models.TaskInProgress {
		now := time.Now()
		t.HeartbeatAt = &now
	}
	return nil
}

func (q *MemoryQueue) Complete(_ context.Context, taskID int64, status models.TaskStatus, taskErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[taskID]; ok {
		now := time.Now()
		t.Status = status
		t.Error = taskErr
		t.CompletedAt = &now
	}
	return nil
}

func (q *MemoryQueue) CountInProgress(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if t.Status == models.TaskInProgress {
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) HasActiveTask(_ context.Context, sessionID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.SessionID == sessionID &&
			(t.Status == models.TaskPending || t.Status == models.TaskInProgress) {
			return true, nil
		}
	}
	return false, nil
}

func (q *MemoryQueue) RequeueStale(_ context.Context, cutoff time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, t := range q.tasks {
		if t.Status == models.TaskInProgress && t.HeartbeatAt != nil && t.HeartbeatAt.Before(cutoff) {
			t.Status = models.TaskPending
			t.PodID = ""
			t.StartedAt = nil
			t.HeartbeatAt = nil
			n++
		}
	}
	return n, nil
}

// Task returns a snapshot of one task, for tests.
func (q *MemoryQueue) Task(taskID int64) (*models.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return nil, false
	}
	return copyTask(t), true
}

func copyTask(t *models.Task) *models.Task {
	c := *t
	return &c
}
