package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
	testdb "github.com/Dimitri-WEI-Lingfeng/mgx-demo/test/database"
)

func TestMemoryQueue_ClaimOrder(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	first, err := q.Enqueue(ctx, "sess-a")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "sess-b")
	require.NoError(t, err)

	claimed, err := q.ClaimNext(ctx, "pod-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, models.TaskInProgress, claimed.Status)
	assert.Equal(t, "pod-1", claimed.PodID)
	require.NotNil(t, claimed.HeartbeatAt)

	second, err := q.ClaimNext(ctx, "pod-2")
	require.NoError(t, err)
	assert.Equal(t, "sess-b", second.SessionID)

	_, err = q.ClaimNext(ctx, "pod-1")
	assert.ErrorIs(t, err, ErrNoTasksAvailable)
}

func TestMemoryQueue_CompleteAndCounts(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	task, err := q.Enqueue(ctx, "sess-a")
	require.NoError(t, err)

	active, err := q.HasActiveTask(ctx, "sess-a")
	require.NoError(t, err)
	assert.True(t, active)

	_, err = q.ClaimNext(ctx, "pod-1")
	require.NoError(t, err)

	n, err := q.CountInProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, q.Complete(ctx, task.ID, models.TaskFailed, "boom"))

	got, ok := q.Task(task.ID)
	require.True(t, ok)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	assert.NotNil(t, got.CompletedAt)

	active, err = q.HasActiveTask(ctx, "sess-a")
	require.NoError(t, err)
	assert.False(t, active)

	n, err = q.CountInProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemoryQueue_RequeueStale(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	task, err := q.Enqueue(ctx, "sess-a")
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "pod-1")
	require.NoError(t, err)

	// A cutoff in the past requeues nothing.
	n, err := q.RequeueStale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	// A cutoff ahead of the heartbeat requeues the task.
	n, err = q.RequeueStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, ok := q.Task(task.ID)
	require.True(t, ok)
	assert.Equal(t, models.TaskPending, got.Status)
	assert.Empty(t, got.PodID)
	assert.Nil(t, got.HeartbeatAt)

	// The requeued task can be claimed again.
	claimed, err := q.ClaimNext(ctx, "pod-2")
	require.NoError(t, err)
	assert.Equal(t, task.ID, claimed.ID)
}

func TestPostgresQueue_ClaimLifecycle(t *testing.T) {
	client := testdb.NewTestClient(t)
	q := NewPostgresQueue(client.DB())
	ctx := context.Background()

	_, err := q.ClaimNext(ctx, "pod-1")
	assert.ErrorIs(t, err, ErrNoTasksAvailable)

	first, err := q.Enqueue(ctx, "sess-a")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "sess-b")
	require.NoError(t, err)

	claimed, err := q.ClaimNext(ctx, "pod-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, "sess-a", claimed.SessionID)
	assert.Equal(t, "pod-1", claimed.PodID)
	require.NotNil(t, claimed.StartedAt)
	require.NotNil(t, claimed.HeartbeatAt)

	n, err := q.CountInProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err := q.HasActiveTask(ctx, "sess-a")
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, q.Heartbeat(ctx, claimed.ID))
	require.NoError(t, q.Complete(ctx, claimed.ID, models.TaskCompleted, ""))

	active, err = q.HasActiveTask(ctx, "sess-a")
	require.NoError(t, err)
	assert.False(t, active)

	// sess-b is still pending and claimable.
	second, err := q.ClaimNext(ctx, "pod-2")
	require.NoError(t, err)
	assert.Equal(t, "sess-b", second.SessionID)
}

func TestPostgresQueue_RequeueStale(t *testing.T) {
	client := testdb.NewTestClient(t)
	q := NewPostgresQueue(client.DB())
	ctx := context.Background()

	task, err := q.Enqueue(ctx, "sess-a")
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "pod-1")
	require.NoError(t, err)

	n, err := q.RequeueStale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.RequeueStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	claimed, err := q.ClaimNext(ctx, "pod-2")
	require.NoError(t, err)
	assert.Equal(t, task.ID, claimed.ID)
	assert.Equal(t, "pod-2", claimed.PodID)
}
