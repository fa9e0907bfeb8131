package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
)

// Worker is one polling goroutine of the pool. It claims tasks, runs
// the executor, and records the terminal status.
type Worker struct {
	id   string
	pool *WorkerPool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newWorker(id string, pool *WorkerPool) *Worker {
	return &Worker{
		id:     id,
		pool:   pool,
		stopCh: make(chan struct{}),
	}
}

// Start begins the polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker and waits for its current task to finish.
// Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoTasksAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing task", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// sleep waits for d or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollInterval returns the base interval with random jitter so workers
// across pods do not poll in lockstep.
func (w *Worker) pollInterval() time.Duration {
	base := w.pool.cfg.PollInterval
	jitter := w.pool.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int64N(int64(2*jitter))) - jitter
}

// pollAndProcess checks capacity, claims a task, and runs it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// Best-effort global capacity check; racy across workers but bounded
	// by WorkerCount and mitigated by poll jitter.
	active, err := w.pool.queue.CountInProgress(ctx)
	if err != nil {
		return fmt.Errorf("checking active tasks: %w", err)
	}
	if active >= w.pool.cfg.MaxConcurrentTasks {
		return ErrAtCapacity
	}

	task, err := w.pool.queue.ClaimNext(ctx, w.pool.podID)
	if err != nil {
		return err
	}

	log := slog.With("task_id", task.ID, "session_id", task.SessionID, "worker_id", w.id)
	log.Info("Task claimed")

	sess, err := w.pool.sessions.GetSession(ctx, task.SessionID)
	if err != nil {
		w.complete(ctx, task.ID, models.TaskFailed, fmt.Sprintf("load session: %v", err))
		return fmt.Errorf("load session %s for task %d: %w", task.SessionID, task.ID, err)
	}

	taskCtx, cancelTask := context.WithCancel(ctx)
	defer cancelTask()

	// Register for API-triggered cancellation on this pod.
	w.pool.RegisterSession(sess.SessionID, cancelTask)
	defer w.pool.UnregisterSession(sess.SessionID)

	// Worker shutdown cancels the in-flight run; the executor translates
	// cancellation into a stopped finish.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-w.stopCh:
			cancelTask()
		case <-stopWatch:
		}
	}()

	heartbeatCtx, cancelHeartbeat := context.WithCancel(taskCtx)
	defer cancelHeartbeat()
	w.wg.Add(1)
	go w.runHeartbeat(heartbeatCtx, task.ID)

	status, execErr := w.pool.executor.RunTask(taskCtx, sess)
	cancelHeartbeat()

	switch {
	case execErr != nil && errors.Is(execErr, context.Canceled):
		w.complete(ctx, task.ID, models.TaskCancelled, "run cancelled")
	case execErr != nil:
		w.complete(ctx, task.ID, models.TaskFailed, execErr.Error())
	default:
		w.complete(ctx, task.ID, models.TaskCompleted, "")
	}

	log.Info("Task processing complete", "status", status, "error", execErr)
	return nil
}

// runHeartbeat refreshes the claim until the task context ends.
func (w *Worker) runHeartbeat(ctx context.Context, taskID int64) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pool.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.pool.queue.Heartbeat(ctx, taskID); err != nil {
				slog.Warn("Task heartbeat failed", "task_id", taskID, "error", err)
			}
		}
	}
}

// complete records the terminal status with a context that survives
// task cancellation.
func (w *Worker) complete(ctx context.Context, taskID int64, status models.TaskStatus, taskErr string) {
	if err := w.pool.queue.Complete(context.WithoutCancel(ctx), taskID, status, taskErr); err != nil {
		slog.Error("Failed to record task status", "task_id", taskID, "status", status, "error", err)
	}
}
