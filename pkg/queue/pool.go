package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/config"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/store"
)

// WorkerPool runs the broker's workers for one pod and tracks the
// sessions they are executing so the gateway can cancel a run without
// knowing which worker holds it.
type WorkerPool struct {
	podID    string
	queue    TaskQueue
	sessions store.SessionStore
	executor Executor
	cfg      config.QueueConfig

	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewWorkerPool creates a pool; Start launches it.
func NewWorkerPool(podID string, q TaskQueue, sessions store.SessionStore, executor Executor, cfg config.QueueConfig) *WorkerPool {
	return &WorkerPool{
		podID:    podID,
		queue:    q,
		sessions: sessions,
		executor: executor,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		active:   make(map[string]context.CancelFunc),
	}
}

// Start launches the workers and the stale-task scanner.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		w := newWorker(fmt.Sprintf("%s-worker-%d", p.podID, i), p)
		p.workers = append(p.workers, w)
		w.Start(ctx)
	}

	p.wg.Add(1)
	go p.runStaleScan(ctx)

	slog.Info("Worker pool started", "pod_id", p.podID, "workers", p.cfg.WorkerCount)
}

// Stop signals all workers and waits for in-flight tasks to wind down.
// Safe to call multiple times.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	for _, w := range p.workers {
		w.Stop()
	}
	p.wg.Wait()
	slog.Info("Worker pool stopped", "pod_id", p.podID)
}

// RegisterSession records the cancel function for a running session.
func (p *WorkerPool) RegisterSession(sessionID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[sessionID] = cancel
}

// UnregisterSession drops the session's cancel registration.
func (p *WorkerPool) UnregisterSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, sessionID)
}

// CancelSession cancels a session running on this pod. Returns false
// when the session is not held here; the stop marker in the store
// covers the cross-pod case.
func (p *WorkerPool) CancelSession(sessionID string) bool {
	p.mu.Lock()
	cancel, ok := p.active[sessionID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// runStaleScan periodically requeues in-progress tasks whose worker
// stopped heartbeating.
func (p *WorkerPool) runStaleScan(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.StaleScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-p.cfg.StaleTaskThreshold)
		n, err := p.queue.RequeueStale(ctx, cutoff)
		if err != nil {
			slog.Error("Stale task scan failed", "pod_id", p.podID, "error", err)
			continue
		}
		if n > 0 {
			slog.Warn("Requeued stale tasks", "pod_id", p.podID, "count", n)
		}
	}
}
