// Package cleanup enforces data retention: events expire first, the
// conversation history they were folded into lives longer.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/config"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/store"
)

// Service periodically deletes expired events and messages. Deletions
// are idempotent and safe to run from multiple pods.
type Service struct {
	cfg      config.RetentionConfig
	events   store.EventStore
	messages store.MessageStore

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service.
func NewService(cfg config.RetentionConfig, events store.EventStore, messages store.MessageStore) *Service {
	return &Service{cfg: cfg, events: events, messages: messages}
}

// Start launches the background retention loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"event_ttl", s.cfg.EventTTL,
		"message_ttl", s.cfg.MessageTTL,
		"interval", s.cfg.CleanupInterval)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce applies both retention policies once.
func (s *Service) RunOnce(ctx context.Context) {
	s.cleanupEvents(ctx)
	s.cleanupMessages(ctx)
}

func (s *Service) cleanupEvents(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.EventTTL)
	count, err := s.events.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted expired events", "count", count)
	}
}

func (s *Service) cleanupMessages(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.MessageTTL)
	count, err := s.messages.DeleteMessagesBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: message cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted expired messages", "count", count)
	}
}
