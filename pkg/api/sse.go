package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
)

// SSE loop defaults, used when the config leaves a field zero.
const (
	defaultPollInterval    = 500 * time.Millisecond
	defaultBatchSize       = 100
	defaultIdleTimeout     = 300 * time.Second
	defaultLateFinishAfter = 10 * time.Second
)

// streamEvents polls the event store from the cursor and forwards each
// event as one SSE frame. The stream ends on a terminal event, the idle
// timeout, or client disconnect.
func (s *Server) streamEvents(c *gin.Context, sessionID string, since float64) {
	pollInterval := s.sse.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	batchSize := s.sse.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	idleTimeout := s.sse.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	lateFinishAfter := s.sse.LateFinishAfter
	if lateFinishAfter <= 0 {
		lateFinishAfter = defaultLateFinishAfter
	}

	w := c.Writer
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request.Context()
	cursor := since
	lastActivity := time.Now()
	lateFinishChecked := false

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		events, err := s.store.EventsSince(ctx, sessionID, cursor, batchSize)
		if err != nil {
			slog.Warn("event poll failed", "session_id", sessionID, "error", err)
			continue
		}

		if len(events) > 0 {
			lastActivity = time.Now()
			lateFinishChecked = false
			for _, ev := range events {
				writeEvent(w, ev)
				cursor = ev.Timestamp
				if ev.EventType.IsTerminal() {
					w.Flush()
					return
				}
			}
			w.Flush()
			continue
		}

		silence := time.Since(lastActivity)

		// A finish persisted at or before the cursor never shows up in
		// the poll (clock skew between gateway watermark and agent
		// writes, or a run that ended before the stream attached).
		// After sustained silence, replay the stream's trailing finish
		// once and end.
		if !lateFinishChecked && silence > lateFinishAfter {
			lateFinishChecked = true
			if last := s.lastEvent(c, sessionID); last != nil && last.EventType.IsTerminal() {
				writeEvent(w, last)
				w.Flush()
				return
			}
		}

		if silence > idleTimeout {
			return
		}
	}
}

// lastEvent returns the session's most recent event, or nil.
func (s *Server) lastEvent(c *gin.Context, sessionID string) *models.Event {
	ctx := c.Request.Context()
	var last *models.Event
	since := float64(0)
	for {
		events, err := s.store.EventsSince(ctx, sessionID, since, 500)
		if err != nil || len(events) == 0 {
			return last
		}
		last = events[len(events)-1]
		since = last.Timestamp
	}
}

// writeEvent emits one SSE frame: event name, event id, JSON payload.
func writeEvent(w gin.ResponseWriter, ev *models.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to marshal event", "event_id", ev.EventID, "error", err)
		return
	}
	fmt.Fprintf(w, "event:%s\nid:%s\ndata:%s\n\n", ev.EventType, ev.EventID, payload)
}
