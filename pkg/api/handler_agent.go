package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/store"
)

// GenerateRequest is the body of POST /api/apps/:session_id/agent/generate.
type GenerateRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// Generate handles POST /api/apps/:session_id/agent/generate. The
// prompt is persisted before the task is enqueued so the agent reads
// it from history; the task payload carries no prompt. The response is
// the session's SSE stream starting at the enqueue watermark.
func (s *Server) Generate(c *gin.Context) {
	sess := s.authorizeSession(c)
	if sess == nil {
		return
	}

	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()

	active, err := s.queue.HasActiveTask(ctx, sess.SessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if active {
		c.JSON(http.StatusConflict, gin.H{"error": "a generation is already running for this session"})
		return
	}

	userMsg := models.NewMessage(sess.SessionID, models.RoleUser, req.Prompt)
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Events emitted by this run all carry timestamps after the
	// watermark; nothing before it belongs to the new stream.
	watermark := models.Now()

	task, err := s.queue.Enqueue(ctx, sess.SessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.TouchSession(ctx, sess.SessionID); err != nil {
		slog.Warn("failed to touch session", "session_id", sess.SessionID, "error", err)
	}

	slog.Info("Generation enqueued",
		"session_id", sess.SessionID, "task_id", task.ID, "message_id", userMsg.MessageID)

	s.streamEvents(c, sess.SessionID, watermark)
}

// StreamContinue handles GET /api/apps/:session_id/agent/stream-continue.
// With since_timestamp it resumes after that cursor; without it the
// full event history is replayed before going live.
func (s *Server) StreamContinue(c *gin.Context) {
	sess := s.authorizeSession(c)
	if sess == nil {
		return
	}

	since := float64(0)
	if raw := c.Query("since_timestamp"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since_timestamp"})
			return
		}
		since = parsed
	}

	s.streamEvents(c, sess.SessionID, since)
}

// StopRequest is the optional body of POST /api/apps/:session_id/agent/stop.
type StopRequest struct {
	Reason string `json:"reason"`
}

// Stop handles POST /api/apps/:session_id/agent/stop. The stop marker
// is the durable signal; in-pod cancellation is a best-effort shortcut.
// The response acknowledges the request, not the stop itself; the
// stream's finish event confirms it.
func (s *Server) Stop(c *gin.Context) {
	sess := s.authorizeSession(c)
	if sess == nil {
		return
	}

	var req StopRequest
	_ = c.ShouldBindJSON(&req)

	if err := s.store.RequestStop(c.Request.Context(), sess.SessionID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.canceller != nil {
		s.canceller.CancelSession(sess.SessionID)
	}

	slog.Info("Stop requested", "session_id", sess.SessionID, "reason", req.Reason)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// History handles GET /api/apps/:session_id/agent/history.
func (s *Server) History(c *gin.Context) {
	sess := s.authorizeSession(c)
	if sess == nil {
		return
	}

	limit := store.DefaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	messages, err := s.store.RecentMessages(c.Request.Context(), sess.SessionID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}
