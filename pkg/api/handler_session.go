package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
)

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	Name      string           `json:"name"`
	Framework models.Framework `json:"framework"`
}

// CreateSession handles POST /api/sessions.
func (s *Server) CreateSession(c *gin.Context) {
	userID := c.GetString(ctxUserID)
	if userID == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "session management requires user auth"})
		return
	}

	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Framework == "" {
		req.Framework = models.FrameworkNextJS
	}
	if !req.Framework.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported framework"})
		return
	}

	sess := &models.Session{
		SessionID:   uuid.New().String(),
		WorkspaceID: uuid.New().String(),
		Framework:   req.Framework,
		Title:       req.Name,
		UserID:      userID,
	}
	if err := s.store.CreateSession(c.Request.Context(), sess); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// ListSessions handles GET /api/sessions.
func (s *Server) ListSessions(c *gin.Context) {
	userID := c.GetString(ctxUserID)
	if userID == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "session management requires user auth"})
		return
	}

	sessions, err := s.store.ListSessions(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, sess := range sessions {
		s.markRunning(c.Request.Context(), sess)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GetSession handles GET /api/sessions/:session_id.
func (s *Server) GetSession(c *gin.Context) {
	sess := s.authorizeSession(c)
	if sess == nil {
		return
	}
	s.markRunning(c.Request.Context(), sess)
	c.JSON(http.StatusOK, sess)
}

// markRunning derives is_running from the broker: a session is running
// while it has a pending or in-progress task. Lookup failures leave the
// flag false rather than failing the read.
func (s *Server) markRunning(ctx context.Context, sess *models.Session) {
	active, err := s.queue.HasActiveTask(ctx, sess.SessionID)
	if err != nil {
		return
	}
	sess.IsRunning = active
}
