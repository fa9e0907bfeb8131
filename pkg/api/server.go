// Package api is the SSE gateway: it accepts generation requests,
// enqueues broker tasks, and streams each session's event stream to
// clients over server-sent events. It never runs agents itself.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/config"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/queue"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/store"
)

// Canceller cancels a running session on this pod. *queue.WorkerPool
// satisfies it.
type Canceller interface {
	CancelSession(sessionID string) bool
}

// Server holds the gateway's dependencies.
type Server struct {
	store store.Store
	queue queue.TaskQueue
	auth  *Authenticator
	sse   config.SSEConfig

	// canceller is optional; the store's stop marker covers pods that
	// do not hold the session.
	canceller Canceller
	// healthCheck is optional; nil reports healthy.
	healthCheck func(ctx context.Context) error
}

// NewServer creates the gateway server.
func NewServer(st store.Store, q queue.TaskQueue, auth *Authenticator, sse config.SSEConfig) *Server {
	return &Server{store: st, queue: q, auth: auth, sse: sse}
}

// WithCanceller wires best-effort in-pod cancellation.
func (s *Server) WithCanceller(c Canceller) *Server {
	s.canceller = c
	return s
}

// WithHealthCheck wires the readiness probe.
func (s *Server) WithHealthCheck(check func(ctx context.Context) error) *Server {
	s.healthCheck = check
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.Health)

	authed := r.Group("/api", s.auth.Middleware())
	{
		authed.POST("/sessions", s.CreateSession)
		authed.GET("/sessions", s.ListSessions)
		authed.GET("/sessions/:session_id", s.GetSession)

		agent := authed.Group("/apps/:session_id/agent")
		agent.POST("/generate", s.Generate)
		agent.GET("/stream-continue", s.StreamContinue)
		agent.POST("/stop", s.Stop)
		agent.GET("/history", s.History)
	}
	return r
}

// Health handles GET /health.
func (s *Server) Health(c *gin.Context) {
	if s.healthCheck == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := s.healthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// authorizeSession loads the session and enforces ownership: a bearer
// user must own it, a peer key must equal its id. Responds and returns
// nil on failure.
func (s *Server) authorizeSession(c *gin.Context) *models.Session {
	sessionID := c.Param("session_id")

	sess, err := s.store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		if err == store.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil
	}

	if peer, ok := c.Get(ctxPeerSession); ok {
		if peer != sessionID {
			c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
			return nil
		}
		return sess
	}

	if uid := c.GetString(ctxUserID); uid != sess.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return nil
	}
	return sess
}
