package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/config"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/queue"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeCanceller struct {
	cancelled []string
}

func (f *fakeCanceller) CancelSession(sessionID string) bool {
	f.cancelled = append(f.cancelled, sessionID)
	return true
}

type testGateway struct {
	store  *store.MemoryStore
	queue  *queue.MemoryQueue
	cancel *fakeCanceller
	router *gin.Engine
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	g := &testGateway{
		store:  store.NewMemoryStore(),
		queue:  queue.NewMemoryQueue(),
		cancel: &fakeCanceller{},
	}
	srv := NewServer(g.store, g.queue, &Authenticator{Disabled: true}, config.SSEConfig{
		PollInterval:    2 * time.Millisecond,
		BatchSize:       100,
		IdleTimeout:     300 * time.Millisecond,
		LateFinishAfter: 30 * time.Millisecond,
	}).WithCanceller(g.cancel)
	g.router = srv.Router()
	return g
}

func (g *testGateway) seedSession(t *testing.T, sessionID, userID string) *models.Session {
	t.Helper()
	sess := &models.Session{
		SessionID:   sessionID,
		WorkspaceID: "ws-" + sessionID,
		Framework:   models.FrameworkNextJS,
		UserID:      userID,
	}
	require.NoError(t, g.store.CreateSession(context.Background(), sess))
	return sess
}

func (g *testGateway) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateSession(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do(http.MethodPost, "/api/sessions", `{"name": "my app"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var sess models.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.NotEmpty(t, sess.SessionID)
	assert.NotEmpty(t, sess.WorkspaceID)
	assert.Equal(t, models.FrameworkNextJS, sess.Framework)
	assert.Equal(t, "my app", sess.Title)
	assert.Equal(t, "dev", sess.UserID)
	assert.False(t, sess.CreatedAt.IsZero())

	rec = g.do(http.MethodPost, "/api/sessions", `{"name": "x", "framework": "rails"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAndGetSessions(t *testing.T) {
	g := newTestGateway(t)
	g.seedSession(t, "sess-mine", "dev")
	g.seedSession(t, "sess-other", "someone-else")

	rec := g.do(http.MethodGet, "/api/sessions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Sessions []*models.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Sessions, 1)
	assert.Equal(t, "sess-mine", listed.Sessions[0].SessionID)

	rec = g.do(http.MethodGet, "/api/sessions/sess-mine", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Cross-user access is forbidden, not hidden.
	rec = g.do(http.MethodGet, "/api/sessions/sess-other", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = g.do(http.MethodGet, "/api/sessions/sess-nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionIsRunningTracksQueue(t *testing.T) {
	g := newTestGateway(t)
	g.seedSession(t, "sess-1", "dev")

	getSession := func() *models.Session {
		rec := g.do(http.MethodGet, "/api/sessions/sess-1", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var sess models.Session
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
		return &sess
	}

	assert.False(t, getSession().IsRunning)

	task, err := g.queue.Enqueue(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.True(t, getSession().IsRunning)

	// The flag also shows up in list responses.
	rec := g.do(http.MethodGet, "/api/sessions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Sessions []*models.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Sessions, 1)
	assert.True(t, listed.Sessions[0].IsRunning)

	require.NoError(t, g.queue.Complete(context.Background(), task.ID, models.TaskCompleted, ""))
	assert.False(t, getSession().IsRunning)
}

func TestPeerAuthScopedToOwnSession(t *testing.T) {
	g := newTestGateway(t)
	g.seedSession(t, "sess-1", "dev")
	g.seedSession(t, "sess-2", "dev")

	header := map[string]string{"X-API-Key": "sess-1"}

	rec := g.do(http.MethodGet, "/api/apps/sess-1/agent/history", "", header)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = g.do(http.MethodGet, "/api/apps/sess-2/agent/history", "", header)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Peer keys cannot manage sessions.
	rec = g.do(http.MethodPost, "/api/sessions", `{"name": "x"}`, header)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBearerAuthRequired(t *testing.T) {
	g := newTestGateway(t)
	ks := newTestKeySet(t)

	srv := NewServer(g.store, g.queue, ks.authenticator(), config.SSEConfig{})
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+ks.sign(t, Claims{UserID: "user-1"}))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGeneratePersistsPromptAndEnqueues(t *testing.T) {
	g := newTestGateway(t)
	g.seedSession(t, "sess-1", "dev")

	// The "agent" finishes shortly after the task is enqueued so the
	// SSE stream terminates.
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = g.store.AppendEvent(context.Background(), models.NewEvent("sess-1", models.EventFinish,
			map[string]any{"status": models.FinishStatusSuccess}))
	}()

	rec := g.do(http.MethodPost, "/api/apps/sess-1/agent/generate", `{"prompt": "build a todo app"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event:finish")
	assert.Contains(t, body, `"status":"success"`)

	// Prompt durably recorded before the run.
	msgs, err := g.store.RecentMessages(context.Background(), "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "build a todo app", msgs[0].Content.String())

	// Exactly one task enqueued, no prompt in the payload.
	task, ok := g.queue.Task(1)
	require.True(t, ok)
	assert.Equal(t, "sess-1", task.SessionID)
}

func TestGenerateRejectsConcurrentRun(t *testing.T) {
	g := newTestGateway(t)
	g.seedSession(t, "sess-1", "dev")

	_, err := g.queue.Enqueue(context.Background(), "sess-1")
	require.NoError(t, err)

	rec := g.do(http.MethodPost, "/api/apps/sess-1/agent/generate", `{"prompt": "again"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGenerateRequiresPrompt(t *testing.T) {
	g := newTestGateway(t)
	g.seedSession(t, "sess-1", "dev")

	rec := g.do(http.MethodPost, "/api/apps/sess-1/agent/generate", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopSetsMarkerAndCancels(t *testing.T) {
	g := newTestGateway(t)
	g.seedSession(t, "sess-1", "dev")

	rec := g.do(http.MethodPost, "/api/apps/sess-1/agent/stop", `{"reason": "changed my mind"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":true`)

	stopped, err := g.store.IsStopRequested(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Equal(t, []string{"sess-1"}, g.cancel.cancelled)
}

func TestHistory(t *testing.T) {
	g := newTestGateway(t)
	g.seedSession(t, "sess-1", "dev")
	ctx := context.Background()

	require.NoError(t, g.store.AppendMessage(ctx, models.NewMessage("sess-1", models.RoleUser, "hi")))
	require.NoError(t, g.store.AppendMessage(ctx, models.NewMessage("sess-1", models.RoleAssistant, "hello")))

	rec := g.do(http.MethodGet, "/api/apps/sess-1/agent/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Messages []*models.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, models.RoleUser, resp.Messages[0].Role)

	rec = g.do(http.MethodGet, "/api/apps/sess-1/agent/history?limit=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Messages, 1)

	rec = g.do(http.MethodGet, "/api/apps/sess-1/agent/history?limit=zero", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamContinueReplaysFromCursor(t *testing.T) {
	g := newTestGateway(t)
	g.seedSession(t, "sess-1", "dev")
	ctx := context.Background()

	early := models.NewEvent("sess-1", models.EventNodeStart, map[string]any{"node_name": "boss"})
	require.NoError(t, g.store.AppendEvent(ctx, early))
	late := models.NewEvent("sess-1", models.EventFinish, map[string]any{"status": models.FinishStatusSuccess})
	require.NoError(t, g.store.AppendEvent(ctx, late))

	// No cursor: full replay.
	rec := g.do(http.MethodGet, "/api/apps/sess-1/agent/stream-continue", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "event:node_start")
	assert.Contains(t, body, "event:finish")
	assert.Contains(t, body, "id:"+early.EventID)

	// Cursor past the first event: only the finish is replayed.
	rec = g.do(http.MethodGet,
		"/api/apps/sess-1/agent/stream-continue?since_timestamp="+formatTimestamp(early.Timestamp), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = rec.Body.String()
	assert.NotContains(t, body, "event:node_start")
	assert.Contains(t, body, "event:finish")

	rec = g.do(http.MethodGet, "/api/apps/sess-1/agent/stream-continue?since_timestamp=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamLateFinish(t *testing.T) {
	g := newTestGateway(t)
	g.seedSession(t, "sess-1", "dev")
	ctx := context.Background()

	// The run finished before the stream attached; the cursor is past
	// the finish, so polling alone would never deliver it.
	finish := models.NewEvent("sess-1", models.EventFinish, map[string]any{"status": models.FinishStatusSuccess})
	require.NoError(t, g.store.AppendEvent(ctx, finish))

	rec := g.do(http.MethodGet,
		"/api/apps/sess-1/agent/stream-continue?since_timestamp="+formatTimestamp(finish.Timestamp+1), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event:finish")
}

func TestStreamIdleTimeout(t *testing.T) {
	g := newTestGateway(t)
	g.seedSession(t, "sess-1", "dev")

	start := time.Now()
	rec := g.do(http.MethodGet, "/api/apps/sess-1/agent/stream-continue", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestHealth(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	srv := NewServer(g.store, g.queue, &Authenticator{Disabled: true}, config.SSEConfig{}).
		WithHealthCheck(func(context.Context) error { return assert.AnError })
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func formatTimestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', -1, 64)
}
