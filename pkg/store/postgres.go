package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/database"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
)

// PostgresStore is the durable Store backed by PostgreSQL.
type PostgresStore struct {
	client *database.Client
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps a database client.
func NewPostgresStore(client *database.Client) *PostgresStore {
	return &PostgresStore{client: client}
}

// Close closes the underlying database client.
func (s *PostgresStore) Close() error {
	return s.client.Close()
}

// DB exposes the raw connection for queue and health check use.
func (s *PostgresStore) DB() *sql.DB {
	return s.client.DB()
}

// --- events ---

// AppendEvent persists one event.
func (s *PostgresStore) AppendEvent(ctx context.Context, ev *models.Event) error {
	parentIDs, err := marshalJSONOrNil(ev.ParentIDs)
	if err != nil {
		return fmt.Errorf("marshal parent_ids: %w", err)
	}
	tags, err := marshalJSONOrNil(ev.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	metadata, err := marshalJSONOrNil(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	data, err := marshalJSONOrNil(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	// Duplicate event IDs are dropped so emit retries stay safe.
	_, err = s.client.DB().ExecContext(ctx, `
		INSERT INTO events (event_id, session_id, ts, event_type, agent_name, run_id,
		                    message_id, trace_id, observation_id, parent_ids, tags, metadata, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.SessionID, ev.Timestamp, string(ev.EventType), ev.AgentName, ev.RunID,
		ev.MessageID, ev.TraceID, ev.ObservationID, parentIDs, tags, metadata, data)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventsSince returns events newer than since, ordered by (ts, id).
func (s *PostgresStore) EventsSince(ctx context.Context, sessionID string, since float64, limit int) ([]*models.Event, error) {
	query := `
		SELECT event_id, session_id, ts, event_type, agent_name, run_id,
		       message_id, trace_id, observation_id, parent_ids, tags, metadata, data
		FROM events
		WHERE session_id = $1 AND ts > $2
		ORDER BY ts, id`
	args := []any{sessionID, since}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// HasFinishEvent uses the partial index on (session_id, ts) WHERE event_type = 'finish'.
func (s *PostgresStore) HasFinishEvent(ctx context.Context, sessionID string, since float64) (bool, error) {
	var exists bool
	err := s.client.DB().QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM events WHERE session_id = $1 AND event_type = 'finish' AND ts > $2)`,
		sessionID, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check finish event: %w", err)
	}
	return exists, nil
}

// FinishEvent returns the newest finish event past the since watermark,
// or ErrNotFound if the run has not terminated.
func (s *PostgresStore) FinishEvent(ctx context.Context, sessionID string, since float64) (*models.Event, error) {
	rows, err := s.client.DB().QueryContext(ctx, `
		SELECT event_id, session_id, ts, event_type, agent_name, run_id,
		       message_id, trace_id, observation_id, parent_ids, tags, metadata, data
		FROM events
		WHERE session_id = $1 AND event_type = 'finish' AND ts > $2
		ORDER BY ts DESC, id DESC
		LIMIT 1`, sessionID, since)
	if err != nil {
		return nil, fmt.Errorf("query finish event: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query finish event: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanEvent(rows)
}

// DeleteEventsBefore removes events created before cutoff.
func (s *PostgresStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.client.DB().ExecContext(ctx,
		`DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return res.RowsAffected()
}

// --- messages ---

// AppendMessage persists one message.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	toolCalls, err := marshalJSONOrNil(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool_calls: %w", err)
	}
	metadata, err := marshalJSONOrNil(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.client.DB().ExecContext(ctx, `
		INSERT INTO messages (message_id, session_id, parent_id, role, agent_name, content,
		                      tool_call_id, tool_calls, trace_id, ts, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (message_id) DO NOTHING`,
		msg.MessageID, msg.SessionID, msg.ParentID, msg.Role, msg.AgentName, content,
		msg.ToolCallID, toolCalls, msg.TraceID, msg.Timestamp, metadata)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit most recent messages, chronological.
func (s *PostgresStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	// Fetch newest-first then reverse, so the limit trims the oldest.
	rows, err := s.client.DB().QueryContext(ctx, `
		SELECT message_id, session_id, parent_id, role, agent_name, content,
		       tool_call_id, tool_calls, trace_id, ts, metadata
		FROM messages
		WHERE session_id = $1
		ORDER BY ts DESC
		LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// DeleteMessagesBefore removes messages created before cutoff.
func (s *PostgresStore) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.client.DB().ExecContext(ctx,
		`DELETE FROM messages WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return res.RowsAffected()
}

// --- sessions ---

// CreateSession inserts a new session row.
func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	sess.UpdatedAt = sess.CreatedAt

	_, err := s.client.DB().ExecContext(ctx, `
		INSERT INTO sessions (session_id, workspace_id, framework, title, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		sess.SessionID, sess.WorkspaceID, string(sess.Framework), sess.Title, sess.UserID, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession fetches a session by ID.
func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var sess models.Session
	var framework string
	err := s.client.DB().QueryRowContext(ctx, `
		SELECT session_id, workspace_id, framework, title, user_id, created_at, updated_at
		FROM sessions WHERE session_id = $1`, sessionID).
		Scan(&sess.SessionID, &sess.WorkspaceID, &framework, &sess.Title,
			&sess.UserID, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	sess.Framework = models.Framework(framework)
	return &sess, nil
}

// ListSessions returns the user's sessions, newest first.
func (s *PostgresStore) ListSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	rows, err := s.client.DB().QueryContext(ctx, `
		SELECT session_id, workspace_id, framework, title, user_id, created_at, updated_at
		FROM sessions WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		var sess models.Session
		var framework string
		if err := rows.Scan(&sess.SessionID, &sess.WorkspaceID, &framework, &sess.Title,
			&sess.UserID, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Framework = models.Framework(framework)
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// TouchSession bumps updated_at.
func (s *PostgresStore) TouchSession(ctx context.Context, sessionID string) error {
	return s.setSessionField(ctx, sessionID, `updated_at = now()`)
}

// RequestStop sets the stop marker.
func (s *PostgresStore) RequestStop(ctx context.Context, sessionID string) error {
	return s.setSessionField(ctx, sessionID, `stop_requested = TRUE, updated_at = now()`)
}

// ClearStop clears the stop marker (done at the start of each new run).
func (s *PostgresStore) ClearStop(ctx context.Context, sessionID string) error {
	return s.setSessionField(ctx, sessionID, `stop_requested = FALSE`)
}

// IsStopRequested reads the stop marker.
func (s *PostgresStore) IsStopRequested(ctx context.Context, sessionID string) (bool, error) {
	var stop bool
	err := s.client.DB().QueryRowContext(ctx,
		`SELECT stop_requested FROM sessions WHERE session_id = $1`, sessionID).Scan(&stop)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query stop marker: %w", err)
	}
	return stop, nil
}

func (s *PostgresStore) setSessionField(ctx context.Context, sessionID, setClause string) error {
	res, err := s.client.DB().ExecContext(ctx,
		`UPDATE sessions SET `+setClause+` WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- scan helpers ---

func marshalJSONOrNil(v any) (any, error) {
	switch val := v.(type) {
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
	case []models.ToolCall:
		if len(val) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func scanEvent(rows *sql.Rows) (*models.Event, error) {
	var ev models.Event
	var eventType string
	var parentIDs, tags, metadata, data []byte
	if err := rows.Scan(&ev.EventID, &ev.SessionID, &ev.Timestamp, &eventType,
		&ev.AgentName, &ev.RunID, &ev.MessageID, &ev.TraceID, &ev.ObservationID,
		&parentIDs, &tags, &metadata, &data); err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	ev.EventType = models.EventType(eventType)
	if err := unmarshalIfPresent(parentIDs, &ev.ParentIDs); err != nil {
		return nil, fmt.Errorf("unmarshal parent_ids: %w", err)
	}
	if err := unmarshalIfPresent(tags, &ev.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := unmarshalIfPresent(metadata, &ev.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if err := unmarshalIfPresent(data, &ev.Data); err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}
	return &ev, nil
}

func scanMessage(rows *sql.Rows) (*models.Message, error) {
	var msg models.Message
	var content, toolCalls, metadata []byte
	if err := rows.Scan(&msg.MessageID, &msg.SessionID, &msg.ParentID, &msg.Role,
		&msg.AgentName, &content, &msg.ToolCallID, &toolCalls, &msg.TraceID,
		&msg.Timestamp, &metadata); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if err := json.Unmarshal(content, &msg.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	if err := unmarshalIfPresent(toolCalls, &msg.ToolCalls); err != nil {
		return nil, fmt.Errorf("unmarshal tool_calls: %w", err)
	}
	if err := unmarshalIfPresent(metadata, &msg.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &msg, nil
}

func unmarshalIfPresent(b []byte, dst any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}
