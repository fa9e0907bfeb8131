package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
)

// MemoryStore is an in-process Store used in memory run mode and tests.
// It preserves the same ordering and cursor semantics as PostgresStore.
type MemoryStore struct {
	mu       sync.RWMutex
	seq      int64
	events   map[string][]memoryEvent // session_id -> events in insertion order
	messages map[string][]memoryMessage
	sessions map[string]*models.Session
	stops    map[string]bool
	created  map[string]time.Time // record id -> creation time, for TTL
}

type memoryEvent struct {
	seq int64
	ev  *models.Event
}

type memoryMessage struct {
	seq int64
	msg *models.Message
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:   make(map[string][]memoryEvent),
		messages: make(map[string][]memoryMessage),
		sessions: make(map[string]*models.Session),
		stops:    make(map[string]bool),
		created:  make(map[string]time.Time),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// AppendEvent persists one event. Re-appending an already stored event
// ID is a no-op, matching the durable store's conflict handling.
func (s *MemoryStore) AppendEvent(_ context.Context, ev *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.created[ev.EventID]; ok {
		return nil
	}
	s.seq++
	cp := *ev
	s.events[ev.SessionID] = append(s.events[ev.SessionID], memoryEvent{seq: s.seq, ev: &cp})
	s.created[ev.EventID] = time.Now()
	return nil
}

// EventsSince returns events newer than since, ordered by (timestamp, seq).
func (s *MemoryStore) EventsSince(_ context.Context, sessionID string, since float64, limit int) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []memoryEvent
	for _, e := range s.events[sessionID] {
		if e.ev.Timestamp > since {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ev.Timestamp != out[j].ev.Timestamp {
			return out[i].ev.Timestamp < out[j].ev.Timestamp
		}
		return out[i].seq < out[j].seq
	})

	events := make([]*models.Event, 0, len(out))
	for _, e := range out {
		if limit > 0 && len(events) >= limit {
			break
		}
		cp := *e.ev
		events = append(events, &cp)
	}
	return events, nil
}

// HasFinishEvent reports whether the session has a finish event newer
// than since.
func (s *MemoryStore) HasFinishEvent(_ context.Context, sessionID string, since float64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.events[sessionID] {
		if e.ev.EventType == models.EventFinish && e.ev.Timestamp > since {
			return true, nil
		}
	}
	return false, nil
}

// FinishEvent returns the session's newest finish event past the since
// watermark.
func (s *MemoryStore) FinishEvent(_ context.Context, sessionID string, since float64) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found memoryEvent
	for _, e := range s.events[sessionID] {
		if e.ev.EventType != models.EventFinish || e.ev.Timestamp <= since {
			continue
		}
		if found.ev == nil || e.ev.Timestamp > found.ev.Timestamp ||
			(e.ev.Timestamp == found.ev.Timestamp && e.seq > found.seq) {
			found = e
		}
	}
	if found.ev == nil {
		return nil, ErrNotFound
	}
	cp := *found.ev
	return &cp, nil
}

// DeleteEventsBefore removes events created before cutoff.
func (s *MemoryStore) DeleteEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for sessionID, events := range s.events {
		kept := events[:0]
		for _, e := range events {
			if t, ok := s.created[e.ev.EventID]; ok && t.Before(cutoff) {
				delete(s.created, e.ev.EventID)
				deleted++
				continue
			}
			kept = append(kept, e)
		}
		s.events[sessionID] = kept
	}
	return deleted, nil
}

// AppendMessage persists one message. Duplicate message IDs are dropped.
func (s *MemoryStore) AppendMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.created[msg.MessageID]; ok {
		return nil
	}
	s.seq++
	cp := *msg
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], memoryMessage{seq: s.seq, msg: &cp})
	s.created[msg.MessageID] = time.Now()
	return nil
}

// RecentMessages returns up to limit most recent messages, chronological.
func (s *MemoryStore) RecentMessages(_ context.Context, sessionID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	all := make([]memoryMessage, len(s.messages[sessionID]))
	copy(all, s.messages[sessionID])
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].msg.Timestamp != all[j].msg.Timestamp {
			return all[i].msg.Timestamp < all[j].msg.Timestamp
		}
		return all[i].seq < all[j].seq
	})

	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	msgs := make([]*models.Message, 0, len(all))
	for _, m := range all {
		cp := *m.msg
		msgs = append(msgs, &cp)
	}
	return msgs, nil
}

// DeleteMessagesBefore removes messages created before cutoff.
func (s *MemoryStore) DeleteMessagesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for sessionID, msgs := range s.messages {
		kept := msgs[:0]
		for _, m := range msgs {
			if t, ok := s.created[m.msg.MessageID]; ok && t.Before(cutoff) {
				delete(s.created, m.msg.MessageID)
				deleted++
				continue
			}
			kept = append(kept, m)
		}
		s.messages[sessionID] = kept
	}
	return deleted, nil
}

// CreateSession stores a new session.
func (s *MemoryStore) CreateSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	sess.UpdatedAt = sess.CreatedAt
	cp := *sess
	s.sessions[sess.SessionID] = &cp
	return nil
}

// GetSession fetches a session by ID.
func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

// ListSessions returns the user's sessions, newest first.
func (s *MemoryStore) ListSessions(_ context.Context, userID string) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// TouchSession bumps updated_at.
func (s *MemoryStore) TouchSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.UpdatedAt = time.Now()
	return nil
}

// RequestStop sets the stop marker.
func (s *MemoryStore) RequestStop(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops[sessionID] = true
	return nil
}

// IsStopRequested reads the stop marker.
func (s *MemoryStore) IsStopRequested(_ context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stops[sessionID], nil
}

// ClearStop clears the stop marker.
func (s *MemoryStore) ClearStop(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stops, sessionID)
	return nil
}
