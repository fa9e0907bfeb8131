// Package store defines the persistence interfaces shared by the API
// gateway, the broker, and the in-container agent runtime. The store is
// the only synchronisation point between those processes: events flow
// one way (runtime writes, gateway polls) and the stop marker flows the
// other.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("not found")

// DefaultHistoryLimit bounds how many messages the runtime loads as
// conversation history.
const DefaultHistoryLimit = 100

// EventStore persists the append-only per-session event stream.
type EventStore interface {
	// AppendEvent persists one event.
	AppendEvent(ctx context.Context, ev *models.Event) error

	// EventsSince returns events with timestamp strictly greater than
	// since, ordered by (timestamp, insertion order). limit <= 0 means
	// no limit.
	EventsSince(ctx context.Context, sessionID string, since float64, limit int) ([]*models.Event, error)

	// HasFinishEvent reports whether the session has a finish event with
	// timestamp strictly greater than since; since 0 means any. Called
	// every 2s by the container monitor, so implementations keep this
	// cheap. The watermark matters on sessions with prior runs: each run
	// ends with its own finish, and the monitor must not mistake an old
	// one for this run's.
	HasFinishEvent(ctx context.Context, sessionID string, since float64) (bool, error)

	// FinishEvent returns the newest finish event with timestamp strictly
	// greater than since, or ErrNotFound.
	FinishEvent(ctx context.Context, sessionID string, since float64) (*models.Event, error)

	// DeleteEventsBefore removes events created before cutoff and
	// returns the number deleted.
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MessageStore persists durable conversation history.
type MessageStore interface {
	// AppendMessage persists one message.
	AppendMessage(ctx context.Context, msg *models.Message) error

	// RecentMessages returns up to limit most recent messages for the
	// session, in chronological order.
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	// DeleteMessagesBefore removes messages created before cutoff and
	// returns the number deleted.
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionStore persists sessions and their stop markers.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	ListSessions(ctx context.Context, userID string) ([]*models.Session, error)

	// TouchSession bumps updated_at.
	TouchSession(ctx context.Context, sessionID string) error

	// RequestStop sets the session's stop marker. The runtime checks it
	// between stream items; the orchestrator checks it while monitoring.
	RequestStop(ctx context.Context, sessionID string) error
	IsStopRequested(ctx context.Context, sessionID string) (bool, error)
	ClearStop(ctx context.Context, sessionID string) error
}

// Store bundles all persistence concerns behind one handle.
type Store interface {
	EventStore
	MessageStore
	SessionStore

	Close() error
}
