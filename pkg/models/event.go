// Package models defines the core data types shared across stores, the
// runtime, and the API layer.
package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of streaming event.
type EventType string

// Event taxonomy. The SSE gateway forwards these verbatim as the SSE
// event name, so renaming a constant is a wire-format change.
const (
	EventAgentStart      EventType = "agent_start"
	EventNodeStart       EventType = "node_start"
	EventLLMStream       EventType = "llm_stream"
	EventMessageComplete EventType = "message_complete"
	EventToolStart       EventType = "tool_start"
	EventToolEnd         EventType = "tool_end"
	EventNodeEnd         EventType = "node_end"
	EventStageChange     EventType = "stage_change"
	EventCustom          EventType = "custom"
	EventAgentError      EventType = "agent_error"
	EventFinish          EventType = "finish"
)

// IsTerminal reports whether the event ends a session's stream.
func (t EventType) IsTerminal() bool {
	return t == EventFinish
}

// Event is a single entry in a session's append-only event stream.
// Timestamp is Unix seconds with fractional precision; the
// (SessionID, Timestamp) pair is the resume cursor for SSE clients.
type Event struct {
	EventID       string         `json:"event_id"`
	SessionID     string         `json:"session_id"`
	Timestamp     float64        `json:"timestamp"`
	EventType     EventType      `json:"event_type"`
	AgentName     string         `json:"agent_name,omitempty"`
	RunID         string         `json:"run_id,omitempty"`
	ParentIDs     []string       `json:"parent_ids,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
	ObservationID string         `json:"observation_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	MessageID     string         `json:"message_id,omitempty"`
}

// NewEvent constructs an event with a fresh ID and the current timestamp.
func NewEvent(sessionID string, eventType EventType, data map[string]any) *Event {
	return &Event{
		EventID:   uuid.New().String(),
		SessionID: sessionID,
		Timestamp: Now(),
		EventType: eventType,
		Data:      data,
	}
}

// Now returns the current time as fractional Unix seconds, the timestamp
// representation used throughout the event stream.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// TimestampOf converts a time.Time to the event timestamp representation.
func TimestampOf(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Finish statuses carried in finish event data.
const (
	FinishStatusSuccess = "success"
	FinishStatusFailed  = "failed"
	FinishStatusTimeout = "timeout"
	FinishStatusStopped = "stopped"
)
