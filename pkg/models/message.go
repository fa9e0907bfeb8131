package models

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is an assistant's request to invoke a tool.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"args"`
}

// ContentPart is one element of a structured message body.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Content is a message body that serializes either as a plain string or
// as a list of typed parts, matching what LLM providers accept.
type Content struct {
	Text  string
	Parts []ContentPart
}

// String flattens the content to plain text.
func (c Content) String() string {
	if len(c.Parts) == 0 {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		out += p.Text
	}
	return out
}

// MarshalJSON emits a bare string unless structured parts are present.
func (c Content) MarshalJSON() ([]byte, error) {
	if len(c.Parts) > 0 {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts either a string or a part list.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content is neither string nor part list: %w", err)
	}
	c.Parts = parts
	c.Text = ""
	return nil
}

// Message is one persisted conversation turn. ParentID forms a forest
// across turns; ToolCallID links a tool result back to its request.
// AgentName records which team member produced an assistant or tool
// turn; user turns leave it empty.
type Message struct {
	MessageID  string         `json:"message_id"`
	SessionID  string         `json:"session_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	Role       string         `json:"role"`
	AgentName  string         `json:"agent_name,omitempty"`
	Content    Content        `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	Timestamp  float64        `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewMessage constructs a message with a fresh ID and current timestamp.
func NewMessage(sessionID, role, text string) *Message {
	return &Message{
		MessageID: uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   Content{Text: text},
		Timestamp: Now(),
	}
}
