// Package llm provides the streaming LLM client used by all agents.
package llm

import (
	"context"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
)

// Client is the interface for streaming chat completion.
type Client interface {
	// Generate sends a conversation to the LLM and returns a stream of
	// chunks. The channel is closed when the stream completes. Errors
	// are delivered as ErrorChunk values in the channel.
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)
}

// GenerateInput is one chat completion request.
type GenerateInput struct {
	SessionID string
	Messages  []*models.Message
	Tools     []ToolDefinition // nil = no tools
	Model     string           // empty = client default
}

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema
}

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
)

// TextChunk is a delta of the assistant's text response. MessageID is
// stable for one completion and changes when a new completion begins.
type TextChunk struct {
	MessageID string
	Content   string
}

// ToolCallChunk is a delta of a streamed tool call. The ID and Name
// arrive on the first delta for an index; Arguments accumulate across
// deltas.
type ToolCallChunk struct {
	MessageID string
	Index     int
	CallID    string
	Name      string
	Arguments string
}

// UsageChunk reports token consumption for this LLM call.
type UsageChunk struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// ErrorChunk signals an error from the LLM provider.
type ErrorChunk struct {
	Message   string
	Retryable bool
}

func (c *TextChunk) chunkType() ChunkType     { return ChunkTypeText }
func (c *ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (c *UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }
