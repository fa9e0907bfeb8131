// Package llmtest provides a scripted llm.Client for tests. Responses
// are consumed in call order; running past the script is an error so
// tests notice unexpected extra LLM calls.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/llm"
)

// Response is one scripted completion.
type Response struct {
	Chunks []llm.Chunk
	Err    error
}

// Client replays scripted responses.
type Client struct {
	mu        sync.Mutex
	Responses []Response
	callCount int
	captured  []*llm.GenerateInput

	// OnGenerate runs before each response is delivered, for tests that
	// need side effects (context cancellation, stop markers) at call time.
	OnGenerate func(callIndex int, input *llm.GenerateInput)
}

// Generate pops the next scripted response.
func (c *Client) Generate(_ context.Context, input *llm.GenerateInput) (<-chan llm.Chunk, error) {
	c.mu.Lock()
	idx := c.callCount
	c.callCount++
	c.captured = append(c.captured, input)
	c.mu.Unlock()

	if c.OnGenerate != nil {
		c.OnGenerate(idx, input)
	}
	if idx >= len(c.Responses) {
		return nil, fmt.Errorf("scripted llm client: no response for call %d", idx+1)
	}

	r := c.Responses[idx]
	if r.Err != nil {
		return nil, r.Err
	}
	ch := make(chan llm.Chunk, len(r.Chunks))
	for _, chunk := range r.Chunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

// Calls returns how many times Generate ran.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callCount
}

// Input returns the captured input of call i.
func (c *Client) Input(i int) *llm.GenerateInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.captured) {
		return nil
	}
	return c.captured[i]
}

// Text scripts a plain streamed answer split into the given deltas.
func Text(messageID string, deltas ...string) Response {
	chunks := make([]llm.Chunk, 0, len(deltas))
	for _, d := range deltas {
		chunks = append(chunks, &llm.TextChunk{MessageID: messageID, Content: d})
	}
	return Response{Chunks: chunks}
}

// ToolCall scripts a completion that calls one tool, with the argument
// payload split across two deltas the way providers stream it.
func ToolCall(messageID, callID, name string, args map[string]any) Response {
	encoded, _ := json.Marshal(args)
	half := len(encoded) / 2
	return Response{Chunks: []llm.Chunk{
		&llm.ToolCallChunk{MessageID: messageID, Index: 0, CallID: callID, Name: name, Arguments: string(encoded[:half])},
		&llm.ToolCallChunk{MessageID: messageID, Index: 0, Arguments: string(encoded[half:])},
	}}
}

// Decision scripts a workflow_decision call.
func Decision(messageID, callID, nextAction, instruction string) Response {
	args := map[string]any{"next_action": nextAction, "reason": "scripted"}
	if instruction != "" {
		args["instruction_for_next"] = instruction
	}
	return ToolCall(messageID, callID, "workflow_decision", args)
}

// StreamError scripts a mid-stream provider failure.
func StreamError(message string) Response {
	return Response{Chunks: []llm.Chunk{&llm.ErrorChunk{Message: message}}}
}
