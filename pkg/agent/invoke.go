package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/agentctx"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/llm"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/tools"
)

// maxConsecutiveFailures aborts the loop after this many LLM failures in
// a row without a successful turn in between.
const maxConsecutiveFailures = 2

// Sink receives incremental output during one node invocation. The
// caller translates callbacks into persisted events.
type Sink interface {
	OnStreamDelta(messageID, delta string)
	// OnToolCallDelta forwards an incremental tool-call fragment. CallID
	// and name are empty after the first fragment of an index.
	OnToolCallDelta(messageID string, index int, callID, name, arguments string)
	OnMessageComplete(msg *models.Message)
	OnToolStart(call models.ToolCall)
	OnToolEnd(call models.ToolCall, result string)
}

// NopSink discards all callbacks.
type NopSink struct{}

func (NopSink) OnStreamDelta(string, string)                        {}
func (NopSink) OnToolCallDelta(string, int, string, string, string) {}
func (NopSink) OnMessageComplete(*models.Message)                   {}
func (NopSink) OnToolStart(models.ToolCall)                         {}
func (NopSink) OnToolEnd(models.ToolCall, string)                   {}

// Usage accumulates token consumption across LLM calls.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Invoker runs the tool-calling loop for one node turn.
type Invoker struct {
	LLM   llm.Client
	Tools *tools.Registry
	// Compressor shrinks oversized conversations before each LLM call.
	// Nil disables compression.
	Compressor *Compressor
	// MaxIterations caps tool-calling rounds before a forced conclusion.
	MaxIterations int
}

// InvokeInput is one node turn.
type InvokeInput struct {
	Agent *Agent
	// History is the shared conversation so far. Not mutated.
	History []*models.Message
	// Instruction is the task prompt for this turn. {framework} is
	// substituted with Framework.
	Instruction string
	Framework   models.Framework
	Sink        Sink
}

// InvokeResult is the outcome of one node turn.
type InvokeResult struct {
	// NewMessages are the persisted messages this turn appended, in order.
	NewMessages []*models.Message
	// Decision is non-nil when the agent called workflow_decision.
	Decision *Decision
	// FinalText is the last assistant text produced.
	FinalText string
	Usage     Usage
}

// Invoke runs the agent until it produces a final answer, calls
// workflow_decision, or exhausts MaxIterations (which forces a
// conclusion without tools). Assistant and tool messages are persisted
// through the scope's message store as they complete.
func (inv *Invoker) Invoke(ctx context.Context, in *InvokeInput) (*InvokeResult, error) {
	scope, err := agentctx.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve scope: %w", err)
	}
	sink := in.Sink
	if sink == nil {
		sink = NopSink{}
	}

	instruction := strings.ReplaceAll(in.Instruction, "{framework}", string(in.Framework))

	conv := make([]*models.Message, 0, len(in.History)+2)
	system := models.NewMessage(scope.SessionID, models.RoleSystem, in.Agent.SystemPrompt)
	conv = append(conv, system)
	conv = append(conv, in.History...)
	conv = append(conv, models.NewMessage(scope.SessionID, models.RoleUser, instruction))

	lastParent := ""
	if n := len(in.History); n > 0 {
		lastParent = in.History[n-1].MessageID
	}

	result := &InvokeResult{}
	toolDefs := inv.Tools.Definitions(in.Agent.ToolNames)
	failures := 0

	maxIter := inv.MaxIterations
	if maxIter <= 0 {
		maxIter = 25
	}

	for iter := 0; iter < maxIter; iter++ {
		msg, streamErr := inv.generateTurn(ctx, scope, in.Agent, conv, toolDefs, sink, lastParent, result)
		if streamErr != nil {
			failures++
			slog.Warn("LLM turn failed",
				"session_id", scope.SessionID,
				"agent", in.Agent.Name,
				"iteration", iter+1,
				"error", streamErr)
			if failures >= maxConsecutiveFailures {
				return nil, fmt.Errorf("agent %s: %d consecutive LLM failures: %w",
					in.Agent.Name, failures, streamErr)
			}
			conv = append(conv, models.NewMessage(scope.SessionID, models.RoleUser,
				fmt.Sprintf("Error from previous attempt: %s. Please try again.", streamErr)))
			continue
		}
		failures = 0
		conv = append(conv, msg)
		lastParent = msg.MessageID

		if len(msg.ToolCalls) == 0 {
			result.FinalText = msg.Content.String()
			return result, nil
		}

		for _, tc := range msg.ToolCalls {
			toolMsg, decision := inv.executeCall(ctx, scope, in.Agent, tc, sink, lastParent)
			result.NewMessages = append(result.NewMessages, toolMsg)
			conv = append(conv, toolMsg)
			lastParent = toolMsg.MessageID
			if decision != nil {
				result.Decision = decision
				result.FinalText = msg.Content.String()
				return result, nil
			}
		}
	}

	// Out of iterations. One more call without tools forces a text answer.
	conv = append(conv, models.NewMessage(scope.SessionID, models.RoleUser,
		fmt.Sprintf("You have used all %d working rounds. Summarize what you accomplished and what remains, without calling any tools.", maxIter)))
	msg, streamErr := inv.generateTurn(ctx, scope, in.Agent, conv, nil, sink, lastParent, result)
	if streamErr != nil {
		return nil, fmt.Errorf("agent %s: forced conclusion failed: %w", in.Agent.Name, streamErr)
	}
	result.FinalText = msg.Content.String()
	return result, nil
}

// generateTurn performs one LLM call, persisting and emitting the
// resulting assistant message. A mid-stream completion ID change closes
// the current message and opens a new one.
func (inv *Invoker) generateTurn(
	ctx context.Context,
	scope *agentctx.Scope,
	ag *Agent,
	conv []*models.Message,
	toolDefs []llm.ToolDefinition,
	sink Sink,
	parentID string,
	result *InvokeResult,
) (*models.Message, error) {
	if inv.Compressor != nil {
		compressed, err := inv.Compressor.Compress(ctx, conv)
		if err != nil {
			// Compression is best-effort: fall through with the original.
			slog.Warn("context compression failed", "session_id", scope.SessionID, "error", err)
		} else {
			conv = compressed
		}
	}

	stream, err := inv.LLM.Generate(ctx, &llm.GenerateInput{
		SessionID: scope.SessionID,
		Messages:  conv,
		Tools:     toolDefs,
	})
	if err != nil {
		return nil, err
	}

	var (
		current   *assistantAccumulator
		completed *models.Message
		streamErr error
	)
	flush := func() {
		if current == nil {
			return
		}
		msg := current.build(scope, parentID)
		msg.AgentName = ag.Name
		inv.persist(ctx, scope, msg)
		sink.OnMessageComplete(msg)
		result.NewMessages = append(result.NewMessages, msg)
		parentID = msg.MessageID
		completed = msg
		current = nil
	}

	for chunk := range stream {
		switch c := chunk.(type) {
		case *llm.TextChunk:
			if current != nil && current.id != c.MessageID {
				flush()
			}
			if current == nil {
				current = newAssistantAccumulator(c.MessageID)
			}
			current.text.WriteString(c.Content)
			sink.OnStreamDelta(current.id, c.Content)
		case *llm.ToolCallChunk:
			if current != nil && current.id != c.MessageID {
				flush()
			}
			if current == nil {
				current = newAssistantAccumulator(c.MessageID)
			}
			current.addToolCallDelta(c)
			sink.OnToolCallDelta(current.id, c.Index, c.CallID, c.Name, c.Arguments)
		case *llm.UsageChunk:
			result.Usage.InputTokens += c.InputTokens
			result.Usage.OutputTokens += c.OutputTokens
			result.Usage.TotalTokens += c.TotalTokens
		case *llm.ErrorChunk:
			streamErr = fmt.Errorf("llm stream: %s", c.Message)
		}
	}

	if streamErr != nil {
		// Discard partial output; the retry message carries the error.
		return nil, streamErr
	}
	flush()
	if completed == nil {
		return nil, fmt.Errorf("llm stream produced no output")
	}
	return completed, nil
}

// executeCall runs one tool call, persists the tool result message and
// returns the parsed decision when the call was workflow_decision.
func (inv *Invoker) executeCall(
	ctx context.Context,
	scope *agentctx.Scope,
	ag *Agent,
	tc models.ToolCall,
	sink Sink,
	parentID string,
) (*models.Message, *Decision) {
	sink.OnToolStart(tc)

	args := map[string]any{}
	var resultText string
	if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil && tc.Arguments != "" {
		resultText = fmt.Sprintf("Error: invalid tool arguments: %v", err)
	} else {
		resultText = inv.Tools.Execute(ctx, tc.Name, args)
	}
	sink.OnToolEnd(tc, resultText)

	msg := models.NewMessage(scope.SessionID, models.RoleTool, resultText)
	msg.ParentID = parentID
	msg.AgentName = ag.Name
	msg.ToolCallID = tc.ID
	inv.persist(ctx, scope, msg)
	sink.OnMessageComplete(msg)

	var decision *Decision
	if tc.Name == tools.WorkflowDecisionToolName {
		decision = parseDecisionArgs(args)
	}
	return msg, decision
}

func (inv *Invoker) persist(ctx context.Context, scope *agentctx.Scope, msg *models.Message) {
	if scope.Messages == nil {
		return
	}
	if err := scope.Messages.AppendMessage(ctx, msg); err != nil {
		slog.Error("failed to persist message",
			"session_id", scope.SessionID, "message_id", msg.MessageID, "error", err)
	}
}

// assistantAccumulator gathers one completion's text and tool calls.
type assistantAccumulator struct {
	id    string
	text  strings.Builder
	calls map[int]*models.ToolCall
}

func newAssistantAccumulator(id string) *assistantAccumulator {
	if id == "" {
		id = uuid.New().String()
	}
	return &assistantAccumulator{id: id, calls: make(map[int]*models.ToolCall)}
}

func (a *assistantAccumulator) addToolCallDelta(c *llm.ToolCallChunk) {
	call, ok := a.calls[c.Index]
	if !ok {
		call = &models.ToolCall{}
		a.calls[c.Index] = call
	}
	if c.CallID != "" {
		call.ID = c.CallID
	}
	if c.Name != "" {
		call.Name = c.Name
	}
	call.Arguments += c.Arguments
}

func (a *assistantAccumulator) build(scope *agentctx.Scope, parentID string) *models.Message {
	msg := models.NewMessage(scope.SessionID, models.RoleAssistant, a.text.String())
	msg.MessageID = a.id
	msg.ParentID = parentID

	if len(a.calls) > 0 {
		indexes := make([]int, 0, len(a.calls))
		for i := range a.calls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			msg.ToolCalls = append(msg.ToolCalls, *a.calls[i])
		}
	}
	return msg
}

func parseDecisionArgs(args map[string]any) *Decision {
	d := &Decision{
		NextAction:         strings.TrimSpace(argString(args, "next_action")),
		Reason:             argString(args, "reason"),
		InstructionForNext: strings.TrimSpace(argString(args, "instruction_for_next")),
	}
	if d.NextAction == "" {
		return nil
	}
	return d
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

var decisionMarkerRe = regexp.MustCompile(`(?s)\[WORKFLOW_DECISION\](.*?)\[/WORKFLOW_DECISION\]`)

// ParseDecisionMarker extracts a decision embedded in assistant text as
// a [WORKFLOW_DECISION]{...}[/WORKFLOW_DECISION] block. Returns nil
// when no well-formed decision is present.
func ParseDecisionMarker(text string) *Decision {
	m := decisionMarkerRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &args); err != nil {
		return nil
	}
	return parseDecisionArgs(args)
}
