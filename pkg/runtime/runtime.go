// Package runtime drives one generation run inside the agent container:
// it resolves the input prompt, executes the team graph, and translates
// the graph's item stream into the persisted event stream.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/agentctx"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/graph"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
)

// persistAttempts bounds retries for event writes. The final attempt's
// failure is logged and the run moves on; losing one mid-stream event is
// recoverable, losing the finish event is handled by the orchestrator's
// synthetic finish.
const persistAttempts = 3

// Runtime executes exactly one run for one session.
type Runtime struct {
	Runner *graph.Runner
	// HistoryLimit caps messages preloaded into the team state.
	HistoryLimit int
	// StopCheckInterval rate-limits stop marker polls between items.
	StopCheckInterval time.Duration

	lastStopCheck time.Time
}

// Run executes the session's next generation run and returns the
// terminal finish status. The caller maps success and stopped to exit
// code zero.
func (rt *Runtime) Run(ctx context.Context) (string, error) {
	scope, err := agentctx.FromContext(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve scope: %w", err)
	}

	limit := rt.HistoryLimit
	if limit <= 0 {
		limit = 100
	}
	history, err := scope.Messages.RecentMessages(ctx, scope.SessionID, limit)
	if err != nil {
		rt.emitFinish(ctx, scope, models.FinishStatusFailed, "history load failed")
		return models.FinishStatusFailed, fmt.Errorf("load history: %w", err)
	}

	// The prompt must already be durably recorded by the gateway. A run
	// with no trailing user turn has nothing to do.
	if len(history) == 0 || history[len(history)-1].Role != models.RoleUser {
		rt.emitFinish(ctx, scope, models.FinishStatusStopped, "no-user-turn")
		return models.FinishStatusStopped, nil
	}
	userTurn := history[len(history)-1]

	rt.emit(ctx, scope, &models.Event{
		EventType: models.EventAgentStart,
		MessageID: userTurn.MessageID,
		Data: map[string]any{
			"prompt":     userTurn.Content.String(),
			"framework":  string(scope.Framework),
			"message_id": userTurn.MessageID,
		},
	})

	state := graph.NewTeamState(scope.WorkspaceID, scope.Framework, history)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	items := rt.Runner.Run(runCtx, state)
	failed := false
	stopped := false

	for item := range items {
		if !stopped && rt.stopRequested(ctx, scope) {
			stopped = true
			cancel()
		}
		if stopped {
			// Drain the channel so the runner goroutine can exit; items
			// after the stop are discarded.
			continue
		}
		if f, ok := item.(graph.Failed); ok {
			failed = true
			rt.emit(ctx, scope, &models.Event{
				EventType: models.EventAgentError,
				AgentName: f.Node,
				Data: map[string]any{
					"error":      f.Err.Error(),
					"error_type": "model_error",
					"namespace":  f.Node,
				},
			})
			continue
		}
		rt.emitItem(ctx, scope, item)
	}

	switch {
	case stopped:
		rt.emitFinish(ctx, scope, models.FinishStatusStopped, "stop requested")
		if err := scope.Sessions.ClearStop(ctx, scope.SessionID); err != nil {
			slog.Warn("failed to clear stop marker", "session_id", scope.SessionID, "error", err)
		}
		return models.FinishStatusStopped, nil
	case failed:
		rt.emitFinish(ctx, scope, models.FinishStatusFailed, "")
		return models.FinishStatusFailed, nil
	default:
		rt.emitFinish(ctx, scope, models.FinishStatusSuccess, "")
		return models.FinishStatusSuccess, nil
	}
}

// emitItem maps one graph item to its persisted event.
func (rt *Runtime) emitItem(ctx context.Context, scope *agentctx.Scope, item graph.Item) {
	switch it := item.(type) {
	case graph.NodeStart:
		rt.emit(ctx, scope, &models.Event{
			EventType: models.EventNodeStart,
			AgentName: it.Node,
			Data:      map[string]any{"node_name": it.Node, "namespace": it.Node},
		})
	case graph.NodeEnd:
		rt.emit(ctx, scope, &models.Event{
			EventType: models.EventNodeEnd,
			AgentName: it.Node,
			Data:      map[string]any{"node_name": it.Node, "decision": it.Decision},
		})
	case graph.StageChange:
		rt.emit(ctx, scope, &models.Event{
			EventType: models.EventStageChange,
			Data: map[string]any{
				"from_stage": string(it.From),
				"to_stage":   string(it.To),
			},
		})
	case graph.StreamDelta:
		rt.emit(ctx, scope, &models.Event{
			EventType: models.EventLLMStream,
			AgentName: it.Node,
			MessageID: it.MessageID,
			Data: map[string]any{
				"delta":        it.Content,
				"content_type": "text",
				"message_id":   it.MessageID,
			},
		})
	case graph.ToolCallDelta:
		data := map[string]any{
			"delta":           it.Arguments,
			"content_type":    "tool_call",
			"message_id":      it.MessageID,
			"tool_call_index": it.Index,
		}
		if it.Name != "" {
			data["tool_call_name"] = it.Name
		}
		if it.CallID != "" {
			data["tool_call_id"] = it.CallID
		}
		rt.emit(ctx, scope, &models.Event{
			EventType: models.EventLLMStream,
			AgentName: it.Node,
			MessageID: it.MessageID,
			Data:      data,
		})
	case graph.MessageDone:
		data := map[string]any{
			"message_id": it.Message.MessageID,
			"role":       it.Message.Role,
			"content":    it.Message.Content.String(),
			"agent_name": it.Node,
		}
		if len(it.Message.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(it.Message.ToolCalls))
			for _, tc := range it.Message.ToolCalls {
				calls = append(calls, map[string]any{
					"id": tc.ID, "name": tc.Name, "args": tc.Arguments,
				})
			}
			data["tool_calls"] = calls
		}
		if it.Message.ToolCallID != "" {
			data["tool_call_id"] = it.Message.ToolCallID
		}
		rt.emit(ctx, scope, &models.Event{
			EventType: models.EventMessageComplete,
			AgentName: it.Node,
			MessageID: it.Message.MessageID,
			Data:      data,
		})
	case graph.ToolStart:
		rt.emit(ctx, scope, &models.Event{
			EventType: models.EventToolStart,
			AgentName: it.Node,
			Data: map[string]any{
				"tool_name":    it.Call.Name,
				"tool_call_id": it.Call.ID,
				"args":         it.Call.Arguments,
			},
		})
	case graph.ToolEnd:
		data := map[string]any{
			"tool_name":    it.Call.Name,
			"tool_call_id": it.Call.ID,
			"result":       it.Result,
		}
		if strings.HasPrefix(it.Result, "Error:") {
			data["error"] = true
		}
		rt.emit(ctx, scope, &models.Event{
			EventType: models.EventToolEnd,
			AgentName: it.Node,
			Data:      data,
		})
	case graph.Warning:
		rt.emit(ctx, scope, &models.Event{
			EventType: models.EventCustom,
			AgentName: it.Node,
			Data: map[string]any{
				"custom_type": "warning",
				"payload":     it.Text,
			},
		})
	}
}

func (rt *Runtime) emitFinish(ctx context.Context, scope *agentctx.Scope, status, reason string) {
	data := map[string]any{"status": status}
	if reason != "" {
		data["reason"] = reason
	}
	rt.emit(ctx, scope, &models.Event{EventType: models.EventFinish, Data: data})
}

// emit persists an event, filling in identity fields and retrying
// transient store failures.
func (rt *Runtime) emit(ctx context.Context, scope *agentctx.Scope, ev *models.Event) {
	base := models.NewEvent(scope.SessionID, ev.EventType, ev.Data)
	base.AgentName = ev.AgentName
	base.MessageID = ev.MessageID
	base.RunID = scope.RunID

	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if err = scope.Events.AppendEvent(ctx, base); err == nil {
			return
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	slog.Error("failed to persist event",
		"session_id", scope.SessionID,
		"event_type", ev.EventType,
		"error", err)
}

// stopRequested polls the session's stop marker, rate-limited so a
// chatty stream does not hammer the store.
func (rt *Runtime) stopRequested(ctx context.Context, scope *agentctx.Scope) bool {
	interval := rt.StopCheckInterval
	if interval <= 0 {
		interval = time.Second
	}
	if time.Since(rt.lastStopCheck) < interval {
		return false
	}
	rt.lastStopCheck = time.Now()

	stopped, err := scope.Sessions.IsStopRequested(ctx, scope.SessionID)
	if err != nil {
		slog.Warn("stop marker check failed", "session_id", scope.SessionID, "error", err)
		return false
	}
	return stopped
}
