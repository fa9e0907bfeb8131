package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/agent"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/agentctx"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/graph"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/llm"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/store"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/tools"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/test/llmtest"
)

func setup(t *testing.T, client llm.Client) (context.Context, *store.MemoryStore, *Runtime) {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := agentctx.WithScope(context.Background(), &agentctx.Scope{
		SessionID:     "sess-1",
		WorkspaceID:   "ws-1",
		WorkspaceRoot: t.TempDir(),
		Framework:     models.FrameworkNextJS,
		RunID:         "run-1",
		Events:        st,
		Messages:      st,
		Sessions:      st,
	})

	reg := tools.NewRegistry()
	tools.RegisterWorkspaceTools(reg)
	tools.RegisterDecisionTool(reg)

	rt := &Runtime{
		Runner: &graph.Runner{
			Invoker:        &agent.Invoker{LLM: client, Tools: reg, MaxIterations: 5},
			MaxTransitions: 50,
		},
		HistoryLimit:      100,
		StopCheckInterval: time.Nanosecond,
	}
	return ctx, st, rt
}

func seedUserTurn(t *testing.T, ctx context.Context, st *store.MemoryStore, text string) *models.Message {
	t.Helper()
	msg := models.NewMessage("sess-1", models.RoleUser, text)
	require.NoError(t, st.AppendMessage(ctx, msg))
	return msg
}

func allEvents(t *testing.T, ctx context.Context, st *store.MemoryStore) []*models.Event {
	t.Helper()
	events, err := st.EventsSince(ctx, "sess-1", 0, 1000)
	require.NoError(t, err)
	return events
}

func eventTypes(events []*models.Event) []models.EventType {
	out := make([]models.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventType)
	}
	return out
}

func TestRunHappyPath(t *testing.T) {
	client := &llmtest.Client{Responses: []llmtest.Response{
		llmtest.Text("m1", "Hi! I can help. ",
			`[WORKFLOW_DECISION]{"next_action": "end", "reason": "greeting"}[/WORKFLOW_DECISION]`),
	}}
	ctx, st, rt := setup(t, client)
	user := seedUserTurn(t, ctx, st, "hello")

	status, err := rt.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.FinishStatusSuccess, status)

	events := allEvents(t, ctx, st)
	types := eventTypes(events)

	// agent_start, node_start, stream deltas, message_complete,
	// node_end, stage_change to completed, finish.
	require.NotEmpty(t, types)
	assert.Equal(t, models.EventAgentStart, types[0])
	assert.Equal(t, models.EventFinish, types[len(types)-1])

	var finishes, nodeStarts, streams int
	for _, ev := range events {
		switch ev.EventType {
		case models.EventFinish:
			finishes++
			assert.Equal(t, models.FinishStatusSuccess, ev.Data["status"])
		case models.EventNodeStart:
			nodeStarts++
			assert.Equal(t, "boss", ev.Data["node_name"])
		case models.EventLLMStream:
			streams++
			assert.Equal(t, "m1", ev.Data["message_id"])
			assert.Equal(t, "text", ev.Data["content_type"])
		}
	}
	assert.Equal(t, 1, finishes)
	assert.Equal(t, 1, nodeStarts)
	assert.Equal(t, 2, streams)

	// agent_start carries the durably recorded prompt.
	assert.Equal(t, "hello", events[0].Data["prompt"])
	assert.Equal(t, user.MessageID, events[0].Data["message_id"])

	// Timestamps are non-decreasing.
	for i := 1; i < len(events); i++ {
		assert.LessOrEqual(t, events[i-1].Timestamp, events[i].Timestamp)
	}
}

func TestRunNoUserTurn(t *testing.T) {
	t.Run("empty history", func(t *testing.T) {
		ctx, st, rt := setup(t, &llmtest.Client{})

		status, err := rt.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.FinishStatusStopped, status)

		events := allEvents(t, ctx, st)
		require.Len(t, events, 1)
		assert.Equal(t, models.EventFinish, events[0].EventType)
		assert.Equal(t, "no-user-turn", events[0].Data["reason"])
	})

	t.Run("last message not user", func(t *testing.T) {
		ctx, st, rt := setup(t, &llmtest.Client{})
		seedUserTurn(t, ctx, st, "hi")
		assistant := models.NewMessage("sess-1", models.RoleAssistant, "done")
		require.NoError(t, st.AppendMessage(ctx, assistant))

		status, err := rt.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.FinishStatusStopped, status)

		for _, ev := range allEvents(t, ctx, st) {
			assert.NotEqual(t, models.EventNodeStart, ev.EventType)
		}
	})
}

func TestRunToolCallEvents(t *testing.T) {
	client := &llmtest.Client{Responses: []llmtest.Response{
		llmtest.ToolCall("m1", "t1", "write_file", map[string]any{
			"path": "a.txt", "content": "x",
		}),
		llmtest.Text("m2", "done",
			`[WORKFLOW_DECISION]{"next_action": "end"}[/WORKFLOW_DECISION]`),
	}}
	ctx, st, rt := setup(t, client)
	seedUserTurn(t, ctx, st, "write a file")

	status, err := rt.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.FinishStatusSuccess, status)

	events := allEvents(t, ctx, st)

	var sawToolCallStream, sawToolStart, sawToolEnd, sawToolMsg, sawAssistantToolCalls bool
	for _, ev := range events {
		switch ev.EventType {
		case models.EventLLMStream:
			if ev.Data["content_type"] == "tool_call" {
				sawToolCallStream = true
				assert.Equal(t, 0, ev.Data["tool_call_index"])
				assert.Equal(t, "m1", ev.Data["message_id"])
			}
		case models.EventToolStart:
			sawToolStart = true
			assert.Equal(t, "write_file", ev.Data["tool_name"])
			assert.Equal(t, "t1", ev.Data["tool_call_id"])
		case models.EventToolEnd:
			sawToolEnd = true
			assert.Equal(t, "t1", ev.Data["tool_call_id"])
			assert.NotContains(t, ev.Data, "error")
		case models.EventMessageComplete:
			switch ev.Data["role"] {
			case models.RoleTool:
				sawToolMsg = true
				assert.Equal(t, "t1", ev.Data["tool_call_id"])
			case models.RoleAssistant:
				if _, ok := ev.Data["tool_calls"]; ok {
					sawAssistantToolCalls = true
				}
			}
		}
	}
	assert.True(t, sawToolCallStream, "llm_stream with content_type=tool_call")
	assert.True(t, sawToolStart)
	assert.True(t, sawToolEnd)
	assert.True(t, sawToolMsg, "tool result emits message_complete in addition to tool_end")
	assert.True(t, sawAssistantToolCalls)
}

func TestRunStopMidRun(t *testing.T) {
	st := store.NewMemoryStore()
	var ctx context.Context
	client := &llmtest.Client{}
	client.Responses = []llmtest.Response{
		llmtest.Decision("m1", "c1", "continue", ""),
		llmtest.Decision("m2", "c2", "continue", ""),
	}
	client.OnGenerate = func(callIndex int, _ *llm.GenerateInput) {
		if callIndex == 0 {
			require.NoError(t, st.RequestStop(context.Background(), "sess-1"))
		}
	}

	ctxBase := agentctx.WithScope(context.Background(), &agentctx.Scope{
		SessionID:     "sess-1",
		WorkspaceID:   "ws-1",
		WorkspaceRoot: t.TempDir(),
		Framework:     models.FrameworkNextJS,
		Events:        st,
		Messages:      st,
		Sessions:      st,
	})
	ctx = ctxBase

	reg := tools.NewRegistry()
	tools.RegisterDecisionTool(reg)
	rt := &Runtime{
		Runner: &graph.Runner{
			Invoker:        &agent.Invoker{LLM: client, Tools: reg, MaxIterations: 5},
			MaxTransitions: 50,
		},
		StopCheckInterval: time.Nanosecond,
	}

	seedUserTurn(t, ctx, st, "go")

	status, err := rt.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.FinishStatusStopped, status)

	events := allEvents(t, ctx, st)
	last := events[len(events)-1]
	assert.Equal(t, models.EventFinish, last.EventType)
	assert.Equal(t, models.FinishStatusStopped, last.Data["status"])

	// The marker is cleared so the next generate is accepted.
	stopped, err := st.IsStopRequested(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestRunModelFailure(t *testing.T) {
	client := &llmtest.Client{Responses: []llmtest.Response{
		llmtest.StreamError("provider down"),
		llmtest.StreamError("still down"),
	}}
	ctx, st, rt := setup(t, client)
	seedUserTurn(t, ctx, st, "go")

	status, err := rt.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.FinishStatusFailed, status)

	events := allEvents(t, ctx, st)
	types := eventTypes(events)

	var sawAgentError bool
	var finishes int
	for _, ev := range events {
		if ev.EventType == models.EventAgentError {
			sawAgentError = true
			assert.Contains(t, ev.Data["error"], "consecutive LLM failures")
		}
		if ev.EventType == models.EventFinish {
			finishes++
			assert.Equal(t, models.FinishStatusFailed, ev.Data["status"])
		}
	}
	assert.True(t, sawAgentError)
	assert.Equal(t, 1, finishes)
	assert.Equal(t, models.EventFinish, types[len(types)-1])
}

func TestMessageStreamInvariant(t *testing.T) {
	// All llm_stream events for a message precede its message_complete.
	client := &llmtest.Client{Responses: []llmtest.Response{
		llmtest.Text("m1", "a", "b", "c",
			`[WORKFLOW_DECISION]{"next_action": "end"}[/WORKFLOW_DECISION]`),
	}}
	ctx, st, rt := setup(t, client)
	seedUserTurn(t, ctx, st, "hello")

	_, err := rt.Run(ctx)
	require.NoError(t, err)

	var completeSeen bool
	for _, ev := range allEvents(t, ctx, st) {
		if ev.MessageID != "m1" {
			continue
		}
		switch ev.EventType {
		case models.EventLLMStream:
			assert.False(t, completeSeen, "llm_stream after message_complete")
		case models.EventMessageComplete:
			completeSeen = true
		}
	}
	assert.True(t, completeSeen)
}
