package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/agent"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/llm"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
)

const intentPrompt = `You are an intent classifier. Based on the user's latest message and the conversation context, decide which agent should handle the request.

Agents and their scope:
- boss: new requirements, feature requests, product requests, PRD, requirement analysis
- engineer: start the dev server, run commands, write code, change code, implement features, deploy
- qa: run tests, testing
- product_manager: change the PRD
- architect: change the architecture
- project_manager: change the task breakdown

Latest user message: %s

Recent context:
%s

Reply with exactly one word, one of: boss, engineer, qa, product_manager, architect, project_manager`

// Runner executes the team graph for one generation run.
type Runner struct {
	Invoker *agent.Invoker
	// IntentLLM classifies follow-up turns to an entry node. Nil routes
	// follow-ups to boss.
	IntentLLM llm.Client
	// MaxTransitions terminates runaway back-and-forth loops.
	MaxTransitions int
}

// Run walks the graph until a terminal decision, the transition cap, or
// a node failure. Items stream on the returned channel, which closes
// when the run ends. Cancel ctx to abort between LLM chunks.
func (r *Runner) Run(ctx context.Context, state *TeamState) <-chan Item {
	out := make(chan Item, 16)
	go func() {
		defer close(out)
		r.run(ctx, state, out)
	}()
	return out
}

func (r *Runner) run(ctx context.Context, state *TeamState, out chan<- Item) {
	maxTransitions := r.MaxTransitions
	if maxTransitions <= 0 {
		maxTransitions = 50
	}

	node := r.resolveEntry(ctx, state)
	for node != End {
		if err := ctx.Err(); err != nil {
			return
		}
		if state.Transitions >= maxTransitions {
			out <- Warning{Node: node, Text: fmt.Sprintf("transition cap (%d) reached, terminating run", maxTransitions)}
			return
		}

		role := agent.ForRole(node)
		if role == nil {
			out <- Failed{Node: node, Err: fmt.Errorf("unknown node %q", node)}
			return
		}

		out <- NodeStart{Node: node}
		if role.Stage != state.Stage {
			out <- StageChange{From: state.Stage, To: role.Stage}
			state.Stage = role.Stage
		}

		instruction := state.NextInstruction
		if instruction == "" {
			instruction = role.DefaultTask
		}
		state.NextInstruction = ""

		res, err := r.Invoker.Invoke(ctx, &agent.InvokeInput{
			Agent:       role,
			History:     state.Messages,
			Instruction: instruction,
			Framework:   state.Framework,
			Sink:        &itemSink{node: node, out: out},
		})
		if err != nil {
			out <- Failed{Node: node, Err: err}
			return
		}

		decision := res.Decision
		if decision == nil {
			decision = agent.ParseDecisionMarker(res.FinalText)
		}
		action := "continue"
		if decision != nil && decision.NextAction != "" {
			action = decision.NextAction
		}

		// The node's labeled summary joins the running history so later
		// nodes see what it concluded without its full tool chatter.
		summary := models.NewMessage(sessionIDOf(state, res), models.RoleAssistant,
			fmt.Sprintf("[%s] %s", role.Label, res.FinalText))
		summary.AgentName = node
		state.Messages = append(state.Messages, summary)
		recordArtifacts(state, node)

		next, known := ResolveNext(node, action)
		if !known {
			out <- Warning{Node: node, Text: fmt.Sprintf("action %q not valid for node %s, treating as continue", action, node)}
		}

		out <- NodeEnd{Node: node, Decision: action}
		slog.Info("node finished", "node", node, "action", action, "next", next)

		if decision != nil {
			state.NextInstruction = decision.InstructionForNext
		}
		state.LastDecision = action
		state.Transitions++
		node = next
	}

	if state.Stage != models.StageCompleted {
		out <- StageChange{From: state.Stage, To: models.StageCompleted}
		state.Stage = models.StageCompleted
	}
}

// resolveEntry picks the first node: new sessions always start at boss,
// follow-ups are classified by intent.
func (r *Runner) resolveEntry(ctx context.Context, state *TeamState) string {
	hasAgentOutput := false
	for _, m := range state.Messages {
		if m.Role == models.RoleAssistant {
			hasAgentOutput = true
			break
		}
	}
	if !hasAgentOutput || r.IntentLLM == nil {
		return "boss"
	}

	lastUser := ""
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if state.Messages[i].Role == models.RoleUser {
			lastUser = state.Messages[i].Content.String()
			break
		}
	}
	if lastUser == "" {
		return "boss"
	}

	node, err := r.classifyIntent(ctx, state, lastUser)
	if err != nil {
		slog.Warn("intent classification failed, defaulting to boss", "error", err)
		return "boss"
	}
	return node
}

func (r *Runner) classifyIntent(ctx context.Context, state *TeamState, lastUser string) (string, error) {
	contextMsgs := state.Messages
	if len(contextMsgs) > 6 {
		contextMsgs = contextMsgs[len(contextMsgs)-6:]
	}
	var b strings.Builder
	for _, m := range contextMsgs {
		text := m.Content.String()
		if len(text) > 200 {
			text = text[:200]
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, text)
	}
	if len(lastUser) > 500 {
		lastUser = lastUser[:500]
	}

	sessionID := ""
	if len(state.Messages) > 0 {
		sessionID = state.Messages[0].SessionID
	}
	prompt := fmt.Sprintf(intentPrompt, lastUser, b.String())
	stream, err := r.IntentLLM.Generate(ctx, &llm.GenerateInput{
		SessionID: sessionID,
		Messages:  []*models.Message{models.NewMessage(sessionID, models.RoleUser, prompt)},
	})
	if err != nil {
		return "", err
	}

	var reply strings.Builder
	for chunk := range stream {
		switch c := chunk.(type) {
		case *llm.TextChunk:
			reply.WriteString(c.Content)
		case *llm.ErrorChunk:
			return "", fmt.Errorf("intent stream: %s", c.Message)
		}
	}
	return parseIntent(reply.String()), nil
}

// parseIntent scans the classifier's reply for a role name. Longer
// names are checked first so "product_manager" does not match as
// "boss"-fallback via substring confusion with other roles.
func parseIntent(reply string) string {
	s := strings.ToLower(strings.TrimSpace(reply))
	for _, name := range []string{
		"product_manager", "project_manager", "architect", "engineer", "boss", "qa",
	} {
		if strings.Contains(s, name) {
			return name
		}
	}
	return "boss"
}

// recordArtifacts notes the document each role conventionally produces.
func recordArtifacts(state *TeamState, node string) {
	switch node {
	case "boss":
		state.Documents["requirements"] = "requirements.md"
	case "product_manager":
		state.Documents["prd"] = "prd.md"
	case "architect":
		state.Documents["design"] = "design.md"
	case "project_manager":
		state.Documents["tasks"] = "tasks.md"
	case "qa":
		state.Documents["test_report"] = "test_report.md"
	}
}

func sessionIDOf(state *TeamState, res *agent.InvokeResult) string {
	if len(res.NewMessages) > 0 {
		return res.NewMessages[0].SessionID
	}
	if len(state.Messages) > 0 {
		return state.Messages[0].SessionID
	}
	return ""
}

// itemSink forwards agent callbacks onto the run's item channel.
type itemSink struct {
	node string
	out  chan<- Item
}

func (s *itemSink) OnStreamDelta(messageID, delta string) {
	s.out <- StreamDelta{Node: s.node, MessageID: messageID, Content: delta}
}

func (s *itemSink) OnToolCallDelta(messageID string, index int, callID, name, arguments string) {
	s.out <- ToolCallDelta{
		Node: s.node, MessageID: messageID, Index: index,
		CallID: callID, Name: name, Arguments: arguments,
	}
}

func (s *itemSink) OnMessageComplete(msg *models.Message) {
	s.out <- MessageDone{Node: s.node, Message: msg}
}

func (s *itemSink) OnToolStart(call models.ToolCall) {
	s.out <- ToolStart{Node: s.node, Call: call}
}

func (s *itemSink) OnToolEnd(call models.ToolCall, result string) {
	s.out <- ToolEnd{Node: s.node, Call: call, Result: result}
}
