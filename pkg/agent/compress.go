package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/llm"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
)

// Compressor shrinks a long conversation before it reaches the LLM.
// Strategy: keep the leading system message and the most recent window
// intact, summarize everything in between with a cheaper model. The cut
// point never separates an assistant's tool_calls from their tool
// results.
type Compressor struct {
	// LLM produces the summary. Nil disables summarization and the
	// compressor falls back to pure truncation.
	LLM llm.Client
	// Model overrides the summarizer model; empty uses the client default.
	Model string
	// TokenThreshold triggers compression when the estimated conversation
	// size exceeds it.
	TokenThreshold int
	// MessageThreshold triggers compression on message count alone.
	MessageThreshold int
	// KeepRecent is the size of the untouched trailing window.
	KeepRecent int

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// Compress returns the conversation, compressed when it exceeds the
// thresholds. Failures return an error and the caller keeps the
// original; compression is never allowed to break a run.
func (c *Compressor) Compress(ctx context.Context, conv []*models.Message) ([]*models.Message, error) {
	if len(conv) <= c.KeepRecent+1 {
		return conv, nil
	}
	tokens := c.estimateTokens(conv)
	if tokens < c.TokenThreshold && len(conv) < c.MessageThreshold {
		return conv, nil
	}

	// Leading system messages stay verbatim.
	head := 0
	for head < len(conv) && conv[head].Role == models.RoleSystem {
		head++
	}

	cut := len(conv) - c.KeepRecent
	if cut <= head {
		return conv, nil
	}
	// A tool result must stay with the assistant message that requested
	// it. Walk the cut point back until the kept window starts at a
	// non-tool message, which pulls the tool-calling assistant in too.
	for cut > head && conv[cut].Role == models.RoleTool {
		cut--
	}

	middle := conv[head:cut]
	if len(middle) == 0 {
		return conv, nil
	}

	summary, err := c.summarize(ctx, middle)
	if err != nil {
		return nil, err
	}

	out := make([]*models.Message, 0, head+1+len(conv)-cut)
	out = append(out, conv[:head]...)
	summaryMsg := models.NewMessage(summarySessionID(conv), models.RoleSystem,
		"Summary of earlier conversation:\n"+summary)
	out = append(out, summaryMsg)
	out = append(out, conv[cut:]...)

	slog.Info("conversation compressed",
		"before_messages", len(conv),
		"after_messages", len(out),
		"estimated_tokens", tokens)
	return out, nil
}

func (c *Compressor) summarize(ctx context.Context, msgs []*models.Message) (string, error) {
	if c.LLM == nil {
		// No summarizer: degrade to a mechanical digest of roles and
		// leading content so the model still sees what happened.
		var b strings.Builder
		for _, m := range msgs {
			text := m.Content.String()
			if len(text) > 200 {
				text = text[:200] + "..."
			}
			fmt.Fprintf(&b, "- %s: %s\n", m.Role, text)
		}
		return b.String(), nil
	}

	var transcript strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&transcript, "[%s] %s\n", m.Role, m.Content.String())
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&transcript, "[%s called %s] %s\n", m.Role, tc.Name, tc.Arguments)
		}
	}

	prompt := "Summarize the following team conversation. Preserve: decisions made, " +
		"documents written and their paths, tasks completed and remaining, unresolved " +
		"problems. Be dense; omit pleasantries.\n\n" + transcript.String()

	sessionID := summarySessionID(msgs)
	stream, err := c.LLM.Generate(ctx, &llm.GenerateInput{
		SessionID: sessionID,
		Messages:  []*models.Message{models.NewMessage(sessionID, models.RoleUser, prompt)},
		Model:     c.Model,
	})
	if err != nil {
		return "", fmt.Errorf("summarizer call: %w", err)
	}

	var out strings.Builder
	for chunk := range stream {
		switch ch := chunk.(type) {
		case *llm.TextChunk:
			out.WriteString(ch.Content)
		case *llm.ErrorChunk:
			return "", fmt.Errorf("summarizer stream: %s", ch.Message)
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("summarizer produced no output")
	}
	return out.String(), nil
}

// estimateTokens counts tokens with cl100k_base, falling back to the
// chars/4 heuristic when the encoding is unavailable (offline hosts).
func (c *Compressor) estimateTokens(conv []*models.Message) int {
	c.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tiktoken encoding unavailable, using chars/4 estimate", "error", err)
			return
		}
		c.enc = enc
	})

	total := 0
	for _, m := range conv {
		text := m.Content.String()
		for _, tc := range m.ToolCalls {
			text += tc.Name + tc.Arguments
		}
		if c.enc != nil {
			total += len(c.enc.Encode(text, nil, nil))
		} else {
			total += len(text) / 4
		}
	}
	return total
}

func summarySessionID(msgs []*models.Message) string {
	for _, m := range msgs {
		if m.SessionID != "" {
			return m.SessionID
		}
	}
	return ""
}
