package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/models"
	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/test/llmtest"
)

func makeConv(n int) []*models.Message {
	conv := []*models.Message{
		models.NewMessage("sess-1", models.RoleSystem, "you are a test agent"),
	}
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		conv = append(conv, models.NewMessage("sess-1", role, fmt.Sprintf("message %d", i)))
	}
	return conv
}

func TestCompressBelowThresholdsUntouched(t *testing.T) {
	c := &Compressor{TokenThreshold: 100000, MessageThreshold: 50, KeepRecent: 5}
	conv := makeConv(10)

	out, err := c.Compress(context.Background(), conv)
	require.NoError(t, err)
	assert.Equal(t, conv, out)
}

func TestCompressByMessageCount(t *testing.T) {
	summarizer := &llmtest.Client{Responses: []llmtest.Response{
		llmtest.Text("s1", "decisions: built the todo app"),
	}}
	c := &Compressor{
		LLM:              summarizer,
		TokenThreshold:   1 << 30,
		MessageThreshold: 10,
		KeepRecent:       4,
	}
	conv := makeConv(20)

	out, err := c.Compress(context.Background(), conv)
	require.NoError(t, err)

	// system + summary + recent window.
	require.Len(t, out, 1+1+4)
	assert.Equal(t, models.RoleSystem, out[0].Role)
	assert.Equal(t, "you are a test agent", out[0].Content.String())
	assert.Equal(t, models.RoleSystem, out[1].Role)
	assert.Contains(t, out[1].Content.String(), "decisions: built the todo app")
	assert.Equal(t, conv[len(conv)-4:], out[2:])
	assert.Equal(t, 1, summarizer.Calls())
}

func TestCompressKeepsToolPairsTogether(t *testing.T) {
	summarizer := &llmtest.Client{Responses: []llmtest.Response{
		llmtest.Text("s1", "summary"),
	}}
	c := &Compressor{LLM: summarizer, TokenThreshold: 0, MessageThreshold: 0, KeepRecent: 2}

	assistant := models.NewMessage("sess-1", models.RoleAssistant, "")
	assistant.ToolCalls = []models.ToolCall{{ID: "c1", Name: "read_file", Arguments: "{}"}}
	toolResult := models.NewMessage("sess-1", models.RoleTool, "file contents")
	toolResult.ToolCallID = "c1"

	conv := []*models.Message{
		models.NewMessage("sess-1", models.RoleSystem, "sys"),
		models.NewMessage("sess-1", models.RoleUser, "a"),
		models.NewMessage("sess-1", models.RoleAssistant, "b"),
		models.NewMessage("sess-1", models.RoleUser, "c"),
		assistant,
		toolResult,
		models.NewMessage("sess-1", models.RoleAssistant, "done"),
	}

	out, err := c.Compress(context.Background(), conv)
	require.NoError(t, err)

	// The naive cut would start the window at the orphaned tool result;
	// it must instead start at the assistant that issued the call.
	var sawOrphanTool bool
	for i, m := range out {
		if m.Role != models.RoleTool {
			continue
		}
		found := false
		for j := 0; j < i; j++ {
			for _, tc := range out[j].ToolCalls {
				if tc.ID == m.ToolCallID {
					found = true
				}
			}
		}
		if !found {
			sawOrphanTool = true
		}
	}
	assert.False(t, sawOrphanTool)
}

func TestCompressSummarizerFailureReturnsError(t *testing.T) {
	summarizer := &llmtest.Client{Responses: []llmtest.Response{
		llmtest.StreamError("summarizer down"),
	}}
	c := &Compressor{LLM: summarizer, TokenThreshold: 0, MessageThreshold: 0, KeepRecent: 2}

	_, err := c.Compress(context.Background(), makeConv(20))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "summarizer down")
}

func TestCompressWithoutSummarizerDegrades(t *testing.T) {
	c := &Compressor{TokenThreshold: 0, MessageThreshold: 0, KeepRecent: 2}
	conv := makeConv(10)

	out, err := c.Compress(context.Background(), conv)
	require.NoError(t, err)
	assert.Less(t, len(out), len(conv))
	assert.Contains(t, out[1].Content.String(), "Summary of earlier conversation")
}

func TestEstimateTokensNonZero(t *testing.T) {
	c := &Compressor{}
	n := c.estimateTokens(makeConv(6))
	assert.Greater(t, n, 0)
}
