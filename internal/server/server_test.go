package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/app"
	"storyloom/internal/config"
	"storyloom/internal/fragments"
	"storyloom/internal/llm/llmtest"
	"storyloom/internal/types"
)

// ─── Test helpers ────────────────────────────────────────────────────────────

func newTestApp(t *testing.T, responses ...llmtest.Response) *app.App {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.LLM.APIKey = ""

	a, err := app.New(context.Background(), cfg, app.Options{Model: llmtest.NewScriptedModel(responses...)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx := context.Background()
	require.NoError(t, a.Store.SaveStory(ctx, &types.StoryMeta{
		ID: "s1", Name: "Salt Road",
		ProseChain: []types.ProseChainEntry{{ProseFragments: []string{"pr-1"}, Active: "pr-1"}},
	}))
	for _, f := range []types.Fragment{
		{ID: "pr-1", Type: fragments.TypeProse, Content: "The boat slid ashore."},
		{ID: "kn-salt", Type: fragments.TypeKnowledge, Name: "Salt", Description: "currency", Content: "Salt buys passage."},
	} {
		f := f
		require.NoError(t, a.Store.SaveFragment(ctx, "s1", &f))
	}
	return a
}

func makeReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(r *mcp.CallToolResult) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestNew(t *testing.T) {
	s := New(newTestApp(t))
	require.NotNil(t, s)
}

func TestBuildContextTool(t *testing.T) {
	tool := NewBuildContextTool(newTestApp(t))
	assert.Equal(t, "build_context", tool.Definition().Name)
	assert.Equal(t, []string{"story_id"}, tool.Definition().InputSchema.Required)

	res, err := tool.Handle(context.Background(), makeReq(map[string]any{
		"story_id": "s1", "author_input": "Mira lands.", "prose_limit": float64(1),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(res))

	var out struct {
		Budget struct {
			Mode  string `json:"mode"`
			Value int    `json:"value"`
		} `json:"budget"`
		Blocks []struct {
			ID string `json:"id"`
		} `json:"blocks"`
		Messages []types.ContextMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &out))
	assert.Equal(t, types.CompactProseLimit, out.Budget.Mode)
	assert.Equal(t, 1, out.Budget.Value)

	var ids []string
	for _, b := range out.Blocks {
		ids = append(ids, b.ID)
	}
	assert.Contains(t, ids, "prose")
	assert.Contains(t, ids, "author-input")
	require.NotEmpty(t, out.Messages)
	assert.Contains(t, out.Messages[len(out.Messages)-1].Text(), "Mira lands.")
}

func TestBuildContextTool_Errors(t *testing.T) {
	tool := NewBuildContextTool(newTestApp(t))

	res, err := tool.Handle(context.Background(), makeReq(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = tool.Handle(context.Background(), makeReq(map[string]any{"story_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "story not found")
}

func TestInvokeAgentTool(t *testing.T) {
	a := newTestApp(t, llmtest.Response{Text: "Mira stepped onto the sand."})
	tool := NewInvokeAgentTool(a)

	def := tool.Definition()
	assert.Equal(t, "invoke_agent", def.Name)
	assert.ElementsMatch(t, []string{"story_id", "agent"}, def.InputSchema.Required)

	res, err := tool.Handle(context.Background(), makeReq(map[string]any{
		"story_id": "s1",
		"agent":    "writer",
		"input":    map[string]any{"authorInput": "Mira lands."},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(res))
	assert.Contains(t, resultText(res), "Mira stepped onto the sand.")

	list := NewListAgentRunsTool(a)
	res, err = list.Handle(context.Background(), makeReq(map[string]any{"story_id": "s1"}))
	require.NoError(t, err)
	var runs []types.AgentRunRecord
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "writer", runs[0].AgentName)
}

func TestInvokeAgentTool_Failures(t *testing.T) {
	tool := NewInvokeAgentTool(newTestApp(t))

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing args", map[string]any{"story_id": "s1"}, "required"},
		{"unknown agent", map[string]any{"story_id": "s1", "agent": "editor"}, "agent not found"},
		{"invalid input", map[string]any{"story_id": "s1", "agent": "writer", "input": map[string]any{}}, "authorInput"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tool.Handle(context.Background(), makeReq(tt.args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
			assert.Contains(t, resultText(res), tt.want)
		})
	}
}

func TestListAgentRunsTool_Empty(t *testing.T) {
	tool := NewListAgentRunsTool(newTestApp(t))
	res, err := tool.Handle(context.Background(), makeReq(map[string]any{"story_id": "s1"}))
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(res))
}

func TestExpandTextTool(t *testing.T) {
	tool := NewExpandTextTool(newTestApp(t))

	res, err := tool.Handle(context.Background(), makeReq(map[string]any{
		"story_id": "s1", "text": "Remember: <@kn-salt:short>",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, resultText(res), "currency")
	assert.NotContains(t, resultText(res), "<@kn-salt")

	res, err = tool.Handle(context.Background(), makeReq(map[string]any{"story_id": "s1", "text": "x", "depth": float64(-1)}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
