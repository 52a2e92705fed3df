package llm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/llm"
	"storyloom/internal/llm/llmtest"
	"storyloom/internal/types"
)

func TestCleanJSONResponse(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  \n{\"a\":1}  ", `{"a":1}`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, llm.CleanJSONResponse(tt.in))
	}
}

func TestParseJSON(t *testing.T) {
	var v struct {
		Brief string `json:"brief"`
	}
	require.NoError(t, llm.ParseJSON("```json\n{\"brief\":\"go north\"}\n```", &v))
	assert.Equal(t, "go north", v.Brief)

	err := llm.ParseJSON("Sure! Here is the brief: go north", &v)
	assert.ErrorIs(t, err, llm.ErrMalformedOutput)

	err = llm.ParseJSON("```json\n```", &v)
	assert.ErrorIs(t, err, llm.ErrMalformedOutput)
}

func TestExecuteTool(t *testing.T) {
	tools := []types.Tool{
		{Name: "echo", Execute: func(_ context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"got": in["x"]}, nil
		}},
		{Name: "fail", Execute: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errors.New("nope")
		}},
		{Name: "silent", Execute: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, nil
		}},
	}
	ctx := context.Background()

	assert.Equal(t, map[string]any{"got": 1}, llm.ExecuteTool(ctx, tools, types.ToolCall{Name: "echo", Input: map[string]any{"x": 1}}))
	assert.Equal(t, map[string]any{"error": "nope"}, llm.ExecuteTool(ctx, tools, types.ToolCall{Name: "fail"}))
	assert.Equal(t, map[string]any{"ok": true}, llm.ExecuteTool(ctx, tools, types.ToolCall{Name: "silent"}))
	assert.Equal(t, map[string]any{"error": "unknown tool: ghost"}, llm.ExecuteTool(ctx, tools, types.ToolCall{Name: "ghost"}))
}

func TestScriptedModel_ToolsAndStream(t *testing.T) {
	var seen []any
	tools := []types.Tool{{Name: "note", Execute: func(_ context.Context, in map[string]any) (map[string]any, error) {
		seen = append(seen, in["text"])
		return types.ToolOK(), nil
	}}}
	model := llmtest.NewScriptedModel(llmtest.Response{
		ToolCalls: []types.ToolCall{{Name: "note", Input: map[string]any{"text": "a"}}},
		Text:      "all done",
	})

	var kinds []llm.EventType
	var deltas string
	res, err := llm.Collect(model.Stream(context.Background(), llm.GenerateRequest{Tools: tools}), func(ev llm.StreamEvent) {
		kinds = append(kinds, ev.Type)
		if ev.Type == llm.EventTextDelta {
			deltas += ev.Text
		}
	})
	require.NoError(t, err)

	assert.Equal(t, []any{"a"}, seen)
	assert.Equal(t, "all done", res.Text)
	assert.Equal(t, "all done", deltas)
	assert.Equal(t, []llm.EventType{
		llm.EventToolCall, llm.EventToolResult, llm.EventTextDelta, llm.EventTextDelta, llm.EventFinish,
	}, kinds)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, map[string]any{"ok": true}, res.ToolCalls[0].Output)
}

func TestScriptedModel_Exhausted(t *testing.T) {
	model := llmtest.Text("one")
	_, err := model.Generate(context.Background(), llm.GenerateRequest{})
	require.NoError(t, err)
	_, err = model.Generate(context.Background(), llm.GenerateRequest{})
	assert.Error(t, err)
	assert.Len(t, model.Requests(), 2)
}

func TestCollect_CancelledStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model := llmtest.Text("never seen")
	_, err := llm.Collect(model.Stream(ctx, llm.GenerateRequest{}), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerateJSON(t *testing.T) {
	model := llmtest.Text("```json\n{\"brief\":\"x\"}\n```", "not json")
	var out map[string]any

	_, err := llm.GenerateJSON(context.Background(), model, llm.GenerateRequest{}, &out)
	require.NoError(t, err)
	assert.Equal(t, "x", out["brief"])
	assert.True(t, model.LastRequest().JSON)

	_, err = llm.GenerateJSON(context.Background(), model, llm.GenerateRequest{}, &out)
	assert.ErrorIs(t, err, llm.ErrMalformedOutput)
}
