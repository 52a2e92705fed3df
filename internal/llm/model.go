// Package llm is the boundary to text-generation models.
//
// Callers hand a Model compiled prompt messages and a set of tools; the model
// runs its own tool loop, executing tool calls through types.Tool.Execute,
// until it produces a final text or runs out of steps.
package llm

import (
	"context"
	"fmt"
	"iter"

	"storyloom/internal/types"
)

// DefaultMaxSteps bounds the tool loop when a request does not.
const DefaultMaxSteps = 8

// GenerateRequest is one model call.
type GenerateRequest struct {
	Messages []types.ContextMessage
	Tools    []types.Tool

	// MaxSteps is the number of model round trips allowed; each step that
	// ends in tool calls is followed by another step with the results.
	MaxSteps int

	// JSON asks the provider for a JSON object response.
	JSON bool

	Temperature *float32
}

// Usage is token accounting reported by the provider.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// GenerateResult is the outcome of a finished tool loop.
type GenerateResult struct {
	Text         string           `json:"text"`
	ToolCalls    []types.ToolCall `json:"toolCalls,omitempty"`
	FinishReason string           `json:"finishReason"`
	Steps        int              `json:"steps"`
	Usage        Usage            `json:"usage"`
}

// EventType classifies stream events.
type EventType string

const (
	EventTextDelta      EventType = "text-delta"
	EventReasoningDelta EventType = "reasoning-delta"
	EventToolCall       EventType = "tool-call"
	EventToolResult     EventType = "tool-result"
	EventFinish         EventType = "finish"
)

// StreamEvent is one element of a streamed generation. Text is set for
// deltas, ToolCall for tool events (with Output for results), and Result on
// the final finish event.
type StreamEvent struct {
	Type     EventType
	Text     string
	ToolCall *types.ToolCall
	Result   *GenerateResult
}

// Model generates text with tool use.
type Model interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)

	// Stream yields events as they arrive. The last event of a successful
	// stream is EventFinish. A cancelled context ends the stream with the
	// context's error.
	Stream(ctx context.Context, req GenerateRequest) iter.Seq2[StreamEvent, error]
}

// Collect drains a stream, passing each event to fn when fn is non-nil, and
// returns the final result.
func Collect(events iter.Seq2[StreamEvent, error], fn func(StreamEvent)) (*GenerateResult, error) {
	var result *GenerateResult
	for ev, err := range events {
		if err != nil {
			return nil, err
		}
		if fn != nil {
			fn(ev)
		}
		if ev.Type == EventFinish {
			result = ev.Result
		}
	}
	if result == nil {
		return nil, fmt.Errorf("stream ended without a finish event")
	}
	return result, nil
}

// ExecuteTool runs the named tool. Unknown tools and execution errors are
// reported to the model as {"error": ...} rather than failing the loop.
func ExecuteTool(ctx context.Context, tools []types.Tool, call types.ToolCall) map[string]any {
	for _, t := range tools {
		if t.Name != call.Name {
			continue
		}
		if t.Execute == nil {
			return types.ToolError(fmt.Sprintf("tool %s is not executable", call.Name))
		}
		input := call.Input
		if input == nil {
			input = map[string]any{}
		}
		out, err := t.Execute(ctx, input)
		if err != nil {
			return types.ToolError(err.Error())
		}
		if out == nil {
			out = types.ToolOK()
		}
		return out
	}
	return types.ToolError(fmt.Sprintf("unknown tool: %s", call.Name))
}

func maxSteps(n int) int {
	if n <= 0 {
		return DefaultMaxSteps
	}
	return n
}
