// Package llmtest provides a deterministic llm.Model for tests.
package llmtest

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"

	"storyloom/internal/llm"
	"storyloom/internal/types"
)

// Response is one scripted model turn: the tool calls the model makes, in
// order, followed by its final text.
type Response struct {
	ToolCalls []types.ToolCall
	Text      string
	Err       error
}

// ScriptedModel replays responses in order, one per Generate or Stream call,
// executing scripted tool calls against the request's tools.
type ScriptedModel struct {
	mu        sync.Mutex
	responses []Response
	requests  []llm.GenerateRequest
}

// NewScriptedModel creates a model that replays responses.
func NewScriptedModel(responses ...Response) *ScriptedModel {
	return &ScriptedModel{responses: responses}
}

// Text is a shorthand for a scripted model answering with plain text.
func Text(texts ...string) *ScriptedModel {
	responses := make([]Response, len(texts))
	for i, t := range texts {
		responses[i] = Response{Text: t}
	}
	return NewScriptedModel(responses...)
}

// Requests returns every request received so far.
func (m *ScriptedModel) Requests() []llm.GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.GenerateRequest(nil), m.requests...)
}

// LastRequest returns the most recent request.
func (m *ScriptedModel) LastRequest() llm.GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return llm.GenerateRequest{}
	}
	return m.requests[len(m.requests)-1]
}

func (m *ScriptedModel) next(req llm.GenerateRequest) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.responses) == 0 {
		return Response{}, fmt.Errorf("scripted model: no response left for call %d", len(m.requests))
	}
	r := m.responses[0]
	m.responses = m.responses[1:]
	return r, r.Err
}

// Generate implements llm.Model.
func (m *ScriptedModel) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error) {
	return llm.Collect(m.Stream(ctx, req), nil)
}

// Stream implements llm.Model. Text is delivered as one delta per word.
func (m *ScriptedModel) Stream(ctx context.Context, req llm.GenerateRequest) iter.Seq2[llm.StreamEvent, error] {
	return func(yield func(llm.StreamEvent, error) bool) {
		r, err := m.next(req)
		if err != nil {
			yield(llm.StreamEvent{}, err)
			return
		}

		result := &llm.GenerateResult{Steps: 1}
		for i, call := range r.ToolCalls {
			if err := ctx.Err(); err != nil {
				yield(llm.StreamEvent{}, err)
				return
			}
			if call.ID == "" {
				call.ID = fmt.Sprintf("call-%d", i+1)
			}
			c := call
			if !yield(llm.StreamEvent{Type: llm.EventToolCall, ToolCall: &c}, nil) {
				return
			}
			c.Output = llm.ExecuteTool(ctx, req.Tools, c)
			result.ToolCalls = append(result.ToolCalls, c)
			if !yield(llm.StreamEvent{Type: llm.EventToolResult, ToolCall: &c}, nil) {
				return
			}
		}
		if len(r.ToolCalls) > 0 {
			result.Steps++
		}

		for _, word := range strings.SplitAfter(r.Text, " ") {
			if word == "" {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(llm.StreamEvent{}, err)
				return
			}
			if !yield(llm.StreamEvent{Type: llm.EventTextDelta, Text: word}, nil) {
				return
			}
		}

		result.Text = r.Text
		result.FinishReason = "stop"
		yield(llm.StreamEvent{Type: llm.EventFinish, Result: result}, nil)
	}
}

var _ llm.Model = (*ScriptedModel)(nil)
