package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"storyloom/internal/logging"
	"storyloom/internal/types"
)

// =============================================================================
// GOOGLE GENAI MODEL
// =============================================================================

// DefaultGenAIModel is used when no model name is configured.
const DefaultGenAIModel = "gemini-2.5-flash"

// GenAIModel implements Model on Google's Gemini API.
type GenAIModel struct {
	client *genai.Client
	model  string
}

// NewGenAIModel creates a Gemini-backed model.
func NewGenAIModel(ctx context.Context, apiKey, model string) (*GenAIModel, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = DefaultGenAIModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIModel{client: client, model: model}, nil
}

// Name returns the model identifier.
func (m *GenAIModel) Name() string {
	return fmt.Sprintf("genai:%s", m.model)
}

// Generate runs the tool loop to completion.
func (m *GenAIModel) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "GenAI.Generate")
	defer timer.Stop()

	system, contents := toGenAIContents(req.Messages)
	config := m.config(req, system)
	result := &GenerateResult{}

	for step := 0; step < maxSteps(req.MaxSteps); step++ {
		resp, err := m.client.Models.GenerateContent(ctx, m.model, contents, config)
		if err != nil {
			logging.APIError("GenAI generate failed: %v", err)
			return nil, fmt.Errorf("GenAI generate failed: %w", err)
		}
		result.Steps++
		addUsage(&result.Usage, resp)

		calls := resp.FunctionCalls()
		if len(calls) == 0 {
			result.Text = resp.Text()
			result.FinishReason = finishReason(resp)
			return result, nil
		}

		if c := modelContent(resp); c != nil {
			contents = append(contents, c)
		}
		parts := make([]*genai.Part, 0, len(calls))
		for _, fc := range calls {
			call := toToolCall(fc)
			call.Output = ExecuteTool(ctx, req.Tools, call)
			logging.APIDebug("Tool %s executed (step %d)", call.Name, result.Steps)
			result.ToolCalls = append(result.ToolCalls, call)
			parts = append(parts, genai.NewPartFromFunctionResponse(call.Name, call.Output))
		}
		contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
	}

	result.FinishReason = "max-steps"
	logging.APIDebug("GenAI tool loop stopped after %d steps", result.Steps)
	return result, nil
}

// Stream runs the tool loop, yielding deltas and tool events as they occur.
func (m *GenAIModel) Stream(ctx context.Context, req GenerateRequest) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		system, contents := toGenAIContents(req.Messages)
		config := m.config(req, system)
		result := &GenerateResult{}

		for step := 0; step < maxSteps(req.MaxSteps); step++ {
			var (
				text     strings.Builder
				calls    []*genai.FunctionCall
				parts    []*genai.Part
				finished string
			)

			for chunk, err := range m.client.Models.GenerateContentStream(ctx, m.model, contents, config) {
				if err != nil {
					yield(StreamEvent{}, fmt.Errorf("GenAI stream failed: %w", err))
					return
				}
				addUsage(&result.Usage, chunk)
				if r := finishReason(chunk); r != "" {
					finished = r
				}
				c := modelContent(chunk)
				if c == nil {
					continue
				}
				for _, p := range c.Parts {
					parts = append(parts, p)
					switch {
					case p.FunctionCall != nil:
						calls = append(calls, p.FunctionCall)
					case p.Text == "":
					case p.Thought:
						if !yield(StreamEvent{Type: EventReasoningDelta, Text: p.Text}, nil) {
							return
						}
					default:
						text.WriteString(p.Text)
						if !yield(StreamEvent{Type: EventTextDelta, Text: p.Text}, nil) {
							return
						}
					}
				}
			}
			if err := ctx.Err(); err != nil {
				yield(StreamEvent{}, err)
				return
			}
			result.Steps++

			if len(calls) == 0 {
				result.Text = text.String()
				result.FinishReason = finished
				yield(StreamEvent{Type: EventFinish, Result: result}, nil)
				return
			}

			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
			responses := make([]*genai.Part, 0, len(calls))
			for _, fc := range calls {
				call := toToolCall(fc)
				if !yield(StreamEvent{Type: EventToolCall, ToolCall: &call}, nil) {
					return
				}
				call.Output = ExecuteTool(ctx, req.Tools, call)
				result.ToolCalls = append(result.ToolCalls, call)
				if !yield(StreamEvent{Type: EventToolResult, ToolCall: &call}, nil) {
					return
				}
				responses = append(responses, genai.NewPartFromFunctionResponse(call.Name, call.Output))
			}
			contents = append(contents, genai.NewContentFromParts(responses, genai.RoleUser))
		}

		result.FinishReason = "max-steps"
		yield(StreamEvent{Type: EventFinish, Result: result}, nil)
	}
}

func (m *GenAIModel) config(req GenerateRequest, system *genai.Content) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       req.Temperature,
	}
	if req.JSON {
		config.ResponseMIMEType = "application/json"
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.InputSchema,
			}
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return config
}

// toGenAIContents folds system messages into one system instruction and
// keeps user messages in order. Cache annotations have no Gemini equivalent
// and are dropped.
func toGenAIContents(msgs []types.ContextMessage) (*genai.Content, []*genai.Content) {
	var system *genai.Content
	var contents []*genai.Content

	for _, msg := range msgs {
		var parts []*genai.Part
		if len(msg.Parts) > 0 {
			for _, p := range msg.Parts {
				parts = append(parts, genai.NewPartFromText(p.Text))
			}
		} else {
			parts = append(parts, genai.NewPartFromText(msg.Content))
		}

		if msg.Role == types.RoleSystem {
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, parts...)
			continue
		}
		contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
	}
	return system, contents
}

func toToolCall(fc *genai.FunctionCall) types.ToolCall {
	id := fc.ID
	if id == "" {
		id = uuid.NewString()
	}
	return types.ToolCall{ID: id, Name: fc.Name, Input: fc.Args}
}

func modelContent(resp *genai.GenerateContentResponse) *genai.Content {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	return resp.Candidates[0].Content
}

func finishReason(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	return strings.ToLower(string(resp.Candidates[0].FinishReason))
}

func addUsage(u *Usage, resp *genai.GenerateContentResponse) {
	if resp == nil || resp.UsageMetadata == nil {
		return
	}
	u.InputTokens += int(resp.UsageMetadata.PromptTokenCount)
	u.OutputTokens += int(resp.UsageMetadata.CandidatesTokenCount)
}
