// Package writer holds the prose-writing agents: an optional prewriter that
// condenses the author's request into a brief, and the writer that drafts,
// stores and optionally analyzes new prose.
package writer

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"storyloom/internal/agents"
	"storyloom/internal/compose"
	"storyloom/internal/fragments"
	"storyloom/internal/llm"
	"storyloom/internal/logging"
	"storyloom/internal/store"
	"storyloom/internal/tools"
)

// Agent names.
const (
	PrewriterName = "prewriter"
	WriterName    = "writer"
)

// PrewriterInstructions ask for a JSON brief.
const PrewriterInstructions = `You plan the next passage of a story before it is written.
Read the context and the author's request, then answer with JSON only:
{"brief": "<a short paragraph: what happens next, whose point of view, tone, and which established details matter>"}`

// Store is the persistence the writing agents need.
type Store interface {
	store.FragmentReader
	store.FragmentWriter
}

// Deps wire the writing agents.
type Deps struct {
	Store    Store
	Composer *compose.Composer
	Model    llm.Model
	Registry *fragments.Registry
	MaxSteps int

	// OnEvent receives the writer's stream events as they arrive.
	OnEvent func(llm.StreamEvent)
}

func (d Deps) registry() *fragments.Registry {
	if d.Registry == nil {
		return fragments.DefaultRegistry()
	}
	return d.Registry
}

// NewPrewriter returns the prewriter definition. Input {authorInput};
// output {brief}. Output that is not JSON fails the agent.
func NewPrewriter(deps Deps) agents.Definition {
	return agents.Definition{
		Name:        PrewriterName,
		Description: "Condense the author's request and the story context into a writing brief",
		InputSchema: tools.SchemaOf(mcp.NewTool(PrewriterName,
			mcp.WithString("authorInput", mcp.Required(), mcp.Description("What the author wants next")),
		)),
		OutputSchema: tools.SchemaOf(mcp.NewTool(PrewriterName,
			mcp.WithString("brief", mcp.Required()),
		)),
		Run: func(ctx context.Context, ic *agents.InvocationContext, input map[string]any) (map[string]any, error) {
			authorInput, _ := input["authorInput"].(string)

			composed, err := deps.Composer.Compose(ctx, compose.Request{
				StoryID:      ic.StoryID(),
				AuthorInput:  authorInput,
				AgentName:    PrewriterName,
				Instructions: PrewriterInstructions,
			})
			if err != nil {
				return nil, err
			}

			var out struct {
				Brief string `json:"brief"`
			}
			if _, err := llm.GenerateJSON(ctx, deps.Model, llm.GenerateRequest{Messages: composed.Messages, MaxSteps: 1}, &out); err != nil {
				return nil, fmt.Errorf("prewriter: %w", err)
			}
			brief := strings.TrimSpace(out.Brief)
			if brief == "" {
				return nil, fmt.Errorf("prewriter: %w: empty brief", llm.ErrMalformedOutput)
			}

			logging.AgentsDebug("Prewriter brief: %d chars", len(brief))
			return map[string]any{"brief": brief}, nil
		},
	}
}
