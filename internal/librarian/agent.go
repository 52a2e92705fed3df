package librarian

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"storyloom/internal/agents"
	"storyloom/internal/compose"
	"storyloom/internal/fragments"
	"storyloom/internal/llm"
	"storyloom/internal/logging"
	"storyloom/internal/prompt"
	"storyloom/internal/store"
	"storyloom/internal/tools"
)

// AgentName is the registered name of the analysis agent.
const AgentName = "librarian.analyze"

// Instructions is the librarian's system prompt.
const Instructions = `You are the librarian of an ongoing story. You read one newly written passage
and keep the story's records straight. Use the tools to report:
- updateSummary: what the passage adds to the story so far (always call this once)
- reportMentions: every character fragment the passage refers to
- reportContradictions: conflicts with established characters, guidelines or knowledge
- suggestKnowledge: new facts worth keeping as fragments
- reportTimeline: in-story events and whether they happen before, during or after the passage
Report only what the passage supports. When done, answer with a one-line note.`

// Store is the persistence the analysis agent needs.
type Store interface {
	store.FragmentReader
	store.FragmentWriter
	store.AnalysisStore
}

// AgentDeps wire the analysis agent.
type AgentDeps struct {
	Store    Store
	Composer *compose.Composer
	Model    llm.Model
	Registry *fragments.Registry
	MaxSteps int
}

// NewAgent returns the librarian.analyze definition. Input {fragmentId};
// output {analysisId, summaryUpdate, mentions, contradictions}.
func NewAgent(deps AgentDeps) agents.Definition {
	schema := tools.SchemaOf(mcp.NewTool(AgentName,
		mcp.WithString("fragmentId", mcp.Required(), mcp.Description("Prose fragment to analyze")),
	))

	return agents.Definition{
		Name:        AgentName,
		Description: "Analyze a prose fragment and update the story's summary and records",
		InputSchema: schema,
		Run: func(ctx context.Context, ic *agents.InvocationContext, input map[string]any) (map[string]any, error) {
			fragmentID, _ := input["fragmentId"].(string)
			return analyze(ctx, deps, ic.StoryID(), fragmentID)
		},
	}
}

func analyze(ctx context.Context, deps AgentDeps, storyID, fragmentID string) (map[string]any, error) {
	timer := logging.StartTimer(logging.CategoryLibrarian, "Analyze")
	defer timer.Stop()

	frag, err := deps.Store.GetFragment(ctx, storyID, fragmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load fragment %s: %w", fragmentID, err)
	}
	if frag == nil {
		return nil, fmt.Errorf("fragment not found: %s", fragmentID)
	}

	collector := NewCollector()
	toolset := append(Tools(collector), tools.FragmentTools(deps.Store, deps.Registry, storyID)...)

	composed, err := deps.Composer.Compose(ctx, compose.Request{
		StoryID:     storyID,
		AuthorInput: "New passage to analyze (" + frag.ID + "):\n\n" + frag.Content,
		AgentName:   AgentName,
		Build: prompt.BuildOptions{
			ExcludeFragmentID:       frag.ID,
			ProseBeforeFragmentID:   frag.ID,
			SummaryBeforeFragmentID: frag.ID,
		},
		Instructions: Instructions,
		Tools:        toolset,
	})
	if err != nil {
		return nil, err
	}

	res, err := deps.Model.Generate(ctx, llm.GenerateRequest{
		Messages: composed.Messages,
		Tools:    toolset,
		MaxSteps: deps.MaxSteps,
	})
	if err != nil {
		return nil, fmt.Errorf("librarian model call failed: %w", err)
	}
	logging.LibrarianDebug("Model finished after %d steps with %d tool calls", res.Steps, len(res.ToolCalls))

	analysis := collector.Analysis(frag.ID)
	if analysis.SummaryUpdate == "" {
		logging.LibrarianWarn("No summary reported for %s", frag.ID)
	}
	if err := deps.Store.SaveAnalysis(ctx, storyID, analysis); err != nil {
		return nil, fmt.Errorf("failed to save analysis: %w", err)
	}

	if err := refreshSummary(ctx, deps.Store, storyID); err != nil {
		return nil, err
	}

	logging.Librarian("Analyzed %s: analysis=%s mentions=%d contradictions=%d",
		frag.ID, analysis.ID, len(analysis.Mentions), len(analysis.Contradictions))

	return map[string]any{
		"analysisId":     analysis.ID,
		"summaryUpdate":  analysis.SummaryUpdate,
		"mentions":       analysis.Mentions,
		"contradictions": analysis.Contradictions,
	}, nil
}

// refreshSummary regenerates the stored story summary from the latest
// analysis of each prose fragment, in reading order.
func refreshSummary(ctx context.Context, s Store, storyID string) error {
	story, err := s.GetStory(ctx, storyID)
	if err != nil {
		return fmt.Errorf("failed to load story: %w", err)
	}
	if story == nil {
		return fmt.Errorf("%w: %s", prompt.ErrStoryNotFound, storyID)
	}
	all, err := s.ListFragments(ctx, storyID, store.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list fragments: %w", err)
	}
	analyses, err := s.ListAnalyses(ctx, storyID)
	if err != nil {
		return fmt.Errorf("failed to list analyses: %w", err)
	}

	summary := prompt.RunningSummary(story, all, analyses)
	if summary == story.Summary {
		return nil
	}
	story.Summary = summary
	if err := s.SaveStory(ctx, story); err != nil {
		return fmt.Errorf("failed to save story summary: %w", err)
	}
	return nil
}
