package writer

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"

	"storyloom/internal/agents"
	"storyloom/internal/compose"
	"storyloom/internal/fragments"
	"storyloom/internal/librarian"
	"storyloom/internal/llm"
	"storyloom/internal/logging"
	"storyloom/internal/prompt"
	"storyloom/internal/tools"
	"storyloom/internal/types"
)

const descriptionLimit = 50

type writeInput struct {
	AuthorInput string `json:"authorInput"`
	Prewrite    bool   `json:"prewrite"`
	Save        bool   `json:"save"`
	Analyze     bool   `json:"analyze"`
}

// NewWriter returns the writer definition. Input {authorInput, prewrite?,
// save?, analyze?}; output {text, steps, brief?, fragmentId?, analysisId?}.
func NewWriter(deps Deps) agents.Definition {
	return agents.Definition{
		Name:        WriterName,
		Description: "Write the next passage of the story",
		InputSchema: tools.SchemaOf(mcp.NewTool(WriterName,
			mcp.WithString("authorInput", mcp.Required(), mcp.Description("What the author wants next")),
			mcp.WithBoolean("prewrite", mcp.Description("Plan a brief with the prewriter first")),
			mcp.WithBoolean("save", mcp.Description("Store the passage as a new prose section")),
			mcp.WithBoolean("analyze", mcp.Description("Run the librarian on the saved passage")),
		)),
		AllowedCalls: []string{PrewriterName, librarian.AgentName},
		Run: func(ctx context.Context, ic *agents.InvocationContext, input map[string]any) (map[string]any, error) {
			var in writeInput
			if err := tools.Decode(input, &in); err != nil {
				return nil, err
			}
			return write(ctx, deps, ic, in)
		},
	}
}

func write(ctx context.Context, deps Deps, ic *agents.InvocationContext, in writeInput) (map[string]any, error) {
	timer := logging.StartTimer(logging.CategoryAgents, "Writer")
	defer timer.Stop()

	storyID := ic.StoryID()
	output := map[string]any{}

	authorInput := in.AuthorInput
	if in.Prewrite {
		planned, err := ic.InvokeAgent(ctx, PrewriterName, map[string]any{"authorInput": in.AuthorInput})
		if err != nil {
			return nil, err
		}
		brief, _ := planned["brief"].(string)
		output["brief"] = brief
		authorInput = in.AuthorInput + "\n\nWriting brief:\n" + brief
	}

	toolset := tools.FragmentTools(deps.Store, deps.registry(), storyID)
	composed, err := deps.Composer.Compose(ctx, compose.Request{
		StoryID:      storyID,
		AuthorInput:  authorInput,
		AgentName:    WriterName,
		Instructions: prompt.DefaultInstructions,
		Tools:        toolset,
	})
	if err != nil {
		return nil, err
	}

	res, err := llm.Collect(deps.Model.Stream(ctx, llm.GenerateRequest{
		Messages: composed.Messages,
		Tools:    toolset,
		MaxSteps: deps.MaxSteps,
	}), deps.OnEvent)
	if err != nil {
		return nil, fmt.Errorf("writer model call failed: %w", err)
	}
	res, err = composed.Plugins.AfterGeneration(ctx, res)
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(res.Text)
	output["text"] = text
	output["steps"] = res.Steps

	if !in.Save {
		return output, nil
	}
	if text == "" {
		return nil, fmt.Errorf("writer produced no text to save")
	}

	frag, err := saveProse(ctx, deps, composed.State.Story, text)
	if err != nil {
		return nil, err
	}
	composed.Plugins.AfterSave(ctx, frag, storyID)
	output["fragmentId"] = frag.ID

	if in.Analyze {
		analysis, err := ic.InvokeAgent(ctx, librarian.AgentName, map[string]any{"fragmentId": frag.ID})
		if err != nil {
			return nil, err
		}
		output["analysisId"] = analysis["analysisId"]
	}
	return output, nil
}

// saveProse stores text as a new prose fragment and appends it to the end of
// the story's prose chain.
func saveProse(ctx context.Context, deps Deps, story *types.StoryMeta, text string) (*types.Fragment, error) {
	id, err := deps.registry().NewID(fragments.TypeProse)
	if err != nil {
		return nil, err
	}

	// Extend the stored story, not the build-time copy.
	current, err := deps.Store.GetStory(ctx, story.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload story: %w", err)
	}
	if current == nil {
		current = story
	}
	section := len(current.ProseChain)

	frag := &types.Fragment{
		ID:          id,
		Type:        fragments.TypeProse,
		Name:        fmt.Sprintf("Section %d", section+1),
		Description: describe(text),
		Content:     text,
		Order:       float64(section),
		Placement:   types.PlacementUser,
	}
	if err := deps.Store.SaveFragment(ctx, story.ID, frag); err != nil {
		return nil, fmt.Errorf("failed to save prose: %w", err)
	}

	current.ProseChain = append(current.ProseChain, types.ProseChainEntry{
		ProseFragments: []string{frag.ID},
		Active:         frag.ID,
	})
	if err := deps.Store.SaveStory(ctx, current); err != nil {
		return nil, fmt.Errorf("failed to extend prose chain: %w", err)
	}

	logging.Agents("Saved prose %s to %s (section %d)", frag.ID, story.ID, len(current.ProseChain))
	return frag, nil
}

// describe cuts the first line of text to the description limit.
func describe(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) <= descriptionLimit {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:descriptionLimit-3])) + "..."
}
