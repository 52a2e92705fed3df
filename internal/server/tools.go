package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"storyloom/internal/agents"
	"storyloom/internal/app"
	"storyloom/internal/compose"
	"storyloom/internal/expand"
	"storyloom/internal/prompt"
	"storyloom/internal/types"
)

// intArg extracts an integer argument; JSON numbers arrive as float64.
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ─── BuildContextTool ───────────────────────────────────────────────────────

// BuildContextTool handles the build_context MCP tool.
type BuildContextTool struct {
	app *app.App
}

// NewBuildContextTool creates a BuildContextTool.
func NewBuildContextTool(a *app.App) *BuildContextTool {
	return &BuildContextTool{app: a}
}

// Definition returns the MCP tool definition for build_context.
func (t *BuildContextTool) Definition() mcp.Tool {
	return mcp.NewTool("build_context",
		mcp.WithDescription("Compile the prompt messages for a story and an author request."),
		mcp.WithString("story_id", mcp.Required(), mcp.Description("Story to build context for")),
		mcp.WithString("author_input", mcp.Description("What the author wants next")),
		mcp.WithString("agent", mcp.Description("Agent whose block configuration applies")),
		mcp.WithNumber("prose_limit", mcp.Description("Keep at most this many prose sections")),
		mcp.WithNumber("max_characters", mcp.Description("Character budget for the prose window")),
		mcp.WithNumber("max_tokens", mcp.Description("Token budget for the prose window")),
		mcp.WithString("exclude_fragment_id", mcp.Description("Fragment to leave out of every group")),
	)
}

type blockInfo struct {
	ID     string             `json:"id"`
	Role   types.Role         `json:"role"`
	Order  int                `json:"order"`
	Source prompt.BlockSource `json:"source"`
}

// Handle processes the build_context tool call.
func (t *BuildContextTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	storyID := req.GetString("story_id", "")
	if storyID == "" {
		return mcp.NewToolResultError("'story_id' is required"), nil
	}

	res, err := t.app.Composer.Compose(ctx, compose.Request{
		StoryID:     storyID,
		AuthorInput: req.GetString("author_input", ""),
		AgentName:   req.GetString("agent", ""),
		Build: prompt.BuildOptions{
			ProseLimit:        intArg(req, "prose_limit", 0),
			MaxCharacters:     intArg(req, "max_characters", 0),
			MaxTokens:         intArg(req, "max_tokens", 0),
			ExcludeFragmentID: req.GetString("exclude_fragment_id", ""),
		},
		Instructions: prompt.DefaultInstructions,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to build context: %v", err)), nil
	}

	blocks := make([]blockInfo, 0, len(res.Blocks))
	for _, b := range res.Blocks {
		blocks = append(blocks, blockInfo{ID: b.ID, Role: b.Role, Order: b.Order, Source: b.Source})
	}
	return jsonResult(map[string]any{
		"budget":   res.State.Budget,
		"blocks":   blocks,
		"messages": res.Messages,
	})
}

// ─── InvokeAgentTool ────────────────────────────────────────────────────────

// InvokeAgentTool handles the invoke_agent MCP tool.
type InvokeAgentTool struct {
	app *app.App
}

// NewInvokeAgentTool creates an InvokeAgentTool.
func NewInvokeAgentTool(a *app.App) *InvokeAgentTool {
	return &InvokeAgentTool{app: a}
}

// Definition returns the MCP tool definition for invoke_agent.
func (t *InvokeAgentTool) Definition() mcp.Tool {
	return mcp.NewTool("invoke_agent",
		mcp.WithDescription("Run a registered agent on a story. Returns its output and call trace."),
		mcp.WithString("story_id", mcp.Required(), mcp.Description("Story the agent works on")),
		mcp.WithString("agent", mcp.Required(),
			mcp.Description("Agent name"),
			mcp.Enum(t.app.Runner.Registry().Names()...),
		),
		mcp.WithObject("input", mcp.Description("Agent input object")),
	)
}

// Handle processes the invoke_agent tool call.
func (t *InvokeAgentTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	storyID := req.GetString("story_id", "")
	name := req.GetString("agent", "")
	if storyID == "" || name == "" {
		return mcp.NewToolResultError("'story_id' and 'agent' are required"), nil
	}
	input, _ := req.GetArguments()["input"].(map[string]any)
	if input == nil {
		input = map[string]any{}
	}

	res, err := t.app.Runner.Invoke(ctx, agents.InvokeRequest{
		DataDir:   t.app.Config.DataDir,
		StoryID:   storyID,
		AgentName: name,
		Input:     input,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("agent %s failed: %v", name, err)), nil
	}
	return jsonResult(res)
}

// ─── ListAgentRunsTool ──────────────────────────────────────────────────────

// ListAgentRunsTool handles the list_agent_runs MCP tool.
type ListAgentRunsTool struct {
	app *app.App
}

// NewListAgentRunsTool creates a ListAgentRunsTool.
func NewListAgentRunsTool(a *app.App) *ListAgentRunsTool {
	return &ListAgentRunsTool{app: a}
}

// Definition returns the MCP tool definition for list_agent_runs.
func (t *ListAgentRunsTool) Definition() mcp.Tool {
	return mcp.NewTool("list_agent_runs",
		mcp.WithDescription("List the recorded agent runs of a story, oldest first."),
		mcp.WithString("story_id", mcp.Required(), mcp.Description("Story to list runs for")),
		mcp.WithNumber("limit", mcp.Description("Only return the most recent runs")),
	)
}

// Handle processes the list_agent_runs tool call.
func (t *ListAgentRunsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	storyID := req.GetString("story_id", "")
	if storyID == "" {
		return mcp.NewToolResultError("'story_id' is required"), nil
	}

	runs, err := t.app.Runner.ListAgentRuns(ctx, storyID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list agent runs: %v", err)), nil
	}
	if limit := intArg(req, "limit", 0); limit > 0 && len(runs) > limit {
		runs = runs[len(runs)-limit:]
	}
	if runs == nil {
		runs = []types.AgentRunRecord{}
	}
	return jsonResult(runs)
}

// ─── ExpandTextTool ─────────────────────────────────────────────────────────

// ExpandTextTool handles the expand_text MCP tool.
type ExpandTextTool struct {
	app *app.App
}

// NewExpandTextTool creates an ExpandTextTool.
func NewExpandTextTool(a *app.App) *ExpandTextTool {
	return &ExpandTextTool{app: a}
}

// Definition returns the MCP tool definition for expand_text.
func (t *ExpandTextTool) Definition() mcp.Tool {
	return mcp.NewTool("expand_text",
		mcp.WithDescription("Replace <@fragment-id> and <@fragment-id:short> tags with fragment content."),
		mcp.WithString("story_id", mcp.Required(), mcp.Description("Story the fragments belong to")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Text containing tags")),
		mcp.WithNumber("depth", mcp.Description("Levels of nested tags to expand (default from config)")),
	)
}

// Handle processes the expand_text tool call.
func (t *ExpandTextTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	storyID := req.GetString("story_id", "")
	if storyID == "" {
		return mcp.NewToolResultError("'story_id' is required"), nil
	}
	depth := intArg(req, "depth", t.app.Config.Context.ExpandDepth)
	if depth < 0 {
		return mcp.NewToolResultError("'depth' must be non-negative"), nil
	}

	out := t.app.Expander.Expand(ctx, storyID, req.GetString("text", ""), expand.Options{MaxDepth: depth})
	return mcp.NewToolResultText(out), nil
}
