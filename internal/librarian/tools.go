package librarian

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"storyloom/internal/logging"
	"storyloom/internal/tools"
	"storyloom/internal/types"
)

// Collector tool names.
const (
	ToolUpdateSummary        = "updateSummary"
	ToolReportMentions       = "reportMentions"
	ToolReportContradictions = "reportContradictions"
	ToolSuggestKnowledge     = "suggestKnowledge"
	ToolReportTimeline       = "reportTimeline"
)

func stringList() map[string]any {
	return map[string]any{"type": "string"}
}

func object(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// Tools binds the five reporting tools to c. Every tool answers {"ok": true},
// or {"error": ...} when its input is rejected.
func Tools(c *Collector) []types.Tool {
	return []types.Tool{
		tools.FromMCP(mcp.NewTool(ToolUpdateSummary,
			mcp.WithDescription("Set the summary of what the new prose adds to the story. Give a summary, structured lists, or both."),
			mcp.WithString("summary", mcp.Description("One or two sentences of what happened")),
			mcp.WithArray("events", mcp.Description("Plot events, in order"), mcp.Items(stringList())),
			mcp.WithArray("stateChanges", mcp.Description("Changes to characters, places or objects"), mcp.Items(stringList())),
			mcp.WithArray("openThreads", mcp.Description("Questions the prose leaves open"), mcp.Items(stringList())),
		), func(_ context.Context, input map[string]any) (map[string]any, error) {
			var u SummaryUpdate
			if err := tools.Decode(input, &u); err != nil {
				return types.ToolError(err.Error()), nil
			}
			return ack(ToolUpdateSummary, c.UpdateSummary(u)), nil
		}),

		tools.FromMCP(mcp.NewTool(ToolReportMentions,
			mcp.WithDescription("Report characters that appear or are referred to in the new prose."),
			mcp.WithArray("mentions", mcp.Required(), mcp.Items(object(map[string]any{
				"characterId": str("Id of the character fragment"),
				"text":        str("The words used to refer to the character"),
			}, "characterId"))),
		), func(_ context.Context, input map[string]any) (map[string]any, error) {
			var args struct {
				Mentions []types.Mention `json:"mentions"`
			}
			if err := tools.Decode(input, &args); err != nil {
				return types.ToolError(err.Error()), nil
			}
			return ack(ToolReportMentions, c.ReportMentions(args.Mentions)), nil
		}),

		tools.FromMCP(mcp.NewTool(ToolReportContradictions,
			mcp.WithDescription("Report places where the new prose conflicts with established fragments."),
			mcp.WithArray("contradictions", mcp.Required(), mcp.Items(object(map[string]any{
				"description": str("What conflicts and how"),
				"fragmentIds": map[string]any{"type": "array", "items": stringList()},
			}, "description"))),
		), func(_ context.Context, input map[string]any) (map[string]any, error) {
			var args struct {
				Contradictions []types.Contradiction `json:"contradictions"`
			}
			if err := tools.Decode(input, &args); err != nil {
				return types.ToolError(err.Error()), nil
			}
			return ack(ToolReportContradictions, c.ReportContradictions(args.Contradictions)), nil
		}),

		tools.FromMCP(mcp.NewTool(ToolSuggestKnowledge,
			mcp.WithDescription("Suggest new character or knowledge fragments, or updates to existing ones via targetFragmentId."),
			mcp.WithArray("suggestions", mcp.Required(), mcp.Items(object(map[string]any{
				"type":             map[string]any{"type": "string", "enum": []string{"character", "knowledge"}},
				"name":             str("Fragment name"),
				"description":      str("Short description, at most 50 characters"),
				"content":          str("Fragment content"),
				"targetFragmentId": str("Existing fragment to update instead of creating one"),
			}, "type", "name"))),
		), func(_ context.Context, input map[string]any) (map[string]any, error) {
			var args struct {
				Suggestions []types.KnowledgeSuggestion `json:"suggestions"`
			}
			if err := tools.Decode(input, &args); err != nil {
				return types.ToolError(err.Error()), nil
			}
			return ack(ToolSuggestKnowledge, c.SuggestKnowledge(args.Suggestions)), nil
		}),

		tools.FromMCP(mcp.NewTool(ToolReportTimeline,
			mcp.WithDescription("Report in-story events with their position relative to the new prose."),
			mcp.WithArray("events", mcp.Required(), mcp.Items(object(map[string]any{
				"event": str("What happened"),
				"position": map[string]any{
					"type": "string",
					"enum": []string{types.TimelineBefore, types.TimelineDuring, types.TimelineAfter},
				},
			}, "event", "position"))),
		), func(_ context.Context, input map[string]any) (map[string]any, error) {
			var args struct {
				Events []types.TimelineEvent `json:"events"`
			}
			if err := tools.Decode(input, &args); err != nil {
				return types.ToolError(err.Error()), nil
			}
			return ack(ToolReportTimeline, c.ReportTimeline(args.Events)), nil
		}),
	}
}

func ack(tool string, err error) map[string]any {
	if err != nil {
		logging.LibrarianWarn("%s rejected: %v", tool, err)
		return types.ToolError(err.Error())
	}
	return types.ToolOK()
}
