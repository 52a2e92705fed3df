package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"storyloom/internal/fragments"
	"storyloom/internal/logging"
	"storyloom/internal/store"
	"storyloom/internal/types"
)

// Fragment read tool names.
const (
	ToolGetFragment     = "getFragment"
	ToolListFragments   = "listFragments"
	ToolSearchFragments = "searchFragments"
)

const (
	defaultSearchLimit = 20
	snippetRadius      = 60
)

// FragmentTools returns read-only tools over one story's fragments.
func FragmentTools(reader store.FragmentReader, registry *fragments.Registry, storyID string) []types.Tool {
	if registry == nil {
		registry = fragments.DefaultRegistry()
	}
	ft := &fragmentTools{reader: reader, registry: registry, storyID: storyID}
	typeNames := registry.Types()

	return []types.Tool{
		FromMCP(mcp.NewTool(ToolGetFragment,
			mcp.WithDescription("Read one fragment in full by id."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Fragment id, e.g. ch-a1b2c3")),
		), ft.get),
		FromMCP(mcp.NewTool(ToolListFragments,
			mcp.WithDescription("List fragment ids, names and descriptions, optionally of one type."),
			mcp.WithString("type", mcp.Description("Fragment type to list"), mcp.Enum(typeNames...)),
		), ft.list),
		FromMCP(mcp.NewTool(ToolSearchFragments,
			mcp.WithDescription("Find fragments whose name, description or content contains the query."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Case-insensitive text to look for")),
			mcp.WithString("type", mcp.Description("Restrict to one fragment type"), mcp.Enum(typeNames...)),
			mcp.WithNumber("limit", mcp.Description("Maximum results (default 20)")),
		), ft.search),
	}
}

type fragmentTools struct {
	reader   store.FragmentReader
	registry *fragments.Registry
	storyID  string
}

func summarize(f *types.Fragment) map[string]any {
	return map[string]any{
		"id":          f.ID,
		"type":        f.Type,
		"name":        f.Name,
		"description": f.Description,
	}
}

func (t *fragmentTools) get(ctx context.Context, input map[string]any) (map[string]any, error) {
	var args struct {
		ID string `json:"id"`
	}
	if err := Decode(input, &args); err != nil {
		return types.ToolError(err.Error()), nil
	}
	if args.ID == "" {
		return types.ToolError("id is required"), nil
	}

	f, err := t.reader.GetFragment(ctx, t.storyID, args.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read fragment %s: %w", args.ID, err)
	}
	if f == nil {
		return types.ToolError("fragment not found: " + args.ID), nil
	}

	out := summarize(f)
	out["content"] = f.Content
	out["tags"] = append([]string{}, f.Tags...)
	out["sticky"] = f.Sticky
	return out, nil
}

func (t *fragmentTools) list(ctx context.Context, input map[string]any) (map[string]any, error) {
	var args struct {
		Type string `json:"type"`
	}
	if err := Decode(input, &args); err != nil {
		return types.ToolError(err.Error()), nil
	}
	if args.Type != "" {
		if _, ok := t.registry.Lookup(args.Type); !ok {
			return types.ToolError("unknown fragment type: " + args.Type), nil
		}
	}

	frags, err := t.reader.ListFragments(ctx, t.storyID, store.ListOptions{Type: args.Type})
	if err != nil {
		return nil, fmt.Errorf("failed to list fragments: %w", err)
	}

	items := make([]any, 0, len(frags))
	for i := range frags {
		items = append(items, summarize(&frags[i]))
	}
	return map[string]any{"fragments": items}, nil
}

func (t *fragmentTools) search(ctx context.Context, input map[string]any) (map[string]any, error) {
	var args struct {
		Query string  `json:"query"`
		Type  string  `json:"type"`
		Limit float64 `json:"limit"`
	}
	if err := Decode(input, &args); err != nil {
		return types.ToolError(err.Error()), nil
	}
	query := strings.ToLower(strings.TrimSpace(args.Query))
	if query == "" {
		return types.ToolError("query is required"), nil
	}
	limit := int(args.Limit)
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	frags, err := t.reader.ListFragments(ctx, t.storyID, store.ListOptions{Type: args.Type})
	if err != nil {
		return nil, fmt.Errorf("failed to list fragments: %w", err)
	}

	items := make([]any, 0)
	for i := range frags {
		f := &frags[i]
		if len(items) >= limit {
			break
		}
		hit := strings.Contains(strings.ToLower(f.Name), query) ||
			strings.Contains(strings.ToLower(f.Description), query)
		lowered := strings.ToLower(f.Content)
		idx := strings.Index(lowered, query)
		if !hit && idx < 0 {
			continue
		}
		item := summarize(f)
		if idx >= 0 {
			item["snippet"] = snippet(f.Content, lowered, idx, len(query))
		}
		items = append(items, item)
	}

	logging.AgentsDebug("searchFragments %q: %d hits", args.Query, len(items))
	return map[string]any{"fragments": items}, nil
}

// snippet cuts text around a match found at idx in its lowered form. The
// lowered form is only used when it has the same length as text.
func snippet(text, lowered string, idx, n int) string {
	if len(lowered) != len(text) {
		return ""
	}
	start := idx - snippetRadius
	if start < 0 {
		start = 0
	}
	end := idx + n + snippetRadius
	if end > len(text) {
		end = len(text)
	}
	s := strings.ToValidUTF8(text[start:end], "")
	if start > 0 {
		s = "..." + s
	}
	if end < len(text) {
		s += "..."
	}
	return s
}
