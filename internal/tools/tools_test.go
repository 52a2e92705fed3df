package tools

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/fragments"
	"storyloom/internal/store"
	"storyloom/internal/types"
)

func fragmentFixture(t *testing.T) []types.Tool {
	t.Helper()
	ctx := context.Background()
	fs := store.NewFileStore(t.TempDir())
	require.NoError(t, fs.SaveStory(ctx, &types.StoryMeta{ID: "s1", Name: "Salt Road"}))
	for _, f := range []types.Fragment{
		{ID: "ch-mira", Type: fragments.TypeCharacter, Name: "Mira", Description: "A smuggler", Content: "Mira knows every tide table on the coast.", Order: 1},
		{ID: "kn-salt", Type: fragments.TypeKnowledge, Name: "Salt", Description: "Currency of the coast", Content: "Salt buys passage.", Order: 2},
		{ID: "kn-old", Type: fragments.TypeKnowledge, Name: "Old law", Description: "Repealed", Content: "Salt tax.", Archived: true},
		{ID: "pr-1", Type: fragments.TypeProse, Name: "Opening", Content: "The tide came in.", Order: 3},
	} {
		f := f
		require.NoError(t, fs.SaveFragment(ctx, "s1", &f))
	}
	return FragmentTools(fs, fragments.DefaultRegistry(), "s1")
}

func call(t *testing.T, tools []types.Tool, name string, input map[string]any) map[string]any {
	t.Helper()
	for _, tool := range tools {
		if tool.Name == name {
			out, err := tool.Execute(context.Background(), input)
			require.NoError(t, err)
			return out
		}
	}
	t.Fatalf("tool %s not found", name)
	return nil
}

func ids(out map[string]any) []string {
	var got []string
	items, _ := out["fragments"].([]any)
	for _, it := range items {
		got = append(got, it.(map[string]any)["id"].(string))
	}
	return got
}

func TestFragmentTools_Schemas(t *testing.T) {
	tools := fragmentFixture(t)
	require.Len(t, tools, 3)

	get := tools[0]
	assert.Equal(t, ToolGetFragment, get.Name)
	assert.Equal(t, "object", get.InputSchema["type"])
	assert.Equal(t, []string{"id"}, get.InputSchema["required"])

	list := tools[1]
	_, hasRequired := list.InputSchema["required"]
	assert.False(t, hasRequired)
	props := list.InputSchema["properties"].(map[string]any)
	assert.Contains(t, props, "type")
}

func TestGetFragment(t *testing.T) {
	tools := fragmentFixture(t)

	out := call(t, tools, ToolGetFragment, map[string]any{"id": "ch-mira"})
	assert.Equal(t, "Mira", out["name"])
	assert.Equal(t, "Mira knows every tide table on the coast.", out["content"])

	out = call(t, tools, ToolGetFragment, map[string]any{"id": "ch-ghost"})
	assert.Equal(t, "fragment not found: ch-ghost", out["error"])

	out = call(t, tools, ToolGetFragment, map[string]any{})
	assert.Equal(t, "id is required", out["error"])
}

func TestListFragments(t *testing.T) {
	tools := fragmentFixture(t)

	assert.Equal(t, []string{"ch-mira", "kn-salt", "pr-1"}, ids(call(t, tools, ToolListFragments, nil)))
	assert.Equal(t, []string{"kn-salt"}, ids(call(t, tools, ToolListFragments, map[string]any{"type": "knowledge"})))

	out := call(t, tools, ToolListFragments, map[string]any{"type": "spaceship"})
	assert.Equal(t, "unknown fragment type: spaceship", out["error"])
}

func TestSearchFragments(t *testing.T) {
	tools := fragmentFixture(t)

	tests := []struct {
		name  string
		input map[string]any
		want  []string
	}{
		{"content match", map[string]any{"query": "TIDE"}, []string{"ch-mira", "pr-1"}},
		{"description match", map[string]any{"query": "currency"}, []string{"kn-salt"}},
		{"type filter", map[string]any{"query": "tide", "type": "prose"}, []string{"pr-1"}},
		{"limit", map[string]any{"query": "tide", "limit": 1}, []string{"ch-mira"}},
		{"archived hidden", map[string]any{"query": "repealed"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(call(t, tools, ToolSearchFragments, tt.input)))
		})
	}

	out := call(t, tools, ToolSearchFragments, map[string]any{"query": "salt buys"})
	items := out["fragments"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "Salt buys passage.", items[0].(map[string]any)["snippet"])

	out = call(t, tools, ToolSearchFragments, map[string]any{"query": "  "})
	assert.Equal(t, "query is required", out["error"])
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, map[string]any) (map[string]any, error) { return nil, nil }

	require.NoError(t, r.Register(types.Tool{Name: "b", Execute: noop}))
	require.NoError(t, r.Register(types.Tool{Name: "a", Execute: noop}))
	assert.ErrorIs(t, r.Register(types.Tool{Name: "a", Execute: noop}), ErrToolAlreadyRegistered)
	assert.ErrorIs(t, r.Register(types.Tool{Name: "c"}), ErrInvalidTool)

	assert.Equal(t, []string{"a", "b"}, r.Names())
	_, ok := r.Get("b")
	assert.True(t, ok)
	assert.Len(t, r.All(), 2)
}

func TestSchemaOf_NoParams(t *testing.T) {
	schema := SchemaOf(mcp.NewTool("ping", mcp.WithDescription("Ping")))
	assert.Equal(t, "object", schema["type"])
	assert.NotNil(t, schema["properties"])
	_, hasRequired := schema["required"]
	assert.False(t, hasRequired)
}
