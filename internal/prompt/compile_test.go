package prompt

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/fragments"
	"storyloom/internal/types"
)

func TestCompileBlocks_Empty(t *testing.T) {
	msgs := CompileBlocks(nil)
	require.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestCompileBlocks_OrderStable(t *testing.T) {
	blocks := []ContextBlock{
		{ID: "c", Role: types.RoleUser, Order: 30, Content: "three"},
		{ID: "a", Role: types.RoleUser, Order: 10, Content: "one"},
		{ID: "b", Role: types.RoleUser, Order: 20, Content: "two"},
	}

	msgs := CompileBlocks(blocks)
	want := []types.ContextMessage{{
		Role:    types.RoleUser,
		Content: "[@block=a]\none\n\n[@block=b]\ntwo\n\n[@block=c]\nthree",
	}}
	if diff := cmp.Diff(want, msgs); diff != "" {
		t.Errorf("CompileBlocks mismatch (-want +got):\n%s", diff)
	}

	// Input is not reordered in place.
	assert.Equal(t, "c", blocks[0].ID)
}

func TestCompileBlocks_TiesKeepInputOrder(t *testing.T) {
	msgs := CompileBlocks([]ContextBlock{
		{ID: "second", Role: types.RoleSystem, Order: 1, Content: "x"},
		{ID: "first", Role: types.RoleSystem, Order: 0, Content: "y"},
		{ID: "third", Role: types.RoleSystem, Order: 1, Content: "z"},
	})
	require.Len(t, msgs, 1)
	assert.Equal(t, "[@block=first]\ny\n\n[@block=second]\nx\n\n[@block=third]\nz", msgs[0].Content)
}

func TestCompileBlocks_SystemBeforeUser(t *testing.T) {
	msgs := CompileBlocks([]ContextBlock{
		{ID: "u", Role: types.RoleUser, Order: 0, Content: "user"},
		{ID: "s", Role: types.RoleSystem, Order: 99, Content: "system"},
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, types.RoleSystem, msgs[0].Role)
	assert.Equal(t, types.RoleUser, msgs[1].Role)
}

func TestAddCacheBreakpoints(t *testing.T) {
	t.Run("splits user message at author input", func(t *testing.T) {
		msgs := []types.ContextMessage{
			{Role: types.RoleSystem, Content: "[@block=instructions]\nBe kind."},
			{Role: types.RoleUser, Content: "[@block=prose]\nOnce.\n\n[@block=author-input]\nGo on."},
		}
		got := AddCacheBreakpoints(msgs)

		want := []types.ContextMessage{
			{Role: types.RoleSystem, Content: "[@block=instructions]\nBe kind.", Cache: types.EphemeralCache()},
			{Role: types.RoleUser, Parts: []types.ContentPart{
				{Text: "[@block=prose]\nOnce.\n\n", Cache: types.EphemeralCache()},
				{Text: "[@block=author-input]\nGo on."},
			}},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("AddCacheBreakpoints mismatch (-want +got):\n%s", diff)
		}
		assert.Equal(t, msgs[1].Content, got[1].Text())
		assert.Nil(t, msgs[0].Cache, "input must not be mutated")
	})

	t.Run("no marker passes through", func(t *testing.T) {
		msgs := []types.ContextMessage{{Role: types.RoleUser, Content: "[@block=prose]\nOnce."}}
		got := AddCacheBreakpoints(msgs)
		assert.Equal(t, msgs, got)
	})

	t.Run("marker at start passes through", func(t *testing.T) {
		msgs := []types.ContextMessage{{Role: types.RoleUser, Content: "[@block=author-input]\nGo."}}
		got := AddCacheBreakpoints(msgs)
		assert.Equal(t, msgs, got)
	})

	t.Run("marker inside content is not a boundary", func(t *testing.T) {
		msgs := []types.ContextMessage{{Role: types.RoleUser,
			Content: "[@block=prose]\nHe typed [@block=author-input] into the terminal.\n\n[@block=author-input]\nGo on."}}
		got := AddCacheBreakpoints(msgs)

		require.Len(t, got[0].Parts, 2)
		assert.Equal(t, "[@block=prose]\nHe typed [@block=author-input] into the terminal.\n\n", got[0].Parts[0].Text)
		assert.Equal(t, "[@block=author-input]\nGo on.", got[0].Parts[1].Text)
	})
}

func TestCreateDefaultBlocks(t *testing.T) {
	state := &ContextBuildState{
		Story:   &types.StoryMeta{ID: "s1", Name: "Salt Road", Description: "A smuggling saga"},
		Summary: "They crossed the bay.",
		ProseFragments: []types.Fragment{
			{ID: "pr-1", Type: fragments.TypeProse, Content: "The tide turned."},
			{ID: "pr-2", Type: fragments.TypeProse, Content: "Mira laughed."},
		},
		StickyByType: map[string][]types.Fragment{
			fragments.TypeCharacter: {{ID: "ch-1", Type: fragments.TypeCharacter, Name: "Mira", Content: "Tall."}},
			fragments.TypeGuideline: {{ID: "gl-1", Type: fragments.TypeGuideline, Name: "Tone", Content: "Wry."}},
		},
		ShortlistByType: map[string][]ShortlistEntry{
			fragments.TypeKnowledge: {{ID: "kn-1", Description: "salt is currency"}},
		},
		AuthorInput: "Write the escape.",
	}

	blocks := CreateDefaultBlocks(state, BlockOptions{
		Tools: []types.Tool{{Name: "getFragment", Description: "Read a fragment"}},
	})

	var got []string
	for _, b := range blocks {
		got = append(got, b.ID)
		assert.Equal(t, SourceBuiltin, b.Source)
	}
	assert.Equal(t, []string{
		"instructions", "tools", "sticky-guideline-system",
		"story-info", "summary", "sticky-character", "shortlist-knowledge", "prose", "author-input",
	}, got)

	prose, ok := FindBlock(blocks, BlockProse)
	require.True(t, ok)
	assert.Equal(t, "## Recent prose\n\nThe tide turned.\n\nMira laughed.", prose.Content)

	shortlist, _ := FindBlock(blocks, "shortlist-knowledge")
	assert.Equal(t, "## Knowledge (shortlist)\n- kn-1: salt is currency", shortlist.Content)

	tools, _ := FindBlock(blocks, BlockTools)
	assert.Contains(t, tools.Content, "- getFragment: Read a fragment")

	msgs := CompileBlocks(blocks)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Content, "### Tone (gl-1)\nWry.")
	assert.Contains(t, msgs[1].Content, "[@block=author-input]\n## Author input\nWrite the escape.")
}

func TestCreateDefaultBlocks_Minimal(t *testing.T) {
	blocks := CreateDefaultBlocks(&ContextBuildState{Story: &types.StoryMeta{ID: "s1"}}, BlockOptions{})

	var got []string
	for _, b := range blocks {
		got = append(got, b.ID)
	}
	assert.Equal(t, []string{"instructions", "tools", "author-input"}, got)
}

func TestCreateDefaultBlocks_ChapterSummaries(t *testing.T) {
	state := &ContextBuildState{
		Story:            &types.StoryMeta{ID: "s1"},
		ChapterSummaries: []ChapterSummary{{MarkerID: "mk-1", Name: "One", Summary: "They met."}},
	}
	blocks := CreateDefaultBlocks(state, BlockOptions{})
	b, ok := FindBlock(blocks, BlockChapterSummaries)
	require.True(t, ok)
	assert.Equal(t, "## Chapter summaries\n\n### One\nThey met.", b.Content)
	assert.Equal(t, 250, b.Order)
}

func TestBlockEditing(t *testing.T) {
	base := []ContextBlock{
		{ID: "a", Role: types.RoleUser, Order: 10, Content: "A"},
		{ID: "b", Role: types.RoleUser, Order: 20, Content: "B"},
	}

	t.Run("find", func(t *testing.T) {
		_, ok := FindBlock(base, "zzz")
		assert.False(t, ok)
	})

	t.Run("replace content", func(t *testing.T) {
		out := ReplaceBlockContent(base, "a", "A2")
		got, _ := FindBlock(out, "a")
		assert.Equal(t, "A2", got.Content)
		assert.Equal(t, "A", base[0].Content)
	})

	t.Run("remove", func(t *testing.T) {
		out := RemoveBlock(base, "a")
		require.Len(t, out, 1)
		assert.Equal(t, "b", out[0].ID)
	})

	t.Run("insert before", func(t *testing.T) {
		out := InsertBlockBefore(base, "b", ContextBlock{ID: "x", Role: types.RoleUser, Content: "X"})
		msgs := CompileBlocks(out)
		assert.Equal(t, "[@block=a]\nA\n\n[@block=x]\nX\n\n[@block=b]\nB", msgs[0].Content)
	})

	t.Run("insert after", func(t *testing.T) {
		out := InsertBlockAfter(base, "a", ContextBlock{ID: "x", Role: types.RoleUser, Content: "X"})
		msgs := CompileBlocks(out)
		assert.Equal(t, "[@block=a]\nA\n\n[@block=x]\nX\n\n[@block=b]\nB", msgs[0].Content)
	})

	t.Run("insert with missing target appends", func(t *testing.T) {
		out := InsertBlockAfter(base, "nope", ContextBlock{ID: "x", Role: types.RoleUser, Order: 5})
		require.Len(t, out, 3)
		assert.Equal(t, "x", out[2].ID)
		assert.Equal(t, 5, out[2].Order)
	})

	t.Run("reorder", func(t *testing.T) {
		out := ReorderBlock(base, "b", 1)
		msgs := CompileBlocks(out)
		assert.Equal(t, "[@block=b]\nB\n\n[@block=a]\nA", msgs[0].Content)
	})
}

func TestApplyBlockOrder(t *testing.T) {
	blocks := []ContextBlock{
		{ID: "a", Role: types.RoleUser, Order: 10},
		{ID: "b", Role: types.RoleUser, Order: 20},
		{ID: "c", Role: types.RoleUser, Order: 30},
		{ID: "d", Role: types.RoleUser, Order: 40},
	}
	out := ApplyBlockOrder(blocks, []string{"c", "a"})

	order := map[string]int{}
	for _, b := range out {
		order[b.ID] = b.Order
	}
	assert.Equal(t, map[string]int{"c": 0, "a": 1, "b": 2, "d": 3}, order)
}
