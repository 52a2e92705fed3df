package prompt

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"storyloom/internal/fragments"
	"storyloom/internal/store"
	"storyloom/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fixture seeds a FileStore with one story and its fragments.
func fixture(t *testing.T, story *types.StoryMeta, frags ...types.Fragment) (*store.FileStore, *StateBuilder) {
	t.Helper()
	ctx := context.Background()
	fs := store.NewFileStore(t.TempDir())
	require.NoError(t, fs.SaveStory(ctx, story))
	for i := range frags {
		f := frags[i]
		require.NoError(t, fs.SaveFragment(ctx, story.ID, &f))
	}
	return fs, NewStateBuilder(fs, fs, fragments.DefaultRegistry())
}

func prose(id string, order float64, content string) types.Fragment {
	return types.Fragment{
		ID:        id,
		Type:      fragments.TypeProse,
		Name:      id,
		Content:   content,
		Order:     order,
		CreatedAt: baseTime.Add(time.Duration(order) * time.Minute),
	}
}

func ids(frags []types.Fragment) []string {
	out := make([]string, len(frags))
	for i, f := range frags {
		out[i] = f.ID
	}
	return out
}

func TestBuild_ProseLimitSelectsAll(t *testing.T) {
	var frags []types.Fragment
	for i := 1; i <= 5; i++ {
		frags = append(frags, prose("pr-"+string(rune('0'+i)), float64(i), "text"))
	}
	_, b := fixture(t, &types.StoryMeta{ID: "s1"}, frags...)

	state, err := b.Build(context.Background(), "s1", "next", BuildOptions{ProseLimit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"pr-1", "pr-2", "pr-3", "pr-4", "pr-5"}, ids(state.ProseFragments))
	assert.Equal(t, Budget{Mode: types.CompactProseLimit, Value: 10}, state.Budget)

	state, err = b.Build(context.Background(), "s1", "next", BuildOptions{ProseLimit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"pr-4", "pr-5"}, ids(state.ProseFragments))
}

func TestBuild_MaxCharacters(t *testing.T) {
	hundred := strings.Repeat("x", 100)
	_, b := fixture(t, &types.StoryMeta{ID: "s1"},
		prose("pr-a", 1, hundred),
		prose("pr-b", 2, hundred),
		prose("pr-c", 3, hundred),
	)

	t.Run("keeps only what fits", func(t *testing.T) {
		state, err := b.Build(context.Background(), "s1", "", BuildOptions{MaxCharacters: 150})
		require.NoError(t, err)
		assert.Equal(t, []string{"pr-c"}, ids(state.ProseFragments))
	})

	t.Run("exact fit", func(t *testing.T) {
		state, err := b.Build(context.Background(), "s1", "", BuildOptions{MaxCharacters: 200})
		require.NoError(t, err)
		assert.Equal(t, []string{"pr-b", "pr-c"}, ids(state.ProseFragments))
	})

	t.Run("always keeps the newest", func(t *testing.T) {
		state, err := b.Build(context.Background(), "s1", "", BuildOptions{MaxCharacters: 10})
		require.NoError(t, err)
		assert.Equal(t, []string{"pr-c"}, ids(state.ProseFragments))
	})
}

func TestBuild_MaxTokens(t *testing.T) {
	forty := strings.Repeat("y", 40) // 10 tokens
	_, b := fixture(t, &types.StoryMeta{ID: "s1"},
		prose("pr-a", 1, forty),
		prose("pr-b", 2, forty),
		prose("pr-c", 3, forty),
	)

	state, err := b.Build(context.Background(), "s1", "", BuildOptions{MaxTokens: 25})
	require.NoError(t, err)
	assert.Equal(t, []string{"pr-b", "pr-c"}, ids(state.ProseFragments))
}

func TestBuild_StoryCompactionSetting(t *testing.T) {
	story := &types.StoryMeta{
		ID: "s1",
		Settings: types.StorySettings{
			ContextCompact: &types.ContextCompact{Type: types.CompactProseLimit, Value: 1},
		},
	}
	_, b := fixture(t, story, prose("pr-a", 1, "a"), prose("pr-b", 2, "b"))

	state, err := b.Build(context.Background(), "s1", "", BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"pr-b"}, ids(state.ProseFragments))

	// Request options win over the story setting.
	state, err = b.Build(context.Background(), "s1", "", BuildOptions{ProseLimit: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"pr-a", "pr-b"}, ids(state.ProseFragments))
}

func TestBuild_DefaultBudget(t *testing.T) {
	hundred := strings.Repeat("x", 100)
	story := &types.StoryMeta{ID: "s1"}
	_, b := fixture(t, story, prose("pr-a", 1, hundred), prose("pr-b", 2, hundred), prose("pr-c", 3, hundred))

	b.SetDefaultBudget(types.CompactMaxCharacters, 200)
	state, err := b.Build(context.Background(), "s1", "", BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, Budget{Mode: types.CompactMaxCharacters, Value: 200}, state.Budget)
	assert.Equal(t, []string{"pr-b", "pr-c"}, ids(state.ProseFragments))

	// Unknown modes leave the previous default in place.
	b.SetDefaultBudget("paragraphs", 1)
	state, err = b.Build(context.Background(), "s1", "", BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.CompactMaxCharacters, state.Budget.Mode)

	// Request options still win.
	state, err = b.Build(context.Background(), "s1", "", BuildOptions{ProseLimit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"pr-c"}, ids(state.ProseFragments))
}

func chainStory() (*types.StoryMeta, []types.Fragment) {
	story := &types.StoryMeta{
		ID:      "s1",
		Summary: "global summary including the future",
		ProseChain: []types.ProseChainEntry{
			{ProseFragments: []string{"pr-a"}, Active: "pr-a"},
			{ProseFragments: []string{"pr-b1", "pr-b2"}, Active: "pr-b2"},
			{ProseFragments: []string{"pr-c"}, Active: "pr-c"},
		},
	}
	frags := []types.Fragment{
		prose("pr-a", 1, "A"),
		prose("pr-b2", 2, "B2"),
		prose("pr-c", 3, "C"),
		// Inactive variation written after everything else.
		prose("pr-b1", 9, "B1"),
	}
	return story, frags
}

func TestBuild_ChainOrderSkipsInactiveVariations(t *testing.T) {
	story, frags := chainStory()
	_, b := fixture(t, story, frags...)

	state, err := b.Build(context.Background(), "s1", "", BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"pr-a", "pr-b2", "pr-c"}, ids(state.ProseFragments))
}

func TestBuild_ProseBeforeUsesSectionPosition(t *testing.T) {
	story, frags := chainStory()
	_, b := fixture(t, story, frags...)

	tests := []struct {
		name   string
		before string
		want   []string
	}{
		{"inactive variation uses its section", "pr-b1", []string{"pr-a"}},
		{"active variation", "pr-b2", []string{"pr-a"}},
		{"last section", "pr-c", []string{"pr-a", "pr-b2"}},
		{"first section", "pr-a", nil},
		{"unknown fragment", "pr-zzz", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := b.Build(context.Background(), "s1", "", BuildOptions{ProseBeforeFragmentID: tt.before})
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, state.ProseFragments)
				return
			}
			assert.Equal(t, tt.want, ids(state.ProseFragments))
		})
	}
}

func TestBuild_LooseProseFollowsChain(t *testing.T) {
	story := &types.StoryMeta{
		ID:         "s1",
		ProseChain: []types.ProseChainEntry{{ProseFragments: []string{"pr-b"}, Active: "pr-b"}},
	}
	_, b := fixture(t, story, prose("pr-a", 1, "loose"), prose("pr-b", 2, "chained"))

	state, err := b.Build(context.Background(), "s1", "", BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"pr-b", "pr-a"}, ids(state.ProseFragments))
}

func TestBuild_StickyAndShortlist(t *testing.T) {
	_, b := fixture(t, &types.StoryMeta{ID: "s1"},
		prose("pr-a", 1, "A"),
		types.Fragment{ID: "ch-1", Type: fragments.TypeCharacter, Name: "Mira", Description: "smuggler", Content: "Long bio", Sticky: true},
		types.Fragment{ID: "ch-2", Type: fragments.TypeCharacter, Name: "Oren", Description: "harbor master", Content: "Long bio"},
		types.Fragment{ID: "kn-1", Type: fragments.TypeKnowledge, Name: "Salt", Description: "currency", Content: "..."},
		types.Fragment{ID: "kn-2", Type: fragments.TypeKnowledge, Name: "Old", Description: "gone", Archived: true},
		types.Fragment{ID: "mk-1", Type: fragments.TypeMarker, Name: "Chapter 1"},
	)

	state, err := b.Build(context.Background(), "s1", "", BuildOptions{})
	require.NoError(t, err)

	require.Len(t, state.StickyByType[fragments.TypeCharacter], 1)
	assert.Equal(t, "Long bio", state.StickyByType[fragments.TypeCharacter][0].Content)
	assert.Equal(t, []ShortlistEntry{{ID: "ch-2", Description: "harbor master"}}, state.ShortlistByType[fragments.TypeCharacter])
	assert.Equal(t, []ShortlistEntry{{ID: "kn-1", Description: "currency"}}, state.ShortlistByType[fragments.TypeKnowledge])
	assert.NotContains(t, state.ShortlistByType, fragments.TypeMarker)
	assert.NotContains(t, state.ShortlistByType, fragments.TypeProse)

	t.Run("exclude fragment", func(t *testing.T) {
		state, err := b.Build(context.Background(), "s1", "", BuildOptions{ExcludeFragmentID: "ch-1"})
		require.NoError(t, err)
		assert.Empty(t, state.StickyByType[fragments.TypeCharacter])

		state, err = b.Build(context.Background(), "s1", "", BuildOptions{ExcludeFragmentID: "pr-a"})
		require.NoError(t, err)
		assert.Empty(t, state.ProseFragments)
	})
}

func TestBuild_SummaryReconstruction(t *testing.T) {
	ctx := context.Background()
	story, frags := chainStory()
	fs, b := fixture(t, story, frags...)

	analyses := []types.LibrarianAnalysis{
		{ID: "an-1", FragmentID: "pr-a", CreatedAt: baseTime, SummaryUpdate: "A old."},
		{ID: "an-2", FragmentID: "pr-a", CreatedAt: baseTime.Add(time.Hour), SummaryUpdate: "A new."},
		{ID: "an-3", FragmentID: "pr-b2", CreatedAt: baseTime, SummaryUpdate: "B."},
		{ID: "an-4", FragmentID: "pr-c", CreatedAt: baseTime, SummaryUpdate: "C (future)."},
	}
	for i := range analyses {
		require.NoError(t, fs.SaveAnalysis(ctx, "s1", &analyses[i]))
	}

	t.Run("rebuilt before cutoff", func(t *testing.T) {
		state, err := b.Build(ctx, "s1", "", BuildOptions{SummaryBeforeFragmentID: "pr-c"})
		require.NoError(t, err)
		assert.Equal(t, "A new.\nB.", state.Summary)
	})

	t.Run("nothing before cutoff omits summary", func(t *testing.T) {
		state, err := b.Build(ctx, "s1", "", BuildOptions{SummaryBeforeFragmentID: "pr-a"})
		require.NoError(t, err)
		assert.Empty(t, state.Summary)
	})

	t.Run("stored summary by default", func(t *testing.T) {
		state, err := b.Build(ctx, "s1", "", BuildOptions{})
		require.NoError(t, err)
		assert.Equal(t, story.Summary, state.Summary)
	})

	t.Run("excluded", func(t *testing.T) {
		state, err := b.Build(ctx, "s1", "", BuildOptions{ExcludeStorySummary: true, SummaryBeforeFragmentID: "pr-c"})
		require.NoError(t, err)
		assert.Empty(t, state.Summary)
	})
}

func TestRunningSummary(t *testing.T) {
	story, frags := chainStory()
	analyses := []types.LibrarianAnalysis{
		{ID: "an-1", FragmentID: "pr-c", CreatedAt: baseTime, SummaryUpdate: "C."},
		{ID: "an-2", FragmentID: "pr-a", CreatedAt: baseTime, SummaryUpdate: "A old."},
		{ID: "an-3", FragmentID: "pr-a", CreatedAt: baseTime.Add(time.Hour), SummaryUpdate: "A new."},
	}
	assert.Equal(t, "A new.\nC.", RunningSummary(story, frags, analyses))
	assert.Empty(t, RunningSummary(story, frags, nil))
}

func TestBuild_ChapterSummaries(t *testing.T) {
	story := &types.StoryMeta{
		ID:       "s1",
		Settings: types.StorySettings{HierarchicalSummaries: true},
		ProseChain: []types.ProseChainEntry{
			{ProseFragments: []string{"mk-1"}, Active: "mk-1"},
			{ProseFragments: []string{"pr-a"}, Active: "pr-a"},
			{ProseFragments: []string{"mk-2"}, Active: "mk-2"},
			{ProseFragments: []string{"pr-b"}, Active: "pr-b"},
		},
	}
	_, b := fixture(t, story,
		types.Fragment{ID: "mk-1", Type: fragments.TypeMarker, Name: "One", Meta: map[string]any{"summary": "They met."}},
		types.Fragment{ID: "mk-2", Type: fragments.TypeMarker, Name: "Two", Meta: map[string]any{"summary": "Not yet over."}},
		prose("pr-a", 1, "A"),
		prose("pr-b", 2, "B"),
	)

	state, err := b.Build(context.Background(), "s1", "", BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, []ChapterSummary{{MarkerID: "mk-1", Name: "One", Summary: "They met."}}, state.ChapterSummaries)

	// Before the second marker no boundary has elapsed yet.
	state, err = b.Build(context.Background(), "s1", "", BuildOptions{ProseBeforeFragmentID: "pr-a"})
	require.NoError(t, err)
	assert.Empty(t, state.ChapterSummaries)
}

func TestBuild_StoryNotFound(t *testing.T) {
	b := NewStateBuilder(store.NewFileStore(t.TempDir()), nil, nil)
	_, err := b.Build(context.Background(), "missing", "", BuildOptions{})
	assert.ErrorIs(t, err, ErrStoryNotFound)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 1, EstimateTokens("héé"))
}
