package writer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"storyloom/internal/agents"
	"storyloom/internal/compose"
	"storyloom/internal/expand"
	"storyloom/internal/fragments"
	"storyloom/internal/librarian"
	"storyloom/internal/llm"
	"storyloom/internal/llm/llmtest"
	"storyloom/internal/prompt"
	"storyloom/internal/store"
	"storyloom/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type harness struct {
	runner *agents.Runner
	store  *store.FileStore
	model  *llmtest.ScriptedModel
	events []llm.StreamEvent
}

func newHarness(t *testing.T, responses ...llmtest.Response) *harness {
	t.Helper()
	ctx := context.Background()
	fs := store.NewFileStore(t.TempDir())
	require.NoError(t, fs.SaveStory(ctx, &types.StoryMeta{
		ID: "s1", Name: "Salt Road",
		ProseChain: []types.ProseChainEntry{{ProseFragments: []string{"pr-1"}, Active: "pr-1"}},
	}))
	opening := types.Fragment{ID: "pr-1", Type: fragments.TypeProse, Content: "The boat slid ashore."}
	require.NoError(t, fs.SaveFragment(ctx, "s1", &opening))

	reg := fragments.DefaultRegistry()
	composer := compose.New(compose.Deps{
		Builder:  prompt.NewStateBuilder(fs, fs, reg),
		Expander: expand.New(fs, reg),
	}, compose.Options{})

	h := &harness{store: fs, model: llmtest.NewScriptedModel(responses...)}
	deps := Deps{
		Store: fs, Composer: composer, Model: h.model, Registry: reg,
		OnEvent: func(ev llm.StreamEvent) { h.events = append(h.events, ev) },
	}
	registry, err := agents.NewRegistry(
		NewPrewriter(deps),
		NewWriter(deps),
		librarian.NewAgent(librarian.AgentDeps{Store: fs, Composer: composer, Model: h.model, Registry: reg}),
	)
	require.NoError(t, err)
	h.runner = agents.NewRunner(registry, fs)
	return h
}

func (h *harness) invoke(input map[string]any) (*agents.InvokeResult, error) {
	return h.runner.Invoke(context.Background(), agents.InvokeRequest{StoryID: "s1", AgentName: WriterName, Input: input})
}

func TestWriter_DraftOnly(t *testing.T) {
	h := newHarness(t, llmtest.Response{Text: "  Mira stepped onto the sand.  "})

	res, err := h.invoke(map[string]any{"authorInput": "Mira lands."})
	require.NoError(t, err)
	assert.Equal(t, "Mira stepped onto the sand.", res.Output["text"])
	assert.NotContains(t, res.Output, "fragmentId")

	story, err := h.store.GetStory(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, story.ProseChain, 1, "drafts are not saved")

	var deltas strings.Builder
	for _, ev := range h.events {
		if ev.Type == llm.EventTextDelta {
			deltas.WriteString(ev.Text)
		}
	}
	assert.Equal(t, "  Mira stepped onto the sand.  ", deltas.String())
	assert.Equal(t, llm.EventFinish, h.events[len(h.events)-1].Type)

	req := h.model.LastRequest()
	require.NotEmpty(t, req.Messages)
	assert.Len(t, req.Tools, 3)
	assert.Contains(t, req.Messages[len(req.Messages)-1].Text(), "Mira lands.")
}

func TestWriter_PrewriteSaveAnalyze(t *testing.T) {
	h := newHarness(t,
		llmtest.Response{Text: "```json\n{\"brief\": \"Mira lands at dusk.\"}\n```"},
		llmtest.Response{Text: "Mira stepped onto the sand."},
		llmtest.Response{
			ToolCalls: []types.ToolCall{{Name: librarian.ToolUpdateSummary, Input: map[string]any{"events": []any{"Mira lands"}}}},
			Text:      "ok",
		},
	)
	ctx := context.Background()

	res, err := h.invoke(map[string]any{"authorInput": "Mira lands.", "prewrite": true, "save": true, "analyze": true})
	require.NoError(t, err)

	assert.Equal(t, "Mira lands at dusk.", res.Output["brief"])
	fragmentID, _ := res.Output["fragmentId"].(string)
	require.True(t, strings.HasPrefix(fragmentID, "pr-"))
	assert.NotEmpty(t, res.Output["analysisId"])

	var names []string
	for _, e := range res.Trace {
		names = append(names, e.AgentName)
	}
	assert.Equal(t, []string{PrewriterName, librarian.AgentName, WriterName}, names)

	// The brief reaches the writer's author input.
	writerReq := h.model.Requests()[1]
	assert.Contains(t, writerReq.Messages[len(writerReq.Messages)-1].Text(), "Writing brief:\nMira lands at dusk.")

	story, err := h.store.GetStory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, story.ProseChain, 2)
	assert.Equal(t, fragmentID, story.ProseChain[1].Active)
	assert.Equal(t, "Events: Mira lands.", story.Summary)

	frag, err := h.store.GetFragment(ctx, "s1", fragmentID)
	require.NoError(t, err)
	require.NotNil(t, frag)
	assert.Equal(t, "Mira stepped onto the sand.", frag.Content)
	assert.Equal(t, "Section 2", frag.Name)

	latest, err := h.store.LatestAnalysis(ctx, "s1", fragmentID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, res.Output["analysisId"], latest.ID)
}

func TestWriter_MalformedBriefFails(t *testing.T) {
	h := newHarness(t, llmtest.Response{Text: "Sure, here's a plan: Mira lands."})

	_, err := h.invoke(map[string]any{"authorInput": "Mira lands.", "prewrite": true})
	assert.ErrorIs(t, err, llm.ErrMalformedOutput)

	runs, err := h.runner.ListAgentRuns(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestWriter_RequiresAuthorInput(t *testing.T) {
	h := newHarness(t)
	_, err := h.invoke(map[string]any{"save": true})
	assert.ErrorIs(t, err, agents.ErrInvalidInput)
}

func TestSaveProse_NumbersFromStoredChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A build-time snapshot taken before pr-1 was chained.
	stale := &types.StoryMeta{ID: "s1", Name: "Salt Road"}
	frag, err := saveProse(ctx, Deps{Store: h.store, Registry: fragments.DefaultRegistry()}, stale, "Mira waded back.")
	require.NoError(t, err)
	assert.Equal(t, "Section 2", frag.Name)
	assert.Equal(t, float64(1), frag.Order)

	story, err := h.store.GetStory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, story.ProseChain, 2)
	assert.Equal(t, "pr-1", story.ProseChain[0].Active)
	assert.Equal(t, frag.ID, story.ProseChain[1].Active)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Short line", describe("Short line\nSecond line"))
	long := strings.Repeat("word ", 20)
	got := describe(long)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len([]rune(got)), descriptionLimit)
}
