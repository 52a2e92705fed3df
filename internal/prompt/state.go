// Package prompt turns a story's fragments into role-tagged prompt messages.
//
// The pipeline is StateBuilder.Build -> CreateDefaultBlocks -> ApplyBlockConfig
// -> CompileBlocks -> AddCacheBreakpoints. Tag expansion (package expand) runs
// on the compiled messages.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"storyloom/internal/fragments"
	"storyloom/internal/logging"
	"storyloom/internal/store"
	"storyloom/internal/types"
)

// DefaultProseLimit is used when neither the request nor the story sets a budget.
const DefaultProseLimit = 10

// ErrStoryNotFound is returned by Build when the story does not exist.
var ErrStoryNotFound = errors.New("story not found")

// AnalysisLister is the slice of the analysis store needed for summary
// reconstruction.
type AnalysisLister interface {
	ListAnalyses(ctx context.Context, storyID string) ([]types.LibrarianAnalysis, error)
}

// BuildOptions tune a single Build call. The first non-zero budget among
// ProseLimit, MaxCharacters and MaxTokens wins over the story's own setting.
type BuildOptions struct {
	ProseLimit    int
	MaxCharacters int
	MaxTokens     int

	// ExcludeFragmentID drops one fragment from every group.
	ExcludeFragmentID string

	// ProseBeforeFragmentID restricts the prose window to sections strictly
	// before the given fragment's chain position.
	ProseBeforeFragmentID string

	// SummaryBeforeFragmentID rebuilds the summary from analyses of prose
	// strictly before the given fragment instead of using the stored summary.
	SummaryBeforeFragmentID string

	// ExcludeStorySummary omits the summary unconditionally.
	ExcludeStorySummary bool
}

// ShortlistEntry is the id+description stand-in for a non-sticky fragment.
type ShortlistEntry struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// ChapterSummary is the summary attached to an elapsed chapter marker.
type ChapterSummary struct {
	MarkerID string `json:"markerId"`
	Name     string `json:"name"`
	Summary  string `json:"summary"`
}

// ContextBuildState is the request-scoped input to block creation. It is
// built fresh for every request and never persisted.
type ContextBuildState struct {
	Story            *types.StoryMeta            `json:"story"`
	ProseFragments   []types.Fragment            `json:"proseFragments"`
	StickyByType     map[string][]types.Fragment `json:"stickyByType"`
	ShortlistByType  map[string][]ShortlistEntry `json:"shortlistByType"`
	Summary          string                      `json:"summary,omitempty"`
	ChapterSummaries []ChapterSummary            `json:"chapterSummaries,omitempty"`
	AuthorInput      string                      `json:"authorInput"`
	Budget           Budget                      `json:"budget"`

	ExcludeFragmentID       string `json:"excludeFragmentId,omitempty"`
	ProseBeforeFragmentID   string `json:"proseBeforeFragmentId,omitempty"`
	SummaryBeforeFragmentID string `json:"summaryBeforeFragmentId,omitempty"`
}

// Budget is the resolved prose-window bound.
type Budget struct {
	Mode  string `json:"mode"` // proseLimit, maxCharacters, maxTokens
	Value int    `json:"value"`
}

// StateBuilder reads a story through the fragment store and assembles a
// ContextBuildState. It holds no per-request state and is safe to share.
type StateBuilder struct {
	reader        store.FragmentReader
	analyses      AnalysisLister
	registry      *fragments.Registry
	defaultBudget Budget
}

// NewStateBuilder creates a builder. analyses may be nil, in which case
// summary reconstruction always yields an empty summary.
func NewStateBuilder(reader store.FragmentReader, analyses AnalysisLister, registry *fragments.Registry) *StateBuilder {
	if registry == nil {
		registry = fragments.DefaultRegistry()
	}
	return &StateBuilder{
		reader:        reader,
		analyses:      analyses,
		registry:      registry,
		defaultBudget: Budget{Mode: types.CompactProseLimit, Value: DefaultProseLimit},
	}
}

// SetDefaultProseLimit sets the fallback prose limit. Zero or less disables
// the fallback, keeping every prose fragment.
func (b *StateBuilder) SetDefaultProseLimit(n int) {
	b.defaultBudget = Budget{Mode: types.CompactProseLimit, Value: n}
}

// SetDefaultBudget sets the fallback budget used when neither the request
// nor the story picks one. Unknown modes are ignored.
func (b *StateBuilder) SetDefaultBudget(mode string, value int) {
	switch mode {
	case types.CompactProseLimit, types.CompactMaxCharacters, types.CompactMaxTokens:
		b.defaultBudget = Budget{Mode: mode, Value: value}
	default:
		logging.ContextWarn("Ignoring unknown default budget mode %q", mode)
	}
}

// Registry returns the fragment type registry in use.
func (b *StateBuilder) Registry() *fragments.Registry {
	return b.registry
}

// Build assembles the context state for one request. It only reads.
func (b *StateBuilder) Build(ctx context.Context, storyID, authorInput string, opts BuildOptions) (*ContextBuildState, error) {
	timer := logging.StartTimer(logging.CategoryContext, "StateBuilder.Build")
	defer timer.Stop()

	var (
		story    *types.StoryMeta
		all      []types.Fragment
		analyses []types.LibrarianAnalysis
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		story, err = b.reader.GetStory(gctx, storyID)
		return err
	})
	g.Go(func() error {
		var err error
		all, err = b.reader.ListFragments(gctx, storyID, store.ListOptions{})
		return err
	})
	if opts.SummaryBeforeFragmentID != "" && !opts.ExcludeStorySummary && b.analyses != nil {
		g.Go(func() error {
			var err error
			analyses, err = b.analyses.ListAnalyses(gctx, storyID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to read story %s: %w", storyID, err)
	}
	if story == nil {
		return nil, fmt.Errorf("%w: %s", ErrStoryNotFound, storyID)
	}

	state := &ContextBuildState{
		Story:                   story,
		StickyByType:            make(map[string][]types.Fragment),
		ShortlistByType:         make(map[string][]ShortlistEntry),
		AuthorInput:             authorInput,
		ExcludeFragmentID:       opts.ExcludeFragmentID,
		ProseBeforeFragmentID:   opts.ProseBeforeFragmentID,
		SummaryBeforeFragmentID: opts.SummaryBeforeFragmentID,
	}

	var prose []types.Fragment
	for _, f := range all {
		if f.Archived {
			continue
		}
		if f.Type == fragments.TypeProse {
			prose = append(prose, f)
		}
	}
	chain := orderProse(story, prose)

	window := chain.before(opts.ProseBeforeFragmentID)
	window = excludeFragment(window, opts.ExcludeFragmentID)
	state.Budget = resolveBudget(opts, story, b.defaultBudget)
	state.ProseFragments = selectWindow(window, state.Budget)

	b.splitStickyShortlist(state, all, opts.ExcludeFragmentID)

	switch {
	case opts.ExcludeStorySummary:
		state.Summary = ""
	case opts.SummaryBeforeFragmentID != "":
		state.Summary = reconstructSummary(chain, analyses, opts.SummaryBeforeFragmentID)
	default:
		state.Summary = story.Summary
	}

	if story.Settings.HierarchicalSummaries {
		state.ChapterSummaries = chapterSummaries(story, all, chain.cutoff(opts.ProseBeforeFragmentID))
	}

	logging.ContextDebug("Built state for %s: prose=%d/%d (%s=%d) sticky types=%d shortlist types=%d summary=%d chars",
		storyID, len(state.ProseFragments), len(window), state.Budget.Mode, state.Budget.Value,
		len(state.StickyByType), len(state.ShortlistByType), len(state.Summary))
	return state, nil
}

// splitStickyShortlist sorts every non-structural fragment into the sticky
// (full content) or shortlist (id + description) group of its type.
func (b *StateBuilder) splitStickyShortlist(state *ContextBuildState, all []types.Fragment, excludeID string) {
	for _, f := range all {
		if f.Archived || f.ID == excludeID {
			continue
		}
		if f.Type == fragments.TypeProse || b.registry.IsStructural(f.Type) {
			continue
		}
		if f.Sticky {
			state.StickyByType[f.Type] = append(state.StickyByType[f.Type], f)
			continue
		}
		state.ShortlistByType[f.Type] = append(state.ShortlistByType[f.Type], ShortlistEntry{
			ID:          f.ID,
			Description: f.Description,
		})
	}
}

// resolveBudget picks the prose bound: request options, then the story's
// compaction setting, then the configured default.
func resolveBudget(opts BuildOptions, story *types.StoryMeta, fallback Budget) Budget {
	switch {
	case opts.ProseLimit > 0:
		return Budget{Mode: types.CompactProseLimit, Value: opts.ProseLimit}
	case opts.MaxCharacters > 0:
		return Budget{Mode: types.CompactMaxCharacters, Value: opts.MaxCharacters}
	case opts.MaxTokens > 0:
		return Budget{Mode: types.CompactMaxTokens, Value: opts.MaxTokens}
	}
	if cc := story.Settings.ContextCompact; cc != nil && cc.Value > 0 {
		switch cc.Type {
		case types.CompactProseLimit, types.CompactMaxCharacters, types.CompactMaxTokens:
			return Budget{Mode: cc.Type, Value: cc.Value}
		default:
			logging.ContextWarn("Unknown context compaction type %q on story %s; using default", cc.Type, story.ID)
		}
	}
	return fallback
}

// selectWindow returns the newest suffix of prose that fits the budget. The
// character and token walks always keep at least the newest fragment.
func selectWindow(prose []types.Fragment, budget Budget) []types.Fragment {
	if len(prose) == 0 {
		return nil
	}
	if budget.Value <= 0 {
		return prose
	}

	switch budget.Mode {
	case types.CompactMaxCharacters, types.CompactMaxTokens:
		cost := CharCount
		if budget.Mode == types.CompactMaxTokens {
			cost = EstimateTokens
		}
		total := 0
		start := len(prose)
		for i := len(prose) - 1; i >= 0; i-- {
			c := cost(prose[i].Content)
			if total+c > budget.Value && start < len(prose) {
				break
			}
			total += c
			start = i
		}
		return prose[start:]
	default:
		if len(prose) <= budget.Value {
			return prose
		}
		return prose[len(prose)-budget.Value:]
	}
}

func excludeFragment(list []types.Fragment, id string) []types.Fragment {
	if id == "" {
		return list
	}
	out := make([]types.Fragment, 0, len(list))
	for _, f := range list {
		if f.ID != id {
			out = append(out, f)
		}
	}
	return out
}

// =============================================================================
// Prose ordering
// =============================================================================

// proseOrder is the story's prose in reading order plus the section position
// of every known prose id, including inactive variations.
type proseOrder struct {
	ordered   []types.Fragment
	positions map[string]int
	// orderedPos[i] is the section position of ordered[i].
	orderedPos []int
}

// orderProse places the active fragment of each chain section first, in chain
// order, followed by prose outside the chain ordered by order then createdAt.
func orderProse(story *types.StoryMeta, prose []types.Fragment) proseOrder {
	byID := make(map[string]types.Fragment, len(prose))
	for _, f := range prose {
		byID[f.ID] = f
	}

	po := proseOrder{positions: make(map[string]int)}
	for i, entry := range story.ProseChain {
		for _, id := range entry.ProseFragments {
			po.positions[id] = i
		}
		if entry.Active != "" {
			po.positions[entry.Active] = i
		}
		if f, ok := byID[entry.Active]; ok {
			po.ordered = append(po.ordered, f)
			po.orderedPos = append(po.orderedPos, i)
		}
	}

	var loose []types.Fragment
	for _, f := range prose {
		if _, inChain := po.positions[f.ID]; !inChain {
			loose = append(loose, f)
		}
	}
	store.SortFragments(loose)

	next := len(story.ProseChain)
	for _, f := range loose {
		po.positions[f.ID] = next
		po.ordered = append(po.ordered, f)
		po.orderedPos = append(po.orderedPos, next)
		next++
	}
	return po
}

// cutoff returns the section position of id, -1 when id is empty, or -2 when
// id is set but unknown.
func (po proseOrder) cutoff(id string) int {
	if id == "" {
		return -1
	}
	if pos, ok := po.positions[id]; ok {
		return pos
	}
	return -2
}

// before returns the ordered prose strictly before id's section. An empty id
// returns everything; an unknown id returns nothing.
func (po proseOrder) before(id string) []types.Fragment {
	cut := po.cutoff(id)
	switch cut {
	case -1:
		return po.ordered
	case -2:
		logging.ContextWarn("Prose cutoff fragment %s is not part of the story's prose", id)
		return nil
	}
	var out []types.Fragment
	for i, f := range po.ordered {
		if po.orderedPos[i] < cut {
			out = append(out, f)
		}
	}
	return out
}

// =============================================================================
// Summaries
// =============================================================================

// reconstructSummary joins, in reading order, the summary update of the
// latest analysis of each prose section strictly before the cutoff.
func reconstructSummary(po proseOrder, analyses []types.LibrarianAnalysis, cutoffID string) string {
	cut := po.cutoff(cutoffID)
	if cut < 0 {
		return ""
	}
	return joinLatestUpdates(po, analyses, cut)
}

// RunningSummary derives a story's stored running summary: the summary update
// of the latest analysis of every prose fragment, in reading order.
func RunningSummary(story *types.StoryMeta, all []types.Fragment, analyses []types.LibrarianAnalysis) string {
	var prose []types.Fragment
	for _, f := range all {
		if !f.Archived && f.Type == fragments.TypeProse {
			prose = append(prose, f)
		}
	}
	return joinLatestUpdates(orderProse(story, prose), analyses, -1)
}

// joinLatestUpdates joins the latest non-empty summary update per fragment of
// po, stopping at section position cut. A negative cut takes everything.
func joinLatestUpdates(po proseOrder, analyses []types.LibrarianAnalysis, cut int) string {
	if len(analyses) == 0 {
		return ""
	}

	latest := make(map[string]types.LibrarianAnalysis)
	for _, a := range analyses {
		cur, ok := latest[a.FragmentID]
		if !ok || a.CreatedAt.After(cur.CreatedAt) || (a.CreatedAt.Equal(cur.CreatedAt) && a.ID > cur.ID) {
			latest[a.FragmentID] = a
		}
	}

	var parts []string
	for i, f := range po.ordered {
		if cut >= 0 && po.orderedPos[i] >= cut {
			break
		}
		a, ok := latest[f.ID]
		if !ok || a.SummaryUpdate == "" {
			continue
		}
		parts = append(parts, a.SummaryUpdate)
	}
	return strings.Join(parts, "\n")
}

// chapterSummaries returns the summaries of chapter markers that have been
// passed, meaning a later marker exists (before the cutoff, when one is set).
func chapterSummaries(story *types.StoryMeta, all []types.Fragment, cut int) []ChapterSummary {
	if cut == -2 {
		return nil
	}
	byID := make(map[string]types.Fragment, len(all))
	for _, f := range all {
		byID[f.ID] = f
	}

	type marker struct {
		pos int
		f   types.Fragment
	}
	var markers []marker
	for i, entry := range story.ProseChain {
		if cut >= 0 && i >= cut {
			break
		}
		f, ok := byID[entry.Active]
		if !ok || f.Archived || f.Type != fragments.TypeMarker {
			continue
		}
		markers = append(markers, marker{pos: i, f: f})
	}
	sort.SliceStable(markers, func(i, j int) bool { return markers[i].pos < markers[j].pos })

	var out []ChapterSummary
	for i := 0; i < len(markers)-1; i++ {
		f := markers[i].f
		summary := f.MetaString("summary")
		if summary == "" {
			continue
		}
		out = append(out, ChapterSummary{MarkerID: f.ID, Name: f.Name, Summary: summary})
	}
	return out
}

