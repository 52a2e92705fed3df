// Package librarian analyzes newly written prose: one model turn reports a
// summary update, character mentions, contradictions, knowledge suggestions
// and timeline events into a Collector, which is then persisted once as a
// LibrarianAnalysis.
package librarian

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"storyloom/internal/types"
)

var (
	// ErrEmptyAnalysis rejects a summary update that carries no signal.
	ErrEmptyAnalysis = errors.New("summary update needs a summary or at least one event, state change or open thread")

	// ErrInvalidReport rejects malformed list entries.
	ErrInvalidReport = errors.New("invalid report")
)

// SummaryUpdate is the input of UpdateSummary.
type SummaryUpdate struct {
	Summary      string   `json:"summary"`
	Events       []string `json:"events"`
	StateChanges []string `json:"stateChanges"`
	OpenThreads  []string `json:"openThreads"`
}

// Collector accumulates one librarian turn. It lives for a single agent run.
type Collector struct {
	mu                   sync.Mutex
	summaryUpdate        string
	structured           types.StructuredSummary
	mentions             []types.Mention
	contradictions       []types.Contradiction
	knowledgeSuggestions []types.KnowledgeSuggestion
	timelineEvents       []types.TimelineEvent
	now                  func() time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{now: time.Now}
}

// UpdateSummary records the turn's summary. The last call wins. A blank
// summary is derived from the structured lists.
func (c *Collector) UpdateSummary(u SummaryUpdate) error {
	events := dedupe(u.Events)
	changes := dedupe(u.StateChanges)
	threads := dedupe(u.OpenThreads)

	summary := strings.TrimSpace(u.Summary)
	if summary == "" {
		if len(events) == 0 && len(changes) == 0 && len(threads) == 0 {
			return ErrEmptyAnalysis
		}
		summary = DeriveSummary(events, changes, threads)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.summaryUpdate = summary
	c.structured = types.StructuredSummary{Events: events, StateChanges: changes, OpenThreads: threads}
	return nil
}

// DeriveSummary renders the canonical summary of structured lists, emitting
// only non-empty sections.
func DeriveSummary(events, stateChanges, openThreads []string) string {
	var sections []string
	add := func(label string, items []string) {
		if len(items) > 0 {
			sections = append(sections, label+": "+strings.Join(items, "; ")+".")
		}
	}
	add("Events", events)
	add("State changes", stateChanges)
	add("Open threads", openThreads)
	return strings.Join(sections, " ")
}

// dedupe drops blank entries and exact repeats, keeping first occurrences.
func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if strings.TrimSpace(it) == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

// ReportMentions appends character mentions.
func (c *Collector) ReportMentions(mentions []types.Mention) error {
	for i, m := range mentions {
		if strings.TrimSpace(m.CharacterID) == "" {
			return fmt.Errorf("%w: mention %d has no characterId", ErrInvalidReport, i)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mentions = append(c.mentions, mentions...)
	return nil
}

// ReportContradictions appends contradictions.
func (c *Collector) ReportContradictions(contradictions []types.Contradiction) error {
	for i, ct := range contradictions {
		if strings.TrimSpace(ct.Description) == "" {
			return fmt.Errorf("%w: contradiction %d has no description", ErrInvalidReport, i)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contradictions = append(c.contradictions, contradictions...)
	return nil
}

// SuggestKnowledge appends suggestions. A suggestion with TargetFragmentID
// proposes an update to that fragment instead of a new one.
func (c *Collector) SuggestKnowledge(suggestions []types.KnowledgeSuggestion) error {
	for i, s := range suggestions {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("%w: suggestion %d has no name", ErrInvalidReport, i)
		}
		switch s.Type {
		case "character", "knowledge":
		default:
			return fmt.Errorf("%w: suggestion %d has type %q (want character or knowledge)", ErrInvalidReport, i, s.Type)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.knowledgeSuggestions = append(c.knowledgeSuggestions, suggestions...)
	return nil
}

// ReportTimeline appends events in the given order.
func (c *Collector) ReportTimeline(events []types.TimelineEvent) error {
	for i, e := range events {
		if strings.TrimSpace(e.Event) == "" {
			return fmt.Errorf("%w: timeline event %d is empty", ErrInvalidReport, i)
		}
		switch e.Position {
		case types.TimelineBefore, types.TimelineDuring, types.TimelineAfter:
		default:
			return fmt.Errorf("%w: timeline event %d has position %q", ErrInvalidReport, i, e.Position)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timelineEvents = append(c.timelineEvents, events...)
	return nil
}

// SummaryText returns the current summary update.
func (c *Collector) SummaryText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summaryUpdate
}

// Analysis converts the collector's final state into a persistable record
// with a fresh time-ordered id.
func (c *Collector) Analysis(fragmentID string) *types.LibrarianAnalysis {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	return &types.LibrarianAnalysis{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		FragmentID: fragmentID,
		CreatedAt:  now,

		SummaryUpdate: c.summaryUpdate,
		StructuredSummary: types.StructuredSummary{
			Events:       append([]string{}, c.structured.Events...),
			StateChanges: append([]string{}, c.structured.StateChanges...),
			OpenThreads:  append([]string{}, c.structured.OpenThreads...),
		},
		Mentions:             append([]types.Mention{}, c.mentions...),
		Contradictions:       append([]types.Contradiction{}, c.contradictions...),
		KnowledgeSuggestions: append([]types.KnowledgeSuggestion{}, c.knowledgeSuggestions...),
		TimelineEvents:       append([]types.TimelineEvent{}, c.timelineEvents...),
	}
}
