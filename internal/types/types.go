// Package types provides shared type definitions used across storyloom packages.
// This package exists to break import cycles between store, prompt, agents and librarian.
// Types in this package should be foundational data structures with no complex dependencies.
package types

import (
	"time"
)

// =============================================================================
// FRAGMENTS
// =============================================================================

// Placement selects which message role a fragment's content lands in.
type Placement string

const (
	PlacementSystem Placement = "system"
	PlacementUser   Placement = "user"
)

// Fragment is a typed unit of story content. Fragments are owned by the story
// directory they live in; the context core only reads them.
type Fragment struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Name        string            `json:"name"`
	Description string            `json:"description"` // short, at most 50 chars
	Content     string            `json:"content"`
	Tags        []string          `json:"tags"`
	Refs        []string          `json:"refs"`
	Sticky      bool              `json:"sticky"`
	Placement   Placement         `json:"placement"`
	Order       float64           `json:"order"`
	Meta        map[string]any    `json:"meta,omitempty"`
	Archived    bool              `json:"archived"`
	Version     int               `json:"version"`
	Versions    []FragmentVersion `json:"versions,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// FragmentVersion is a historical snapshot of a fragment.
type FragmentVersion struct {
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
}

// MetaString returns a string meta value, or "" when absent or not a string.
func (f *Fragment) MetaString(key string) string {
	if f == nil || f.Meta == nil {
		return ""
	}
	s, _ := f.Meta[key].(string)
	return s
}

// HasTag reports whether the fragment carries the given tag.
func (f *Fragment) HasTag(tag string) bool {
	for _, t := range f.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// =============================================================================
// STORIES
// =============================================================================

// Compaction modes for the prose window.
const (
	CompactProseLimit    = "proseLimit"
	CompactMaxCharacters = "maxCharacters"
	CompactMaxTokens     = "maxTokens"
)

// ContextCompact selects how the prose window is bounded.
type ContextCompact struct {
	Type  string `json:"type"`
	Value int    `json:"value"`
}

// StorySettings are the per-story knobs the context core reads.
type StorySettings struct {
	ContextCompact        *ContextCompact `json:"contextCompact,omitempty"`
	HierarchicalSummaries bool            `json:"hierarchicalSummaries"`
	EnabledPlugins        []string        `json:"enabledPlugins,omitempty"`
}

// ProseChainEntry is one section of the story. ProseFragments lists every
// variation written for the section; Active is the one currently shown.
type ProseChainEntry struct {
	ProseFragments []string `json:"proseFragments"`
	Active         string   `json:"active"`
}

// StoryMeta is the story-level metadata.
type StoryMeta struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Summary     string            `json:"summary"`
	Settings    StorySettings     `json:"settings"`
	ProseChain  []ProseChainEntry `json:"proseChain,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// ChainPosition returns the index of the chain entry listing fragmentID as any
// of its variations, or -1.
func (s *StoryMeta) ChainPosition(fragmentID string) int {
	for i, entry := range s.ProseChain {
		if entry.Active == fragmentID {
			return i
		}
		for _, id := range entry.ProseFragments {
			if id == fragmentID {
				return i
			}
		}
	}
	return -1
}

// =============================================================================
// ANALYSES
// =============================================================================

// StructuredSummary is the list-form summary a librarian turn may report.
type StructuredSummary struct {
	Events       []string `json:"events"`
	StateChanges []string `json:"stateChanges"`
	OpenThreads  []string `json:"openThreads"`
}

// Mention records a character referenced in prose.
type Mention struct {
	CharacterID string `json:"characterId"`
	Text        string `json:"text"`
}

// Contradiction records prose that conflicts with established fragments.
type Contradiction struct {
	Description string   `json:"description"`
	FragmentIDs []string `json:"fragmentIds,omitempty"`
}

// KnowledgeSuggestion proposes a new fragment, or an update to an existing
// one when TargetFragmentID is set.
type KnowledgeSuggestion struct {
	Type             string `json:"type"` // character, knowledge
	Name             string `json:"name"`
	Description      string `json:"description"`
	Content          string `json:"content"`
	TargetFragmentID string `json:"targetFragmentId,omitempty"`
}

// Timeline positions relative to the analyzed prose.
const (
	TimelineBefore = "before"
	TimelineDuring = "during"
	TimelineAfter  = "after"
)

// TimelineEvent is an in-story event with a relative position.
type TimelineEvent struct {
	Event    string `json:"event"`
	Position string `json:"position"`
}

// LibrarianAnalysis is the persisted result of one librarian turn.
type LibrarianAnalysis struct {
	ID                   string                `json:"id"`
	FragmentID           string                `json:"fragmentId"`
	CreatedAt            time.Time             `json:"createdAt"`
	SummaryUpdate        string                `json:"summaryUpdate"`
	StructuredSummary    StructuredSummary     `json:"structuredSummary"`
	Mentions             []Mention             `json:"mentions"`
	Contradictions       []Contradiction       `json:"contradictions"`
	KnowledgeSuggestions []KnowledgeSuggestion `json:"knowledgeSuggestions"`
	TimelineEvents       []TimelineEvent       `json:"timelineEvents"`
}

// =============================================================================
// AGENT RUNS
// =============================================================================

// TraceEntry is one completed agent frame.
type TraceEntry struct {
	AgentName  string         `json:"agentName"`
	Input      map[string]any `json:"input"`
	Output     map[string]any `json:"output"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
}

// AgentRunRecord is the persisted result of one top-level invocation.
type AgentRunRecord struct {
	ID         string         `json:"id"`
	StoryID    string         `json:"storyId"`
	AgentName  string         `json:"agentName"`
	Input      map[string]any `json:"input"`
	Output     map[string]any `json:"output"`
	Trace      []TraceEntry   `json:"trace"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
}
