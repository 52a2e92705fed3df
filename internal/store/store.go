// Package store persists stories, fragments, librarian analyses and agent run
// records. Two backends are provided: FileStore (JSON files under a data
// directory) and SQLiteStore.
//
// Lookups return (nil, nil) for "not found"; errors are reserved for I/O and
// decoding failures. Writes follow a simple read-then-write discipline with no
// cross-process locking: concurrent writers to the same story can race and the
// last write wins.
package store

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"storyloom/internal/types"
)

// ListOptions filters ListFragments.
type ListOptions struct {
	// Type restricts results to one fragment type ("" = all types).
	Type string

	// IncludeArchived includes archived fragments.
	IncludeArchived bool
}

// FragmentReader is the read side consumed by the context core.
type FragmentReader interface {
	GetStory(ctx context.Context, storyID string) (*types.StoryMeta, error)
	GetFragment(ctx context.Context, storyID, fragmentID string) (*types.Fragment, error)
	ListFragments(ctx context.Context, storyID string, opts ListOptions) ([]types.Fragment, error)
}

// FragmentWriter creates and updates stories and fragments.
type FragmentWriter interface {
	SaveStory(ctx context.Context, story *types.StoryMeta) error
	SaveFragment(ctx context.Context, storyID string, f *types.Fragment) error
}

// AnalysisStore persists librarian analyses.
type AnalysisStore interface {
	SaveAnalysis(ctx context.Context, storyID string, a *types.LibrarianAnalysis) error
	GetAnalysis(ctx context.Context, storyID, analysisID string) (*types.LibrarianAnalysis, error)
	LatestAnalysis(ctx context.Context, storyID, fragmentID string) (*types.LibrarianAnalysis, error)
	ListAnalyses(ctx context.Context, storyID string) ([]types.LibrarianAnalysis, error)
}

// RunStore persists agent run records per story.
type RunStore interface {
	AppendAgentRun(ctx context.Context, storyID string, rec *types.AgentRunRecord) error
	ListAgentRuns(ctx context.Context, storyID string) ([]types.AgentRunRecord, error)
}

// Store is the full persistence surface.
type Store interface {
	FragmentReader
	FragmentWriter
	AnalysisStore
	RunStore
	ListStories(ctx context.Context) ([]types.StoryMeta, error)
	Close() error
}

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// checkID rejects ids that are empty or could escape the storage tree.
func checkID(kind, id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("invalid %s id %q", kind, id)
	}
	return nil
}

// SortFragments orders fragments by order, then creation time, then id.
func SortFragments(frags []types.Fragment) {
	sort.SliceStable(frags, func(i, j int) bool {
		a, b := frags[i], frags[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// sortAnalyses orders analyses oldest first; ulid ids break timestamp ties.
func sortAnalyses(list []types.LibrarianAnalysis) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// newer reports whether a should replace b as the latest analysis.
func newer(a, b *types.LibrarianAnalysis) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// bumpVersion records the previous content in the version history when a
// fragment's text fields change.
func bumpVersion(prev, next *types.Fragment) {
	next.Versions = prev.Versions
	next.Version = prev.Version
	if next.Version == 0 {
		next.Version = 1
	}
	if prev.Content == next.Content && prev.Name == next.Name && prev.Description == next.Description {
		return
	}
	next.Versions = append(next.Versions, types.FragmentVersion{
		Version:     prev.Version,
		Name:        prev.Name,
		Description: prev.Description,
		Content:     prev.Content,
		CreatedAt:   prev.UpdatedAt,
	})
	next.Version = prev.Version + 1
}

func filterFragments(all []types.Fragment, opts ListOptions) []types.Fragment {
	out := make([]types.Fragment, 0, len(all))
	for _, f := range all {
		if opts.Type != "" && f.Type != opts.Type {
			continue
		}
		if f.Archived && !opts.IncludeArchived {
			continue
		}
		out = append(out, f)
	}
	SortFragments(out)
	return out
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
