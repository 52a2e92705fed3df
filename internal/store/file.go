package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"storyloom/internal/logging"
	"storyloom/internal/types"
)

// FileStore keeps every story in its own directory:
//
//	<dataDir>/stories/<storyID>/meta.json
//	<dataDir>/stories/<storyID>/fragments/<fragmentID>.json
//	<dataDir>/stories/<storyID>/analyses/<analysisID>.json
//	<dataDir>/stories/<storyID>/analyses/index.json
//	<dataDir>/stories/<storyID>/agent-runs.json
//
// The mutex only serializes this process's read-modify-write cycles on the
// shared index and run files; it is not a cross-process lock.
type FileStore struct {
	dataDir string
	mu      sync.Mutex
}

// NewFileStore returns a store rooted at dataDir. Directories are created lazily.
func NewFileStore(dataDir string) *FileStore {
	return &FileStore{dataDir: dataDir}
}

// DataDir returns the store root.
func (s *FileStore) DataDir() string {
	return s.dataDir
}

// Close is a no-op; FileStore holds no open handles.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) storyDir(storyID string) string {
	return filepath.Join(s.dataDir, "stories", storyID)
}

func (s *FileStore) fragmentPath(storyID, fragmentID string) string {
	return filepath.Join(s.storyDir(storyID), "fragments", fragmentID+".json")
}

// readJSON decodes path into v. It returns (false, nil) when the file does not exist.
func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return true, nil
}

// writeJSON writes v to a temp file and renames it into place.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// =============================================================================
// STORIES
// =============================================================================

// GetStory returns the story metadata, or nil if the story does not exist.
func (s *FileStore) GetStory(ctx context.Context, storyID string) (*types.StoryMeta, error) {
	if err := checkID("story", storyID); err != nil {
		return nil, err
	}
	var meta types.StoryMeta
	found, err := readJSON(filepath.Join(s.storyDir(storyID), "meta.json"), &meta)
	if err != nil || !found {
		return nil, err
	}
	return &meta, nil
}

// SaveStory creates or replaces the story metadata.
func (s *FileStore) SaveStory(ctx context.Context, story *types.StoryMeta) error {
	if err := checkID("story", story.ID); err != nil {
		return err
	}
	now := time.Now().UTC()
	if story.CreatedAt.IsZero() {
		story.CreatedAt = now
	}
	story.UpdatedAt = now

	if err := writeJSON(filepath.Join(s.storyDir(story.ID), "meta.json"), story); err != nil {
		return err
	}
	logging.StoreDebug("Saved story %s", story.ID)
	return nil
}

// ListStories returns every story, sorted by id.
func (s *FileStore) ListStories(ctx context.Context) ([]types.StoryMeta, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, "stories"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list stories: %w", err)
	}

	var out []types.StoryMeta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := s.GetStory(ctx, e.Name())
		if err != nil {
			logging.StoreWarn("Skipping unreadable story %s: %v", e.Name(), err)
			continue
		}
		if meta != nil {
			out = append(out, *meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// FRAGMENTS
// =============================================================================

// GetFragment returns a fragment, or nil if it does not exist.
func (s *FileStore) GetFragment(ctx context.Context, storyID, fragmentID string) (*types.Fragment, error) {
	if err := checkID("story", storyID); err != nil {
		return nil, err
	}
	if !validID.MatchString(fragmentID) {
		return nil, nil // an id that cannot exist on disk is simply not found
	}
	var f types.Fragment
	found, err := readJSON(s.fragmentPath(storyID, fragmentID), &f)
	if err != nil || !found {
		return nil, err
	}
	return &f, nil
}

// ListFragments returns the story's fragments ordered by order, then creation time.
func (s *FileStore) ListFragments(ctx context.Context, storyID string, opts ListOptions) ([]types.Fragment, error) {
	if err := checkID("story", storyID); err != nil {
		return nil, err
	}
	timer := logging.StartTimer(logging.CategoryStore, "FileStore.ListFragments")
	defer timer.Stop()

	dir := filepath.Join(s.storyDir(storyID), "fragments")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list fragments: %w", err)
	}

	all := make([]types.Fragment, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var f types.Fragment
		if _, err := readJSON(filepath.Join(dir, e.Name()), &f); err != nil {
			return nil, err
		}
		all = append(all, f)
	}
	return filterFragments(all, opts), nil
}

// SaveFragment creates or updates a fragment, keeping a version history of
// text changes.
func (s *FileStore) SaveFragment(ctx context.Context, storyID string, f *types.Fragment) error {
	if err := checkID("story", storyID); err != nil {
		return err
	}
	if err := checkID("fragment", f.ID); err != nil {
		return err
	}

	now := time.Now().UTC()
	prev, err := s.GetFragment(ctx, storyID, f.ID)
	if err != nil {
		return err
	}
	if prev != nil {
		f.CreatedAt = prev.CreatedAt
		bumpVersion(prev, f)
	} else {
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		if f.Version == 0 {
			f.Version = 1
		}
	}
	f.UpdatedAt = now

	if err := writeJSON(s.fragmentPath(storyID, f.ID), f); err != nil {
		return err
	}
	logging.StoreDebug("Saved fragment %s/%s (v%d)", storyID, f.ID, f.Version)
	return nil
}

// =============================================================================
// AGENT RUNS
// =============================================================================

func (s *FileStore) runsPath(storyID string) string {
	return filepath.Join(s.storyDir(storyID), "agent-runs.json")
}

// AppendAgentRun appends a run record to the story's run history.
func (s *FileStore) AppendAgentRun(ctx context.Context, storyID string, rec *types.AgentRunRecord) error {
	if err := checkID("story", storyID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var runs []types.AgentRunRecord
	if _, err := readJSON(s.runsPath(storyID), &runs); err != nil {
		return err
	}
	runs = append(runs, *rec)
	if err := writeJSON(s.runsPath(storyID), runs); err != nil {
		return err
	}
	logging.StoreDebug("Recorded agent run %s (%s) for story %s", rec.ID, rec.AgentName, storyID)
	return nil
}

// ListAgentRuns returns the story's run records in insertion order.
func (s *FileStore) ListAgentRuns(ctx context.Context, storyID string) ([]types.AgentRunRecord, error) {
	if err := checkID("story", storyID); err != nil {
		return nil, err
	}
	var runs []types.AgentRunRecord
	if _, err := readJSON(s.runsPath(storyID), &runs); err != nil {
		return nil, err
	}
	return runs, nil
}
