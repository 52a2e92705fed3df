package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"storyloom/internal/logging"
	"storyloom/internal/types"
)

const analysisIndexFile = "index.json"

func (s *FileStore) analysesDir(storyID string) string {
	return filepath.Join(s.storyDir(storyID), "analyses")
}

// SaveAnalysis writes the analysis record and points the index at it when it
// is the newest analysis for its fragment.
func (s *FileStore) SaveAnalysis(ctx context.Context, storyID string, a *types.LibrarianAnalysis) error {
	if err := checkID("story", storyID); err != nil {
		return err
	}
	if err := checkID("analysis", a.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeJSON(filepath.Join(s.analysesDir(storyID), a.ID+".json"), a); err != nil {
		return err
	}

	index, err := s.loadIndexLocked(ctx, storyID)
	if err != nil {
		return err
	}

	if currentID, ok := index[a.FragmentID]; ok && currentID != a.ID {
		current, err := s.GetAnalysis(ctx, storyID, currentID)
		if err != nil {
			return err
		}
		if current != nil && !newer(a, current) {
			logging.StoreDebug("Analysis %s is older than indexed %s for %s", a.ID, currentID, a.FragmentID)
			return nil
		}
	}
	index[a.FragmentID] = a.ID

	if err := writeJSON(filepath.Join(s.analysesDir(storyID), analysisIndexFile), index); err != nil {
		return err
	}
	logging.Store("Saved analysis %s for fragment %s", a.ID, a.FragmentID)
	return nil
}

// GetAnalysis returns one analysis record, or nil if absent.
func (s *FileStore) GetAnalysis(ctx context.Context, storyID, analysisID string) (*types.LibrarianAnalysis, error) {
	if err := checkID("story", storyID); err != nil {
		return nil, err
	}
	if !validID.MatchString(analysisID) {
		return nil, nil
	}
	var a types.LibrarianAnalysis
	found, err := readJSON(filepath.Join(s.analysesDir(storyID), analysisID+".json"), &a)
	if err != nil || !found {
		return nil, err
	}
	return &a, nil
}

// LatestAnalysis returns the newest analysis of a fragment using the index,
// rebuilding the index when it is missing, corrupt, or stale.
func (s *FileStore) LatestAnalysis(ctx context.Context, storyID, fragmentID string) (*types.LibrarianAnalysis, error) {
	if err := checkID("story", storyID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndexLocked(ctx, storyID)
	if err != nil {
		return nil, err
	}
	id, ok := index[fragmentID]
	if !ok {
		return nil, nil
	}
	a, err := s.GetAnalysis(ctx, storyID, id)
	if err != nil {
		return nil, err
	}
	if a != nil {
		return a, nil
	}

	logging.StoreWarn("Index for story %s points at missing analysis %s; rebuilding", storyID, id)
	index, err = s.rebuildIndexLocked(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if id, ok = index[fragmentID]; !ok {
		return nil, nil
	}
	return s.GetAnalysis(ctx, storyID, id)
}

// ListAnalyses returns every analysis of the story, oldest first.
func (s *FileStore) ListAnalyses(ctx context.Context, storyID string) ([]types.LibrarianAnalysis, error) {
	if err := checkID("story", storyID); err != nil {
		return nil, err
	}
	dir := s.analysesDir(storyID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}

	var out []types.LibrarianAnalysis
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == analysisIndexFile || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		var a types.LibrarianAnalysis
		if _, err := readJSON(filepath.Join(dir, name), &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	sortAnalyses(out)
	return out, nil
}

// RebuildAnalysisIndex rescans every analysis record and rewrites the
// fragmentId -> latest analysisId index. Running it twice yields the same index.
func (s *FileStore) RebuildAnalysisIndex(ctx context.Context, storyID string) (map[string]string, error) {
	if err := checkID("story", storyID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuildIndexLocked(ctx, storyID)
}

func (s *FileStore) loadIndexLocked(ctx context.Context, storyID string) (map[string]string, error) {
	index := make(map[string]string)
	found, err := readJSON(filepath.Join(s.analysesDir(storyID), analysisIndexFile), &index)
	if err != nil {
		logging.StoreWarn("Analysis index for story %s unreadable (%v); rebuilding", storyID, err)
		return s.rebuildIndexLocked(ctx, storyID)
	}
	if !found {
		return s.rebuildIndexLocked(ctx, storyID)
	}
	return index, nil
}

func (s *FileStore) rebuildIndexLocked(ctx context.Context, storyID string) (map[string]string, error) {
	list, err := s.ListAnalyses(ctx, storyID)
	if err != nil {
		return nil, err
	}

	latest := make(map[string]*types.LibrarianAnalysis)
	for i := range list {
		a := &list[i]
		if cur, ok := latest[a.FragmentID]; !ok || newer(a, cur) {
			latest[a.FragmentID] = a
		}
	}

	index := make(map[string]string, len(latest))
	for fragID, a := range latest {
		index[fragID] = a.ID
	}

	if len(list) > 0 {
		if err := writeJSON(filepath.Join(s.analysesDir(storyID), analysisIndexFile), index); err != nil {
			return nil, err
		}
	}
	logging.Store("Rebuilt analysis index for story %s (%d analyses, %d fragments)", storyID, len(list), len(index))
	return index, nil
}
