// Package usage tracks model token consumption per story, agent and model,
// persisted as usage.json in the data directory.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"storyloom/internal/logging"
)

// FileName is the tracker's file inside the data directory.
const FileName = "usage.json"

const unknown = "unknown"

type scopeKey struct{}

type scope struct {
	storyID string
	agent   string
}

// Tracker manages token usage recording and persistence.
type Tracker struct {
	mu            sync.Mutex
	data          UsageData
	filePath      string
	saveDelay     time.Duration
	autoSaveTimer *time.Timer
}

// NewTracker creates a tracker persisting under dataDir. A corrupt usage file
// is logged and replaced by empty counters.
func NewTracker(dataDir string) (*Tracker, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	t := &Tracker{
		filePath:  filepath.Join(dataDir, FileName),
		saveDelay: 5 * time.Second,
		data:      UsageData{Version: "1.0", Aggregate: newAggregate()},
	}
	if err := t.Load(); err != nil {
		logging.Get(logging.CategoryAPI).Warn("Ignoring unreadable usage file %s: %v", t.filePath, err)
	}
	return t, nil
}

// Load reads the usage data from disk.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	loaded := UsageData{Aggregate: newAggregate()}
	if err := json.Unmarshal(data, &loaded); err != nil {
		return err
	}
	agg := &loaded.Aggregate
	for _, m := range []*map[string]TokenCounts{&agg.ByModel, &agg.ByStory, &agg.ByAgent, &agg.ByOperation} {
		if *m == nil {
			*m = make(map[string]TokenCounts)
		}
	}
	t.data = loaded
	return nil
}

// Save writes the usage data to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.filePath, data, 0644)
}

// Track records one model call. Story and agent come from the context scope.
func (t *Tracker) Track(ctx context.Context, model string, input, output int, operation string) {
	storyID, agent := ScopeFrom(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Aggregate.Total.Add(input, output)
	addToMap(t.data.Aggregate.ByModel, model, input, output)
	addToMap(t.data.Aggregate.ByStory, storyID, input, output)
	addToMap(t.data.Aggregate.ByAgent, agent, input, output)
	addToMap(t.data.Aggregate.ByOperation, operation, input, output)

	// Debounced auto-save
	if t.autoSaveTimer == nil {
		t.autoSaveTimer = time.AfterFunc(t.saveDelay, t.flush)
	}
}

func (t *Tracker) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.autoSaveTimer = nil
	if err := t.saveLocked(); err != nil {
		logging.APIError("Failed to save usage: %v", err)
	}
}

// Close cancels a pending auto-save and writes the data immediately.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.autoSaveTimer != nil {
		t.autoSaveTimer.Stop()
		t.autoSaveTimer = nil
	}
	return t.saveLocked()
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByModel = copyTokenCountsMap(stats.ByModel)
	stats.ByStory = copyTokenCountsMap(stats.ByStory)
	stats.ByAgent = copyTokenCountsMap(stats.ByAgent)
	stats.ByOperation = copyTokenCountsMap(stats.ByOperation)
	return stats
}

func copyTokenCountsMap(src map[string]TokenCounts) map[string]TokenCounts {
	if src == nil {
		return nil
	}
	dst := make(map[string]TokenCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, input, output int) {
	entry := m[key]
	entry.Add(input, output)
	m[key] = entry
}

// Context Helpers

// WithScope tags ctx with the story and agent a model call is made for.
func WithScope(ctx context.Context, storyID, agent string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope{storyID: storyID, agent: agent})
}

// ScopeFrom returns the story and agent set by WithScope, or "unknown".
func ScopeFrom(ctx context.Context) (storyID, agent string) {
	s, ok := ctx.Value(scopeKey{}).(scope)
	if !ok {
		return unknown, unknown
	}
	if s.storyID == "" {
		s.storyID = unknown
	}
	if s.agent == "" {
		s.agent = unknown
	}
	return s.storyID, s.agent
}
