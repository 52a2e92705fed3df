package prompt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"storyloom/internal/logging"
)

// ConfigWatcher watches block-config directories and invalidates the cache
// when a config file is created, written, removed or renamed. Rapid saves
// are debounced.
type ConfigWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	cache       *BlockConfigCache
	watched     map[string]bool
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewConfigWatcher creates a watcher for the given cache.
func NewConfigWatcher(cache *BlockConfigCache) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ConfigWatcher{
		watcher:     w,
		cache:       cache,
		watched:     make(map[string]bool),
		debounceMap: make(map[string]time.Time),
		debounceDur: 200 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// SetDebounce changes the debounce interval.
func (cw *ConfigWatcher) SetDebounce(d time.Duration) {
	cw.mu.Lock()
	cw.debounceDur = d
	cw.mu.Unlock()
}

// WatchStory adds a story's block-config directory, creating it if needed.
func (cw *ConfigWatcher) WatchStory(storyID string) error {
	dir := BlockConfigDir(cw.cache.DataDir(), storyID)

	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.watched[dir] {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := cw.watcher.Add(dir); err != nil {
		return err
	}
	cw.watched[dir] = true
	logging.Blocks("ConfigWatcher: watching %s", dir)
	return nil
}

// Start begins processing events in a goroutine.
func (cw *ConfigWatcher) Start(ctx context.Context) {
	cw.mu.Lock()
	if cw.running {
		cw.mu.Unlock()
		return
	}
	cw.running = true
	cw.mu.Unlock()

	go cw.run(ctx)
}

// Stop ends event processing and closes the underlying watcher. It is safe
// to call without Start.
func (cw *ConfigWatcher) Stop() {
	cw.mu.Lock()
	running := cw.running
	cw.running = false
	cw.mu.Unlock()

	if running {
		close(cw.stopCh)
		<-cw.doneCh
	}
	if err := cw.watcher.Close(); err != nil {
		logging.BlocksWarn("ConfigWatcher: error closing watcher: %v", err)
	}
}

func (cw *ConfigWatcher) run(ctx context.Context) {
	defer close(cw.doneCh)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stopCh:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			cw.handleEvent(event)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logging.BlocksWarn("ConfigWatcher error: %v", err)
		case <-ticker.C:
			cw.flush()
		}
	}
}

func (cw *ConfigWatcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".yaml") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	logging.BlocksDebug("ConfigWatcher: %s %s", event.Op, event.Name)

	cw.mu.Lock()
	cw.debounceMap[filepath.Clean(event.Name)] = time.Now()
	cw.mu.Unlock()
}

func (cw *ConfigWatcher) flush() {
	cw.mu.Lock()
	now := time.Now()
	var ready []string
	for path, at := range cw.debounceMap {
		if now.Sub(at) >= cw.debounceDur {
			ready = append(ready, path)
			delete(cw.debounceMap, path)
		}
	}
	cw.mu.Unlock()

	for _, path := range ready {
		cw.cache.Invalidate(path)
		logging.Blocks("ConfigWatcher: invalidated %s", path)
	}
}
