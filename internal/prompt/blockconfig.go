package prompt

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"storyloom/internal/logging"
	"storyloom/internal/types"
)

// ContentMode selects how an override's text combines with a block.
type ContentMode string

const (
	ContentReplace ContentMode = "replace"
	ContentPrepend ContentMode = "prepend"
	ContentAppend  ContentMode = "append"
)

// Custom block kinds.
const (
	CustomSimple = "simple"
	CustomScript = "script"
)

// BlockOverride edits one existing block.
type BlockOverride struct {
	Enabled       *bool       `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	ContentMode   ContentMode `yaml:"contentMode,omitempty" json:"contentMode,omitempty"`
	CustomContent string      `yaml:"customContent,omitempty" json:"customContent,omitempty"`
}

// CustomBlock is a user-defined block. Script blocks compute their content
// with a ScriptRunner; simple blocks are inert text.
type CustomBlock struct {
	ID      string     `yaml:"id" json:"id"`
	Role    types.Role `yaml:"role" json:"role"`
	Order   int        `yaml:"order" json:"order"`
	Type    string     `yaml:"type" json:"type"`
	Content string     `yaml:"content" json:"content"`
	Enabled *bool      `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// AgentBlockConfig is the per-agent block customization.
type AgentBlockConfig struct {
	CustomBlocks []CustomBlock            `yaml:"customBlocks,omitempty" json:"customBlocks,omitempty"`
	Overrides    map[string]BlockOverride `yaml:"overrides,omitempty" json:"overrides,omitempty"`
	BlockOrder   []string                 `yaml:"blockOrder,omitempty" json:"blockOrder,omitempty"`
}

// IsEmpty reports whether the config changes nothing.
func (c *AgentBlockConfig) IsEmpty() bool {
	return c == nil || (len(c.CustomBlocks) == 0 && len(c.Overrides) == 0 && len(c.BlockOrder) == 0)
}

// ParseBlockConfig decodes a YAML block config and validates it.
func ParseBlockConfig(data []byte) (*AgentBlockConfig, error) {
	var cfg AgentBlockConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse block config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks custom block ids, kinds, roles and override modes.
func (c *AgentBlockConfig) Validate() error {
	seen := make(map[string]bool, len(c.CustomBlocks))
	for _, cb := range c.CustomBlocks {
		if cb.ID == "" {
			return fmt.Errorf("custom block requires an id")
		}
		if seen[cb.ID] {
			return fmt.Errorf("duplicate custom block id: %s", cb.ID)
		}
		seen[cb.ID] = true
		switch cb.Type {
		case "", CustomSimple, CustomScript:
		default:
			return fmt.Errorf("custom block %s: unknown type %q", cb.ID, cb.Type)
		}
		switch cb.Role {
		case "", types.RoleSystem, types.RoleUser:
		default:
			return fmt.Errorf("custom block %s: unknown role %q", cb.ID, cb.Role)
		}
	}
	for id, o := range c.Overrides {
		switch o.ContentMode {
		case "", ContentReplace, ContentPrepend, ContentAppend:
		default:
			return fmt.Errorf("override %s: unknown content mode %q", id, o.ContentMode)
		}
	}
	return nil
}

// LoadBlockConfig reads a block config file. A missing file yields an empty
// config.
func LoadBlockConfig(path string) (*AgentBlockConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &AgentBlockConfig{}, nil
		}
		return nil, fmt.Errorf("failed to read block config: %w", err)
	}
	return ParseBlockConfig(data)
}

// SaveBlockConfig writes a block config as YAML.
func SaveBlockConfig(path string, cfg *AgentBlockConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal block config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create block config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write block config: %w", err)
	}
	return nil
}

// BlockConfigDir is where a story's agent block configs live.
func BlockConfigDir(dataDir, storyID string) string {
	return filepath.Join(dataDir, "stories", storyID, "block-configs")
}

// BlockConfigPath is the config file for one agent. Agent names may contain
// dots (librarian.analyze); they are used as-is.
func BlockConfigPath(dataDir, storyID, agentName string) string {
	return filepath.Join(BlockConfigDir(dataDir, storyID), agentName+".yaml")
}

// ApplyBlockConfig merges a config into a block list: overrides first, then
// custom blocks, then blockOrder. scripts may be nil, in which case script
// blocks render an error marker.
func ApplyBlockConfig(ctx context.Context, blocks []ContextBlock, cfg *AgentBlockConfig, scripts *ScriptRunner, data map[string]interface{}) []ContextBlock {
	if cfg.IsEmpty() {
		return cloneBlocks(blocks)
	}

	out := make([]ContextBlock, 0, len(blocks)+len(cfg.CustomBlocks))
	for _, b := range blocks {
		o, ok := cfg.Overrides[b.ID]
		if !ok {
			out = append(out, b)
			continue
		}
		if o.Enabled != nil && !*o.Enabled {
			logging.BlocksDebug("Block %s disabled by override", b.ID)
			continue
		}
		if o.CustomContent != "" {
			switch o.ContentMode {
			case ContentPrepend:
				b.Content = o.CustomContent + "\n" + b.Content
			case ContentAppend:
				b.Content = b.Content + "\n" + o.CustomContent
			default:
				b.Content = o.CustomContent
			}
		}
		out = append(out, b)
	}

	for _, cb := range cfg.CustomBlocks {
		if cb.Enabled != nil && !*cb.Enabled {
			continue
		}
		block := ContextBlock{
			ID:      cb.ID,
			Role:    cb.Role,
			Order:   cb.Order,
			Content: cb.Content,
			Source:  SourceCustom,
		}
		if block.Role == "" {
			block.Role = types.RoleUser
		}
		if cb.Type == CustomScript {
			block.Source = SourceScript
			content, err := runScript(ctx, scripts, cb, data)
			if err != nil {
				logging.ScriptsWarn("Script block %s failed: %v", cb.ID, err)
				block.Content = fmt.Sprintf("[script error: %v]", err)
			} else if content == "" {
				logging.ScriptsDebug("Script block %s produced no content; omitted", cb.ID)
				continue
			} else {
				block.Content = content
			}
		}
		out = RemoveBlock(out, block.ID)
		out = append(out, block)
	}

	return ApplyBlockOrder(out, cfg.BlockOrder)
}

func runScript(ctx context.Context, scripts *ScriptRunner, cb CustomBlock, data map[string]interface{}) (string, error) {
	if scripts == nil {
		return "", fmt.Errorf("scripts are disabled")
	}
	return scripts.Run(ctx, cb.Content, data)
}

// =============================================================================
// Block config cache
// =============================================================================

// BlockConfigCache memoizes parsed block configs by file path. A
// ConfigWatcher invalidates entries when files change on disk.
type BlockConfigCache struct {
	mu      sync.RWMutex
	dataDir string
	entries map[string]*AgentBlockConfig
	onLoad  func(storyID string)
}

// NewBlockConfigCache creates a cache for configs under dataDir.
func NewBlockConfigCache(dataDir string) *BlockConfigCache {
	return &BlockConfigCache{
		dataDir: dataDir,
		entries: make(map[string]*AgentBlockConfig),
	}
}

// DataDir returns the data directory configs are read from.
func (c *BlockConfigCache) DataDir() string {
	return c.dataDir
}

// OnLoad registers fn to run before a config is read from disk. Set it
// before the cache is shared.
func (c *BlockConfigCache) OnLoad(fn func(storyID string)) {
	c.onLoad = fn
}

// Get returns the config for a story's agent, loading it on first use.
func (c *BlockConfigCache) Get(storyID, agentName string) (*AgentBlockConfig, error) {
	path := BlockConfigPath(c.dataDir, storyID, agentName)

	c.mu.RLock()
	cfg, ok := c.entries[path]
	c.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	if c.onLoad != nil {
		c.onLoad(storyID)
	}
	cfg, err := LoadBlockConfig(path)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[path] = cfg
	c.mu.Unlock()
	logging.BlocksDebug("Loaded block config %s (%d custom, %d overrides)", path, len(cfg.CustomBlocks), len(cfg.Overrides))
	return cfg, nil
}

// Invalidate drops the cached config for one file path.
func (c *BlockConfigCache) Invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, filepath.Clean(path))
	c.mu.Unlock()
}

// InvalidateAll empties the cache.
func (c *BlockConfigCache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]*AgentBlockConfig)
	c.mu.Unlock()
}

// Len returns the number of cached configs.
func (c *BlockConfigCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
