// Package plugins applies optional story plugins around generation.
//
// A plugin implements Plugin plus any subset of the hook interfaces. Hooks
// run strictly in registration order, each plugin's output feeding the next;
// a plugin that lacks a hook is skipped for that stage.
package plugins

import (
	"context"
	"fmt"

	"storyloom/internal/llm"
	"storyloom/internal/logging"
	"storyloom/internal/prompt"
	"storyloom/internal/types"
)

// Plugin is the minimum a plugin implements.
type Plugin interface {
	Name() string
}

// ContextHook rewrites the built context state.
type ContextHook interface {
	BeforeContext(ctx context.Context, state *prompt.ContextBuildState) (*prompt.ContextBuildState, error)
}

// GenerationHook rewrites the compiled messages before the model sees them.
type GenerationHook interface {
	BeforeGeneration(ctx context.Context, messages []types.ContextMessage) ([]types.ContextMessage, error)
}

// ResultHook rewrites the model result.
type ResultHook interface {
	AfterGeneration(ctx context.Context, result *llm.GenerateResult) (*llm.GenerateResult, error)
}

// SaveHook is notified after generated prose is stored. Failures are logged
// and never undo the save.
type SaveHook interface {
	AfterSave(ctx context.Context, fragment *types.Fragment, storyID string) error
}

// Pipeline is an ordered plugin list. A nil *Pipeline passes everything
// through unchanged.
type Pipeline struct {
	plugins []Plugin
}

// NewPipeline creates a pipeline, rejecting duplicate plugin names.
func NewPipeline(plugins ...Plugin) (*Pipeline, error) {
	seen := make(map[string]bool, len(plugins))
	for _, p := range plugins {
		if seen[p.Name()] {
			return nil, fmt.Errorf("duplicate plugin: %s", p.Name())
		}
		seen[p.Name()] = true
	}
	return &Pipeline{plugins: append([]Plugin(nil), plugins...)}, nil
}

// Names returns plugin names in registration order.
func (p *Pipeline) Names() []string {
	if p == nil {
		return nil
	}
	names := make([]string, len(p.plugins))
	for i, pl := range p.plugins {
		names[i] = pl.Name()
	}
	return names
}

// For returns the pipeline restricted to the enabled names, keeping
// registration order. An empty list enables every plugin.
func (p *Pipeline) For(enabled []string) *Pipeline {
	if p == nil || len(enabled) == 0 {
		return p
	}
	allow := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		allow[name] = true
	}
	out := &Pipeline{}
	for _, pl := range p.plugins {
		if allow[pl.Name()] {
			out.plugins = append(out.plugins, pl)
		}
	}
	return out
}

// BeforeContext runs every ContextHook.
func (p *Pipeline) BeforeContext(ctx context.Context, state *prompt.ContextBuildState) (*prompt.ContextBuildState, error) {
	if p == nil {
		return state, nil
	}
	for _, pl := range p.plugins {
		hook, ok := pl.(ContextHook)
		if !ok {
			continue
		}
		next, err := hook.BeforeContext(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("plugin %s beforeContext: %w", pl.Name(), err)
		}
		logging.PluginsDebug("%s: beforeContext applied", pl.Name())
		state = next
	}
	return state, nil
}

// BeforeGeneration runs every GenerationHook.
func (p *Pipeline) BeforeGeneration(ctx context.Context, messages []types.ContextMessage) ([]types.ContextMessage, error) {
	if p == nil {
		return messages, nil
	}
	for _, pl := range p.plugins {
		hook, ok := pl.(GenerationHook)
		if !ok {
			continue
		}
		next, err := hook.BeforeGeneration(ctx, messages)
		if err != nil {
			return nil, fmt.Errorf("plugin %s beforeGeneration: %w", pl.Name(), err)
		}
		logging.PluginsDebug("%s: beforeGeneration applied", pl.Name())
		messages = next
	}
	return messages, nil
}

// AfterGeneration runs every ResultHook.
func (p *Pipeline) AfterGeneration(ctx context.Context, result *llm.GenerateResult) (*llm.GenerateResult, error) {
	if p == nil {
		return result, nil
	}
	for _, pl := range p.plugins {
		hook, ok := pl.(ResultHook)
		if !ok {
			continue
		}
		next, err := hook.AfterGeneration(ctx, result)
		if err != nil {
			return nil, fmt.Errorf("plugin %s afterGeneration: %w", pl.Name(), err)
		}
		logging.PluginsDebug("%s: afterGeneration applied", pl.Name())
		result = next
	}
	return result, nil
}

// AfterSave notifies every SaveHook.
func (p *Pipeline) AfterSave(ctx context.Context, fragment *types.Fragment, storyID string) {
	if p == nil {
		return
	}
	for _, pl := range p.plugins {
		hook, ok := pl.(SaveHook)
		if !ok {
			continue
		}
		if err := hook.AfterSave(ctx, fragment, storyID); err != nil {
			logging.Get(logging.CategoryPlugins).Warn("%s: afterSave failed for %s: %v", pl.Name(), fragment.ID, err)
		}
	}
}
