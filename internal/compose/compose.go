// Package compose turns a story and an author request into the final
// messages handed to a model: state, plugin hooks, default blocks, the
// agent's block configuration, compilation, tag expansion and cache
// breakpoints, in that order.
package compose

import (
	"context"
	"fmt"

	"storyloom/internal/expand"
	"storyloom/internal/logging"
	"storyloom/internal/plugins"
	"storyloom/internal/prompt"
	"storyloom/internal/types"
)

// Options are the deployment-wide prompt settings.
type Options struct {
	ExpandDepth      int
	CacheBreakpoints bool
}

// Deps are the collaborators a Composer needs. Only Builder and Expander
// are required.
type Deps struct {
	Builder  *prompt.StateBuilder
	Expander *expand.Expander
	Configs  *prompt.BlockConfigCache
	Scripts  *prompt.ScriptRunner
	Plugins  *plugins.Pipeline
}

// Composer runs the compile pipeline. It holds no per-request state.
type Composer struct {
	deps Deps
	opts Options
}

// New creates a composer.
func New(deps Deps, opts Options) *Composer {
	return &Composer{deps: deps, opts: opts}
}

// Builder returns the state builder in use.
func (c *Composer) Builder() *prompt.StateBuilder {
	return c.deps.Builder
}

// Request is one compile request.
type Request struct {
	StoryID     string
	AuthorInput string
	Build       prompt.BuildOptions

	// AgentName selects the per-agent block configuration. Empty skips it.
	AgentName string

	Instructions string
	Tools        []types.Tool
}

// Result carries every intermediate product of a compile.
type Result struct {
	State    *prompt.ContextBuildState
	Blocks   []prompt.ContextBlock
	Messages []types.ContextMessage

	// Plugins is the pipeline filtered by the story's enabled plugins, for
	// the generation and save hooks that run after the model call.
	Plugins *plugins.Pipeline
}

// Compose builds the messages for req.
func (c *Composer) Compose(ctx context.Context, req Request) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryBlocks, "Compose")
	defer timer.Stop()

	state, err := c.deps.Builder.Build(ctx, req.StoryID, req.AuthorInput, req.Build)
	if err != nil {
		return nil, err
	}

	pipeline := c.deps.Plugins.For(state.Story.Settings.EnabledPlugins)
	state, err = pipeline.BeforeContext(ctx, state)
	if err != nil {
		return nil, err
	}

	blocks := prompt.CreateDefaultBlocks(state, prompt.BlockOptions{
		Registry:     c.deps.Builder.Registry(),
		Instructions: req.Instructions,
		Tools:        req.Tools,
	})

	if c.deps.Configs != nil && req.AgentName != "" {
		cfg, err := c.deps.Configs.Get(req.StoryID, req.AgentName)
		if err != nil {
			return nil, fmt.Errorf("failed to load block config for %s: %w", req.AgentName, err)
		}
		blocks = prompt.ApplyBlockConfig(ctx, blocks, cfg, c.deps.Scripts, prompt.ScriptData(state))
	}

	messages := prompt.CompileBlocks(blocks)
	messages = c.deps.Expander.ExpandMessages(ctx, req.StoryID, messages, expand.Options{MaxDepth: c.opts.ExpandDepth})

	messages, err = pipeline.BeforeGeneration(ctx, messages)
	if err != nil {
		return nil, err
	}
	if c.opts.CacheBreakpoints {
		messages = prompt.AddCacheBreakpoints(messages)
	}

	logging.BlocksDebug("Composed %d blocks into %d messages for %s/%s", len(blocks), len(messages), req.StoryID, req.AgentName)
	return &Result{State: state, Blocks: blocks, Messages: messages, Plugins: pipeline}, nil
}
