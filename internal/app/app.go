// Package app wires storyloom's components from configuration. It is the
// single composition root shared by the CLI and the MCP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"storyloom/internal/agents"
	"storyloom/internal/compose"
	"storyloom/internal/config"
	"storyloom/internal/expand"
	"storyloom/internal/fragments"
	"storyloom/internal/librarian"
	"storyloom/internal/llm"
	"storyloom/internal/logging"
	"storyloom/internal/plugins"
	"storyloom/internal/prompt"
	"storyloom/internal/store"
	"storyloom/internal/usage"
	"storyloom/internal/writer"
)

// ErrNoModel is returned by agents that need a model when none is configured.
var ErrNoModel = errors.New("no model configured: set llm.api_key or GEMINI_API_KEY")

// Options adjust wiring beyond what the config file covers.
type Options struct {
	// Model overrides the configured model capability.
	Model llm.Model

	// Plugins are registered in order.
	Plugins []plugins.Plugin

	// OnEvent receives the writer's stream events.
	OnEvent func(llm.StreamEvent)

	// WatchConfigs starts an fsnotify watcher that invalidates cached
	// block configs when their files change.
	WatchConfigs bool
}

// App holds the wired components.
type App struct {
	Config   *config.Config
	Store    store.Store
	Registry *fragments.Registry
	Builder  *prompt.StateBuilder
	Expander *expand.Expander
	Configs  *prompt.BlockConfigCache
	Composer *compose.Composer
	Model    llm.Model
	Runner   *agents.Runner
	Usage    *usage.Tracker

	watcher *prompt.ConfigWatcher
	cancel  context.CancelFunc
}

// New builds an App from cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	timer := logging.StartTimer(logging.CategoryBoot, "app.New")
	defer timer.Stop()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	st, err := store.Open(cfg.Store.Backend, cfg.DataDir, cfg.SQLitePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a := &App{
		Config:   cfg,
		Store:    st,
		Registry: fragments.DefaultRegistry(),
		Configs:  prompt.NewBlockConfigCache(cfg.DataDir),
	}

	a.Builder = prompt.NewStateBuilder(st, st, a.Registry)
	a.Builder.SetDefaultBudget(cfg.DefaultBudget())
	a.Expander = expand.New(st, a.Registry)

	pipeline, err := plugins.NewPipeline(opts.Plugins...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a.Composer = compose.New(compose.Deps{
		Builder:  a.Builder,
		Expander: a.Expander,
		Configs:  a.Configs,
		Scripts:  prompt.NewScriptRunner(cfg.GetScriptTimeout(), cfg.Scripts.AllowedPackages),
		Plugins:  pipeline,
	}, compose.Options{
		ExpandDepth:      cfg.Context.ExpandDepth,
		CacheBreakpoints: cfg.Context.CacheBreakpoints,
	})

	model, err := newModel(ctx, cfg, opts.Model)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a.Usage, err = usage.NewTracker(cfg.DataDir)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a.Model = &trackingModel{next: model, tracker: a.Usage, name: modelName(model, cfg)}

	registry, err := agents.NewRegistry(a.agentDefinitions(opts.OnEvent)...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a.Runner = agents.NewRunner(registry, st)
	a.Runner.SetMaxCallDepth(cfg.Agents.MaxCallDepth)

	if opts.WatchConfigs {
		w, err := prompt.NewConfigWatcher(a.Configs)
		if err != nil {
			logging.Get(logging.CategoryBoot).Warn("Block config watcher unavailable: %v", err)
		} else {
			watchCtx, cancel := context.WithCancel(context.Background())
			w.Start(watchCtx)
			a.watcher = w
			a.cancel = cancel
			a.Configs.OnLoad(func(storyID string) {
				if err := w.WatchStory(storyID); err != nil {
					logging.BlocksWarn("Not watching block configs for %s: %v", storyID, err)
				}
			})
		}
	}

	logging.Boot("App ready: store=%s agents=%v plugins=%v", cfg.Store.Backend, registry.Names(), pipeline.Names())
	return a, nil
}

func (a *App) agentDefinitions(onEvent func(llm.StreamEvent)) []agents.Definition {
	maxSteps := a.Config.LLM.MaxSteps
	deps := writer.Deps{
		Store:    a.Store,
		Composer: a.Composer,
		Model:    a.Model,
		Registry: a.Registry,
		MaxSteps: maxSteps,
		OnEvent:  onEvent,
	}
	return []agents.Definition{
		writer.NewPrewriter(deps),
		writer.NewWriter(deps),
		librarian.NewAgent(librarian.AgentDeps{
			Store:    a.Store,
			Composer: a.Composer,
			Model:    a.Model,
			Registry: a.Registry,
			MaxSteps: maxSteps,
		}),
	}
}

// WatchStory starts invalidating a story's cached block configs on change.
// It is a no-op when the watcher is off.
func (a *App) WatchStory(storyID string) error {
	if a.watcher == nil {
		return nil
	}
	return a.watcher.WatchStory(storyID)
}

// Close stops the watcher, flushes usage and closes the store.
func (a *App) Close() error {
	if a.watcher != nil {
		a.cancel()
		a.watcher.Stop()
	}
	if err := a.Usage.Close(); err != nil {
		logging.APIError("Failed to save usage: %v", err)
	}
	return a.Store.Close()
}

// =============================================================================
// Model capability
// =============================================================================

func newModel(ctx context.Context, cfg *config.Config, override llm.Model) (llm.Model, error) {
	if override != nil {
		return override, nil
	}
	if cfg.LLM.APIKey == "" {
		logging.Get(logging.CategoryBoot).Warn("No API key configured; agents that call the model will fail")
		return unavailableModel{}, nil
	}
	if cfg.LLM.Provider != "" && cfg.LLM.Provider != "gemini" {
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.LLM.Provider)
	}
	m, err := llm.NewGenAIModel(ctx, cfg.LLM.APIKey, cfg.LLM.Model)
	if err != nil {
		return nil, err
	}
	return &timeoutModel{next: m, timeout: cfg.GetLLMTimeout()}, nil
}

// timeoutModel bounds every model call by a fixed timeout.
type timeoutModel struct {
	next    llm.Model
	timeout time.Duration
}

func (m *timeoutModel) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.next.Generate(ctx, req)
}

func (m *timeoutModel) Stream(ctx context.Context, req llm.GenerateRequest) iter.Seq2[llm.StreamEvent, error] {
	return func(yield func(llm.StreamEvent, error) bool) {
		ctx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		for ev, err := range m.next.Stream(ctx, req) {
			if !yield(ev, err) {
				return
			}
		}
	}
}

func modelName(m llm.Model, cfg *config.Config) string {
	if n, ok := m.(interface{ Name() string }); ok {
		return n.Name()
	}
	return cfg.LLM.Model
}

// trackingModel records token usage of every finished call.
type trackingModel struct {
	next    llm.Model
	tracker *usage.Tracker
	name    string
}

func (m *trackingModel) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error) {
	res, err := m.next.Generate(ctx, req)
	if err == nil && res != nil {
		m.tracker.Track(ctx, m.name, res.Usage.InputTokens, res.Usage.OutputTokens, "generate")
	}
	return res, err
}

func (m *trackingModel) Stream(ctx context.Context, req llm.GenerateRequest) iter.Seq2[llm.StreamEvent, error] {
	return func(yield func(llm.StreamEvent, error) bool) {
		for ev, err := range m.next.Stream(ctx, req) {
			if err == nil && ev.Type == llm.EventFinish && ev.Result != nil {
				m.tracker.Track(ctx, m.name, ev.Result.Usage.InputTokens, ev.Result.Usage.OutputTokens, "stream")
			}
			if !yield(ev, err) {
				return
			}
		}
	}
}

type unavailableModel struct{}

func (unavailableModel) Generate(context.Context, llm.GenerateRequest) (*llm.GenerateResult, error) {
	return nil, ErrNoModel
}

func (unavailableModel) Stream(context.Context, llm.GenerateRequest) iter.Seq2[llm.StreamEvent, error] {
	return func(yield func(llm.StreamEvent, error) bool) {
		yield(llm.StreamEvent{}, ErrNoModel)
	}
}
