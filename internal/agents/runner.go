package agents

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"storyloom/internal/logging"
	"storyloom/internal/store"
	"storyloom/internal/types"
	"storyloom/internal/usage"
)

// DefaultMaxCallDepth bounds how many frames one invocation may stack.
const DefaultMaxCallDepth = 8

// InvokeRequest names one top-level agent invocation.
type InvokeRequest struct {
	DataDir   string
	StoryID   string
	AgentName string
	Input     map[string]any
}

// InvokeResult is the outcome of a successful top-level invocation.
type InvokeResult struct {
	RunID  string             `json:"runId"`
	Output map[string]any     `json:"output"`
	Trace  []types.TraceEntry `json:"trace"`
}

// Runner dispatches agents from a registry and records their runs.
type Runner struct {
	registry     *Registry
	runs         store.RunStore
	maxCallDepth int
	now          func() time.Time
}

// NewRunner creates a runner. runs may be nil, in which case completed runs
// are not persisted.
func NewRunner(registry *Registry, runs store.RunStore) *Runner {
	return &Runner{
		registry:     registry,
		runs:         runs,
		maxCallDepth: DefaultMaxCallDepth,
		now:          time.Now,
	}
}

// SetMaxCallDepth changes the frame limit. Values below 1 are ignored.
func (r *Runner) SetMaxCallDepth(n int) {
	if n > 0 {
		r.maxCallDepth = n
	}
}

// Registry returns the registry the runner dispatches from.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// invocation is the state shared by every frame of one top-level call.
type invocation struct {
	mu      sync.Mutex
	dataDir string
	storyID string
	stack   []string
	trace   []types.TraceEntry
}

func (inv *invocation) push(name string) {
	inv.mu.Lock()
	inv.stack = append(inv.stack, name)
	inv.mu.Unlock()
}

func (inv *invocation) pop() {
	inv.mu.Lock()
	inv.stack = inv.stack[:len(inv.stack)-1]
	inv.mu.Unlock()
}

func (inv *invocation) snapshot() []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return append([]string(nil), inv.stack...)
}

func (inv *invocation) record(e types.TraceEntry) {
	inv.mu.Lock()
	inv.trace = append(inv.trace, e)
	inv.mu.Unlock()
}

// Invoke runs the named agent as a new top-level invocation. Any failure in
// a nested frame aborts the whole invocation and is returned unchanged.
func (r *Runner) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	timer := logging.StartTimer(logging.CategoryAgents, "Invoke")
	defer timer.Stop()

	def, ok := r.registry.Lookup(req.AgentName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, req.AgentName)
	}

	inv := &invocation{dataDir: req.DataDir, storyID: req.StoryID}
	started := r.now()

	logging.Agents("Invoking %s for story %s", def.Name, req.StoryID)
	output, err := r.runFrame(ctx, inv, def, req.Input)
	if err != nil {
		logging.AgentsError("Agent %s failed: %v", def.Name, err)
		return nil, err
	}

	rec := &types.AgentRunRecord{
		ID:         uuid.NewString(),
		StoryID:    req.StoryID,
		AgentName:  def.Name,
		Input:      req.Input,
		Output:     output,
		Trace:      inv.trace,
		StartedAt:  started,
		FinishedAt: r.now(),
	}
	if r.runs != nil {
		if err := r.runs.AppendAgentRun(ctx, req.StoryID, rec); err != nil {
			return nil, fmt.Errorf("failed to record agent run: %w", err)
		}
	}

	logging.Agents("Agent %s completed: run=%s frames=%d", def.Name, rec.ID, len(rec.Trace))
	return &InvokeResult{RunID: rec.ID, Output: output, Trace: rec.Trace}, nil
}

// ListAgentRuns returns the story's persisted runs in insertion order.
func (r *Runner) ListAgentRuns(ctx context.Context, storyID string) ([]types.AgentRunRecord, error) {
	if r.runs == nil {
		return nil, nil
	}
	return r.runs.ListAgentRuns(ctx, storyID)
}

// runFrame executes def as the next frame of inv. The frame is popped on
// every exit path; its trace entry is appended only on success.
func (r *Runner) runFrame(ctx context.Context, inv *invocation, def Definition, input map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]any{}
	}
	if err := validateInput(def.InputSchema, input); err != nil {
		return nil, fmt.Errorf("agent %s: %w", def.Name, err)
	}

	depth := len(inv.snapshot())
	if depth >= r.maxCallDepth {
		return nil, fmt.Errorf("%w: %d frames calling %s", ErrMaxDepth, depth, def.Name)
	}

	inv.push(def.Name)
	defer inv.pop()

	started := r.now()
	ic := &InvocationContext{runner: r, inv: inv, agent: def}

	output, err := def.Run(usage.WithScope(ctx, inv.storyID, def.Name), ic, input)
	if err != nil {
		return nil, err
	}
	// An aborted frame is a failure even if the body returned output.
	if err := ctx.Err(); err != nil {
		logging.AgentsWarn("Agent %s finished after cancellation, discarding output", def.Name)
		return nil, err
	}
	if output == nil {
		output = map[string]any{}
	}

	inv.record(types.TraceEntry{
		AgentName:  def.Name,
		Input:      input,
		Output:     output,
		StartedAt:  started,
		FinishedAt: r.now(),
	})
	return output, nil
}

// =============================================================================
// INVOCATION CONTEXT
// =============================================================================

// InvocationContext is handed to a running agent. It is bound to that
// agent's frame; nested calls made through it are checked against the
// agent's AllowedCalls and the invocation's call stack.
type InvocationContext struct {
	runner *Runner
	inv    *invocation
	agent  Definition
}

// DataDir is the data directory of the top-level request.
func (ic *InvocationContext) DataDir() string { return ic.inv.dataDir }

// StoryID is the story the invocation runs against.
func (ic *InvocationContext) StoryID() string { return ic.inv.storyID }

// AgentName is the name of the agent this context belongs to.
func (ic *InvocationContext) AgentName() string { return ic.agent.Name }

// Stack returns a copy of the active call stack, outermost first.
func (ic *InvocationContext) Stack() []string { return ic.inv.snapshot() }

// InvokeAgent runs a child agent and returns its output. Children complete
// before this call returns.
func (ic *InvocationContext) InvokeAgent(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	if !ic.agent.CanCall(name) {
		return nil, fmt.Errorf("%w: agent %q cannot call %q", ErrCallNotAllowed, ic.agent.Name, name)
	}

	stack := ic.inv.snapshot()
	for _, active := range stack {
		if active == name {
			path := append(stack, name)
			return nil, fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(path, " -> "))
		}
	}

	def, ok := ic.runner.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}

	logging.AgentsDebug("%s -> %s (depth %d)", ic.agent.Name, name, len(stack)+1)
	return ic.runner.runFrame(ctx, ic.inv, def, input)
}
