// Package agents runs named agents that may invoke each other.
//
// A Runner executes one top-level invocation at a time per call: it owns a
// fresh call stack and trace for that invocation, checks every nested call
// against the caller's AllowedCalls, rejects calls that would re-enter an
// agent already on the stack, and persists the finished trace as an
// AgentRunRecord.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Classified failures. Errors returned by the runner wrap one of these and
// can be tested with errors.Is.
var (
	ErrAgentNotFound  = errors.New("agent not found")
	ErrCallNotAllowed = errors.New("call not allowed")
	ErrCycleDetected  = errors.New("cycle detected")
	ErrMaxDepth       = errors.New("maximum call depth exceeded")
	ErrInvalidInput   = errors.New("invalid agent input")
)

// RunFunc is an agent body. ic is bound to the current call stack.
type RunFunc func(ctx context.Context, ic *InvocationContext, input map[string]any) (map[string]any, error)

// Definition describes one agent. Definitions are immutable once registered.
type Definition struct {
	Name         string
	Description  string
	InputSchema  map[string]any
	OutputSchema map[string]any

	// AllowedCalls lists the agents this agent may invoke.
	AllowedCalls []string

	Run RunFunc
}

// CanCall reports whether name is in the definition's AllowedCalls.
func (d Definition) CanCall(name string) bool {
	for _, n := range d.AllowedCalls {
		if n == name {
			return true
		}
	}
	return false
}

// Registry is an immutable name -> Definition lookup, built once and injected
// into a Runner.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry builds a registry, rejecting duplicates and incomplete definitions.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("agent definition requires a name")
		}
		if d.Run == nil {
			return nil, fmt.Errorf("agent %s has no run function", d.Name)
		}
		if _, dup := r.defs[d.Name]; dup {
			return nil, fmt.Errorf("duplicate agent: %s", d.Name)
		}
		d.AllowedCalls = append([]string(nil), d.AllowedCalls...)
		r.defs[d.Name] = d
	}
	return r, nil
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Names returns the registered agent names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns every definition sorted by name.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.defs))
	for _, name := range r.Names() {
		out = append(out, r.defs[name])
	}
	return out
}
