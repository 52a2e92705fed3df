package types

import (
	"context"
)

// =============================================================================
// PROMPT MESSAGES
// =============================================================================

// Role is a message role.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// CacheControl marks a prompt prefix as cacheable by the provider.
type CacheControl struct {
	Type string `json:"type"` // ephemeral
}

// EphemeralCache is the only cache annotation produced.
func EphemeralCache() *CacheControl {
	return &CacheControl{Type: "ephemeral"}
}

// ContentPart is one text part of a split message.
type ContentPart struct {
	Text  string        `json:"text"`
	Cache *CacheControl `json:"cache,omitempty"`
}

// ContextMessage is a compiled prompt message. Content holds plain text;
// Parts is only set after cache-breakpoint splitting, in which case Content
// is empty.
type ContextMessage struct {
	Role    Role          `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
	Cache   *CacheControl `json:"cache,omitempty"`
}

// Text returns the full message text regardless of representation.
func (m ContextMessage) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		out += p.Text
	}
	return out
}

// =============================================================================
// TOOLS
// =============================================================================

// ToolFunc executes a tool call. The returned value is serialized back to the
// model; returning {"error": "..."} reports a recoverable tool failure.
type ToolFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

// Tool describes a tool that the model can invoke.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"` // JSON Schema for parameters
	Execute     ToolFunc       `json:"-"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Input  map[string]any `json:"input"`
	Output map[string]any `json:"output,omitempty"`
}

// ToolError builds the conventional error payload returned to the model.
func ToolError(msg string) map[string]any {
	return map[string]any{"error": msg}
}

// ToolOK is the trivial acknowledgement returned by collector-bound tools.
func ToolOK() map[string]any {
	return map[string]any{"ok": true}
}
