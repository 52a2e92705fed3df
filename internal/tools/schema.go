package tools

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"storyloom/internal/types"
)

// FromMCP turns an mcp-go tool declaration into a model tool.
func FromMCP(def mcp.Tool, exec types.ToolFunc) types.Tool {
	return types.Tool{
		Name:        def.Name,
		Description: def.Description,
		InputSchema: SchemaOf(def),
		Execute:     exec,
	}
}

// SchemaOf returns the JSON Schema object of an mcp-go tool declaration.
func SchemaOf(def mcp.Tool) map[string]any {
	props := def.InputSchema.Properties
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(def.InputSchema.Required) > 0 {
		schema["required"] = append([]string(nil), def.InputSchema.Required...)
	}
	return schema
}

// Decode converts loosely typed tool input into v by way of its JSON form.
func Decode(input map[string]any, v any) error {
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to encode tool input: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid tool input: %w", err)
	}
	return nil
}
