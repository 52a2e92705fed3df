package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedOutput is returned when a model was asked for JSON and its
// text does not parse, even with markdown fences removed.
var ErrMalformedOutput = errors.New("malformed model output")

// CleanJSONResponse removes surrounding markdown code fences.
func CleanJSONResponse(resp string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	return strings.TrimSpace(resp)
}

// ParseJSON decodes a model's JSON text into v.
func ParseJSON(text string, v any) error {
	cleaned := CleanJSONResponse(text)
	if cleaned == "" {
		return fmt.Errorf("%w: empty response", ErrMalformedOutput)
	}
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}

// GenerateJSON runs req in JSON mode and decodes the final text into v.
func GenerateJSON(ctx context.Context, model Model, req GenerateRequest, v any) (*GenerateResult, error) {
	req.JSON = true
	res, err := model.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := ParseJSON(res.Text, v); err != nil {
		return res, err
	}
	return res, nil
}
