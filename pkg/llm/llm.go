// Package llm holds the structured model output consumed by the executor.
package llm

import (
	"encoding/json"
	"fmt"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// Response is a single model turn.
type Response struct {
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// HasToolCalls reports whether the turn asks for any tool to run.
func (r Response) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// ParseResponse decodes one JSON encoded turn. Tool call inputs may be given
// as an object or as a string holding an object, as some providers do.
func ParseResponse(data []byte) (Response, error) {
	var raw struct {
		Text      string `json:"text"`
		ToolCalls []struct {
			ID        string          `json:"id"`
			Name      string          `json:"name"`
			Input     json.RawMessage `json:"input"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"tool_calls"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Response{}, fmt.Errorf("decoding model response: %w", err)
	}

	resp := Response{Text: raw.Text}
	for i, tc := range raw.ToolCalls {
		if tc.Name == "" {
			return Response{}, fmt.Errorf("tool call %d has no name", i)
		}
		input := tc.Input
		if len(input) == 0 {
			input = tc.Arguments
		}
		args, err := decodeInput(input)
		if err != nil {
			return Response{}, fmt.Errorf("tool call %d (%s): %w", i, tc.Name, err)
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Name, Input: args})
	}
	return resp, nil
}

func decodeInput(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if s == "" {
			return nil, nil
		}
		raw = json.RawMessage(s)
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("input must be an object: %w", err)
	}
	return args, nil
}
