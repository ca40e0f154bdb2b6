package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Response
		err  string
	}{
		{
			name: "text only",
			in:   `{"text":"nothing to do"}`,
			want: Response{Text: "nothing to do"},
		},
		{
			name: "object input",
			in:   `{"tool_calls":[{"id":"c1","name":"read_file","input":{"path":"a.txt"}}]}`,
			want: Response{ToolCalls: []ToolCall{{ID: "c1", Name: "read_file", Input: map[string]any{"path": "a.txt"}}}},
		},
		{
			name: "string arguments",
			in:   `{"text":"on it","tool_calls":[{"name":"search","arguments":"{\"q\":\"go\"}"}]}`,
			want: Response{Text: "on it", ToolCalls: []ToolCall{{Name: "search", Input: map[string]any{"q": "go"}}}},
		},
		{
			name: "missing name",
			in:   `{"tool_calls":[{"id":"c1"}]}`,
			err:  "tool call 0 has no name",
		},
		{
			name: "non object input",
			in:   `{"tool_calls":[{"name":"x","input":[1,2]}]}`,
			err:  "input must be an object",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseResponse([]byte(tc.in))
			if tc.err != "" {
				require.ErrorContains(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, len(tc.want.ToolCalls) > 0, got.HasToolCalls())
		})
	}
}
