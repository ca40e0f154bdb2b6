package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chitin-dev/chitin-agent/pkg/executor"
	"github.com/chitin-dev/chitin-agent/pkg/llm"
)

// Processor runs a model turn. *executor.Pipeline implements it.
type Processor interface {
	Process(ctx context.Context, resp llm.Response) (string, []executor.Result)
}

// Call runs a single tool call through the policy pipeline, as if the model
// had proposed it.
func Call(ctx context.Context, p Processor, out io.Writer, args []string) error {
	if len(args) == 0 {
		return errors.New("no tool name provided")
	}
	toolName := args[0]

	start := time.Now()
	_, results := p.Process(ctx, llm.Response{
		ToolCalls: []llm.ToolCall{{Name: toolName, Input: parseArgs(args[1:])}},
	})
	duration := time.Since(start)

	if len(results) != 1 {
		return fmt.Errorf("calling tool %s: expected one result, got %d", toolName, len(results))
	}
	result := results[0]

	fmt.Fprintln(out, "Tool call took:", duration.Round(time.Millisecond))

	if result.Failed() {
		return fmt.Errorf("error calling tool %s: %s", toolName, result.Content)
	}

	fmt.Fprintln(out, result.Content)

	return nil
}

// parseArgs converts CLI arguments in the form key=value into a tool input.
// Values that parse as JSON are decoded, anything else stays a string. A
// repeated key collects its values into a list.
func parseArgs(args []string) map[string]any {
	parsed := map[string]any{}

	for _, arg := range args {
		var (
			key   string
			value any
		)

		if k, rawValue, ok := strings.Cut(arg, "="); ok {
			key = k

			var parsedValue any
			if err := json.Unmarshal([]byte(rawValue), &parsedValue); err == nil {
				value = parsedValue
			} else {
				value = rawValue
			}
		} else {
			// Flag-style argument without an explicit value
			key = arg
			value = nil
		}

		if previous, found := parsed[key]; found {
			switch previous := previous.(type) {
			case []any:
				parsed[key] = append(previous, value)
			default:
				parsed[key] = []any{previous, value}
			}
		} else {
			parsed[key] = value
		}
	}

	return parsed
}
