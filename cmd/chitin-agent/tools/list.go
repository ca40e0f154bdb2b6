package tools

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/chitin-dev/chitin-agent/pkg/mcp"
)

type listedTool struct {
	Name        string          `json:"name"`
	Server      string          `json:"server"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// List prints the aggregated tool listing, either as a table or as JSON.
func List(out io.Writer, tools []*mcp.Tool, format string) error {
	switch format {
	case "json":
		listed := make([]listedTool, 0, len(tools))
		for _, tool := range tools {
			def := tool.Definition()
			schema, _ := def.InputSchema.(json.RawMessage)
			listed = append(listed, listedTool{
				Name:        tool.Name,
				Server:      tool.Server,
				Description: tool.Description,
				InputSchema: schema,
			})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(listed)
	case "", "text":
		if len(tools) == 0 {
			fmt.Fprintln(out, "No tools available.")
			return nil
		}
		fmt.Fprintf(out, "%d tools:\n", len(tools))
		for _, tool := range tools {
			fmt.Fprintf(out, " - %s (%s): %s\n", tool.Name, tool.Server, toolDescription(tool.Definition()))
		}
		return nil
	}
	return fmt.Errorf("unsupported format %q, must be text or json", format)
}

func toolDescription(tool *mcpsdk.Tool) string {
	if tool.Annotations != nil && tool.Annotations.Title != "" {
		return tool.Annotations.Title
	}
	return descriptionSummary(tool.Description)
}

// descriptionSummary keeps the first sentence of a description, ignoring the
// error catalogue some servers append.
func descriptionSummary(description string) string {
	if i := strings.Index(description, "Error Responses:"); i >= 0 {
		description = description[:i]
	}
	description = strings.TrimSpace(description)

	var summary strings.Builder
	for i, r := range description {
		summary.WriteRune(r)
		if r == '.' && (i+1 == len(description) || description[i+1] == ' ' || description[i+1] == '\n') {
			break
		}
	}
	return strings.TrimSpace(summary.String())
}
