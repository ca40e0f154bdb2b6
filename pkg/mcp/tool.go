package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tool is a tool advertised by a server. The first server to register a name
// owns it in the aggregated listing.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Server      string          `json:"-"`

	once      sync.Once
	resolved  *jsonschema.Resolved
	schemaErr error
}

func (t *Tool) schema() (*jsonschema.Resolved, error) {
	t.once.Do(func() {
		if len(t.InputSchema) == 0 || string(t.InputSchema) == "null" {
			return
		}
		var s jsonschema.Schema
		if err := json.Unmarshal(t.InputSchema, &s); err != nil {
			t.schemaErr = fmt.Errorf("parsing input schema of %s: %w", t.Name, err)
			return
		}
		t.resolved, t.schemaErr = s.Resolve(nil)
	})
	return t.resolved, t.schemaErr
}

// ValidateArguments checks args against the input schema. Tools without a
// usable schema accept anything.
func (t *Tool) ValidateArguments(args map[string]any) error {
	resolved, err := t.schema()
	if err != nil || resolved == nil {
		return nil
	}

	// Validate the JSON form so Go numeric types match what the server sees.
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("arguments are not serializable: %w", err)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return err
	}
	return resolved.Validate(instance)
}

// SchemaError reports why the input schema cannot be used for validation.
func (t *Tool) SchemaError() error {
	_, err := t.schema()
	return err
}

// Definition converts the tool into the MCP wire representation handed to
// model adapters.
func (t *Tool) Definition() *mcpsdk.Tool {
	def := &mcpsdk.Tool{
		Name:        t.Name,
		Description: t.Description,
	}
	if len(t.InputSchema) > 0 {
		def.InputSchema = t.InputSchema
	} else {
		def.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	return def
}

// CallResult is the outcome of tools/call.
type CallResult struct {
	Content           json.RawMessage `json:"content,omitempty"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	ExitCode          *int            `json:"exitCode,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// Code returns the exit code reported by the server. Results flagged as
// errors without an explicit code map to 1.
func (r *CallResult) Code() int {
	switch {
	case r.ExitCode != nil:
		return *r.ExitCode
	case r.IsError:
		return 1
	default:
		return 0
	}
}

// Text flattens the result content. Plain string content is returned as is,
// text blocks are joined with newlines and any other block is rendered as
// JSON.
func (r *CallResult) Text() string {
	if len(r.Content) == 0 || string(r.Content) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(r.Content, &s); err == nil {
		return s
	}

	var blocks []json.RawMessage
	if err := json.Unmarshal(r.Content, &blocks); err != nil {
		return string(r.Content)
	}

	var parts []string
	for _, block := range blocks {
		var text struct {
			Type string  `json:"type"`
			Text *string `json:"text"`
		}
		if err := json.Unmarshal(block, &text); err == nil && text.Type == "text" && text.Text != nil {
			parts = append(parts, *text.Text)
			continue
		}
		parts = append(parts, string(block))
	}
	return strings.Join(parts, "\n")
}
