package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chitin-dev/chitin-agent/pkg/httpapi"
)

// HTTPAuthority talks to a decision engine sidecar.
type HTTPAuthority struct {
	client *httpapi.RawClient
}

func NewHTTPAuthority(baseURL string, opts ...httpapi.Option) *HTTPAuthority {
	return &HTTPAuthority{client: httpapi.New(baseURL, opts...)}
}

type ingestRequest struct {
	Content    string            `json:"content"`
	TrustLevel TrustLevel        `json:"trust_level"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type proposeRequest struct {
	Tool          string    `json:"tool"`
	Params        string    `json:"params"`
	InputEventIDs []EventID `json:"input_event_ids"`
}

type recordRequest struct {
	EventID  EventID `json:"event_id"`
	Content  string  `json:"content"`
	ExitCode int     `json:"exit_code"`
}

type eventResponse struct {
	EventID EventID `json:"event_id"`
}

type decisionResponse struct {
	Outcome string  `json:"outcome"`
	Reason  string  `json:"reason"`
	EventID EventID `json:"event_id"`
	Allowed *bool   `json:"allowed"`
}

func (a *HTTPAuthority) Ingest(ctx context.Context, content string, trust TrustLevel, metadata map[string]string) (EventID, error) {
	var resp eventResponse
	if err := a.client.Post(ctx, "/v1/ingest", ingestRequest{Content: content, TrustLevel: trust, Metadata: metadata}, &resp); err != nil {
		return 0, fmt.Errorf("ingest: %w", err)
	}
	return resp.EventID, nil
}

func (a *HTTPAuthority) Propose(ctx context.Context, tool, params string, inputs []EventID) (Decision, error) {
	if inputs == nil {
		inputs = []EventID{}
	}
	var resp decisionResponse
	if err := a.client.Post(ctx, "/v1/propose", proposeRequest{Tool: tool, Params: params, InputEventIDs: inputs}, &resp); err != nil {
		return Decision{}, fmt.Errorf("propose %s: %w", tool, err)
	}

	outcome, err := ParseOutcome(resp.Outcome)
	if err != nil {
		return Decision{}, fmt.Errorf("propose %s: %w", tool, err)
	}
	// Engines that omit the flag mean it to follow the outcome.
	allowed := outcome != OutcomeDeny
	if resp.Allowed != nil {
		allowed = *resp.Allowed
	}
	return Decision{Outcome: outcome, Reason: resp.Reason, EventID: resp.EventID, Allowed: allowed}, nil
}

func (a *HTTPAuthority) RecordResult(ctx context.Context, id EventID, content string, exitCode int) (EventID, error) {
	var resp eventResponse
	if err := a.client.Post(ctx, "/v1/record", recordRequest{EventID: id, Content: content, ExitCode: exitCode}, &resp); err != nil {
		return 0, fmt.Errorf("record result of event %d: %w", id, err)
	}
	return resp.EventID, nil
}

func (a *HTTPAuthority) Explain(ctx context.Context, id EventID) (Trace, error) {
	var resp json.RawMessage
	if err := a.client.Post(ctx, "/v1/explain", eventResponse{EventID: id}, &resp); err != nil {
		return nil, fmt.Errorf("explain event %d: %w", id, err)
	}
	return Trace(resp), nil
}

func (a *HTTPAuthority) RegisterTool(ctx context.Context, name string, risk RiskLevel, category string) error {
	body := struct {
		Name     string    `json:"name"`
		Risk     RiskLevel `json:"risk"`
		Category string    `json:"category,omitempty"`
	}{name, risk, category}
	if err := a.client.Post(ctx, "/v1/tools", body, nil); err != nil {
		return fmt.Errorf("register tool %s: %w", name, err)
	}
	return nil
}

func (a *HTTPAuthority) LoadPolicies(ctx context.Context, document []byte) error {
	body := struct {
		YAML string `json:"yaml"`
	}{string(document)}
	if err := a.client.Post(ctx, "/v1/policies", body, nil); err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	return nil
}

var (
	_ Authority     = (*HTTPAuthority)(nil)
	_ ToolRegistrar = (*HTTPAuthority)(nil)
	_ PolicyLoader  = (*HTTPAuthority)(nil)
)
