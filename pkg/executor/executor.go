// Package executor runs the tool calls of a model turn through the decision
// authority, escalation and the tool servers.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chitin-dev/chitin-agent/pkg/audit"
	"github.com/chitin-dev/chitin-agent/pkg/escalation"
	"github.com/chitin-dev/chitin-agent/pkg/llm"
	"github.com/chitin-dev/chitin-agent/pkg/mcp"
	"github.com/chitin-dev/chitin-agent/pkg/policy"
	"github.com/chitin-dev/chitin-agent/pkg/telemetry"
)

const (
	ResultSuccess = "tool_success"
	ResultError   = "tool_error"
)

const approvalContent = "Human approved escalation"

// Result is the outcome of one tool call, in the shape handed back to the
// model.
type Result struct {
	Type       string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
}

func (r Result) Failed() bool { return r.Type == ResultError }

// ToolCaller executes an approved call. *mcp.Client implements it.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallResult, error)
}

// AuditRecorder receives one event per executed call. *audit.Batcher
// implements it.
type AuditRecorder interface {
	AddEvent(ctx context.Context, e audit.Event) error
}

type Pipeline struct {
	authority  policy.Authority
	tools      ToolCaller
	escalation escalation.Handler
	audit      AuditRecorder
	provenance *policy.Provenance
	logger     *zap.Logger
	limit      int
	newID      func() string
}

type Option func(*Pipeline)

func WithAudit(recorder AuditRecorder) Option {
	return func(p *Pipeline) {
		p.audit = recorder
	}
}

// WithProvenance shares a provenance tracker, for instance across the turns
// of one conversation.
func WithProvenance(provenance *policy.Provenance) Option {
	return func(p *Pipeline) {
		if provenance != nil {
			p.provenance = provenance
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMaxConcurrency bounds how many calls of one turn run at once. Zero or
// less means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(p *Pipeline) {
		p.limit = n
	}
}

func withIDGenerator(newID func() string) Option {
	return func(p *Pipeline) {
		p.newID = newID
	}
}

func New(authority policy.Authority, tools ToolCaller, handler escalation.Handler, opts ...Option) *Pipeline {
	p := &Pipeline{
		authority:  authority,
		tools:      tools,
		escalation: handler,
		provenance: &policy.Provenance{},
		logger:     zap.NewNop(),
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.escalation == nil {
		p.escalation = escalation.AutoDeny{Logger: p.logger}
	}
	return p
}

func (p *Pipeline) Provenance() *policy.Provenance {
	return p.provenance
}

// Process records the free text of a turn and executes its tool calls
// concurrently. Results come back in the order the calls were proposed; a
// failing call only produces its own error result.
func (p *Pipeline) Process(ctx context.Context, resp llm.Response) (string, []Result) {
	if resp.Text != "" {
		id, err := p.authority.Ingest(ctx, resp.Text, policy.TrustSystem, map[string]string{"source": "llm"})
		if err != nil {
			p.logger.Warn("failed to ingest model text", zap.Error(err))
		} else {
			p.provenance.Track(id)
		}
	}

	if !resp.HasToolCalls() {
		return resp.Text, []Result{}
	}

	calls := make([]llm.ToolCall, len(resp.ToolCalls))
	copy(calls, resp.ToolCalls)
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = p.newID()
		}
	}

	results := make([]Result, len(calls))
	var g errgroup.Group
	if p.limit > 0 {
		g.SetLimit(p.limit)
	}
	for i, call := range calls {
		g.Go(func() error {
			results[i] = p.executeSafely(ctx, call)
			return nil
		})
	}
	_ = g.Wait()

	return resp.Text, results
}

func (p *Pipeline) executeSafely(ctx context.Context, call llm.ToolCall) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("tool call panicked", zap.String("tool", call.Name), zap.String("tool_call_id", call.ID), zap.Any("panic", r))
			result = errorResult(call, fmt.Sprintf("Tool execution failed: panic: %v", r))
		}
	}()
	return p.execute(ctx, call)
}

func (p *Pipeline) execute(ctx context.Context, call llm.ToolCall) Result {
	ctx, span := telemetry.StartToolCallSpan(ctx, call.Name, attribute.String("chitin.tool.call_id", call.ID))
	var spanErr error
	defer func() { telemetry.EndSpan(span, spanErr) }()

	args := call.Input
	if args == nil {
		args = map[string]any{}
	}
	if err := checkCaseVariantKeys(args); err != nil {
		spanErr = err
		return errorResult(call, fmt.Sprintf("Invalid arguments: %v", err))
	}
	params, err := json.Marshal(args)
	if err != nil {
		spanErr = err
		return errorResult(call, fmt.Sprintf("Invalid arguments: %v", err))
	}

	decision, err := p.authority.Propose(ctx, call.Name, string(params), p.provenance.Recent(policy.DefaultRecentEvents))
	if err != nil {
		spanErr = err
		return errorResult(call, fmt.Sprintf("Tool execution failed: %v", err))
	}
	telemetry.RecordDecision(ctx, call.Name, string(decision.Outcome))
	span.SetAttributes(attribute.String("chitin.policy.outcome", string(decision.Outcome)))

	if decision.Denied() {
		p.logger.Info("tool call denied by policy", zap.String("tool", call.Name), zap.String("reason", decision.Reason))
		return errorResult(call, "Policy denied: "+decision.Reason)
	}

	if decision.Escalated() {
		if !p.escalate(ctx, call, args, decision) {
			return errorResult(call, "Escalation denied by user: "+decision.Reason)
		}
	}

	output, err := p.tools.CallTool(ctx, call.Name, args)
	if err != nil {
		spanErr = err
		text := err.Error()
		if decision.EventID != 0 {
			p.recordResult(ctx, decision.EventID, text, 1)
		}
		p.recordAudit(ctx, call, args, decision, fmt.Sprintf("Tool %s failed", call.Name), text)
		return errorResult(call, "Tool execution failed: "+text)
	}

	content := output.Text()
	p.recordResult(ctx, decision.EventID, content, output.Code())
	p.recordAudit(ctx, call, args, decision, fmt.Sprintf("Tool %s executed", call.Name), "")

	return Result{Type: ResultSuccess, ToolCallID: call.ID, Content: content}
}

// escalate asks the handler for a verdict and records an approval as
// operator provenance. Handler errors count as a denial.
func (p *Pipeline) escalate(ctx context.Context, call llm.ToolCall, args map[string]any, decision policy.Decision) bool {
	var trace policy.Trace
	if decision.EventID != 0 {
		t, err := p.authority.Explain(ctx, decision.EventID)
		if err != nil {
			p.logger.Warn("failed to explain escalated decision", zap.String("tool", call.Name), zap.Error(err))
		} else {
			trace = t
		}
	}

	req := escalation.Request{ToolCallID: call.ID, Tool: call.Name, Arguments: args}
	approved, err := p.escalation.Decide(ctx, req, decision.Reason, trace)
	if err != nil {
		p.logger.Warn("escalation handler failed", zap.String("tool", call.Name), zap.Error(err))
		approved = false
	}
	telemetry.RecordEscalation(ctx, call.Name, approved)
	if !approved {
		return false
	}

	id, err := p.authority.Ingest(ctx, approvalContent, policy.TrustOperator, map[string]string{
		"tool":         call.Name,
		"tool_call_id": call.ID,
	})
	if err != nil {
		p.logger.Warn("failed to record escalation approval", zap.String("tool", call.Name), zap.Error(err))
		return true
	}
	p.provenance.Track(id)
	return true
}

func (p *Pipeline) recordResult(ctx context.Context, id policy.EventID, content string, exitCode int) {
	resultID, err := p.authority.RecordResult(ctx, id, content, exitCode)
	if err != nil {
		p.logger.Warn("failed to record tool result", zap.Int64("event_id", int64(id)), zap.Error(err))
		return
	}
	p.provenance.Track(resultID)
}

// recordAudit hands the event to the audit recorder. Delivery problems are
// logged and never change the result of the call; a batcher keeps events it
// could not push.
func (p *Pipeline) recordAudit(ctx context.Context, call llm.ToolCall, args map[string]any, decision policy.Decision, content, failure string) {
	if p.audit == nil {
		return
	}
	metadata := map[string]any{
		"tool":      call.Name,
		"arguments": args,
	}
	if failure != "" {
		metadata["error"] = failure
	}
	err := p.audit.AddEvent(ctx, audit.Event{
		EventID:   decision.EventID,
		EventType: audit.EventToolCall,
		Content:   content,
		Decision:  audit.Summarize(decision),
		Metadata:  metadata,
	})
	if err != nil {
		level := zap.WarnLevel
		if !audit.IsSinkPushError(err) && !errors.Is(err, context.Canceled) {
			level = zap.ErrorLevel
		}
		p.logger.Log(level, "failed to deliver audit events", zap.String("tool", call.Name), zap.Error(err))
	}
}

func errorResult(call llm.ToolCall, content string) Result {
	return Result{Type: ResultError, ToolCallID: call.ID, Content: content}
}
