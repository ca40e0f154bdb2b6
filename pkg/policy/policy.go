package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
)

// Outcome is the verdict of the decision authority for a proposal.
type Outcome string

const (
	OutcomeAllow    Outcome = "allow"
	OutcomeDeny     Outcome = "deny"
	OutcomeEscalate Outcome = "escalate"
)

// ParseOutcome accepts the three outcomes case-insensitively.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(s))); o {
	case OutcomeAllow, OutcomeDeny, OutcomeEscalate:
		return o, nil
	}
	return "", fmt.Errorf("unknown decision outcome %q", s)
}

// TrustLevel is attached to every ingested fact.
type TrustLevel string

const (
	TrustSystem   TrustLevel = "SYSTEM"
	TrustUser     TrustLevel = "USER"
	TrustOperator TrustLevel = "OPERATOR"
	TrustTool     TrustLevel = "TOOL"
)

// EventID is an opaque identifier minted by the authority. Zero means none.
type EventID int64

// Decision is a policy evaluation result for one proposal.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	EventID EventID `json:"event_id"`
	Allowed bool    `json:"allowed"`
}

// Denied reports whether the proposal must not run. An escalation is only
// reachable when the authority still reports the call as allowed.
func (d Decision) Denied() bool {
	return d.Outcome == OutcomeDeny || !d.Allowed
}

// Escalated reports whether a human has to approve the proposal.
func (d Decision) Escalated() bool {
	return !d.Denied() && d.Outcome == OutcomeEscalate
}

// StatusLabel returns a short label for human output.
func (d Decision) StatusLabel() string {
	switch {
	case d.Denied():
		return "Blocked"
	case d.Escalated():
		return "Escalated"
	default:
		return "Allowed"
	}
}

// StatusMessage returns the label with the reason, when there is one.
func (d Decision) StatusMessage() string {
	label := d.StatusLabel()
	if d.Reason == "" || label == "Allowed" {
		return label
	}
	return fmt.Sprintf("%s (%s)", label, d.Reason)
}

// Trace is the explanation of a decision. Its structure belongs to the
// authority.
type Trace json.RawMessage

func (t Trace) String() string {
	if len(t) == 0 || string(t) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(t, &s); err == nil {
		return s
	}
	return string(t)
}

func (t Trace) MarshalJSON() ([]byte, error) {
	if len(t) == 0 {
		return []byte("null"), nil
	}
	return t, nil
}

func (t *Trace) UnmarshalJSON(data []byte) error {
	*t = append((*t)[:0], data...)
	return nil
}

// Authority is the decision engine consulted for every proposed tool call.
type Authority interface {
	// Ingest records a fact and returns its provenance id.
	Ingest(ctx context.Context, content string, trust TrustLevel, metadata map[string]string) (EventID, error)
	// Propose asks for a verdict on a tool call. params is the serialized
	// argument map and inputs lists the provenance the call depends on.
	Propose(ctx context.Context, tool, params string, inputs []EventID) (Decision, error)
	// RecordResult attaches the outcome of an executed call to its decision.
	RecordResult(ctx context.Context, id EventID, content string, exitCode int) (EventID, error)
	// Explain returns the trace behind a decision.
	Explain(ctx context.Context, id EventID) (Trace, error)
}

// NoopAuthority allows everything and mints local ids.
type NoopAuthority struct {
	next atomic.Int64
}

func (a *NoopAuthority) Ingest(context.Context, string, TrustLevel, map[string]string) (EventID, error) {
	return EventID(a.next.Add(1)), nil
}

func (a *NoopAuthority) Propose(context.Context, string, string, []EventID) (Decision, error) {
	return Decision{Outcome: OutcomeAllow, EventID: EventID(a.next.Add(1)), Allowed: true}, nil
}

func (a *NoopAuthority) RecordResult(context.Context, EventID, string, int) (EventID, error) {
	return EventID(a.next.Add(1)), nil
}

func (a *NoopAuthority) Explain(_ context.Context, id EventID) (Trace, error) {
	return Trace(fmt.Sprintf(`{"event_id":%d,"outcome":"allow","reason":"no policy authority configured"}`, id)), nil
}

var _ Authority = (*NoopAuthority)(nil)
