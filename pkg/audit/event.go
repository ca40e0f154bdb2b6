// Package audit buffers tool execution records and delivers them to a sink in
// batches.
package audit

import (
	"time"

	"github.com/chitin-dev/chitin-agent/pkg/policy"
)

const EventToolCall = "tool_call"

// DecisionSummary is the part of a policy decision kept for auditing.
type DecisionSummary struct {
	Outcome policy.Outcome `json:"outcome"`
	Allowed bool           `json:"allowed"`
	Reason  string         `json:"reason,omitempty"`
}

func Summarize(d policy.Decision) DecisionSummary {
	return DecisionSummary{Outcome: d.Outcome, Allowed: d.Allowed, Reason: d.Reason}
}

// Event records one completed tool execution.
type Event struct {
	EventID   policy.EventID  `json:"eventId"`
	EventType string          `json:"eventType"`
	Content   string          `json:"content"`
	Decision  DecisionSummary `json:"decision"`
	Metadata  map[string]any  `json:"metadata"`
	Timestamp time.Time       `json:"timestamp"`
}
