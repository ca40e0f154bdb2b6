package policy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecisionBranches(t *testing.T) {
	tests := []struct {
		name      string
		decision  Decision
		denied    bool
		escalated bool
		message   string
	}{
		{"allow", Decision{Outcome: OutcomeAllow, Allowed: true}, false, false, "Allowed"},
		{"deny", Decision{Outcome: OutcomeDeny, Reason: "rm is dangerous"}, true, false, "Blocked (rm is dangerous)"},
		{"deny flag wins over allow", Decision{Outcome: OutcomeAllow, Allowed: false}, true, false, "Blocked"},
		{"escalate", Decision{Outcome: OutcomeEscalate, Allowed: true, Reason: "needs review"}, false, true, "Escalated (needs review)"},
		{"escalate without allowed flag", Decision{Outcome: OutcomeEscalate, Allowed: false}, true, false, "Blocked"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.denied, tc.decision.Denied())
			assert.Equal(t, tc.escalated, tc.decision.Escalated())
			assert.Equal(t, tc.message, tc.decision.StatusMessage())
		})
	}
}

func TestParseOutcome(t *testing.T) {
	o, err := ParseOutcome(" ESCALATE ")
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalate, o)

	_, err = ParseOutcome("maybe")
	require.Error(t, err)
}

func TestTraceString(t *testing.T) {
	assert.Empty(t, Trace(nil).String())
	assert.Equal(t, "plain reasoning", Trace(`"plain reasoning"`).String())
	assert.JSONEq(t, `{"rule":"no-rm"}`, Trace(`{"rule":"no-rm"}`).String())

	var holder struct {
		Trace Trace `json:"trace"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"trace":{"steps":[1,2]}}`), &holder))
	out, err := json.Marshal(holder)
	require.NoError(t, err)
	assert.JSONEq(t, `{"trace":{"steps":[1,2]}}`, string(out))
}

func TestNoopAuthority(t *testing.T) {
	ctx := context.Background()
	a := &NoopAuthority{}

	first, err := a.Ingest(ctx, "hello", TrustSystem, nil)
	require.NoError(t, err)
	decision, err := a.Propose(ctx, "read_file", `{}`, []EventID{first})
	require.NoError(t, err)
	assert.False(t, decision.Denied())
	assert.Greater(t, decision.EventID, first)

	trace, err := a.Explain(ctx, decision.EventID)
	require.NoError(t, err)
	assert.Contains(t, trace.String(), "no policy authority configured")
}

func TestProvenance(t *testing.T) {
	var p Provenance
	assert.Empty(t, p.Recent(DefaultRecentEvents))

	p.Track(1, 0, 2, 3)
	assert.Equal(t, []EventID{2, 3}, p.Recent(2))
	assert.Equal(t, []EventID{1, 2, 3}, p.Recent(DefaultRecentEvents))

	for i := 0; i < maxTrackedEvents+10; i++ {
		p.Track(EventID(100 + i))
	}
	assert.Equal(t, maxTrackedEvents, p.Len())
	recent := p.Recent(1)
	assert.Equal(t, []EventID{EventID(100 + maxTrackedEvents + 9)}, recent)
}
