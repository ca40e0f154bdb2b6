package policyserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chitin-dev/chitin-agent/pkg/audit"
	"github.com/chitin-dev/chitin-agent/pkg/policy"
)

// mockPolicyServer keeps enrolled agents, their policies and received audit
// events in memory.
type mockPolicyServer struct {
	mu           sync.Mutex
	agents       map[string][]string
	policies     map[string][]map[string]any
	events       []map[string]any
	enrollFails  int
	pushStatus   int
	tokens       []string
	enrollCalls  int
	rejectPushes bool
}

func newMockPolicyServer(t *testing.T) (*mockPolicyServer, string) {
	t.Helper()
	m := &mockPolicyServer{agents: map[string][]string{}, policies: map[string][]map[string]any{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/agents/enroll", m.enroll)
	mux.HandleFunc("GET /api/v1/policies", m.fetch)
	mux.HandleFunc("POST /api/v1/audit/push", m.push)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return m, srv.URL
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (m *mockPolicyServer) enroll(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enrollCalls++
	m.tokens = append(m.tokens, r.Header.Get("Authorization"))
	if m.enrollFails > 0 {
		m.enrollFails--
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "warming up"})
		return
	}

	var body struct {
		AgentID      string          `json:"agent_id"`
		Tags         []string        `json:"tags"`
		Capabilities map[string]bool `json:"capabilities"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id required"})
		return
	}
	if !body.Capabilities["audit_push"] {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "audit_push capability missing"})
		return
	}
	m.agents[body.AgentID] = body.Tags
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": body.AgentID, "status": "enrolled"})
}

func (m *mockPolicyServer) fetch(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agentID := r.URL.Query().Get("agent_id")
	if _, ok := m.agents[agentID]; !ok {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "agent not enrolled"})
		return
	}

	var tags []string
	for _, tag := range strings.Split(r.URL.Query().Get("tags"), ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	var matched []map[string]any
	for _, p := range m.policies[agentID] {
		if len(tags) == 0 || hasAnyTag(p, tags) {
			matched = append(matched, p)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": matched, "count": len(matched)})
}

func hasAnyTag(p map[string]any, tags []string) bool {
	list, _ := p["tags"].([]any)
	for _, v := range list {
		for _, tag := range tags {
			if v == tag {
				return true
			}
		}
	}
	return false
}

func (m *mockPolicyServer) push(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pushStatus != 0 {
		writeJSON(w, m.pushStatus, map[string]string{"error": "storage offline"})
		return
	}
	var body struct {
		AgentID string           `json:"agent_id"`
		Events  []map[string]any `json:"events"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if m.rejectPushes {
		writeJSON(w, http.StatusOK, map[string]any{"accepted": false, "message": "quota exceeded"})
		return
	}
	m.events = append(m.events, body.Events...)
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "count": len(body.Events)})
}

func TestEnrollRetriesUnavailableServer(t *testing.T) {
	server, url := newMockPolicyServer(t)
	server.enrollFails = 2

	client, err := NewClient(url, "agent-7", []string{"prod"}, WithToken("t0k"), WithEnrollRetry(3, time.Millisecond))
	require.NoError(t, err)

	enrollment, err := client.Enroll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "enrolled", enrollment["status"])
	assert.Equal(t, 3, server.enrollCalls)
	assert.Equal(t, "Bearer t0k", server.tokens[0])
	assert.Equal(t, []string{"prod"}, server.agents["agent-7"])
}

func TestEnrollValidation(t *testing.T) {
	_, err := NewClient("", "a", nil)
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, url := newMockPolicyServer(t)
	client, err := NewClient(url, "", nil)
	require.NoError(t, err)
	_, err = client.Enroll(context.Background())
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestFetchPoliciesEnrollsFirstAndFiltersByTag(t *testing.T) {
	server, url := newMockPolicyServer(t)
	server.policies["agent-7"] = []map[string]any{
		{"id": "p1", "tags": []any{"prod"}},
		{"id": "p2", "tags": []any{"dev"}},
	}

	client, err := NewClient(url, "agent-7", []string{"prod"})
	require.NoError(t, err)

	policies, err := client.FetchPolicies(context.Background())
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, "p1", policies[0]["id"])

	_, err = client.FetchPolicies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, server.enrollCalls)
}

func TestPushAuditEvents(t *testing.T) {
	server, url := newMockPolicyServer(t)
	client, err := NewClient(url, "agent-7", nil)
	require.NoError(t, err)

	events := []audit.Event{{
		EventID:   3,
		EventType: audit.EventToolCall,
		Content:   "Tool search executed",
		Decision:  audit.DecisionSummary{Outcome: policy.OutcomeAllow, Allowed: true},
		Metadata:  map[string]any{"tool": "search"},
		Timestamp: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}}
	require.NoError(t, client.Push(context.Background(), events))
	require.Len(t, server.events, 1)
	assert.InDelta(t, 3, server.events[0]["eventId"], 0)
	assert.Equal(t, "tool_call", server.events[0]["eventType"])

	server.rejectPushes = true
	require.ErrorContains(t, client.Push(context.Background(), events), "audit push rejected: quota exceeded")

	server.rejectPushes = false
	server.pushStatus = http.StatusBadGateway
	err = client.Push(context.Background(), events)
	require.ErrorContains(t, err, "HTTP 502: storage offline")
	assert.True(t, errdefs.IsUnavailable(err))
}

func TestClientAsBatcherSink(t *testing.T) {
	server, url := newMockPolicyServer(t)
	client, err := NewClient(url, "agent-7", nil)
	require.NoError(t, err)

	b := audit.NewBatcher(client, audit.WithBatchSize(2), audit.WithSinkName("policy_server"))
	require.NoError(t, b.AddEvent(context.Background(), audit.Event{EventID: 1, EventType: audit.EventToolCall}))
	require.NoError(t, b.AddEvent(context.Background(), audit.Event{EventID: 2, EventType: audit.EventToolCall}))
	assert.Len(t, server.events, 2)
}
