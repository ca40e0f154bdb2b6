package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/chitin-dev/chitin-agent/pkg/config"
	"github.com/chitin-dev/chitin-agent/pkg/escalation"
	"github.com/chitin-dev/chitin-agent/pkg/executor"
	"github.com/chitin-dev/chitin-agent/pkg/llm"
	"github.com/chitin-dev/chitin-agent/pkg/policy"
)

// backend serves a tool server on /mcp, the decision sidecar on /v1 and the
// policy server on /api/v1.
type backend struct {
	mu         sync.Mutex
	nextID     int64
	registered map[string]string
	policies   []string
	proposals  []string
	records    []int
	pushed     []map[string]any
	toolCalls  []string
}

func newBackend(t *testing.T) (*backend, string) {
	t.Helper()
	b := &backend{registered: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", b.mcp)
	mux.HandleFunc("POST /v1/ingest", b.event)
	mux.HandleFunc("POST /v1/record", b.record)
	mux.HandleFunc("POST /v1/propose", b.propose)
	mux.HandleFunc("POST /v1/tools", b.registerTool)
	mux.HandleFunc("POST /v1/policies", b.loadPolicies)
	mux.HandleFunc("POST /api/v1/agents/enroll", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"status": "enrolled"})
	})
	mux.HandleFunc("GET /api/v1/policies", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"policies": []map[string]any{{"name": "no-deletes", "rules": []any{}}}})
	})
	mux.HandleFunc("POST /api/v1/audit/push", b.push)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, srv.URL
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (b *backend) id() int64 {
	b.nextID++
	return b.nextID
}

func (b *backend) mcp(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req struct {
		ID     *int64 `json:"id"`
		Method string `json:"method"`
		Params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		} `json:"params"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var result any
	switch req.Method {
	case "initialize":
		result = map[string]any{"protocolVersion": "2024-11-05", "serverInfo": map[string]any{"name": "files", "version": "1.0.0"}, "instructions": "Paths must be absolute."}
	case "tools/list":
		result = map[string]any{"tools": []map[string]any{
			{"name": "read_file", "inputSchema": map[string]any{"type": "object"}},
			{"name": "delete_file", "inputSchema": map[string]any{"type": "object"}},
		}}
	case "tools/call":
		b.mu.Lock()
		b.toolCalls = append(b.toolCalls, req.Params.Name)
		b.mu.Unlock()
		result = map[string]any{"content": []map[string]any{{"type": "text", "text": "contents of " + req.Params.Arguments["path"].(string)}}}
	}
	writeJSON(w, map[string]any{"jsonrpc": "2.0", "id": *req.ID, "result": result})
}

func (b *backend) event(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	writeJSON(w, map[string]any{"event_id": b.id()})
}

func (b *backend) record(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ExitCode int `json:"exit_code"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, body.ExitCode)
	writeJSON(w, map[string]any{"event_id": b.id()})
}

func (b *backend) propose(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tool string `json:"tool"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.proposals = append(b.proposals, body.Tool)
	if body.Tool == "delete_file" {
		writeJSON(w, map[string]any{"outcome": "deny", "reason": "deletes are not allowed", "event_id": b.id()})
		return
	}
	writeJSON(w, map[string]any{"outcome": "allow", "event_id": b.id()})
}

func (b *backend) registerTool(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		Risk string `json:"risk"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered[body.Name] = body.Risk
	w.WriteHeader(http.StatusNoContent)
}

func (b *backend) loadPolicies(w http.ResponseWriter, r *http.Request) {
	var body struct {
		YAML string `json:"yaml"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policies = append(b.policies, body.YAML)
	w.WriteHeader(http.StatusNoContent)
}

func (b *backend) push(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Events []map[string]any `json:"events"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushed = append(b.pushed, body.Events...)
	writeJSON(w, map[string]any{"accepted": true})
}

func isolate(t *testing.T) (project, home string) {
	t.Helper()
	project = t.TempDir()
	home = t.TempDir()
	t.Chdir(project)
	t.Setenv("HOME", home)
	t.Setenv(config.EnvPolicyPath, "")
	return project, home
}

func TestNewWithoutAuthority(t *testing.T) {
	isolate(t)
	core, logs := observer.New(zap.WarnLevel)

	cfg := config.Defaults()
	cfg.Authority.URL = "none"
	cfg.Escalation.Handler = escalation.KindAutoDeny

	a, err := New(context.Background(), &cfg, Options{Logger: zap.New(core)})
	require.NoError(t, err)

	assert.IsType(t, &policy.NoopAuthority{}, a.Authority)
	assert.IsType(t, escalation.AutoDeny{}, a.Escalation)
	assert.Nil(t, a.PolicyServer)
	assert.Nil(t, a.Refresher)
	assert.Equal(t, 1, logs.FilterMessage("no decision authority configured, every tool call is allowed").Len())

	require.NoError(t, a.Start(context.Background()))
	text, results := a.Pipeline.Process(context.Background(), llm.Response{Text: "hello"})
	assert.Equal(t, "hello", text)
	assert.Empty(t, results)

	assert.NoError(t, a.Close(context.Background()))
}

func TestNewRejectsUnknownEscalationHandler(t *testing.T) {
	isolate(t)
	cfg := config.Defaults()
	cfg.Escalation.Handler = "carrier-pigeon"

	_, err := New(context.Background(), &cfg, Options{})
	assert.ErrorContains(t, err, `unknown escalation handler "carrier-pigeon"`)
}

func TestAgentEndToEnd(t *testing.T) {
	project, _ := isolate(t)
	b, url := newBackend(t)

	require.NoError(t, os.MkdirAll(filepath.Join(project, ".chitin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(project, ".chitin", "tools.yaml"), []byte("tools:\n  read_file: {risk: low}\n"), 0o644))

	cfg, err := config.Parse(".json", []byte(`{
		"mcpServers": {"files": {"url": "`+url+`/mcp"}},
		"authority": {"url": "`+url+`"},
		"policy": {"enterprise_url": "`+url+`", "agent_id": "agent-1"},
		"audit": {"sink": "policy_server"},
		"escalation": {"handler": "auto_deny"},
		"tool_defaults": {"unknown_risk": "high"}
	}`))
	require.NoError(t, err)

	ctx := context.Background()
	a, err := New(ctx, cfg, Options{})
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	b.mu.Lock()
	assert.Equal(t, map[string]string{"read_file": "low", "delete_file": "high"}, b.registered)
	require.Len(t, b.policies, 1)
	assert.Contains(t, b.policies[0], "no-deletes")
	b.mu.Unlock()

	_, results := a.Pipeline.Process(ctx, llm.Response{ToolCalls: []llm.ToolCall{
		{ID: "1", Name: "read_file", Input: map[string]any{"path": "/tmp/a"}},
		{ID: "2", Name: "delete_file", Input: map[string]any{"path": "/tmp/a"}},
	}})
	assert.Equal(t, []executor.Result{
		{Type: executor.ResultSuccess, ToolCallID: "1", Content: "contents of /tmp/a"},
		{Type: executor.ResultError, ToolCallID: "2", Content: "Policy denied: deletes are not allowed"},
	}, results)
	assert.Equal(t, 1, a.Batcher.Len())

	require.NoError(t, a.Close(ctx))

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, []string{"read_file"}, b.toolCalls)
	assert.Equal(t, []int{0}, b.records)
	require.Len(t, b.pushed, 1)
	assert.Equal(t, "tool_call", b.pushed[0]["eventType"])
	assert.Equal(t, "Tool read_file executed", b.pushed[0]["content"])
}

func TestStartLogsConnectedServers(t *testing.T) {
	isolate(t)
	_, url := newBackend(t)
	core, logs := observer.New(zap.InfoLevel)

	cfg := config.Defaults()
	cfg.Authority.URL = "none"
	cfg.Escalation.Handler = escalation.KindAutoDeny
	cfg.Reconnect.ConnectConcurrency = 1
	cfg.MCPServers = map[string]config.ServerEntry{
		"files":  {URL: url + "/mcp"},
		"mirror": {URL: url + "/mcp"},
	}

	ctx := context.Background()
	a, err := New(ctx, &cfg, Options{Logger: zap.New(core)})
	require.NoError(t, err)
	defer a.Close(ctx)
	require.NoError(t, a.Start(ctx))

	connected := logs.FilterMessage("connected tool server").All()
	require.Len(t, connected, 2)
	var servers []string
	for _, entry := range connected {
		fields := entry.ContextMap()
		servers = append(servers, fields["server"].(string))
		assert.Equal(t, int64(2), fields["tools"])
		assert.Equal(t, "files", fields["implementation"])
		assert.Equal(t, "1.0.0", fields["implementation_version"])
		assert.Equal(t, "Paths must be absolute.", fields["instructions"])
	}
	assert.ElementsMatch(t, []string{"files", "mirror"}, servers)
}

func TestStartFailsWhenNoServerIsReachable(t *testing.T) {
	isolate(t)
	cfg, err := config.Parse(".yaml", []byte("authority: {url: none}\nescalation: {handler: auto_deny}\nmcpServers:\n  gone: {url: 'http://127.0.0.1:1/mcp'}\n"))
	require.NoError(t, err)

	a, err := New(context.Background(), cfg, Options{})
	require.NoError(t, err)
	defer a.Close(context.Background())

	assert.Error(t, a.Start(context.Background()))
}

func TestSQLiteSpoolAndFlush(t *testing.T) {
	_, home := isolate(t)
	b, url := newBackend(t)

	cfg := config.Defaults()
	cfg.Authority.URL = "none"
	cfg.Escalation.Handler = escalation.KindAutoDeny
	cfg.Audit.Sink = config.SinkSQLite
	cfg.Audit.SQLitePath = "~/spool/audit.db"
	cfg.MCPServers = map[string]config.ServerEntry{"files": {URL: url + "/mcp"}}

	ctx := context.Background()
	a, err := New(ctx, &cfg, Options{})
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	_, results := a.Pipeline.Process(ctx, llm.Response{ToolCalls: []llm.ToolCall{
		{ID: "1", Name: "read_file", Input: map[string]any{"path": "/etc/hosts"}},
	}})
	require.Equal(t, executor.ResultSuccess, results[0].Type)
	require.NoError(t, a.Close(ctx))
	assert.FileExists(t, filepath.Join(home, "spool", "audit.db"))

	_, err = FlushSpool(ctx, &cfg, "test", nil)
	assert.True(t, errdefs.IsInvalidArgument(err))

	cfg.Policy.EnterpriseURL = url
	cfg.Policy.AgentID = "agent-1"
	n, err := FlushSpool(ctx, &cfg, "test", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	b.mu.Lock()
	require.Len(t, b.pushed, 1)
	assert.Equal(t, "Tool read_file executed", b.pushed[0]["content"])
	b.mu.Unlock()

	n, err = FlushSpool(ctx, &cfg, "test", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReload(t *testing.T) {
	isolate(t)
	_, url := newBackend(t)

	cfg := config.Defaults()
	cfg.Authority.URL = "none"
	cfg.Escalation.Handler = escalation.KindAutoDeny

	ctx := context.Background()
	a, err := New(ctx, &cfg, Options{})
	require.NoError(t, err)
	defer a.Close(ctx)
	require.NoError(t, a.Start(ctx))
	assert.Empty(t, a.Tools.ListAllTools())

	next := cfg
	next.MCPServers = map[string]config.ServerEntry{"files": {URL: url + "/mcp"}}
	require.NoError(t, a.Reload(ctx, &next))
	assert.Len(t, a.Tools.ListAllTools(), 2)
}
