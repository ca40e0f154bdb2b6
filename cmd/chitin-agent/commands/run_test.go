package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/chitin-dev/chitin-agent/pkg/config"
	"github.com/chitin-dev/chitin-agent/pkg/executor"
	"github.com/chitin-dev/chitin-agent/pkg/llm"
	"github.com/chitin-dev/chitin-agent/pkg/log"
)

type recordingProcessor struct {
	turns []llm.Response
}

func (p *recordingProcessor) Process(_ context.Context, resp llm.Response) (string, []executor.Result) {
	p.turns = append(p.turns, resp)
	results := []executor.Result{}
	for _, call := range resp.ToolCalls {
		results = append(results, executor.Result{Type: executor.ResultSuccess, ToolCallID: call.ID, Content: "ok " + call.Name})
	}
	return resp.Text, results
}

func decodeLines(t *testing.T, out string) []turnOutput {
	t.Helper()
	var turns []turnOutput
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var turn turnOutput
		require.NoError(t, json.Unmarshal([]byte(line), &turn), line)
		turns = append(turns, turn)
	}
	return turns
}

func TestServe(t *testing.T) {
	in := strings.NewReader(`{"text":"thinking"}

{"tool_calls":[{"id":"c1","name":"read_file","input":{"path":"a.txt"}},{"id":"c2","name":"ls","arguments":"{\"dir\":\".\"}"}]}
`)
	var out bytes.Buffer
	p := &recordingProcessor{}

	require.NoError(t, serve(context.Background(), p, in, &out, zap.NewNop()))

	require.Len(t, p.turns, 2)
	assert.Equal(t, map[string]any{"dir": "."}, p.turns[1].ToolCalls[1].Input)

	turns := decodeLines(t, out.String())
	require.Len(t, turns, 2)
	assert.Equal(t, "thinking", turns[0].Text)
	assert.Empty(t, turns[0].Results)
	assert.Equal(t, []executor.Result{
		{Type: executor.ResultSuccess, ToolCallID: "c1", Content: "ok read_file"},
		{Type: executor.ResultSuccess, ToolCallID: "c2", Content: "ok ls"},
	}, turns[1].Results)
}

func TestServeMalformedTurn(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	in := strings.NewReader("not json\n" + `{"tool_calls":[{"input":{}}]}` + "\n" + `{"text":"after"}` + "\n")
	var out bytes.Buffer
	p := &recordingProcessor{}

	require.NoError(t, serve(context.Background(), p, in, &out, zap.New(core)))

	turns := decodeLines(t, out.String())
	require.Len(t, turns, 3)
	assert.Contains(t, turns[0].Error, "decoding model response")
	assert.Contains(t, turns[1].Error, "tool call 0 has no name")
	assert.Equal(t, "after", turns[2].Text)
	assert.Len(t, p.turns, 1)
	assert.Equal(t, 2, logs.FilterMessage("skipping malformed model turn").Len())
}

func TestServeStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer

	err := serve(ctx, &recordingProcessor{}, strings.NewReader(`{"text":"x"}`+"\n"), &out, zap.NewNop())
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, out.String())
}

func TestRunWithoutServers(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv(config.EnvPolicyPath, "")

	cfg := config.Defaults()
	cfg.Authority.URL = "none"
	cfg.Escalation.Handler = "auto_deny"

	in := strings.NewReader(`{"tool_calls":[{"id":"c1","name":"read_file"}]}` + "\n")
	var out, errOut bytes.Buffer

	require.NoError(t, run(context.Background(), &cfg, runOptions{}, in, &out, &errOut))

	turns := decodeLines(t, out.String())
	require.Len(t, turns, 1)
	require.Len(t, turns[0].Results, 1)
	result := turns[0].Results[0]
	assert.Equal(t, executor.ResultError, result.Type)
	assert.Equal(t, "c1", result.ToolCallID)
	assert.Contains(t, result.Content, "Tool execution failed:")
	assert.Contains(t, result.Content, "read_file")
}

func TestRunWarnsWhenQueuedEscalationsHaveNoApprover(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv(config.EnvPolicyPath, "")

	tests := []struct {
		handler string
		warned  int
	}{
		{handler: "queue", warned: 1},
		{handler: "auto_deny", warned: 0},
	}
	for _, tt := range tests {
		t.Run(tt.handler, func(t *testing.T) {
			core, logs := observer.New(zap.WarnLevel)
			restore := log.Replace(zap.New(core))
			defer restore()

			cfg := config.Defaults()
			cfg.Authority.URL = "none"
			cfg.Escalation.Handler = tt.handler

			var out, errOut bytes.Buffer
			require.NoError(t, run(context.Background(), &cfg, runOptions{}, strings.NewReader(""), &out, &errOut))

			assert.Equal(t, tt.warned, logs.FilterMessageSnippet("has no approver in this process").Len())
		})
	}
}
