package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "CHITIN_WANT_HELPER_PROCESS"

// helperServer returns a config that re-executes the test binary as a line
// delimited tool server running in the given mode.
func helperServer(t *testing.T, mode string, extraEnv map[string]string) ServerConfig {
	t.Helper()
	env := map[string]string{helperEnv: "1"}
	for k, v := range extraEnv {
		env[k] = v
	}
	return ServerConfig{
		Name:      "helper",
		Transport: TransportStdio,
		Command:   []string{os.Args[0], "-test.run=^TestHelperProcess$", "--", mode},
		Env:       env,
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	defer os.Exit(0)
	runHelperServer(os.Stdin, os.Stdout, os.Args[len(os.Args)-1])
}

func runHelperServer(in io.Reader, out io.Writer, mode string) {
	reader := bufio.NewReader(in)
	write := func(v any) {
		data, _ := json.Marshal(v)
		_, _ = fmt.Fprintf(out, "%s\n", data)
	}

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &req); err != nil || req.ID == nil {
			continue
		}

		// Noise a real server may interleave with replies.
		_, _ = fmt.Fprintln(out, "starting up...")
		write(map[string]any{"jsonrpc": "2.0", "method": "notifications/message", "params": map[string]any{"level": "info"}})

		switch req.Method {
		case "initialize":
			write(map[string]any{"jsonrpc": "2.0", "id": *req.ID, "result": map[string]any{
				"protocolVersion": "2024-11-05",
				"serverInfo":      map[string]any{"name": "helper", "version": "0.0.1"},
			}})
		case "tools/list":
			write(map[string]any{"jsonrpc": "2.0", "id": *req.ID, "result": map[string]any{
				"tools": []any{map[string]any{"name": "echo", "inputSchema": map[string]any{"type": "object"}}},
			}})
		case "ping":
			write(map[string]any{"jsonrpc": "2.0", "id": *req.ID, "result": map[string]any{"seen": *req.ID}})
		case "tools/call":
			switch mode {
			case "crash":
				return
			case "crash-once":
				marker := os.Getenv("CHITIN_HELPER_MARKER")
				if _, err := os.Stat(marker); errors.Is(err, os.ErrNotExist) {
					_ = os.WriteFile(marker, []byte("crashed"), 0o644)
					return
				}
			case "hang":
				time.Sleep(time.Minute)
				return
			case "error":
				write(map[string]any{"jsonrpc": "2.0", "id": *req.ID, "error": map[string]any{"code": -32000, "message": "tool exploded"}})
				continue
			}
			var p struct {
				Arguments json.RawMessage `json:"arguments"`
			}
			_ = json.Unmarshal(req.Params, &p)
			write(map[string]any{"jsonrpc": "2.0", "id": *req.ID, "result": map[string]any{
				"content": []any{map[string]any{"type": "text", "text": string(p.Arguments)}},
			}})
		default:
			write(map[string]any{"jsonrpc": "2.0", "id": *req.ID, "error": map[string]any{"code": CodeMethodNotFound, "message": "unknown"}})
		}
	}
}

func TestPipeTransportRequestResponse(t *testing.T) {
	tr := NewPipeTransport(helperServer(t, "normal", nil), nil)
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Disconnect(ctx)

	for want := int64(1); want <= 3; want++ {
		raw, err := tr.SendRequest(ctx, "ping", nil)
		require.NoError(t, err)
		assert.JSONEq(t, fmt.Sprintf(`{"seen":%d}`, want), string(raw))
	}

	raw, err := tr.SendRequest(ctx, "tools/call", map[string]any{"name": "echo", "arguments": map[string]any{"msg": "hi"}})
	require.NoError(t, err)
	var result CallResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.JSONEq(t, `{"msg":"hi"}`, result.Text())
}

func TestPipeTransportErrorField(t *testing.T) {
	tr := NewPipeTransport(helperServer(t, "error", nil), nil)
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Disconnect(ctx)

	_, err := tr.SendRequest(ctx, "tools/call", map[string]any{"name": "echo"})
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "tool exploded", protoErr.Message)
	assert.Equal(t, -32000, protoErr.Code)
}

func TestPipeTransportServerClosed(t *testing.T) {
	tr := NewPipeTransport(helperServer(t, "crash", nil), nil)
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Disconnect(ctx)

	_, err := tr.SendRequest(ctx, "tools/call", map[string]any{"name": "echo"})
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Contains(t, connErr.Error(), "server closed")
}

func TestPipeTransportNotConnected(t *testing.T) {
	tr := NewPipeTransport(helperServer(t, "normal", nil), nil)
	_, err := tr.SendRequest(context.Background(), "ping", nil)
	assert.True(t, IsConnectionError(err))
}

func TestPipeTransportCancelTearsDownProcess(t *testing.T) {
	tr := NewPipeTransport(helperServer(t, "hang", nil), nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := tr.SendRequest(ctx, "tools/call", map[string]any{"name": "echo"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = tr.SendRequest(context.Background(), "ping", nil)
	assert.True(t, IsConnectionError(err))
}

func TestSessionOverPipeRecoversFromClosedPipe(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "crashed")
	cfg := helperServer(t, "crash-once", map[string]string{"CHITIN_HELPER_MARKER": marker})

	s := NewSession(cfg.Name, NewPipeTransport(cfg, nil), withSleep(noSleep))
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	defer s.Disconnect(ctx)
	require.True(t, s.HasTool("echo"))

	result, err := s.CallTool(ctx, "echo", map[string]any{"attempt": "second"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"attempt":"second"}`, result.Text())
	assert.Equal(t, StateConnected, s.State())
	assert.FileExists(t, marker)
}
