package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompanionURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://localhost:8080/sse", "http://localhost:8080/rpc"},
		{"https://tools.example.com/mcp/sse?key=1", "https://tools.example.com/mcp/rpc?key=1"},
		{"http://localhost:8080/events", "http://localhost:8080/events"},
	}
	for _, tc := range tests {
		got, err := companionURL(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestStreamTransport(t *testing.T) {
	rpc := &rpcServer{handler: func(w http.ResponseWriter, id int64, method string, _ json.RawMessage) {
		writeResult(w, id, map[string]any{"method": method})
	}}

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: endpoint\ndata: /rpc\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	mux.Handle("/rpc", rpc)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr, err := NewStreamTransport(ServerConfig{Name: "streamed", URL: srv.URL + "/sse"}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))

	raw, err := tr.SendRequest(ctx, "tools/list", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"tools/list"}`, string(raw))
	require.NoError(t, tr.Notify(ctx, "notifications/initialized", nil))

	_, err = tr.SendRequest(ctx, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, rpc.ids)

	require.NoError(t, tr.Disconnect(ctx))
	_, err = tr.SendRequest(ctx, "ping", nil)
	assert.True(t, IsConnectionError(err))
}

func TestStreamTransportConnectRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr, err := NewStreamTransport(ServerConfig{Name: "streamed", URL: srv.URL + "/sse"}, nil)
	require.NoError(t, err)

	err = tr.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
}
