package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

type recordedRequest struct {
	Method string
	Params json.RawMessage
}

// fakeTransport answers the handshake from a static tool list and delegates
// tools/call to onCall.
type fakeTransport struct {
	mu            sync.Mutex
	tools         []map[string]any
	connectErr    error
	failList      bool
	onCall        func(name string, args json.RawMessage) (json.RawMessage, error)
	connects      int
	disconnects   int
	connected     bool
	requests      []recordedRequest
	notifications []string
}

func newFakeTransport(toolNames ...string) *fakeTransport {
	f := &fakeTransport{}
	for _, name := range toolNames {
		f.tools = append(f.tools, map[string]any{
			"name":        name,
			"description": "tool " + name,
			"inputSchema": map[string]any{"type": "object"},
		})
	}
	f.onCall = func(name string, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"content":"` + name + ` ok"}`), nil
	}
	return f
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) SendRequest(_ context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: method, Params: raw})
	connected := f.connected
	onCall := f.onCall
	tools := f.tools
	failList := f.failList
	f.mu.Unlock()

	if !connected {
		return nil, &ConnectionError{Err: errors.New("not connected")}
	}

	switch method {
	case "initialize":
		return json.RawMessage(`{"protocolVersion":"2024-11-05","serverInfo":{"name":"fake","version":"1.0.0"},"instructions":"Read before you write."}`), nil
	case "tools/list":
		if failList {
			return nil, &ProtocolError{Code: CodeInternalError, Message: "catalog unavailable"}
		}
		return json.Marshal(map[string]any{"tools": tools})
	case "tools/call":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return onCall(p.Name, p.Arguments)
	default:
		return nil, &ProtocolError{Code: CodeMethodNotFound, Message: "unknown method " + method}
	}
}

func (f *fakeTransport) Notify(_ context.Context, method string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, method)
	return nil
}

func (f *fakeTransport) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	return nil
}

// drop simulates the server going away without the client noticing yet.
func (f *fakeTransport) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeTransport) requestsFor(method string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedRequest
	for _, r := range f.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func noSleep(context.Context, time.Duration) error { return nil }
