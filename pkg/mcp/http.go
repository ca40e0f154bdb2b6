package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const sessionIDHeader = "Mcp-Session-Id"

// HTTPTransport posts each envelope to the server URL and reads the reply
// from the response body.
type HTTPTransport struct {
	server string
	url    string
	client *http.Client
	logger *zap.Logger

	nextID atomic.Int64

	mu        sync.Mutex
	connected bool
	sessionID string
}

func NewHTTPTransport(cfg ServerConfig, logger *zap.Logger) *HTTPTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{
		server: cfg.Name,
		url:    cfg.URL,
		client: newHTTPClient(cfg),
		logger: logger.With(zap.String("server", cfg.Name), zap.String("transport", TransportHTTP)),
	}
}

func (t *HTTPTransport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *HTTPTransport) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil, connectionError(t.server, "not connected")
	}

	id := t.nextID.Add(1)
	resp, header, err := postEnvelope(ctx, t.client, t.server, t.url, newRequest(id, method, params), t.headers())
	if err != nil {
		return nil, err
	}
	if sid := header.Get(sessionIDHeader); sid != "" && sid != t.sessionID {
		t.logger.Debug("server assigned session", zap.String("session_id", sid))
		t.sessionID = sid
	}
	return resp.unwrap()
}

func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return connectionError(t.server, "not connected")
	}
	_, _, err := postEnvelope(ctx, t.client, t.server, t.url, newNotification(method, params), t.headers())
	return err
}

func (t *HTTPTransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	t.sessionID = ""
	t.client.CloseIdleConnections()
	return nil
}

func (t *HTTPTransport) headers() http.Header {
	h := http.Header{}
	if t.sessionID != "" {
		h.Set(sessionIDHeader, t.sessionID)
	}
	return h
}

// postEnvelope sends one envelope as a JSON body. Notifications return a nil
// response. Network failures are ConnectionErrors; a non-success status is a
// ProtocolError carrying the body.
func postEnvelope(ctx context.Context, client *http.Client, server, endpoint string, msg request, extra http.Header) (*response, http.Header, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal %s request: %w", msg.Method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, &ConnectionError{Server: server, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &ConnectionError{Server: server, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if msg.ID == nil {
		if resp.StatusCode >= 300 {
			return nil, resp.Header, &ProtocolError{Code: resp.StatusCode, Message: httpErrorMessage(resp.StatusCode, respBody)}
		}
		return nil, resp.Header, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.Header, &ProtocolError{Code: resp.StatusCode, Message: httpErrorMessage(resp.StatusCode, respBody)}
	}

	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType == "text/event-stream" {
		decoded, err := responseFromEventStream(respBody, *msg.ID)
		return decoded, resp.Header, err
	}

	decoded, err := decodeResponse(respBody)
	return decoded, resp.Header, err
}

// responseFromEventStream picks the reply for id out of an event-stream body.
func responseFromEventStream(body []byte, id int64) (*response, error) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var data strings.Builder
	flush := func() *response {
		defer data.Reset()
		if data.Len() == 0 {
			return nil
		}
		resp, err := decodeResponse([]byte(data.String()))
		if err != nil || !resp.matches(id) {
			return nil
		}
		return resp
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp := flush(); resp != nil {
				return resp, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if resp := flush(); resp != nil {
		return resp, nil
	}
	return nil, &ProtocolError{Code: CodeInternalError, Message: fmt.Sprintf("no response for request %d in event stream", id)}
}

func httpErrorMessage(status int, body []byte) string {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	const limit = 512
	if len(msg) > limit {
		msg = msg[:limit] + "..."
	}
	return fmt.Sprintf("HTTP %d: %s", status, msg)
}

var _ Transport = (*HTTPTransport)(nil)
