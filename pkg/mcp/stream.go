package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chitin-dev/chitin-agent/pkg/retry"
)

const (
	streamConnectAttempts = 3
	streamConnectDelay    = 250 * time.Millisecond
)

// StreamTransport keeps a server-sent event stream open for the lifetime of
// the connection and posts requests to a companion endpoint derived from the
// stream URL ("/sse" becomes "/rpc").
type StreamTransport struct {
	server string
	url    string
	rpcURL string
	client *http.Client
	logger *zap.Logger

	nextID atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	body   io.ReadCloser
	done   chan struct{}
}

func NewStreamTransport(cfg ServerConfig, logger *zap.Logger) (*StreamTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rpcURL, err := companionURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("server %s: invalid url: %w", cfg.Name, err)
	}
	return &StreamTransport{
		server: cfg.Name,
		url:    cfg.URL,
		rpcURL: rpcURL,
		client: newHTTPClient(cfg),
		logger: logger.With(zap.String("server", cfg.Name), zap.String("transport", TransportSSE)),
	}, nil
}

// companionURL swaps the first "/sse" path element for "/rpc".
func companionURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u.Path = strings.Replace(u.Path, "/sse", "/rpc", 1)
	if u.RawPath != "" {
		u.RawPath = strings.Replace(u.RawPath, "/sse", "/rpc", 1)
	}
	return u.String(), nil
}

func (t *StreamTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.body != nil {
		return nil
	}

	return retry.If(ctx, streamConnectAttempts, streamConnectDelay, t.openStream, IsConnectionError)
}

func (t *StreamTransport) openStream(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.url, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ConnectionError{Server: t.server, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return connectionError(t.server, "stream returned HTTP %d", resp.StatusCode)
	}

	t.cancel = cancel
	t.body = resp.Body
	t.done = make(chan struct{})
	go t.consume(resp.Body, t.done)
	return nil
}

// consume reads the event stream until it closes. Replies travel on the POST
// response bodies, so events are only logged.
func (t *StreamTransport) consume(body io.Reader, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	event := "message"
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = "message"
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			t.logger.Debug("stream event", zap.String("event", event), zap.String("data", strings.TrimSpace(strings.TrimPrefix(line, "data:"))))
		}
	}
	t.logger.Debug("event stream ended")
}

func (t *StreamTransport) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.body == nil {
		return nil, connectionError(t.server, "not connected")
	}

	id := t.nextID.Add(1)
	resp, _, err := postEnvelope(ctx, t.client, t.server, t.rpcURL, newRequest(id, method, params), nil)
	if err != nil {
		return nil, err
	}
	return resp.unwrap()
}

func (t *StreamTransport) Notify(ctx context.Context, method string, params any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.body == nil {
		return connectionError(t.server, "not connected")
	}
	_, _, err := postEnvelope(ctx, t.client, t.server, t.rpcURL, newNotification(method, params), nil)
	return err
}

func (t *StreamTransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.body == nil {
		return nil
	}
	t.cancel()
	_ = t.body.Close()
	<-t.done
	t.body = nil
	t.cancel = nil
	return nil
}

var _ Transport = (*StreamTransport)(nil)
