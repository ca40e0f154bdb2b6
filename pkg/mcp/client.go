package mcp

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chitin-dev/chitin-agent/pkg/telemetry"
)

// Client aggregates the sessions of every configured tool server and routes
// tool calls to them in configuration order.
type Client struct {
	opts        options
	sessionOpts []Option
	logger      *zap.Logger

	mu       sync.RWMutex
	servers  []ServerConfig
	sessions []*Session
	configs  map[string]ServerConfig
}

func NewClient(servers []ServerConfig, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{
		opts:        o,
		sessionOpts: opts,
		logger:      o.logger,
		servers:     servers,
		configs:     map[string]ServerConfig{},
	}
}

// ConnectAll connects every configured server. Servers that fail are logged
// and left out; the returned error lists them while the rest stay usable.
func (c *Client) ConnectAll(ctx context.Context) error {
	c.mu.RLock()
	servers := append([]ServerConfig(nil), c.servers...)
	c.mu.RUnlock()

	sessions, errs := c.connectEach(ctx, servers)

	c.mu.Lock()
	c.sessions = nil
	c.configs = map[string]ServerConfig{}
	for i, s := range sessions {
		if s != nil {
			c.sessions = append(c.sessions, s)
			c.configs[s.Name()] = servers[i]
		}
	}
	connected := len(c.sessions)
	c.mu.Unlock()

	c.logger.Info("tool servers connected", zap.Int("connected", connected), zap.Int("configured", len(servers)))
	return errors.Join(errs...)
}

func (c *Client) connectEach(ctx context.Context, servers []ServerConfig) ([]*Session, []error) {
	sessions := make([]*Session, len(servers))
	errs := make([]error, len(servers))

	var g errgroup.Group
	if c.opts.connectLimit > 0 {
		g.SetLimit(c.opts.connectLimit)
	}
	for i, cfg := range servers {
		g.Go(func() error {
			sessions[i], errs[i] = c.connect(ctx, cfg)
			return nil
		})
	}
	_ = g.Wait()
	return sessions, errs
}

func (c *Client) connect(ctx context.Context, cfg ServerConfig) (*Session, error) {
	transport, err := c.opts.factory(cfg, c.logger)
	if err != nil {
		c.logger.Warn("cannot build transport", zap.String("server", cfg.Name), zap.Error(err))
		return nil, err
	}

	session := NewSession(cfg.Name, transport, c.sessionOpts...)
	if err := session.Connect(ctx); err != nil {
		c.logger.Warn("failed to connect tool server", zap.String("server", cfg.Name), zap.Error(err))
		return nil, err
	}
	fields := []zap.Field{zap.String("server", cfg.Name), zap.Int("tools", len(session.Tools()))}
	if info := session.ServerInfo(); info != nil {
		fields = append(fields, zap.String("implementation", info.Name), zap.String("implementation_version", info.Version))
	}
	if instructions := session.Instructions(); instructions != "" {
		fields = append(fields, zap.String("instructions", instructions))
	}
	c.logger.Info("connected tool server", fields...)
	return session, nil
}

// Sessions returns the connected-at-least-once sessions in configuration order.
func (c *Client) Sessions() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Session(nil), c.sessions...)
}

// Session returns the session for a server name, or nil.
func (c *Client) Session(name string) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.sessions {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// ListAllTools returns the tools of every connected session. When two servers
// expose the same name, the first one in configuration order wins.
func (c *Client) ListAllTools() []*Tool {
	var tools []*Tool
	seen := map[string]bool{}
	for _, s := range c.Sessions() {
		if s.State() != StateConnected {
			continue
		}
		for _, tool := range s.Tools() {
			if seen[tool.Name] {
				continue
			}
			seen[tool.Name] = true
			tools = append(tools, tool)
		}
	}
	return tools
}

// ToolDefinitions returns ListAllTools in the form model adapters consume.
func (c *Client) ToolDefinitions() []*mcpsdk.Tool {
	tools := c.ListAllTools()
	defs := make([]*mcpsdk.Tool, 0, len(tools))
	for _, tool := range tools {
		defs = append(defs, tool.Definition())
	}
	return defs
}

// CallTool routes a call to the first connected session exposing name. It
// falls through to the next candidate only when a session is unusable,
// unless WithFallthroughOnAnyError is set.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	var candidates []*Session
	for _, s := range c.Sessions() {
		if s.HasTool(name) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil, &ToolNotFoundError{Tool: name}
	}

	var lastErr error
	for _, s := range candidates {
		start := time.Now()
		telemetry.RecordToolCall(ctx, s.Name(), name)
		result, err := s.CallTool(ctx, name, args)
		telemetry.RecordToolDuration(ctx, s.Name(), name, float64(time.Since(start).Milliseconds()))
		if err == nil {
			return result, nil
		}
		telemetry.RecordToolError(ctx, s.Name(), name, errorKind(err))

		if ctx.Err() != nil || !c.shouldFallThrough(err) {
			return nil, err
		}
		c.logger.Warn("tool call failed, trying next server", zap.String("server", s.Name()), zap.String("tool", name), zap.Error(err))
		lastErr = err
	}
	return nil, &ToolNotFoundError{Tool: name, Err: lastErr}
}

func (c *Client) shouldFallThrough(err error) bool {
	return c.opts.fallthroughAny || IsTransportFailure(err) || errdefs.IsNotFound(err)
}

// DisconnectAll disconnects every session and forgets them. Individual
// failures are logged and returned joined.
func (c *Client) DisconnectAll(ctx context.Context) error {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = nil
	c.configs = map[string]ServerConfig{}
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Disconnect(ctx); err != nil {
			c.logger.Warn("failed to disconnect tool server", zap.String("server", s.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Reconcile moves the client to a new server set: unchanged connected
// servers are kept, removed or changed ones are disconnected and new or
// changed ones are connected.
func (c *Client) Reconcile(ctx context.Context, servers []ServerConfig) error {
	c.mu.RLock()
	current := map[string]*Session{}
	for _, s := range c.sessions {
		current[s.Name()] = s
	}
	configs := c.configs
	c.mu.RUnlock()

	wanted := map[string]bool{}
	var toConnect []ServerConfig
	for _, cfg := range servers {
		wanted[cfg.Name] = true
		s, ok := current[cfg.Name]
		if ok && s.State() == StateConnected && reflect.DeepEqual(configs[cfg.Name], cfg) {
			continue
		}
		toConnect = append(toConnect, cfg)
	}

	for name, s := range current {
		keep := wanted[name]
		for _, cfg := range toConnect {
			if cfg.Name == name {
				keep = false
			}
		}
		if keep {
			continue
		}
		if err := s.Disconnect(ctx); err != nil {
			c.logger.Warn("failed to disconnect tool server", zap.String("server", name), zap.Error(err))
		}
		delete(current, name)
	}

	connected, errs := c.connectEach(ctx, toConnect)
	newConfigs := map[string]ServerConfig{}
	for i, s := range connected {
		if s != nil {
			current[s.Name()] = s
			newConfigs[s.Name()] = toConnect[i]
		}
	}

	c.mu.Lock()
	c.servers = servers
	c.sessions = nil
	c.configs = map[string]ServerConfig{}
	for _, cfg := range servers {
		s, ok := current[cfg.Name]
		if !ok {
			continue
		}
		c.sessions = append(c.sessions, s)
		if nc, ok := newConfigs[cfg.Name]; ok {
			c.configs[cfg.Name] = nc
		} else {
			c.configs[cfg.Name] = configs[cfg.Name]
		}
	}
	c.mu.Unlock()

	c.logger.Info("tool servers reconciled", zap.Int("connected", len(c.Sessions())), zap.Int("configured", len(servers)))
	return errors.Join(errs...)
}

func errorKind(err error) string {
	var (
		protoErr  *ProtocolError
		notFound  *ToolNotFoundError
		exhausted *ReconnectExhaustedError
	)
	switch {
	case errors.As(err, &exhausted):
		return "reconnect_exhausted"
	case IsConnectionError(err):
		return "connection"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &protoErr):
		return "protocol"
	default:
		return "other"
	}
}
