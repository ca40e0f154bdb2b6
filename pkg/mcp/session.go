package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/chitin-dev/chitin-agent/pkg/telemetry"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is the connection to one tool server: handshake, discovered tools
// and reconnect bookkeeping. Operations on a session are serialized.
type Session struct {
	name      string
	transport Transport
	opts      options
	logger    *zap.Logger

	// op serializes Connect, CallTool, Reconnect and Disconnect.
	op sync.Mutex

	mu                sync.RWMutex
	state             State
	tools             map[string]*Tool
	order             []string
	serverInfo        *mcpsdk.Implementation
	instructions      string
	reconnectAttempts int
}

func NewSession(name string, transport Transport, opts ...Option) *Session {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Session{
		name:      name,
		transport: transport,
		opts:      o,
		logger:    o.logger.With(zap.String("server", name)),
		tools:     map[string]*Tool{},
	}
}

func (s *Session) Name() string { return s.name }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) ReconnectAttempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnectAttempts
}

// ServerInfo is the identity the server reported during initialize.
func (s *Session) ServerInfo() *mcpsdk.Implementation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverInfo
}

// Instructions is the usage hint the server returned during initialize.
func (s *Session) Instructions() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instructions
}

// Tools returns the discovered tools in server order.
func (s *Session) Tools() []*Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tools := make([]*Tool, 0, len(s.order))
	for _, name := range s.order {
		tools = append(tools, s.tools[name])
	}
	return tools
}

// HasTool reports whether the session is connected and exposes name.
func (s *Session) HasTool(name string) bool {
	_, ok := s.lookup(name)
	return ok
}

func (s *Session) lookup(name string) (*Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateConnected {
		return nil, false
	}
	tool, ok := s.tools[name]
	return tool, ok
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state == StateDisconnected {
		s.disconnectedLocked()
		return
	}
	s.state = state
}

// disconnectedLocked moves to StateDisconnected. A disconnected session
// exposes no tools.
func (s *Session) disconnectedLocked() {
	s.state = StateDisconnected
	s.tools = map[string]*Tool{}
	s.order = nil
}

// Connect opens the transport, runs the initialize handshake and discovers
// tools. A session that exhausted its reconnect budget refuses to connect
// until ResetReconnect is called.
func (s *Session) Connect(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	if s.reconnectAttempts > 0 && s.reconnectAttempts >= s.opts.maxReconnect {
		attempts := s.reconnectAttempts
		s.disconnectedLocked()
		s.mu.Unlock()
		return &ReconnectExhaustedError{Server: s.name, Attempts: attempts}
	}
	s.state = StateConnecting
	s.mu.Unlock()

	return s.connect(ctx)
}

// connect runs the handshake from StateConnecting or StateReconnecting.
func (s *Session) connect(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("connecting to %s: %w", s.name, err)
	}

	info, err := s.initialize(ctx)
	if err != nil {
		s.abort(ctx)
		return fmt.Errorf("initializing %s: %w", s.name, err)
	}

	tools, order, err := s.listTools(ctx)
	if err != nil {
		s.abort(ctx)
		return fmt.Errorf("listing tools of %s: %w", s.name, err)
	}

	for _, name := range order {
		if serr := tools[name].SchemaError(); serr != nil {
			s.logger.Warn("tool input schema unusable, arguments will not be validated", zap.String("tool", name), zap.Error(serr))
		}
	}

	s.mu.Lock()
	s.state = StateConnected
	s.tools = tools
	s.order = order
	s.reconnectAttempts = 0
	if info != nil {
		s.serverInfo = info.ServerInfo
		s.instructions = info.Instructions
	}
	s.mu.Unlock()

	s.logger.Debug("connected", zap.Int("tools", len(order)))
	return nil
}

func (s *Session) abort(ctx context.Context) {
	if err := s.transport.Disconnect(ctx); err != nil {
		s.logger.Debug("disconnect after failed handshake", zap.Error(err))
	}
	s.setState(StateDisconnected)
}

func (s *Session) initialize(ctx context.Context) (*mcpsdk.InitializeResult, error) {
	params := &mcpsdk.InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    &mcpsdk.ClientCapabilities{},
		ClientInfo:      s.opts.clientInfo,
	}
	raw, err := s.transport.SendRequest(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}

	var result mcpsdk.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		s.logger.Debug("unreadable initialize result", zap.Error(err))
		return nil, nil
	}
	if result.ProtocolVersion != "" && result.ProtocolVersion != ProtocolVersion {
		s.logger.Debug("server negotiated a different protocol version", zap.String("version", result.ProtocolVersion))
	}

	if err := s.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		s.logger.Debug("initialized notification failed", zap.Error(err))
	}
	return &result, nil
}

type listToolsResult struct {
	Tools      []*Tool `json:"tools"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

func (s *Session) listTools(ctx context.Context) (map[string]*Tool, []string, error) {
	tools := map[string]*Tool{}
	var order []string

	var cursor string
	for {
		var params any
		if cursor != "" {
			params = &mcpsdk.ListToolsParams{Cursor: cursor}
		}
		raw, err := s.transport.SendRequest(ctx, "tools/list", params)
		if err != nil {
			return nil, nil, err
		}

		var page listToolsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, nil, &ProtocolError{Code: CodeParseError, Message: fmt.Sprintf("invalid tools/list result: %v", err)}
		}
		for _, tool := range page.Tools {
			if tool == nil || tool.Name == "" {
				continue
			}
			tool.Server = s.name
			if _, seen := tools[tool.Name]; !seen {
				order = append(order, tool.Name)
			}
			tools[tool.Name] = tool
		}

		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}

	telemetry.RecordToolList(ctx, s.name, len(order))
	return tools, order, nil
}

// CallTool invokes name on the server. A connection failure triggers one
// reconnect followed by a single retry; a second failure is returned.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	s.op.Lock()
	defer s.op.Unlock()

	tool, ok := s.lookup(name)
	if !ok {
		return nil, &ToolNotFoundError{Tool: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := tool.ValidateArguments(args); err != nil {
		return nil, &ProtocolError{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid arguments for %s: %v", name, err)}
	}

	result, err := s.call(ctx, name, args)
	if err == nil || !IsConnectionError(err) || ctx.Err() != nil {
		return result, err
	}

	s.logger.Warn("connection lost during tool call, reconnecting", zap.String("tool", name), zap.Error(err))
	if err := s.reconnect(ctx); err != nil {
		return nil, err
	}
	return s.call(ctx, name, args)
}

func (s *Session) call(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	raw, err := s.transport.SendRequest(ctx, "tools/call", &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}

	var result CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ProtocolError{Code: CodeParseError, Message: fmt.Sprintf("invalid tools/call result: %v", err)}
	}
	return &result, nil
}

// Reconnect tears the connection down and connects again after the
// configured delay.
func (s *Session) Reconnect(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()
	return s.reconnect(ctx)
}

func (s *Session) reconnect(ctx context.Context) error {
	s.mu.Lock()
	s.reconnectAttempts++
	attempts := s.reconnectAttempts
	if attempts > s.opts.maxReconnect {
		s.disconnectedLocked()
		s.mu.Unlock()
		return &ReconnectExhaustedError{Server: s.name, Attempts: attempts - 1}
	}
	s.state = StateReconnecting
	s.mu.Unlock()

	telemetry.RecordReconnect(ctx, s.name, attempts)
	s.logger.Info("reconnecting", zap.Int("attempt", attempts), zap.Int("max_attempts", s.opts.maxReconnect))

	if err := s.transport.Disconnect(ctx); err != nil {
		s.logger.Debug("disconnect before reconnect", zap.Error(err))
	}
	if err := s.opts.sleep(ctx, s.opts.reconnectDelay); err != nil {
		s.setState(StateDisconnected)
		return err
	}
	return s.connect(ctx)
}

// ResetReconnect clears the reconnect counter so Connect is allowed again.
func (s *Session) ResetReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectAttempts = 0
}

func (s *Session) Disconnect(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	err := s.transport.Disconnect(ctx)

	s.mu.Lock()
	s.disconnectedLocked()
	s.mu.Unlock()

	return err
}
