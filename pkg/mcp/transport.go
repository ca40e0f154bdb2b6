package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Transport moves JSON-RPC envelopes between this process and one tool server.
// Implementations assign per-transport, monotonically increasing request ids.
type Transport interface {
	Connect(ctx context.Context) error
	// SendRequest sends method with optional params and returns the raw result.
	SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error)
	// Notify sends a message that expects no response.
	Notify(ctx context.Context, method string, params any) error
	Disconnect(ctx context.Context) error
}

const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
	TransportHTTP  = "http"
)

// ServerConfig describes how to reach one tool server.
type ServerConfig struct {
	Name      string            `json:"name" yaml:"name"`
	Transport string            `json:"transport" yaml:"transport"`
	Command   []string          `json:"command,omitempty" yaml:"command,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir       string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	// BearerToken is sent as an Authorization header on network transports.
	BearerToken string `json:"-" yaml:"-"`
}

// TransportFactory builds the transport for a server configuration.
type TransportFactory func(cfg ServerConfig, logger *zap.Logger) (Transport, error)

// NewTransport selects the transport variant named by cfg.Transport.
func NewTransport(cfg ServerConfig, logger *zap.Logger) (Transport, error) {
	switch strings.ToLower(cfg.Transport) {
	case TransportStdio, "":
		if len(cfg.Command) == 0 {
			return nil, fmt.Errorf("server %s: stdio transport requires a command", cfg.Name)
		}
		return NewPipeTransport(cfg, logger), nil
	case TransportSSE:
		if cfg.URL == "" {
			return nil, fmt.Errorf("server %s: sse transport requires a url", cfg.Name)
		}
		return NewStreamTransport(cfg, logger)
	case TransportHTTP, "streamable", "streamable-http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("server %s: http transport requires a url", cfg.Name)
		}
		return NewHTTPTransport(cfg, logger), nil
	default:
		return nil, fmt.Errorf("server %s: unsupported transport: %s", cfg.Name, cfg.Transport)
	}
}
