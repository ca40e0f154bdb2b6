package mcp

import (
	"context"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/chitin-dev/chitin-agent/pkg/retry"
)

// ProtocolVersion is the protocol revision announced during initialize.
const ProtocolVersion = "2024-11-05"

const (
	DefaultMaxReconnectAttempts = 3
	DefaultReconnectDelay       = time.Second
	DefaultConnectConcurrency   = 8
)

type options struct {
	logger         *zap.Logger
	clientInfo     *mcpsdk.Implementation
	maxReconnect   int
	reconnectDelay time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	factory        TransportFactory
	fallthroughAny bool
	connectLimit   int
}

// Option configures sessions and clients.
type Option func(*options)

func defaultOptions() options {
	return options{
		logger:         zap.NewNop(),
		clientInfo:     &mcpsdk.Implementation{Name: "chitin-agent", Version: "dev"},
		maxReconnect:   DefaultMaxReconnectAttempts,
		reconnectDelay: DefaultReconnectDelay,
		sleep:          retry.Sleep,
		factory:        NewTransport,
		connectLimit:   DefaultConnectConcurrency,
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClientInfo sets the identity sent during initialize.
func WithClientInfo(name, version string) Option {
	return func(o *options) {
		o.clientInfo = &mcpsdk.Implementation{Name: name, Version: version}
	}
}

// WithReconnect sets how many consecutive reconnects a session may attempt and
// the fixed delay before each of them.
func WithReconnect(maxAttempts int, delay time.Duration) Option {
	return func(o *options) {
		o.maxReconnect = maxAttempts
		o.reconnectDelay = delay
	}
}

// WithTransportFactory replaces NewTransport when the client builds sessions.
func WithTransportFactory(factory TransportFactory) Option {
	return func(o *options) {
		o.factory = factory
	}
}

// WithFallthroughOnAnyError makes the client try the next server exposing a
// tool after any failure, not only transport failures.
func WithFallthroughOnAnyError(enabled bool) Option {
	return func(o *options) {
		o.fallthroughAny = enabled
	}
}

// WithConnectConcurrency bounds how many servers ConnectAll dials at once.
// Zero or less leaves it unbounded.
func WithConnectConcurrency(n int) Option {
	return func(o *options) {
		o.connectLimit = n
	}
}

func withSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(o *options) {
		o.sleep = sleep
	}
}
