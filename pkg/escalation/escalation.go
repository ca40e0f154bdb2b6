// Package escalation asks a human to approve tool calls that the decision
// authority will not resolve on its own.
package escalation

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/chitin-dev/chitin-agent/pkg/policy"
)

const (
	KindTerminal = "terminal"
	KindAutoDeny = "auto_deny"
	KindQueue    = "queue"

	DefaultTimeout = 300 * time.Second
)

// Request describes the escalated tool call.
type Request struct {
	ToolCallID string         `json:"tool_call_id"`
	Tool       string         `json:"tool"`
	Arguments  map[string]any `json:"arguments"`
}

// Handler decides escalations. A denial is reported as false, never as an
// error; errors mean the handler itself could not operate.
type Handler interface {
	Decide(ctx context.Context, req Request, reason string, trace policy.Trace) (bool, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request, reason string, trace policy.Trace) (bool, error)

func (f HandlerFunc) Decide(ctx context.Context, req Request, reason string, trace policy.Trace) (bool, error) {
	return f(ctx, req, reason, trace)
}

// AutoDeny rejects every escalation.
type AutoDeny struct {
	Logger *zap.Logger
}

func (a AutoDeny) Decide(_ context.Context, req Request, reason string, _ policy.Trace) (bool, error) {
	if a.Logger != nil {
		a.Logger.Info("escalation denied automatically", zap.String("tool", req.Tool), zap.String("reason", reason))
	}
	return false, nil
}

// Options configure New.
type Options struct {
	Timeout time.Duration
	In      io.Reader
	Out     io.Writer
	Logger  *zap.Logger
}

// New builds the handler named by kind.
func New(kind string, opts Options) (Handler, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	switch kind {
	case KindTerminal, "":
		if opts.In == nil {
			opts.In = os.Stdin
		}
		if opts.Out == nil {
			opts.Out = os.Stderr
		}
		return NewTerminal(opts.In, opts.Out, opts.Timeout), nil
	case KindAutoDeny:
		return AutoDeny{Logger: opts.Logger}, nil
	case KindQueue:
		return NewQueue(opts.Timeout, WithQueueLogger(opts.Logger)), nil
	}
	return nil, fmt.Errorf("unknown escalation handler %q", kind)
}
