// Package policyserver talks to the enterprise policy server: agent
// enrollment, policy distribution and audit collection.
package policyserver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"go.uber.org/zap"

	"github.com/chitin-dev/chitin-agent/pkg/audit"
	"github.com/chitin-dev/chitin-agent/pkg/httpapi"
	"github.com/chitin-dev/chitin-agent/pkg/retry"
)

const (
	defaultEnrollAttempts = 3
	defaultEnrollDelay    = time.Second
)

// Enrollment is the server's answer to an enrollment request.
type Enrollment map[string]any

// PushResult is the server's answer to an audit push.
type PushResult map[string]any

type Client struct {
	api     *httpapi.RawClient
	agentID string
	tags    []string
	logger  *zap.Logger

	enrollAttempts int
	enrollDelay    time.Duration

	mu       sync.Mutex
	enrolled bool
}

type Option func(*options)

type options struct {
	api            []httpapi.Option
	logger         *zap.Logger
	enrollAttempts int
	enrollDelay    time.Duration
}

func WithToken(token string) Option {
	return func(o *options) { o.api = append(o.api, httpapi.WithToken(token)) }
}

func WithHTTPOptions(opts ...httpapi.Option) Option {
	return func(o *options) { o.api = append(o.api, opts...) }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEnrollRetry sets how often enrollment is attempted while the server is
// unavailable.
func WithEnrollRetry(attempts int, delay time.Duration) Option {
	return func(o *options) {
		o.enrollAttempts = attempts
		o.enrollDelay = delay
	}
}

func NewClient(baseURL, agentID string, tags []string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("policy server url not configured: %w", errdefs.ErrInvalidArgument)
	}

	o := options{
		logger:         zap.NewNop(),
		enrollAttempts: defaultEnrollAttempts,
		enrollDelay:    defaultEnrollDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Client{
		api:            httpapi.New(baseURL, o.api...),
		agentID:        agentID,
		tags:           tags,
		logger:         o.logger.With(zap.String("agent_id", agentID)),
		enrollAttempts: o.enrollAttempts,
		enrollDelay:    o.enrollDelay,
	}, nil
}

func (c *Client) AgentID() string { return c.agentID }

// Enroll registers the agent and its capabilities.
func (c *Client) Enroll(ctx context.Context) (Enrollment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enrollLocked(ctx)
}

func (c *Client) enrollLocked(ctx context.Context) (Enrollment, error) {
	if c.agentID == "" {
		return nil, fmt.Errorf("agent id required for enrollment: %w", errdefs.ErrInvalidArgument)
	}

	tags := c.tags
	if tags == nil {
		tags = []string{}
	}
	body := map[string]any{
		"agent_id": c.agentID,
		"tags":     tags,
		"capabilities": map[string]bool{
			"policy_refresh": true,
			"audit_push":     true,
		},
	}

	var result Enrollment
	err := retry.If(ctx, c.enrollAttempts, c.enrollDelay, func(ctx context.Context) error {
		return c.api.Post(ctx, "/api/v1/agents/enroll", body, &result)
	}, errdefs.IsUnavailable)
	if err != nil {
		return nil, fmt.Errorf("enrollment failed: %w", err)
	}

	c.enrolled = true
	c.logger.Info("agent enrolled with policy server")
	return result, nil
}

func (c *Client) ensureEnrolled(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enrolled {
		return nil
	}
	_, err := c.enrollLocked(ctx)
	return err
}

// FetchPolicies returns the policies assigned to this agent, enrolling
// first if needed.
func (c *Client) FetchPolicies(ctx context.Context) ([]map[string]any, error) {
	if err := c.ensureEnrolled(ctx); err != nil {
		return nil, err
	}

	query := url.Values{
		"agent_id": {c.agentID},
		"tags":     {strings.Join(c.tags, ",")},
	}
	var result struct {
		Policies []map[string]any `json:"policies"`
	}
	if err := c.api.GetWithQuery(ctx, "/api/v1/policies", query, &result); err != nil {
		return nil, fmt.Errorf("policy fetch failed: %w", err)
	}
	return result.Policies, nil
}

// PushAuditEvents delivers one batch of audit events.
func (c *Client) PushAuditEvents(ctx context.Context, events []audit.Event) (PushResult, error) {
	if err := c.ensureEnrolled(ctx); err != nil {
		return nil, err
	}

	body := struct {
		AgentID string        `json:"agent_id"`
		Events  []audit.Event `json:"events"`
	}{c.agentID, events}

	var result PushResult
	if err := c.api.Post(ctx, "/api/v1/audit/push", body, &result); err != nil {
		return nil, fmt.Errorf("audit push failed: %w", err)
	}
	return result, nil
}

// Push makes the client an audit sink.
func (c *Client) Push(ctx context.Context, events []audit.Event) error {
	result, err := c.PushAuditEvents(ctx, events)
	if err != nil {
		return err
	}
	if accepted, ok := result["accepted"].(bool); ok && !accepted {
		msg, _ := result["message"].(string)
		return errors.New("audit push rejected: " + msg)
	}
	return nil
}

var _ audit.Sink = (*Client)(nil)
