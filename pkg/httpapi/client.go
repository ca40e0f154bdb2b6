// Package httpapi is a small JSON-over-HTTP client shared by the decision
// authority and policy server clients.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"golang.org/x/oauth2"
)

const defaultTimeout = 30 * time.Second

// StatusError is returned for any response outside the 2xx range.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusNotFound:
		return errdefs.ErrNotFound
	case e.Code == http.StatusUnauthorized:
		return errdefs.ErrUnauthenticated
	case e.Code == http.StatusForbidden:
		return errdefs.ErrPermissionDenied
	case e.Code == http.StatusBadRequest || e.Code == http.StatusUnprocessableEntity:
		return errdefs.ErrInvalidArgument
	case e.Code == http.StatusConflict:
		return errdefs.ErrConflict
	case e.Code == http.StatusTooManyRequests || e.Code >= 500:
		return errdefs.ErrUnavailable
	}
	return nil
}

type RawClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	agent   string
}

type Option func(*RawClient)

// WithToken authenticates every request with a static bearer token.
func WithToken(token string) Option {
	return func(c *RawClient) {
		if token == "" {
			return
		}
		base := c.client.Transport
		c.client = &http.Client{
			Transport: &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
				Base:   base,
			},
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *RawClient) { c.client = client }
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *RawClient) { c.timeout = timeout }
}

func WithUserAgent(agent string) Option {
	return func(c *RawClient) { c.agent = agent }
}

func New(baseURL string, opts ...Option) *RawClient {
	c := &RawClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RawClient) BaseURL() string { return c.baseURL }

func (c *RawClient) Get(ctx context.Context, endpoint string, v any) error {
	return c.do(ctx, http.MethodGet, endpoint, nil, v)
}

// GetWithQuery appends query to endpoint before issuing the request.
func (c *RawClient) GetWithQuery(ctx context.Context, endpoint string, query url.Values, v any) error {
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, endpoint, nil, v)
}

func (c *RawClient) Post(ctx context.Context, endpoint string, body any, v any) error {
	return c.do(ctx, http.MethodPost, endpoint, body, v)
}

func (c *RawClient) Delete(ctx context.Context, endpoint string) error {
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

func (c *RawClient) do(ctx context.Context, method, endpoint string, body any, v any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.agent != "" {
		req.Header.Set("User-Agent", c.agent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%s %s: %w: %w", method, endpoint, errdefs.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Message: errorMessage(buf, resp.StatusCode)}
	}

	if v == nil || len(bytes.TrimSpace(buf)) == 0 {
		return nil
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("failed to decode response of %s %s: %w", method, endpoint, err)
	}
	return nil
}

// errorMessage prefers the "message" (or "error") field of a JSON body and
// falls back to the raw text.
func errorMessage(body []byte, status int) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return http.StatusText(status)
}
