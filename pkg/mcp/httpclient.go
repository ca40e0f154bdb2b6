package mcp

import (
	"net/http"
	"os"

	"golang.org/x/oauth2"
)

// newHTTPClient builds the client shared by the network transports. Header
// values may reference environment variables as $NAME or ${NAME}.
func newHTTPClient(cfg ServerConfig) *http.Client {
	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = expandEnv(v, cfg.Env)
	}

	var base http.RoundTripper = http.DefaultTransport
	if cfg.BearerToken != "" {
		base = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.BearerToken, TokenType: "Bearer"}),
			Base:   base,
		}
	}

	return &http.Client{
		Transport: &headerRoundTripper{
			base:    base,
			headers: headers,
		},
	}
}

// expandEnv resolves variables from the server env first, then the process env.
func expandEnv(value string, env map[string]string) string {
	return os.Expand(value, func(name string) string {
		if v, ok := env[name]; ok {
			return v
		}
		return os.Getenv(name)
	})
}

// headerRoundTripper is an http.RoundTripper that adds custom headers to all requests
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	newReq := req.Clone(req.Context())
	for key, value := range h.headers {
		// The transports negotiate Accept themselves.
		if key == "Accept" && newReq.Header.Get("Accept") != "" {
			continue
		}
		newReq.Header.Set(key, value)
	}
	return h.base.RoundTrip(newReq)
}
