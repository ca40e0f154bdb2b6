package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/go-playground/validator/v10"
	"github.com/google/shlex"
	"github.com/pelletier/go-toml/v2"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/chitin-dev/chitin-agent/pkg/mcp"
)

const (
	SinkPolicyServer = "policy_server"
	SinkSQLite       = "sqlite"
	SinkClickHouse   = "clickhouse"
	SinkLog          = "log"

	DefaultAuthorityURL = "http://127.0.0.1:4840"
)

// Environment variables overriding file values.
const (
	EnvSidecarURL      = "CHITIN_SIDECAR_URL"
	EnvPolicyServerURL = "CHITIN_POLICY_SERVER_URL"
	EnvPolicyToken     = "CHITIN_POLICY_TOKEN"
	EnvAgentID         = "CHITIN_AGENT_ID"
	EnvLogLevel        = "CHITIN_LOG_LEVEL"
	EnvAuditSink       = "CHITIN_AUDIT_SINK"
	EnvPolicyPath      = "CHITIN_POLICY_PATH"
)

var configNames = []string{"config.json", "config.yaml", "config.yml", "config.toml"}

type Config struct {
	MCPServers   map[string]ServerEntry `json:"mcpServers,omitempty" validate:"dive"`
	ToolDefaults ToolDefaults           `json:"tool_defaults"`
	Escalation   Escalation             `json:"escalation"`
	Policy       Policy                 `json:"policy"`
	Authority    Authority              `json:"authority"`
	Audit        Audit                  `json:"audit"`
	Reconnect    Reconnect              `json:"reconnect"`
	Log          Log                    `json:"log"`

	// Path is the file the configuration was read from, empty for defaults.
	Path string `json:"-"`
}

// ServerEntry is one tool server in the standard mcpServers layout.
type ServerEntry struct {
	Command     Command           `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Dir         string            `json:"dir,omitempty"`
	URL         string            `json:"url,omitempty" validate:"omitempty,url"`
	Transport   string            `json:"transport,omitempty" validate:"omitempty,oneof=stdio sse http"`
	Headers     map[string]string `json:"headers,omitempty"`
	BearerToken string            `json:"bearer_token,omitempty"`
}

// Command accepts either a shell-like string or an argv list.
type Command []string

func (c *Command) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parts, err := shlex.Split(s)
		if err != nil {
			return fmt.Errorf("splitting command %q: %w", s, err)
		}
		*c = parts
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.New("command must be a string or a list of strings")
	}
	*c = list
	return nil
}

type ToolDefaults struct {
	UnknownRisk string `json:"unknown_risk" validate:"oneof=low medium high critical"`
}

type Escalation struct {
	Handler        string `json:"handler" validate:"oneof=terminal auto_deny queue"`
	TimeoutSeconds int    `json:"timeout_seconds" validate:"gt=0"`
}

func (e Escalation) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

type Policy struct {
	EnterpriseURL          string   `json:"enterprise_url,omitempty" validate:"omitempty,url"`
	RefreshIntervalSeconds int      `json:"refresh_interval_seconds" validate:"gt=0"`
	AgentID                string   `json:"agent_id,omitempty"`
	AgentTags              []string `json:"agent_tags,omitempty"`
	Token                  string   `json:"token,omitempty"`
}

func (p Policy) RefreshInterval() time.Duration {
	return time.Duration(p.RefreshIntervalSeconds) * time.Second
}

// Authority points at the decision authority. An empty URL or "none" runs
// without one.
type Authority struct {
	URL string `json:"url" validate:"omitempty,url|eq=none"`
}

func (a Authority) Disabled() bool {
	return a.URL == "" || strings.EqualFold(a.URL, "none")
}

type Audit struct {
	Sink                 string `json:"sink" validate:"oneof=policy_server sqlite clickhouse log"`
	BatchSize            int    `json:"batch_size" validate:"gt=0"`
	BatchIntervalSeconds int    `json:"batch_interval_seconds" validate:"gt=0"`
	SQLitePath           string `json:"sqlite_path,omitempty"`
	ClickHouseDSN        string `json:"clickhouse_dsn,omitempty"`
}

func (a Audit) BatchInterval() time.Duration {
	return time.Duration(a.BatchIntervalSeconds) * time.Second
}

type Reconnect struct {
	MaxAttempts        int     `json:"max_attempts" validate:"gte=0"`
	BackoffSeconds     float64 `json:"backoff_seconds" validate:"gte=0"`
	ConnectConcurrency int     `json:"connect_concurrency" validate:"gte=0"`
}

func (r Reconnect) Backoff() time.Duration {
	return time.Duration(r.BackoffSeconds * float64(time.Second))
}

type Log struct {
	Level string `json:"level" validate:"oneof=debug info warn error"`
}

func Defaults() Config {
	return Config{
		ToolDefaults: ToolDefaults{UnknownRisk: "medium"},
		Escalation:   Escalation{Handler: "terminal", TimeoutSeconds: 300},
		Policy:       Policy{RefreshIntervalSeconds: 60},
		Authority:    Authority{URL: DefaultAuthorityURL},
		Audit:        Audit{Sink: SinkLog, BatchSize: 100, BatchIntervalSeconds: 60},
		Reconnect:    Reconnect{MaxAttempts: mcp.DefaultMaxReconnectAttempts, BackoffSeconds: 1, ConnectConcurrency: mcp.DefaultConnectConcurrency},
		Log:          Log{Level: "info"},
	}
}

// Find returns the first configuration file in the project then the user
// directory, or "" when there is none.
func Find() string {
	for _, dir := range searchDirs() {
		for _, name := range configNames {
			path := filepath.Join(dir, name)
			if fileExists(path) {
				return path
			}
		}
	}
	return ""
}

// Load reads the configuration at path, or the one Find locates when path is
// empty, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Find()
	}

	cfg := Defaults()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := decode(path, buf, &cfg); err != nil {
			return nil, fmt.Errorf("%w: config %s: %w", errdefs.ErrInvalidArgument, path, err)
		}
		cfg.Path = path
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes buf as the format named by ext (".json", ".yaml", ".yml",
// ".toml") on top of the defaults. Environment overrides are not applied.
func Parse(ext string, buf []byte) (*Config, error) {
	cfg := Defaults()
	if err := decode("config"+ext, buf, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrInvalidArgument, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(path string, buf []byte, cfg *Config) error {
	raw := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if len(bytes.TrimSpace(buf)) == 0 {
			break
		}
		std, err := hujson.Standardize(buf)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(std, &raw); err != nil {
			return err
		}
	case ".toml":
		if err := toml.Unmarshal(buf, &raw); err != nil {
			return err
		}
	default:
		if err := yaml.Unmarshal(buf, &raw); err != nil {
			return err
		}
	}

	if err := normalizeLegacyServers(raw); err != nil {
		return err
	}

	buf, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	return dec.Decode(cfg)
}

// normalizeLegacyServers folds the older `mcp_servers` list (entries carrying
// their own name) into the mcpServers map.
func normalizeLegacyServers(raw map[string]any) error {
	legacy, ok := raw["mcp_servers"]
	if !ok {
		return nil
	}
	delete(raw, "mcp_servers")

	list, ok := legacy.([]any)
	if !ok {
		return errors.New("mcp_servers must be a list")
	}
	servers, _ := raw["mcpServers"].(map[string]any)
	if servers == nil {
		servers = map[string]any{}
	}
	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("mcp_servers[%d] must be a mapping", i)
		}
		name, _ := entry["name"].(string)
		if name == "" {
			return fmt.Errorf("mcp_servers[%d] has no name", i)
		}
		delete(entry, "name")
		if _, exists := servers[name]; !exists {
			servers[name] = entry
		}
	}
	raw["mcpServers"] = servers
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvSidecarURL); v != "" {
		cfg.Authority.URL = v
	}
	if v := os.Getenv(EnvPolicyServerURL); v != "" {
		cfg.Policy.EnterpriseURL = v
	}
	if v := os.Getenv(EnvPolicyToken); v != "" {
		cfg.Policy.Token = v
	}
	if v := os.Getenv(EnvAgentID); v != "" {
		cfg.Policy.AgentID = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvAuditSink); v != "" {
		cfg.Audit.Sink = strings.ToLower(v)
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules that struct
// tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: invalid value %v (%s)", fieldPath(fe), fe.Value(), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	switch c.Audit.Sink {
	case SinkPolicyServer:
		if c.Policy.EnterpriseURL == "" {
			errs = append(errs, errors.New("audit.sink policy_server requires policy.enterprise_url"))
		}
	case SinkClickHouse:
		if c.Audit.ClickHouseDSN == "" {
			errs = append(errs, errors.New("audit.sink clickhouse requires audit.clickhouse_dsn"))
		}
	}

	for _, name := range c.serverNames() {
		if _, err := c.server(name); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: invalid configuration: %w", errdefs.ErrInvalidArgument, errors.Join(errs...))
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return ns
}

// Servers returns the tool servers ordered by name.
func (c *Config) Servers() ([]mcp.ServerConfig, error) {
	var servers []mcp.ServerConfig
	var errs []error
	for _, name := range c.serverNames() {
		s, err := c.server(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		servers = append(servers, s)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrInvalidArgument, errors.Join(errs...))
	}
	return servers, nil
}

func (c *Config) serverNames() []string {
	names := make([]string, 0, len(c.MCPServers))
	for name := range c.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) server(name string) (mcp.ServerConfig, error) {
	entry := c.MCPServers[name]

	transport := strings.ToLower(entry.Transport)
	if transport == "" {
		transport = mcp.TransportStdio
		if entry.URL != "" {
			transport = mcp.TransportHTTP
		}
	}

	command := append([]string(nil), entry.Command...)
	command = append(command, entry.Args...)

	switch transport {
	case mcp.TransportStdio:
		if len(command) == 0 {
			return mcp.ServerConfig{}, fmt.Errorf("server %s: stdio transport requires 'command'", name)
		}
	case mcp.TransportSSE, mcp.TransportHTTP:
		if entry.URL == "" {
			return mcp.ServerConfig{}, fmt.Errorf("server %s: %s transport requires 'url'", name, transport)
		}
	default:
		return mcp.ServerConfig{}, fmt.Errorf("server %s: invalid transport %q, must be stdio, sse or http", name, entry.Transport)
	}

	return mcp.ServerConfig{
		Name:        name,
		Transport:   transport,
		Command:     command,
		Env:         entry.Env,
		Dir:         entry.Dir,
		URL:         entry.URL,
		Headers:     entry.Headers,
		BearerToken: entry.BearerToken,
	}, nil
}

// AuditSQLitePath returns the configured spool path or the per-user default.
func (c *Config) AuditSQLitePath(defaultPath func() (string, error)) (string, error) {
	if c.Audit.SQLitePath != "" {
		return expandHome(c.Audit.SQLitePath)
	}
	return defaultPath()
}

func searchDirs() []string {
	dirs := []string{".chitin"}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "chitin"))
	}
	return dirs
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
