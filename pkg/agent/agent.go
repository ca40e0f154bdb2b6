// Package agent assembles the runtime from a configuration: tool servers,
// decision authority, escalation, audit delivery and policy refresh.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chitin-dev/chitin-agent/pkg/audit"
	"github.com/chitin-dev/chitin-agent/pkg/config"
	"github.com/chitin-dev/chitin-agent/pkg/db"
	"github.com/chitin-dev/chitin-agent/pkg/escalation"
	"github.com/chitin-dev/chitin-agent/pkg/executor"
	"github.com/chitin-dev/chitin-agent/pkg/httpapi"
	"github.com/chitin-dev/chitin-agent/pkg/mcp"
	"github.com/chitin-dev/chitin-agent/pkg/policy"
	"github.com/chitin-dev/chitin-agent/pkg/policyserver"
)

// queueSweepInterval is how often expired queued escalations are denied.
const queueSweepInterval = 5 * time.Second

type Options struct {
	Logger  *zap.Logger
	Version string
	// EscalationIn and EscalationOut carry the terminal prompt. They
	// default to stdin and stderr.
	EscalationIn  io.Reader
	EscalationOut io.Writer
	// Escalation replaces the handler named in the configuration.
	Escalation escalation.Handler
	// MaxConcurrency bounds the tool calls of one turn run at once.
	MaxConcurrency int
	// MCPOptions are appended to the options derived from the configuration.
	MCPOptions []mcp.Option
}

type Agent struct {
	Config       *config.Config
	Tools        *mcp.Client
	Authority    policy.Authority
	Escalation   escalation.Handler
	Batcher      *audit.Batcher
	Pipeline     *executor.Pipeline
	PolicyServer *policyserver.Client
	Refresher    *policyserver.Refresher

	logger  *zap.Logger
	closers []func() error
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// New builds an agent without connecting anything yet.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Agent, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	a := &Agent{Config: cfg, logger: logger}

	servers, err := cfg.Servers()
	if err != nil {
		return nil, err
	}
	mcpOpts := []mcp.Option{
		mcp.WithLogger(logger),
		mcp.WithClientInfo("chitin-agent", version),
		mcp.WithReconnect(cfg.Reconnect.MaxAttempts, cfg.Reconnect.Backoff()),
		mcp.WithConnectConcurrency(cfg.Reconnect.ConnectConcurrency),
	}
	a.Tools = mcp.NewClient(servers, append(mcpOpts, opts.MCPOptions...)...)

	a.Authority = NewAuthority(cfg, version, logger)

	a.Escalation = opts.Escalation
	if a.Escalation == nil {
		a.Escalation, err = escalation.New(cfg.Escalation.Handler, escalation.Options{
			Timeout: cfg.Escalation.Timeout(),
			In:      opts.EscalationIn,
			Out:     opts.EscalationOut,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
	}
	if queue, ok := a.Escalation.(*escalation.Queue); ok {
		logPendingEscalations(queue, logger)
	}

	if cfg.Policy.EnterpriseURL != "" {
		a.PolicyServer, err = NewPolicyServerClient(cfg, version, logger)
		if err != nil {
			return nil, err
		}
		a.Refresher = policyserver.NewRefresher(a.PolicyServer, a.Authority, cfg.Policy.RefreshInterval(), logger)
	}

	sink, err := a.newSink(ctx)
	if err != nil {
		_ = a.closeResources()
		return nil, err
	}
	a.Batcher = audit.NewBatcher(sink,
		audit.WithBatchSize(cfg.Audit.BatchSize),
		audit.WithBatchInterval(cfg.Audit.BatchInterval()),
		audit.WithSinkName(cfg.Audit.Sink),
		audit.WithLogger(logger),
	)

	a.Pipeline = executor.New(a.Authority, a.Tools, a.Escalation,
		executor.WithAudit(a.Batcher),
		executor.WithLogger(logger),
		executor.WithMaxConcurrency(opts.MaxConcurrency),
	)
	return a, nil
}

// NewAuthority returns the sidecar client, or an allow-all authority when the
// configuration disables it.
func NewAuthority(cfg *config.Config, version string, logger *zap.Logger) policy.Authority {
	if cfg.Authority.Disabled() {
		logger.Warn("no decision authority configured, every tool call is allowed")
		return &policy.NoopAuthority{}
	}
	return policy.NewHTTPAuthority(cfg.Authority.URL, httpapi.WithUserAgent("chitin-agent/"+version))
}

func NewPolicyServerClient(cfg *config.Config, version string, logger *zap.Logger) (*policyserver.Client, error) {
	agentID := cfg.Policy.AgentID
	if agentID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("deriving agent id: %w", err)
		}
		agentID = host
	}
	return policyserver.NewClient(cfg.Policy.EnterpriseURL, agentID, cfg.Policy.AgentTags,
		policyserver.WithToken(cfg.Policy.Token),
		policyserver.WithHTTPOptions(httpapi.WithUserAgent("chitin-agent/"+version)),
		policyserver.WithLogger(logger),
	)
}

func (a *Agent) newSink(ctx context.Context) (audit.Sink, error) {
	switch a.Config.Audit.Sink {
	case config.SinkPolicyServer:
		if a.PolicyServer == nil {
			return nil, errors.New("audit sink policy_server requires policy.enterprise_url")
		}
		return a.PolicyServer, nil
	case config.SinkSQLite:
		spool, closeSpool, err := OpenSpool(a.Config)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closeSpool)
		return spool, nil
	case config.SinkClickHouse:
		sink, err := audit.NewClickHouseSink(ctx, a.Config.Audit.ClickHouseDSN, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, sink.Close)
		return sink, nil
	default:
		return audit.NewLogSink(a.logger), nil
	}
}

// OpenSpool opens the local SQLite audit store.
func OpenSpool(cfg *config.Config) (*audit.SQLiteSink, func() error, error) {
	path, err := cfg.AuditSQLitePath(db.DefaultDatabaseFilename)
	if err != nil {
		return nil, nil, err
	}
	dao, err := db.New(db.WithDatabaseFile(path))
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit spool %s: %w", path, err)
	}
	return audit.NewSQLiteSink(dao), dao.Close, nil
}

// Start connects the tool servers, registers their tools with the authority,
// loads local policy files and fetches enterprise policies. Only a failure
// to reach any configured server is returned; the rest is logged.
func (a *Agent) Start(ctx context.Context) error {
	connectErr := a.Tools.ConnectAll(ctx)
	if connectErr != nil {
		a.logger.Warn("some tool servers are unavailable", zap.Error(connectErr))
	}

	a.registerTools(ctx)

	if n, err := policy.LoadFiles(ctx, a.Authority, config.PolicyFiles(), a.logger); err != nil {
		a.logger.Warn("failed to load policy files", zap.Error(err))
	} else if n > 0 {
		a.logger.Info("loaded local policies", zap.Int("count", n))
	}

	if a.Refresher != nil {
		if _, err := a.Refresher.Refresh(ctx); err != nil {
			a.logger.Warn("initial policy refresh failed", zap.Error(err))
		}
	}

	if len(a.Tools.Sessions()) == 0 && connectErr != nil {
		return connectErr
	}
	return nil
}

func (a *Agent) registerTools(ctx context.Context) {
	classes, err := config.LoadToolClassifications("")
	if err != nil {
		a.logger.Warn("failed to load tool classifications", zap.Error(err))
		classes = nil
	}
	var names []string
	for _, tool := range a.Tools.ListAllTools() {
		names = append(names, tool.Name)
	}
	risk := policy.RiskLevel(a.Config.ToolDefaults.UnknownRisk)
	if err := policy.RegisterTools(ctx, a.Authority, names, classes, risk); err != nil {
		a.logger.Warn("failed to register tools with the decision authority", zap.Error(err))
	}
}

// RunBackground starts the audit interval flusher, the policy refresher and
// the sweep of expired queued escalations. They stop when ctx is done or
// Close is called.
func (a *Agent) RunBackground(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.Batcher.Run(ctx)
	}()

	if a.Refresher != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			_ = a.Refresher.Run(ctx)
		}()
	}

	if queue, ok := a.Escalation.(*escalation.Queue); ok {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			_ = queue.Run(ctx, queueSweepInterval)
		}()
	}
}

// Reload applies a new configuration's tool servers to the running client.
func (a *Agent) Reload(ctx context.Context, cfg *config.Config) error {
	servers, err := cfg.Servers()
	if err != nil {
		return err
	}
	if err := a.Tools.Reconcile(ctx, servers); err != nil {
		a.logger.Warn("some tool servers are unavailable after reload", zap.Error(err))
	}
	a.registerTools(ctx)
	return nil
}

// Close flushes buffered audit events, disconnects the tool servers and
// releases the audit store. A flush failure is returned so callers can exit
// non-zero.
func (a *Agent) Close(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	var errs []error
	if a.Batcher != nil {
		if err := a.Batcher.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing audit events: %w", err))
		}
	}
	if err := a.Tools.DisconnectAll(ctx); err != nil {
		a.logger.Warn("failed to disconnect tool servers", zap.Error(err))
	}
	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *Agent) closeResources() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func logPendingEscalations(queue *escalation.Queue, logger *zap.Logger) {
	escalation.OnPending(func(p escalation.Pending) {
		logger.Info("escalation waiting for approval",
			zap.String("id", p.ID),
			zap.String("tool", p.Request.Tool),
			zap.String("reason", p.Reason),
			zap.Time("expires_at", p.ExpiresAt))
	})(queue)
}
