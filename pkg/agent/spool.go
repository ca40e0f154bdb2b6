package agent

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"go.uber.org/zap"

	"github.com/chitin-dev/chitin-agent/pkg/audit"
	"github.com/chitin-dev/chitin-agent/pkg/config"
)

// FlushSpool drains the local SQLite audit store into the remote sink the
// configuration names: the policy server when one is configured, ClickHouse
// otherwise. It returns how many events were delivered.
func FlushSpool(ctx context.Context, cfg *config.Config, version string, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dst audit.Sink
	switch {
	case cfg.Policy.EnterpriseURL != "":
		client, err := NewPolicyServerClient(cfg, version, logger)
		if err != nil {
			return 0, err
		}
		dst = client
	case cfg.Audit.ClickHouseDSN != "":
		sink, err := audit.NewClickHouseSink(ctx, cfg.Audit.ClickHouseDSN, logger)
		if err != nil {
			return 0, err
		}
		defer sink.Close()
		dst = sink
	default:
		return 0, fmt.Errorf("%w: no remote audit sink configured, set policy.enterprise_url or audit.clickhouse_dsn", errdefs.ErrInvalidArgument)
	}

	spool, closeSpool, err := OpenSpool(cfg)
	if err != nil {
		return 0, err
	}
	defer closeSpool()

	n, err := spool.Drain(ctx, dst, cfg.Audit.BatchSize)
	if n > 0 {
		logger.Info("flushed audit spool", zap.Int("events", n))
	}
	return n, err
}
