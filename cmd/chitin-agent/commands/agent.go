package commands

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chitin-dev/chitin-agent/cmd/chitin-agent/version"
	"github.com/chitin-dev/chitin-agent/pkg/agent"
	"github.com/chitin-dev/chitin-agent/pkg/config"
	"github.com/chitin-dev/chitin-agent/pkg/log"
)

const closeTimeout = 30 * time.Second

// startAgent builds and starts an agent. The returned stop function flushes
// audit events and disconnects, and reports a flush failure.
func startAgent(ctx context.Context, cfg *config.Config, opts agent.Options) (*agent.Agent, func() error, error) {
	if opts.Logger == nil {
		opts.Logger = log.L()
	}
	opts.Version = version.Version

	a, err := agent.New(ctx, cfg, opts)
	if err != nil {
		return nil, nil, err
	}
	stop := func() error {
		// The command context may already be cancelled by a signal.
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			opts.Logger.Error("shutdown failed", zap.Error(err))
			return err
		}
		return nil
	}

	if err := a.Start(ctx); err != nil {
		_ = stop()
		return nil, nil, fmt.Errorf("starting agent: %w", err)
	}
	return a, stop, nil
}
