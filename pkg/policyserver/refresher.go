package policyserver

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chitin-dev/chitin-agent/pkg/policy"
)

const DefaultRefreshInterval = 60 * time.Second

// PolicySource supplies policy documents.
type PolicySource interface {
	FetchPolicies(ctx context.Context) ([]map[string]any, error)
}

// Refresher periodically copies policies from a source into the decision
// authority without restarting the agent.
type Refresher struct {
	source    PolicySource
	authority policy.Authority
	interval  time.Duration
	logger    *zap.Logger
}

func NewRefresher(source PolicySource, authority policy.Authority, interval time.Duration, logger *zap.Logger) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{source: source, authority: authority, interval: interval, logger: logger}
}

// Refresh fetches and loads policies once and returns how many were loaded.
func (r *Refresher) Refresh(ctx context.Context) (int, error) {
	policies, err := r.source.FetchPolicies(ctx)
	if err != nil {
		return 0, err
	}
	r.logger.Info("fetched policies from policy server", zap.Int("policies", len(policies)))

	loaded, err := policy.LoadDocuments(ctx, r.authority, policies)
	if err != nil {
		return loaded, err
	}
	r.logger.Debug("policies refreshed", zap.Int("loaded", loaded))
	return loaded, nil
}

// Run refreshes every interval until ctx is done. Failed refreshes are
// logged and retried on the next tick.
func (r *Refresher) Run(ctx context.Context) error {
	r.logger.Info("policy refresher started", zap.Duration("interval", r.interval))
	defer r.logger.Info("policy refresher stopped")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("policy refresh failed", zap.Error(err))
			}
		}
	}
}
