package escrow

import (
	"context"

	"github.com/omnidepin/marketplace/internal/logging"
	"github.com/omnidepin/marketplace/internal/metrics"
)

// CheckNetwork reports whether the wallet's active chain is the target
// chain. Any failure, including a wallet that never shows up, reads as false.
func (s *Service) CheckNetwork(ctx context.Context) bool {
	logger := logging.L(ctx)

	p, err := s.AcquireProvider(ctx)
	if err != nil {
		logger.Warn("chain check: no provider", "error", err)
		return false
	}
	id, err := p.ChainID(ctx)
	if err != nil {
		logger.Warn("chain check: read failed", "error", err)
		return false
	}
	if id.Cmp(s.cfg.ChainID) != 0 {
		logger.Info("wallet on unexpected chain", "chain_id", id, "want", s.cfg.ChainID)
		return false
	}
	return true
}

// SwitchToTargetNetwork asks the wallet session to activate the target
// chain. Cached handles are dropped first, so whatever happens they are
// rebuilt on next use. Failures read as false.
func (s *Service) SwitchToTargetNetwork(ctx context.Context) bool {
	s.invalidate()

	if err := s.session.RequestNetworkSwitch(ctx, s.cfg.ChainID); err != nil {
		metrics.NetworkSwitchesTotal.WithLabelValues("failed").Inc()
		logging.L(ctx).Warn("chain switch failed", "chain_id", s.cfg.ChainID, "error", err)
		return false
	}
	metrics.NetworkSwitchesTotal.WithLabelValues("switched").Inc()
	logging.L(ctx).Info("chain switch requested", "chain_id", s.cfg.ChainID)
	return true
}
