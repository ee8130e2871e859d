package settler

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/account"
)

// SettleTarget is the surface the scheduler drives. The server façade
// implements it over its connected sessions.
type SettleTarget interface {
	Snapshots() []account.Snapshot
	SettleAccount(ctx context.Context, accountName string) error
}

// Scheduler periodically settles accounts whose payable balance reached
// the configured threshold. It holds policy only; a failed attempt simply
// retries on a later tick because the amount stays queued in the payout
// counter.
type Scheduler struct {
	target    SettleTarget
	threshold decimal.Decimal
	interval  time.Duration
	log       *zap.Logger
}

func NewScheduler(target SettleTarget, threshold decimal.Decimal, interval time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{target: target, threshold: threshold, interval: interval, log: log}
}

// Run blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("settlement scheduler running",
		zap.String("threshold_sat", s.threshold.String()),
		zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("settlement scheduler stopped")
			return
		case <-ticker.C:
			s.runPass(ctx)
		}
	}
}

func (s *Scheduler) runPass(ctx context.Context) {
	for _, snap := range s.target.Snapshots() {
		if snap.Payable.LessThan(s.threshold) {
			continue
		}
		if err := s.target.SettleAccount(ctx, snap.Name); err != nil {
			s.log.Warn("scheduled settlement failed",
				zap.String("account", snap.Name),
				zap.Error(err))
		}
	}
}
