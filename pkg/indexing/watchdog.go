package indexing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ava-labs/wallet-indexer/pkg/job"
	"github.com/ava-labs/wallet-indexer/pkg/metrics"
)

var ErrStalled = errors.New("job stalled")

type WatchdogConfig struct {
	Interval time.Duration
	// MaxStall is how long a running job may go without a progress update.
	MaxStall time.Duration
	// FailStalled fails stalled jobs and stops their workers instead of only
	// warning.
	FailStalled bool
}

func (c WatchdogConfig) Validate() error {
	if c.Interval <= 0 || c.MaxStall <= 0 {
		return errors.New("watchdog interval and max stall must be > 0")
	}
	return nil
}

// StartWatchdog checks running jobs every cfg.Interval until ctx is done.
func (s *Service) StartWatchdog(ctx context.Context, cfg WatchdogConfig) {
	t := time.NewTicker(cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.checkStalled(cfg)
		}
	}
}

// checkStalled returns the ids of running jobs whose last update is older
// than cfg.MaxStall.
func (s *Service) checkStalled(cfg WatchdogConfig) []string {
	now := s.now()
	var stalled []string
	for _, j := range s.jobs.ListJobs() {
		if j.Status != job.StatusRunning {
			continue
		}
		idle := now.Sub(j.UpdatedAt)
		if idle <= cfg.MaxStall {
			continue
		}
		stalled = append(stalled, j.ID)
		s.metrics.IncError(metrics.ErrTypeStalledJob)
		s.log.Warnw("job stalled",
			"jobID", j.ID,
			"walletID", j.WalletID,
			"currentBlock", j.CurrentBlock,
			"idle", idle,
		)
		if !cfg.FailStalled {
			continue
		}
		if _, err := s.jobs.FailJob(j.ID, fmt.Errorf("%w: no progress for %s", ErrStalled, idle.Truncate(time.Second))); err != nil {
			s.log.Warnw("failed to fail stalled job", "jobID", j.ID, "error", err)
			continue
		}
		s.registry.Stop(j.ID)
	}
	return stalled
}
