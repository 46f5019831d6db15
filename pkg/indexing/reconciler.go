package indexing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ava-labs/wallet-indexer/pkg/job"
	"github.com/ava-labs/wallet-indexer/pkg/utils"
)

const reconcileTimeout = time.Minute

// FailedBatchSource lists wallets that have recorded batch errors.
type FailedBatchSource interface {
	WalletsWithBatchErrors(ctx context.Context) ([]string, error)
}

// BatchRetrier folds a wallet's batch errors into a retry job.
type BatchRetrier interface {
	RetryFailedBatches(ctx context.Context, walletID string) (string, error)
}

// Reconciler periodically turns recorded batch errors into retry jobs.
type Reconciler struct {
	log     *zap.SugaredLogger
	source  FailedBatchSource
	retrier BatchRetrier
	cron    *cron.Cron
}

// NewReconciler schedules a reconcile pass on the standard five-field cron
// schedule. Start must be called to begin.
func NewReconciler(schedule string, source FailedBatchSource, retrier BatchRetrier, log *zap.SugaredLogger) (*Reconciler, error) {
	if source == nil || retrier == nil {
		return nil, errors.New("batch error source and retrier are required")
	}
	r := &Reconciler{
		log:     utils.Named(log, "reconciler"),
		source:  source,
		retrier: retrier,
		cron:    cron.New(),
	}
	if _, err := r.cron.AddFunc(schedule, r.tick); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Reconciler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()
	if _, err := r.Reconcile(ctx); err != nil {
		r.log.Warnw("batch error reconcile failed", "error", err)
	}
}

// Reconcile queues one retry job per wallet with batch errors and returns the
// new job ids. Per-wallet failures are joined.
func (r *Reconciler) Reconcile(ctx context.Context) ([]string, error) {
	wallets, err := r.source.WalletsWithBatchErrors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list wallets with batch errors: %w", err)
	}

	var (
		ids  []string
		errs []error
	)
	for _, w := range wallets {
		id, err := r.retrier.RetryFailedBatches(ctx, w)
		if id != "" {
			ids = append(ids, id)
		}
		switch {
		case errors.Is(err, job.ErrNoFailedBatches):
			// Cleared between the listing and the retry.
		case err != nil:
			errs = append(errs, fmt.Errorf("wallet %s: %w", w, err))
		}
	}
	if len(ids) > 0 {
		r.log.Infow("queued batch retry jobs", "count", len(ids), "wallets", len(wallets))
	}
	return ids, errors.Join(errs...)
}

func (r *Reconciler) Start() {
	r.cron.Start()
}

// Stop stops the schedule and waits for a running pass or ctx.
func (r *Reconciler) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
