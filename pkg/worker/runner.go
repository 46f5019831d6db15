package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/wallet-indexer/pkg/backoff"
	"github.com/ava-labs/wallet-indexer/pkg/data/clickhouse/walletrepo"
	"github.com/ava-labs/wallet-indexer/pkg/metrics"
	"github.com/ava-labs/wallet-indexer/pkg/rpcmanager"
)

// call runs fn against a provider from mgr, rotating endpoints and backing
// off between attempts. Context errors end the loop immediately.
func call[P rpcmanager.Provider, T any](
	ctx context.Context,
	mgr *rpcmanager.Manager[P],
	cfg RetryConfig,
	m *metrics.Metrics,
	fn func(context.Context, P) (T, error),
) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			m.IncBlockFetchRetry()
			if err := backoff.Sleep(ctx, cfg.Policy.Delay(attempt-1)); err != nil {
				return zero, err
			}
		}

		p, url, err := mgr.GetProvider(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			lastErr = err
			continue
		}

		v, err := fn(ctx, p)
		if err == nil {
			mgr.ReportSuccess(url)
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		mgr.ReportFailure(url, err)
		lastErr = err
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, cfg.MaxAttempts, lastErr)
}

// batchOutput is what one scanned batch produced.
type batchOutput struct {
	txs    []walletrepo.TransactionRow
	events []walletrepo.EventRow
}

// tracker accumulates per-batch outcomes into cumulative progress. CurrentBlock
// is the last block of the contiguous prefix of finished batches, so it only
// moves forward even when batches finish out of order.
type tracker struct {
	req      Request
	batches  []Batch
	end      uint64
	total    uint64
	started  time.Time
	progress chan<- Progress

	mu        sync.Mutex
	finished  []bool
	watermark int
	txs       uint64
	events    uint64
	processed uint64
	scanned   uint64
}

func newTracker(req Request, end uint64, batches []Batch, progress chan<- Progress) *tracker {
	return &tracker{
		req:      req,
		batches:  batches,
		end:      end,
		total:    end - req.StartBlock + 1,
		started:  time.Now(),
		progress: progress,
		finished: make([]bool, len(batches)),
	}
}

// finish records batch i and sends one progress report. The lock is held
// across the send so reports leave in the order their counts were computed.
func (t *tracker) finish(ctx context.Context, i int, txs, events int, abandoned bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.batches[i]
	t.finished[i] = true
	t.scanned += b.Len()
	if !abandoned {
		t.processed += b.Len()
		t.txs += uint64(txs)
		t.events += uint64(events)
	}
	for t.watermark < len(t.finished) && t.finished[t.watermark] {
		t.watermark++
	}

	current, next := t.req.StartBlock, t.req.StartBlock
	if t.watermark > 0 {
		current = t.batches[t.watermark-1].End
		next = current + 1
	}

	elapsed := time.Since(t.started).Seconds()
	var bps, eta float64
	if elapsed > 0 {
		bps = float64(t.processed) / elapsed
	}
	if bps > 0 {
		eta = float64(t.total-t.scanned) / bps
	}

	if t.progress == nil {
		return nil
	}
	p := Progress{
		BatchStart: b.Start,
		BatchEnd:   b.End,
		Abandoned:  abandoned,
	}
	p.CurrentBlock = current
	p.NextBlock = next
	p.EndBlock = t.end
	p.TransactionsFound = t.txs
	p.EventsFound = t.events
	p.BlocksProcessed = t.processed
	p.BlocksPerSecond = bps
	p.Percent = float64(t.scanned) / float64(t.total) * 100
	p.ETASeconds = eta

	select {
	case t.progress <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *tracker) result(stopped bool) Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Result{
		TransactionsFound: t.txs,
		EventsFound:       t.events,
		BlocksProcessed:   t.processed,
		Success:           !stopped,
		Stopped:           stopped,
		EndBlock:          t.end,
	}
}

// base holds what both variants share: request handling, stop flag, batch
// bookkeeping and the hand-off to the accumulator.
type base struct {
	chainType string
	deps      Deps
	log       *zap.SugaredLogger

	stopMu  sync.Mutex
	stopped bool
}

// Stop asks the worker to halt at the next batch boundary.
func (w *base) Stop() {
	w.stopMu.Lock()
	w.stopped = true
	w.stopMu.Unlock()
}

func (w *base) isStopped() bool {
	w.stopMu.Lock()
	defer w.stopMu.Unlock()
	return w.stopped
}

// clampEnd limits the requested end to the observed head.
func clampEnd(req Request, head uint64) (uint64, error) {
	if head < req.StartBlock {
		return 0, fmt.Errorf("%w: start %d, head %d", ErrStartBeyondHead, req.StartBlock, head)
	}
	return min(req.EndBlock, head), nil
}

// complete persists a scanned batch, or records it as a batch error when the
// scan failed, and reports progress either way.
func (w *base) complete(ctx context.Context, t *tracker, i int, out batchOutput, scanErr error, took time.Duration) error {
	b := t.batches[i]
	abandoned := scanErr != nil
	blocks := b.Len()

	if abandoned {
		if errors.Is(scanErr, context.Canceled) || errors.Is(scanErr, context.DeadlineExceeded) {
			return scanErr
		}
		w.log.Warnw("abandoning batch",
			"jobID", t.req.JobID,
			"walletID", t.req.WalletID,
			"start", b.Start,
			"end", b.End,
			"error", scanErr,
		)
		if err := w.deps.Errors.RecordBatchError(ctx, t.req.WalletID, b.Start, b.End, scanErr.Error()); err != nil {
			w.deps.Metrics.IncError(metrics.ErrTypeBatchErrorRecord)
			w.log.Errorw("failed to record batch error",
				"walletID", t.req.WalletID,
				"start", b.Start,
				"end", b.End,
				"error", err,
			)
		}
		out = batchOutput{}
	} else {
		if err := w.deps.Recorder.AddTransactions(ctx, out.txs...); err != nil {
			w.log.Errorw("failed to buffer transactions", "jobID", t.req.JobID, "error", err)
		}
		if err := w.deps.Recorder.AddEvents(ctx, out.events...); err != nil {
			w.log.Errorw("failed to buffer events", "jobID", t.req.JobID, "error", err)
		}
		w.deps.Metrics.AddFound(len(out.txs), len(out.events))
	}

	w.deps.Metrics.RecordBatch(w.chainType, abandoned, blocks, took.Seconds())
	return t.finish(ctx, i, len(out.txs), len(out.events), abandoned)
}

// flush drains the accumulator even when ctx is already done.
func (w *base) flush(ctx context.Context) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := w.deps.Recorder.FlushAll(fctx); err != nil {
		w.log.Errorw("failed to flush accumulator", "error", err)
	}
}
