// Package batch coalesces indexed records from concurrently running block
// batches into bulk writes.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/wallet-indexer/pkg/data/clickhouse/walletrepo"
	"github.com/ava-labs/wallet-indexer/pkg/metrics"
)

// Key names a buffer.
type Key string

const (
	KeyTransactions Key = "transactions"
	KeyEvents       Key = "events"
)

// Sink is the bulk persistence target.
type Sink interface {
	InsertTransactions(ctx context.Context, rows []walletrepo.TransactionRow) error
	InsertEvents(ctx context.Context, rows []walletrepo.EventRow) error
}

type Config struct {
	// MaxBatchSize flushes a key once it holds this many records.
	MaxBatchSize int
	// FlushInterval flushes everything that has waited this long. Zero disables
	// the background loop; callers then rely on size flushes and FlushAll.
	FlushInterval time.Duration
}

func DefaultConfig() Config {
	return Config{MaxBatchSize: 500, FlushInterval: 5 * time.Second}
}

var ErrClosed = errors.New("accumulator closed")

// Accumulator buffers transactions and events and hands them to the Sink in
// bulk. Records buffered when the process dies are lost.
type Accumulator struct {
	sink    Sink
	cfg     Config
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	mu        sync.Mutex
	txs       []walletrepo.TransactionRow
	events    []walletrepo.EventRow
	lastFlush time.Time
	closed    bool

	// flushMu serializes sink writes per key so rows reach the sink in the
	// order they were added.
	txFlushMu    sync.Mutex
	eventFlushMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an accumulator and starts its flush loop.
func New(ctx context.Context, sink Sink, cfg Config, log *zap.SugaredLogger, m *metrics.Metrics) (*Accumulator, error) {
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if cfg.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("max batch size must be > 0, got %d", cfg.MaxBatchSize)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	a := &Accumulator{
		sink:      sink,
		cfg:       cfg,
		log:       log,
		metrics:   m,
		lastFlush: time.Now(),
		ctx:       loopCtx,
		cancel:    cancel,
	}
	if cfg.FlushInterval > 0 {
		a.wg.Add(1)
		go a.flushLoop()
	}
	return a, nil
}

func (a *Accumulator) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			due := time.Since(a.lastFlush) >= a.cfg.FlushInterval
			a.mu.Unlock()
			if !due {
				continue
			}
			if err := a.FlushAll(a.ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Errorw("failed to flush in flush loop", "error", err)
			}
		}
	}
}

// AddTransactions buffers rows and flushes the key when it is full.
func (a *Accumulator) AddTransactions(ctx context.Context, rows ...walletrepo.TransactionRow) error {
	if len(rows) == 0 {
		return nil
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.txs = append(a.txs, rows...)
	full := len(a.txs) >= a.cfg.MaxBatchSize
	a.mu.Unlock()

	if full {
		return a.Flush(ctx, KeyTransactions)
	}
	return nil
}

// AddEvents buffers rows and flushes the key when it is full.
func (a *Accumulator) AddEvents(ctx context.Context, rows ...walletrepo.EventRow) error {
	if len(rows) == 0 {
		return nil
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.events = append(a.events, rows...)
	full := len(a.events) >= a.cfg.MaxBatchSize
	a.mu.Unlock()

	if full {
		return a.Flush(ctx, KeyEvents)
	}
	return nil
}

// Pending returns the number of buffered records under key.
func (a *Accumulator) Pending(key Key) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch key {
	case KeyTransactions:
		return len(a.txs)
	case KeyEvents:
		return len(a.events)
	default:
		return 0
	}
}

// Flush drains one key. A failed write drops the drained rows.
func (a *Accumulator) Flush(ctx context.Context, key Key) error {
	switch key {
	case KeyTransactions:
		a.txFlushMu.Lock()
		defer a.txFlushMu.Unlock()

		a.mu.Lock()
		rows := a.txs
		a.txs = nil
		a.mu.Unlock()
		if len(rows) == 0 {
			return nil
		}
		return a.record(key, len(rows), a.sink.InsertTransactions(ctx, rows))

	case KeyEvents:
		a.eventFlushMu.Lock()
		defer a.eventFlushMu.Unlock()

		a.mu.Lock()
		rows := a.events
		a.events = nil
		a.mu.Unlock()
		if len(rows) == 0 {
			return nil
		}
		return a.record(key, len(rows), a.sink.InsertEvents(ctx, rows))

	default:
		return fmt.Errorf("unknown accumulator key %q", key)
	}
}

func (a *Accumulator) record(key Key, n int, err error) error {
	a.metrics.RecordFlush(string(key), n, err)
	if err != nil {
		a.log.Errorw("failed to flush records - data may be lost",
			"key", key,
			"count", n,
			"error", err,
		)
		return fmt.Errorf("flush %s: %w", key, err)
	}
	a.log.Debugw("flushed records", "key", key, "count", n)
	return nil
}

// FlushAll drains every key.
func (a *Accumulator) FlushAll(ctx context.Context) error {
	start := time.Now()
	err := errors.Join(
		a.Flush(ctx, KeyTransactions),
		a.Flush(ctx, KeyEvents),
	)
	a.mu.Lock()
	a.lastFlush = time.Now()
	a.mu.Unlock()
	a.metrics.ObserveFlushDuration(time.Since(start).Seconds())
	return err
}

// Close stops the flush loop and drains what is left. Later adds return ErrClosed.
func (a *Accumulator) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
	return a.FlushAll(ctx)
}
