package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/common/hexutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ava-labs/wallet-indexer/pkg/data/clickhouse/walletrepo"
	"github.com/ava-labs/wallet-indexer/pkg/job"
	"github.com/ava-labs/wallet-indexer/pkg/rpcmanager"
	"github.com/ava-labs/wallet-indexer/pkg/utils"
)

// EVMWorker fans batches out with at most Config.Concurrency in flight.
type EVMWorker struct {
	base
	mgr *rpcmanager.Manager[EVMChain]
}

var _ Worker = (*EVMWorker)(nil)

func NewEVMWorker(deps Deps) (*EVMWorker, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	dial := deps.DialEVM
	if dial == nil {
		dial = DialEVM(deps.Metrics)
	}
	log := utils.Named(deps.Log, "evm-worker")
	mgr, err := rpcmanager.New(deps.Endpoints, dial, log, deps.Metrics)
	if err != nil {
		return nil, err
	}
	return &EVMWorker{
		base: base{chainType: string(job.ChainTypeEVM), deps: deps, log: log},
		mgr:  mgr,
	}, nil
}

// IndexWallet walks the request range. Abandoned batches are recorded and do
// not fail the run; only an unreachable head or a cancelled ctx does.
func (w *EVMWorker) IndexWallet(ctx context.Context, req Request, progress chan<- Progress) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{Error: err.Error()}, err
	}
	if !common.IsHexAddress(req.Address) {
		err := fmt.Errorf("invalid evm address %q", req.Address)
		return Result{Error: err.Error()}, err
	}
	defer w.mgr.Close()

	cfg := w.deps.Config
	head, err := call(ctx, w.mgr, cfg.Retry, w.deps.Metrics, func(ctx context.Context, c EVMChain) (uint64, error) {
		return c.BlockNumber(ctx)
	})
	if err != nil {
		err = fmt.Errorf("read chain head: %w", err)
		return Result{Error: err.Error()}, err
	}
	end, err := clampEnd(req, head)
	if err != nil {
		return Result{Error: err.Error()}, err
	}

	batches := Partition(req.StartBlock, end, cfg.BatchSize)
	t := newTracker(req, end, batches, progress)
	address := common.HexToAddress(req.Address)

	w.log.Infow("indexing wallet",
		"jobID", req.JobID,
		"walletID", req.WalletID,
		"chain", req.Chain,
		"start", req.StartBlock,
		"end", end,
		"batches", len(batches),
	)

	sem := semaphore.NewWeighted(int64(cfg.Concurrency))
	g, gctx := errgroup.WithContext(ctx)
	stopped := false
	for i, b := range batches {
		if w.isStopped() {
			stopped = true
			break
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		if w.isStopped() {
			sem.Release(1)
			stopped = true
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			w.deps.Metrics.IncBatchesInFlight()
			defer w.deps.Metrics.DecBatchesInFlight()

			start := time.Now()
			out, scanErr := w.scan(gctx, req, address, b)
			return w.complete(gctx, t, i, out, scanErr, time.Since(start))
		})
	}
	waitErr := g.Wait()
	w.flush(ctx)

	if err := errors.Join(waitErr, ctx.Err()); err != nil {
		res := t.result(true)
		res.Error = err.Error()
		return res, err
	}
	if stopped {
		w.log.Infow("worker stopped", "jobID", req.JobID)
	}
	return t.result(stopped), nil
}

// scan fetches every block of b, then receipts for matching transactions and
// the logs the address emitted in the range.
func (w *EVMWorker) scan(ctx context.Context, req Request, address common.Address, b Batch) (batchOutput, error) {
	retry := w.deps.Config.Retry
	m := w.deps.Metrics

	var out batchOutput
	seen := make(map[string]struct{})
	for n := b.Start; n <= b.End; n++ {
		block, err := call(ctx, w.mgr, retry, m, func(ctx context.Context, c EVMChain) (EVMBlock, error) {
			return c.BlockByNumber(ctx, n)
		})
		if err != nil {
			return batchOutput{}, fmt.Errorf("block %d: %w", n, err)
		}

		for _, tx := range block.Transactions {
			if !involvesEVM(tx, address) {
				continue
			}
			receipt, err := call(ctx, w.mgr, retry, m, func(ctx context.Context, c EVMChain) (EVMReceipt, error) {
				return c.TransactionReceipt(ctx, tx.Hash)
			})
			if err != nil {
				return batchOutput{}, fmt.Errorf("receipt %s: %w", tx.Hash.Hex(), err)
			}
			out.txs = append(out.txs, w.transactionRow(ctx, req, block, tx, receipt))
			for _, l := range receipt.Logs {
				if row, ok := w.eventRow(ctx, req, block.Time, l, seen); ok {
					out.events = append(out.events, row)
				}
			}
		}
	}

	logs, err := call(ctx, w.mgr, retry, m, func(ctx context.Context, c EVMChain) ([]EVMLog, error) {
		return c.FilterLogs(ctx, address, b.Start, b.End)
	})
	if err != nil {
		return batchOutput{}, fmt.Errorf("logs %d-%d: %w", b.Start, b.End, err)
	}
	for _, l := range logs {
		// Block time is not on the log; the row keeps the zero time.
		if row, ok := w.eventRow(ctx, req, time.Time{}, l, seen); ok {
			out.events = append(out.events, row)
		}
	}
	return out, nil
}

// involvesEVM reports whether address sent or received tx.
func involvesEVM(tx EVMTransaction, address common.Address) bool {
	return tx.From == address || (tx.To != nil && *tx.To == address)
}

func (w *EVMWorker) transactionRow(ctx context.Context, req Request, block EVMBlock, tx EVMTransaction, receipt EVMReceipt) walletrepo.TransactionRow {
	row := walletrepo.TransactionRow{
		WalletID:    req.WalletID,
		Chain:       req.Chain,
		TxHash:      tx.Hash.Hex(),
		BlockNumber: block.Number,
		BlockTime:   block.Time,
		TxIndex:     tx.Index,
		From:        utils.NormalizeHex(tx.From.Hex()),
		Value:       "0",
		Status:      uint8(receipt.Status),
	}
	if tx.Value != nil {
		row.Value = tx.Value.String()
	}
	if tx.To == nil {
		return row
	}
	row.To = utils.NormalizeHex(tx.To.Hex())
	if len(tx.Input) == 0 {
		return row
	}
	d := w.deps.Decoder.DecodeEVMTransaction(ctx, req.Chain, row.To, tx.Input)
	applyDecoded(&row, d)
	return row
}

func (w *EVMWorker) eventRow(ctx context.Context, req Request, blockTime time.Time, l EVMLog, seen map[string]struct{}) (walletrepo.EventRow, bool) {
	key := fmt.Sprintf("%s/%d", l.TxHash.Hex(), l.Index)
	if _, dup := seen[key]; dup {
		return walletrepo.EventRow{}, false
	}
	seen[key] = struct{}{}

	topics := make([]string, 0, len(l.Topics))
	for _, t := range l.Topics {
		topics = append(topics, t.Hex())
	}
	row := walletrepo.EventRow{
		WalletID:        req.WalletID,
		Chain:           req.Chain,
		TxHash:          l.TxHash.Hex(),
		LogIndex:        l.Index,
		BlockNumber:     l.BlockNumber,
		BlockTime:       blockTime,
		ContractAddress: utils.NormalizeHex(l.Address.Hex()),
		Topics:          topics,
		Data:            hexutil.Encode(l.Data),
	}
	if len(topics) > 0 {
		row.Topic0 = topics[0]
	}
	d := w.deps.Decoder.DecodeEVMEvent(ctx, req.Chain, row.ContractAddress, l.Topics, l.Data)
	row.EventName = d.Name
	row.DecodedArgs = encodeArgs(d.Args)
	row.DecodeError = d.DecodeError
	return row, true
}
