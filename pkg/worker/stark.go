package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ava-labs/wallet-indexer/pkg/data/clickhouse/walletrepo"
	"github.com/ava-labs/wallet-indexer/pkg/job"
	"github.com/ava-labs/wallet-indexer/pkg/rpcmanager"
	"github.com/ava-labs/wallet-indexer/pkg/utils"
)

// StarkWorker processes batches strictly one after another.
type StarkWorker struct {
	base
	mgr *rpcmanager.Manager[StarkChain]
}

var _ Worker = (*StarkWorker)(nil)

func NewStarkWorker(deps Deps) (*StarkWorker, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	dial := deps.DialStark
	if dial == nil {
		dial = DialStark(deps.Config.RateLimit, deps.Metrics)
	}
	log := utils.Named(deps.Log, "stark-worker")
	mgr, err := rpcmanager.New(deps.Endpoints, dial, log, deps.Metrics)
	if err != nil {
		return nil, err
	}
	return &StarkWorker{
		base: base{chainType: string(job.ChainTypeStark), deps: deps, log: log},
		mgr:  mgr,
	}, nil
}

func (w *StarkWorker) IndexWallet(ctx context.Context, req Request, progress chan<- Progress) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{Error: err.Error()}, err
	}
	defer w.mgr.Close()

	cfg := w.deps.Config
	head, err := call(ctx, w.mgr, cfg.Retry, w.deps.Metrics, func(ctx context.Context, c StarkChain) (uint64, error) {
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
	address := utils.NormalizeFelt(req.Address)

	w.log.Infow("indexing wallet",
		"jobID", req.JobID,
		"walletID", req.WalletID,
		"chain", req.Chain,
		"start", req.StartBlock,
		"end", end,
		"batches", len(batches),
	)

	stopped := false
	for i, b := range batches {
		if w.isStopped() {
			stopped = true
			break
		}
		w.deps.Metrics.IncBatchesInFlight()
		start := time.Now()
		out, scanErr := w.scan(ctx, req, address, b)
		err := w.complete(ctx, t, i, out, scanErr, time.Since(start))
		w.deps.Metrics.DecBatchesInFlight()
		if err != nil {
			w.flush(ctx)
			res := t.result(true)
			res.Error = err.Error()
			return res, err
		}
	}
	w.flush(ctx)

	if err := ctx.Err(); err != nil {
		res := t.result(true)
		res.Error = err.Error()
		return res, err
	}
	return t.result(stopped), nil
}

func (w *StarkWorker) scan(ctx context.Context, req Request, address string, b Batch) (batchOutput, error) {
	retry := w.deps.Config.Retry
	m := w.deps.Metrics

	var out batchOutput
	for n := b.Start; n <= b.End; n++ {
		block, err := call(ctx, w.mgr, retry, m, func(ctx context.Context, c StarkChain) (StarkBlock, error) {
			return c.BlockWithTxs(ctx, n)
		})
		if err != nil {
			return batchOutput{}, fmt.Errorf("block %d: %w", n, err)
		}

		for i, tx := range block.Transactions {
			if !involvesStark(tx, address) {
				continue
			}
			receipt, err := call(ctx, w.mgr, retry, m, func(ctx context.Context, c StarkChain) (StarkReceipt, error) {
				return c.TransactionReceipt(ctx, tx.Hash)
			})
			if err != nil {
				return batchOutput{}, fmt.Errorf("receipt %s: %w", tx.Hash, err)
			}
			out.txs = append(out.txs, w.transactionRow(ctx, req, n, block, i, tx, receipt))
			for j, ev := range receipt.Events {
				out.events = append(out.events, w.eventRow(ctx, req, n, block, tx.Hash, j, ev))
			}
		}
	}
	return out, nil
}

func (w *StarkWorker) transactionRow(ctx context.Context, req Request, number uint64, block StarkBlock, index int, tx StarkTransaction, receipt StarkReceipt) walletrepo.TransactionRow {
	target := primaryCall(tx)
	row := walletrepo.TransactionRow{
		WalletID:    req.WalletID,
		Chain:       req.Chain,
		TxHash:      utils.NormalizeFelt(tx.Hash),
		BlockNumber: number,
		BlockTime:   block.Time(),
		TxIndex:     uint32(index),
		From:        utils.NormalizeFelt(tx.SenderAddress),
		To:          target.To,
		Value:       "0",
	}
	if receipt.Succeeded() {
		row.Status = 1
	}
	d := w.deps.Decoder.DecodeStarkInvocation(ctx, req.Chain, target.To, target.Selector, target.Calldata)
	applyDecoded(&row, d)
	return row
}

func (w *StarkWorker) eventRow(ctx context.Context, req Request, number uint64, block StarkBlock, txHash string, index int, ev StarkEvent) walletrepo.EventRow {
	contract := utils.NormalizeFelt(ev.FromAddress)
	row := walletrepo.EventRow{
		WalletID:        req.WalletID,
		Chain:           req.Chain,
		TxHash:          utils.NormalizeFelt(txHash),
		LogIndex:        uint32(index),
		BlockNumber:     number,
		BlockTime:       block.Time(),
		ContractAddress: contract,
		Topics:          ev.Keys,
		Data:            strings.Join(ev.Data, ","),
	}
	if len(ev.Keys) > 0 {
		row.Topic0 = utils.NormalizeFelt(ev.Keys[0])
	}
	d := w.deps.Decoder.DecodeStarkEvent(ctx, req.Chain, contract, ev.Keys, ev.Data)
	row.EventName = d.Name
	row.DecodedArgs = encodeArgs(d.Args)
	row.DecodeError = d.DecodeError
	return row
}
