// Package worker walks a block range for one wallet address, decodes the
// matching transactions and events and hands them to the batch accumulator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ava-labs/libevm/common"
	"go.uber.org/zap"

	"github.com/ava-labs/wallet-indexer/pkg/abi"
	"github.com/ava-labs/wallet-indexer/pkg/backoff"
	"github.com/ava-labs/wallet-indexer/pkg/data/clickhouse/walletrepo"
	"github.com/ava-labs/wallet-indexer/pkg/job"
	"github.com/ava-labs/wallet-indexer/pkg/metrics"
	"github.com/ava-labs/wallet-indexer/pkg/rpcmanager"
)

var (
	ErrUnknownChainType  = errors.New("unknown chain type")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrStartBeyondHead   = errors.New("start block is beyond the chain head")
	ErrMissingDependency = errors.New("missing worker dependency")
)

// Worker indexes one wallet over a block range.
type Worker interface {
	// IndexWallet blocks until the range is walked, Stop is honored or ctx is
	// done. Progress is sent once per batch; sends block on ctx.
	IndexWallet(ctx context.Context, req Request, progress chan<- Progress) (Result, error)
	// Stop asks the worker to halt at the next batch boundary.
	Stop()
}

type Request struct {
	JobID      string
	WalletID   string
	Address    string
	Chain      string
	ChainType  job.ChainType
	StartBlock uint64
	EndBlock   uint64
}

func (r Request) Validate() error {
	switch {
	case r.WalletID == "":
		return errors.New("wallet id is required")
	case r.Address == "":
		return errors.New("address is required")
	case r.Chain == "":
		return errors.New("chain is required")
	case r.EndBlock < r.StartBlock:
		return fmt.Errorf("end block %d < start block %d", r.EndBlock, r.StartBlock)
	}
	return nil
}

// Result summarizes a run. Success is true when every batch was attempted,
// even if some were abandoned and recorded as batch errors.
type Result struct {
	TransactionsFound uint64
	EventsFound       uint64
	BlocksProcessed   uint64
	Success           bool
	Stopped           bool
	Error             string
	EndBlock          uint64
}

// JobResult converts r into the orchestrator's completion record.
func (r Result) JobResult() job.Result {
	return job.Result{
		TransactionsFound: r.TransactionsFound,
		EventsFound:       r.EventsFound,
		BlocksProcessed:   r.BlocksProcessed,
		EndBlock:          r.EndBlock,
	}
}

// Progress is one per-batch report.
type Progress struct {
	job.ProgressUpdate
	BatchStart uint64
	BatchEnd   uint64
	Abandoned  bool
}

// Decoder turns raw calls and logs into decoded records.
type Decoder interface {
	DecodeEVMTransaction(ctx context.Context, chain, address string, input []byte) abi.Decoded
	DecodeEVMEvent(ctx context.Context, chain, address string, topics []common.Hash, data []byte) abi.Decoded
	DecodeStarkInvocation(ctx context.Context, chain, contract, selector string, calldata []string) abi.Decoded
	DecodeStarkEvent(ctx context.Context, chain, contract string, keys, data []string) abi.Decoded
}

// Recorder buffers rows for bulk persistence.
type Recorder interface {
	AddTransactions(ctx context.Context, rows ...walletrepo.TransactionRow) error
	AddEvents(ctx context.Context, rows ...walletrepo.EventRow) error
	FlushAll(ctx context.Context) error
}

// BatchErrorRecorder persists ranges that could not be indexed.
type BatchErrorRecorder interface {
	RecordBatchError(ctx context.Context, walletID string, start, end uint64, message string) error
}

// RetryConfig bounds per-call retries. The n-th retry waits Policy.Delay(n).
type RetryConfig struct {
	MaxAttempts int
	Policy      backoff.Policy
}

type Config struct {
	BatchSize   uint64
	Concurrency int
	Retry       RetryConfig
	// RateLimit caps requests per second per endpoint. Zero disables it.
	RateLimit float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		Policy:      backoff.Policy{Base: 500 * time.Millisecond, Max: 10 * time.Second},
	}
}

func DefaultEVMConfig() Config {
	return Config{BatchSize: 50, Concurrency: 4, Retry: DefaultRetryConfig()}
}

func DefaultStarkConfig() Config {
	return Config{BatchSize: 10, Concurrency: 1, Retry: DefaultRetryConfig(), RateLimit: 5}
}

func (c Config) Validate() error {
	if c.BatchSize == 0 {
		return errors.New("batch size must be > 0")
	}
	if c.Concurrency <= 0 {
		return errors.New("concurrency must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("max attempts must be > 0")
	}
	if c.RateLimit < 0 {
		return errors.New("rate limit must be >= 0")
	}
	return c.Retry.Policy.Validate()
}

// Deps is everything a worker needs. Each worker builds its own endpoint
// manager from Endpoints, so endpoint failure state is never shared.
type Deps struct {
	Endpoints rpcmanager.Config
	Config    Config
	Decoder   Decoder
	Recorder  Recorder
	Errors    BatchErrorRecorder
	Log       *zap.SugaredLogger
	Metrics   *metrics.Metrics

	// Dialers default to the JSON-RPC clients in this package.
	DialEVM   rpcmanager.Dialer[EVMChain]
	DialStark rpcmanager.Dialer[StarkChain]
}

func (d Deps) validate() error {
	if d.Decoder == nil {
		return fmt.Errorf("%w: decoder", ErrMissingDependency)
	}
	if d.Recorder == nil {
		return fmt.Errorf("%w: recorder", ErrMissingDependency)
	}
	if d.Errors == nil {
		return fmt.Errorf("%w: batch error recorder", ErrMissingDependency)
	}
	return d.Config.Validate()
}

// New returns the worker for chainType.
func New(chainType job.ChainType, deps Deps) (Worker, error) {
	switch chainType {
	case job.ChainTypeEVM:
		return NewEVMWorker(deps)
	case job.ChainTypeStark:
		return NewStarkWorker(deps)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChainType, chainType)
	}
}
