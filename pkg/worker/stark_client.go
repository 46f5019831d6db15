package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ava-labs/libevm/rpc"
	"golang.org/x/time/rate"

	"github.com/ava-labs/wallet-indexer/pkg/metrics"
	"github.com/ava-labs/wallet-indexer/pkg/rpcmanager"
)

// StarkTransaction is the subset of a STARK transaction the worker needs.
type StarkTransaction struct {
	Hash               string   `json:"transaction_hash"`
	Type               string   `json:"type"`
	SenderAddress      string   `json:"sender_address,omitempty"`
	ContractAddress    string   `json:"contract_address,omitempty"`
	EntryPointSelector string   `json:"entry_point_selector,omitempty"`
	Calldata           []string `json:"calldata,omitempty"`
}

type StarkBlock struct {
	Number       uint64             `json:"block_number"`
	Timestamp    uint64             `json:"timestamp"`
	Transactions []StarkTransaction `json:"transactions"`
}

// Time returns the block timestamp.
func (b StarkBlock) Time() time.Time {
	return time.Unix(int64(b.Timestamp), 0).UTC()
}

type StarkEvent struct {
	FromAddress string   `json:"from_address"`
	Keys        []string `json:"keys"`
	Data        []string `json:"data"`
}

type StarkReceipt struct {
	TxHash          string       `json:"transaction_hash"`
	ExecutionStatus string       `json:"execution_status"`
	Events          []StarkEvent `json:"events"`
}

// Succeeded reports whether the transaction executed without reverting.
func (r StarkReceipt) Succeeded() bool {
	return r.ExecutionStatus == "" || r.ExecutionStatus == "SUCCEEDED"
}

// StarkChain is the JSON-RPC surface the STARK worker needs.
type StarkChain interface {
	rpcmanager.Provider
	BlockWithTxs(ctx context.Context, number uint64) (StarkBlock, error)
	TransactionReceipt(ctx context.Context, hash string) (StarkReceipt, error)
}

// StarkClient speaks the starknet_* JSON-RPC methods. Every call waits on a
// client-side limiter so one endpoint never sees more than the configured rate.
type StarkClient struct {
	rpc     *rpc.Client
	limiter *rate.Limiter
	metrics *metrics.Metrics
}

var _ StarkChain = (*StarkClient)(nil)

type blockID struct {
	BlockNumber uint64 `json:"block_number"`
}

// NewStarkClient dials url. rps <= 0 disables the limiter.
func NewStarkClient(ctx context.Context, url string, rps float64, m *metrics.Metrics) (*StarkClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial stark rpc: %w", err)
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
	return &StarkClient{rpc: c, limiter: limiter, metrics: m}, nil
}

// DialStark returns a dialer producing rate limited StarkClients.
func DialStark(rps float64, m *metrics.Metrics) rpcmanager.Dialer[StarkChain] {
	return func(ctx context.Context, url string) (StarkChain, error) {
		return NewStarkClient(ctx, url, rps, m)
	}
}

func (c *StarkClient) call(ctx context.Context, result any, method string, args ...any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	c.metrics.IncRPCInFlight()
	err := c.rpc.CallContext(ctx, result, method, args...)
	c.metrics.DecRPCInFlight()
	c.metrics.RecordRPCCall(method, err, time.Since(start).Seconds())
	return err
}

func (c *StarkClient) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	if err := c.call(ctx, &n, "starknet_blockNumber"); err != nil {
		return 0, fmt.Errorf("get block number: %w", err)
	}
	return n, nil
}

func (c *StarkClient) BlockWithTxs(ctx context.Context, number uint64) (StarkBlock, error) {
	var b StarkBlock
	if err := c.call(ctx, &b, "starknet_getBlockWithTxs", blockID{BlockNumber: number}); err != nil {
		return StarkBlock{}, fmt.Errorf("get block %d: %w", number, err)
	}
	return b, nil
}

func (c *StarkClient) TransactionReceipt(ctx context.Context, hash string) (StarkReceipt, error) {
	var r StarkReceipt
	if err := c.call(ctx, &r, "starknet_getTransactionReceipt", hash); err != nil {
		return StarkReceipt{}, fmt.Errorf("get receipt %s: %w", hash, err)
	}
	if r.TxHash == "" {
		r.TxHash = hash
	}
	return r, nil
}

// Close closes the underlying RPC client.
func (c *StarkClient) Close() {
	c.rpc.Close()
}
