package worker

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ava-labs/libevm"
	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/common/hexutil"
	"github.com/ava-labs/libevm/core/types"
	"github.com/ava-labs/libevm/ethclient"
	"github.com/ava-labs/libevm/rpc"

	"github.com/ava-labs/wallet-indexer/pkg/metrics"
	"github.com/ava-labs/wallet-indexer/pkg/rpcmanager"
)

// EVMTransaction is the part of a transaction the worker matches and decodes.
type EVMTransaction struct {
	Hash  common.Hash
	Index uint32
	From  common.Address
	To    *common.Address
	Value *big.Int
	Input []byte
}

type EVMBlock struct {
	Number       uint64
	Time         time.Time
	Transactions []EVMTransaction
}

type EVMLog struct {
	TxHash      common.Hash
	Index       uint32
	BlockNumber uint64
	Address     common.Address
	Topics      []common.Hash
	Data        []byte
}

type EVMReceipt struct {
	TxHash common.Hash
	Status uint64
	Logs   []EVMLog
}

// EVMChain is the JSON-RPC surface the EVM worker needs.
type EVMChain interface {
	rpcmanager.Provider
	BlockByNumber(ctx context.Context, number uint64) (EVMBlock, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (EVMReceipt, error)
	FilterLogs(ctx context.Context, address common.Address, from, to uint64) ([]EVMLog, error)
}

// EVMClient wraps the underlying RPC and eth clients.
type EVMClient struct {
	rpc     *rpc.Client
	eth     *ethclient.Client
	metrics *metrics.Metrics
}

var _ EVMChain = (*EVMClient)(nil)

// NewEVMClient dials an EVM JSON-RPC endpoint.
func NewEVMClient(ctx context.Context, url string, m *metrics.Metrics) (*EVMClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return &EVMClient{rpc: c, eth: ethclient.NewClient(c), metrics: m}, nil
}

// DialEVM returns a dialer producing EVMClients that report to m.
func DialEVM(m *metrics.Metrics) rpcmanager.Dialer[EVMChain] {
	return func(ctx context.Context, url string) (EVMChain, error) {
		return NewEVMClient(ctx, url, m)
	}
}

func (c *EVMClient) track(method string) func(error) {
	start := time.Now()
	c.metrics.IncRPCInFlight()
	return func(err error) {
		c.metrics.DecRPCInFlight()
		c.metrics.RecordRPCCall(method, err, time.Since(start).Seconds())
	}
}

func (c *EVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	done := c.track("eth_blockNumber")
	n, err := c.eth.BlockNumber(ctx)
	done(err)
	if err != nil {
		return 0, fmt.Errorf("get block number: %w", err)
	}
	return n, nil
}

// rpcBlock is the subset of an eth_getBlockByNumber response the worker reads.
// Senders come from the node, so no signature is recovered locally and
// transaction types the client cannot decode still index.
type rpcBlock struct {
	Number       hexutil.Uint64   `json:"number"`
	Timestamp    hexutil.Uint64   `json:"timestamp"`
	Transactions []rpcTransaction `json:"transactions"`
}

type rpcTransaction struct {
	Hash  common.Hash     `json:"hash"`
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Value *hexutil.Big    `json:"value"`
	Input hexutil.Bytes   `json:"input"`
}

func (c *EVMClient) BlockByNumber(ctx context.Context, number uint64) (EVMBlock, error) {
	done := c.track("eth_getBlockByNumber")
	var block *rpcBlock
	err := c.rpc.CallContext(ctx, &block, "eth_getBlockByNumber", hexutil.EncodeUint64(number), true)
	if err == nil && block == nil {
		err = ethereum.NotFound
	}
	done(err)
	if err != nil {
		return EVMBlock{}, fmt.Errorf("get block by number %d: %w", number, err)
	}

	out := EVMBlock{
		Number:       uint64(block.Number),
		Time:         time.Unix(int64(block.Timestamp), 0).UTC(),
		Transactions: make([]EVMTransaction, 0, len(block.Transactions)),
	}
	for i, tx := range block.Transactions {
		value := new(big.Int)
		if tx.Value != nil {
			value = tx.Value.ToInt()
		}
		out.Transactions = append(out.Transactions, EVMTransaction{
			Hash:  tx.Hash,
			Index: uint32(i),
			From:  tx.From,
			To:    tx.To,
			Value: value,
			Input: tx.Input,
		})
	}
	return out, nil
}

func (c *EVMClient) TransactionReceipt(ctx context.Context, hash common.Hash) (EVMReceipt, error) {
	done := c.track("eth_getTransactionReceipt")
	r, err := c.eth.TransactionReceipt(ctx, hash)
	done(err)
	if err != nil {
		return EVMReceipt{}, fmt.Errorf("get receipt %s: %w", hash.Hex(), err)
	}
	return EVMReceipt{TxHash: hash, Status: r.Status, Logs: mapLogs(r.Logs)}, nil
}

func (c *EVMClient) FilterLogs(ctx context.Context, address common.Address, from, to uint64) ([]EVMLog, error) {
	done := c.track("eth_getLogs")
	logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{address},
	})
	done(err)
	if err != nil {
		return nil, fmt.Errorf("get logs %d-%d: %w", from, to, err)
	}
	out := make([]EVMLog, 0, len(logs))
	for i := range logs {
		out = append(out, mapLog(&logs[i]))
	}
	return out, nil
}

// Close closes the underlying RPC client.
func (c *EVMClient) Close() {
	c.rpc.Close()
}

func mapLogs(logs []*types.Log) []EVMLog {
	out := make([]EVMLog, 0, len(logs))
	for _, l := range logs {
		out = append(out, mapLog(l))
	}
	return out
}

func mapLog(l *types.Log) EVMLog {
	return EVMLog{
		TxHash:      l.TxHash,
		Index:       uint32(l.Index),
		BlockNumber: l.BlockNumber,
		Address:     l.Address,
		Topics:      l.Topics,
		Data:        l.Data,
	}
}
