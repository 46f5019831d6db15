package worker

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ava-labs/libevm/common"
	"github.com/stretchr/testify/mock"

	"github.com/ava-labs/wallet-indexer/pkg/abi"
	"github.com/ava-labs/wallet-indexer/pkg/backoff"
	"github.com/ava-labs/wallet-indexer/pkg/data/clickhouse/walletrepo"
	"github.com/ava-labs/wallet-indexer/pkg/rpcmanager"
)

var (
	wallet   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	token    = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

var errBlockUnavailable = errors.New("block unavailable")

// fakeEVM serves synthetic blocks: every tenth block holds a transfer from the
// wallet, every block holds one unrelated transaction.
type fakeEVM struct {
	head  uint64
	fail  func(n uint64) bool
	delay time.Duration

	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	blockCalls  map[uint64]int
}

func newFakeEVM(head uint64) *fakeEVM {
	return &fakeEVM{head: head, blockCalls: make(map[uint64]int)}
}

func (f *fakeEVM) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeEVM) Close() {}

func (f *fakeEVM) BlockByNumber(ctx context.Context, n uint64) (EVMBlock, error) {
	f.mu.Lock()
	f.blockCalls[n]++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return EVMBlock{}, ctx.Err()
		}
	}
	if f.fail != nil && f.fail(n) {
		return EVMBlock{}, fmt.Errorf("block %d: %w", n, errBlockUnavailable)
	}

	b := EVMBlock{Number: n, Time: time.Unix(int64(n), 0).UTC()}
	b.Transactions = append(b.Transactions, EVMTransaction{
		Hash:  common.BigToHash(new(big.Int).SetUint64(n*10 + 1)),
		From:  stranger,
		To:    &token,
		Value: big.NewInt(0),
	})
	if n%10 == 0 {
		b.Transactions = append(b.Transactions, EVMTransaction{
			Hash:  common.BigToHash(new(big.Int).SetUint64(n * 10)),
			Index: 1,
			From:  wallet,
			To:    &token,
			Value: big.NewInt(0),
			Input: common.FromHex("0xa9059cbb"),
		})
	}
	return b, nil
}

func (f *fakeEVM) TransactionReceipt(_ context.Context, hash common.Hash) (EVMReceipt, error) {
	return EVMReceipt{
		TxHash: hash,
		Status: 1,
		Logs: []EVMLog{{
			TxHash:  hash,
			Address: token,
			Topics:  []common.Hash{common.HexToHash("0xddf252ad")},
		}},
	}, nil
}

func (f *fakeEVM) FilterLogs(context.Context, common.Address, uint64, uint64) ([]EVMLog, error) {
	return nil, nil
}

func (f *fakeEVM) calls(n uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockCalls[n]
}

func (f *fakeEVM) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

type stubDecoder struct {
	mu    sync.Mutex
	calls []string
}

func (d *stubDecoder) record(s string) {
	d.mu.Lock()
	d.calls = append(d.calls, s)
	d.mu.Unlock()
}

func (d *stubDecoder) DecodeEVMTransaction(_ context.Context, _, address string, input []byte) abi.Decoded {
	d.record("tx:" + address)
	return abi.Decoded{Selector: "0xa9059cbb", Name: "transfer", Category: "transfer"}
}

func (d *stubDecoder) DecodeEVMEvent(_ context.Context, _, address string, _ []common.Hash, _ []byte) abi.Decoded {
	d.record("event:" + address)
	return abi.Decoded{Selector: "0xddf252ad", Name: "Transfer"}
}

func (d *stubDecoder) DecodeStarkInvocation(_ context.Context, _, contract, selector string, _ []string) abi.Decoded {
	d.record("invoke:" + contract + ":" + selector)
	return abi.Decoded{Selector: selector, DecodeError: "unknown selector"}
}

func (d *stubDecoder) DecodeStarkEvent(_ context.Context, _, contract string, keys, _ []string) abi.Decoded {
	d.record("starkevent:" + contract)
	return abi.Decoded{Selector: keys[0], Name: "Transfer", Args: map[string]string{"value": "1"}}
}

type memRecorder struct {
	mu      sync.Mutex
	txs     []walletrepo.TransactionRow
	events  []walletrepo.EventRow
	flushes int
}

func (r *memRecorder) AddTransactions(_ context.Context, rows ...walletrepo.TransactionRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs = append(r.txs, rows...)
	return nil
}

func (r *memRecorder) AddEvents(_ context.Context, rows ...walletrepo.EventRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, rows...)
	return nil
}

func (r *memRecorder) FlushAll(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
	return nil
}

type mockBatchErrors struct {
	mock.Mock
}

func (m *mockBatchErrors) RecordBatchError(ctx context.Context, walletID string, start, end uint64, message string) error {
	args := m.Called(ctx, walletID, start, end, message)
	return args.Error(0)
}

func testEndpoints(urls ...string) rpcmanager.Config {
	tiny := backoff.Policy{Base: time.Microsecond, Max: time.Microsecond}
	return rpcmanager.Config{
		Endpoints:        urls,
		ProbeTTL:         time.Minute,
		HardBackoff:      tiny,
		RateLimitBackoff: tiny,
	}
}

func testConfig(batchSize uint64, concurrency int) Config {
	return Config{
		BatchSize:   batchSize,
		Concurrency: concurrency,
		Retry: RetryConfig{
			MaxAttempts: 3,
			Policy:      backoff.Policy{Base: time.Millisecond, Max: 2 * time.Millisecond},
		},
	}
}

func testRequest(start, end uint64) Request {
	return Request{
		JobID:      "job-1",
		WalletID:   "wallet-1",
		Address:    wallet.Hex(),
		Chain:      "ethereum",
		StartBlock: start,
		EndBlock:   end,
	}
}

func drain(ch <-chan Progress) []Progress {
	var out []Progress
	for {
		select {
		case p := <-ch:
			out = append(out, p)
		default:
			return out
		}
	}
}
