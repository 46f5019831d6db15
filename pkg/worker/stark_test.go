package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	starkWallet   = "0x04a3b2c1"
	starkContract = "0x0777"
	transferSel   = "0x83afd3f4caedc6eebf44246fe54e38c95e3179a5ec9ea81740eca5b482d12e"
)

// fakeStark serves one block per height with three transactions: one sent by
// the wallet, one whose calldata names the wallet and one unrelated.
type fakeStark struct {
	head uint64
	fail func(n uint64) bool

	mu       sync.Mutex
	inFlight int
	peak     int
}

func (f *fakeStark) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeStark) Close() {}

func (f *fakeStark) BlockWithTxs(_ context.Context, n uint64) (StarkBlock, error) {
	f.mu.Lock()
	f.inFlight++
	f.peak = max(f.peak, f.inFlight)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.fail != nil && f.fail(n) {
		return StarkBlock{}, fmt.Errorf("block %d: %w", n, errBlockUnavailable)
	}
	return StarkBlock{
		Number:    n,
		Timestamp: 1_700_000_000 + n,
		Transactions: []StarkTransaction{
			{
				Hash:          fmt.Sprintf("0x%xa", n),
				Type:          "INVOKE",
				SenderAddress: starkWallet,
				Calldata:      []string{"0x1", starkContract, transferSel, "0x3", "0x99", "0x5", "0x0"},
			},
			{
				Hash:          fmt.Sprintf("0x%xb", n),
				Type:          "INVOKE",
				SenderAddress: "0x0dead",
				// Padded and upper-cased, still the wallet.
				Calldata: []string{"0x1", starkContract, transferSel, "0x3", "0x0004A3B2C1", "0x5", "0x0"},
			},
			{
				Hash:          fmt.Sprintf("0x%xc", n),
				Type:          "INVOKE",
				SenderAddress: "0x0beef",
				Calldata:      []string{"0x1", starkContract, transferSel, "0x3", "0x42", "0x5", "0x0"},
			},
		},
	}, nil
}

func (f *fakeStark) TransactionReceipt(_ context.Context, hash string) (StarkReceipt, error) {
	return StarkReceipt{
		TxHash:          hash,
		ExecutionStatus: "SUCCEEDED",
		Events: []StarkEvent{{
			FromAddress: starkContract,
			Keys:        []string{"0x99cd8bde557814842a3121e8ddfd433a539b8c9f14bf31ebf108d12e6196e9"},
			Data:        []string{"0x1", "0x2"},
		}},
	}, nil
}

func newTestStarkWorker(t *testing.T, chain *fakeStark, cfg Config, errs *mockBatchErrors) (*StarkWorker, *memRecorder, *stubDecoder) {
	t.Helper()
	rec := &memRecorder{}
	dec := &stubDecoder{}
	w, err := NewStarkWorker(Deps{
		Endpoints: testEndpoints("http://stark-a"),
		Config:    cfg,
		Decoder:   dec,
		Recorder:  rec,
		Errors:    errs,
		Log:       zaptest.NewLogger(t).Sugar(),
		DialStark: func(context.Context, string) (StarkChain, error) {
			return chain, nil
		},
	})
	require.NoError(t, err)
	return w, rec, dec
}

func starkRequest(start, end uint64) Request {
	req := testRequest(start, end)
	req.Address = starkWallet
	req.Chain = "starknet"
	return req
}

func TestStarkWorker_MatchesSenderAndCalldata(t *testing.T) {
	chain := &fakeStark{head: 100}
	w, rec, dec := newTestStarkWorker(t, chain, testConfig(10, 1), &mockBatchErrors{})

	res, err := w.IndexWallet(t.Context(), starkRequest(5, 5), nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, uint64(2), res.TransactionsFound)
	require.Equal(t, uint64(2), res.EventsFound)

	require.Len(t, rec.txs, 2)
	require.Equal(t, "0x4a3b2c1", rec.txs[0].From)
	require.Equal(t, "0x777", rec.txs[0].To)
	require.Equal(t, transferSel, rec.txs[0].Selector)
	require.Equal(t, "unknown selector", rec.txs[0].DecodeError)
	require.Equal(t, uint8(1), rec.txs[0].Status)
	require.Equal(t, "0xdead", rec.txs[1].From)

	require.Len(t, rec.events, 2)
	require.Equal(t, "Transfer", rec.events[0].EventName)
	require.Equal(t, `{"value":"1"}`, rec.events[0].DecodedArgs)
	require.Equal(t, "0x1,0x2", rec.events[0].Data)

	require.Contains(t, dec.calls, "invoke:0x777:"+transferSel)
}

func TestStarkWorker_SequentialWithPartialFailure(t *testing.T) {
	chain := &fakeStark{head: 1000, fail: func(n uint64) bool { return n == 25 }}
	errs := &mockBatchErrors{}
	errs.On("RecordBatchError", mock.Anything, "wallet-1", uint64(20), uint64(29), mock.Anything).Return(nil).Once()

	w, _, _ := newTestStarkWorker(t, chain, testConfig(10, 1), errs)
	progress := make(chan Progress, 8)
	res, err := w.IndexWallet(t.Context(), starkRequest(0, 39), progress)
	require.NoError(t, err)

	require.True(t, res.Success)
	require.Equal(t, uint64(30), res.BlocksProcessed)
	require.Equal(t, 1, chain.peak)
	errs.AssertExpectations(t)

	reports := drain(progress)
	require.Len(t, reports, 4)
	for i, p := range reports {
		require.Equal(t, uint64(i*10), p.BatchStart, "batches run in order")
	}
	require.Equal(t, uint64(39), reports[3].CurrentBlock)
	require.Equal(t, uint64(10), reports[0].NextBlock)
	require.Equal(t, uint64(40), reports[3].NextBlock)
}

func TestStarkWorker_Stop(t *testing.T) {
	chain := &fakeStark{head: 1000}
	w, _, _ := newTestStarkWorker(t, chain, testConfig(10, 1), &mockBatchErrors{})
	w.Stop()

	res, err := w.IndexWallet(t.Context(), starkRequest(0, 99), nil)
	require.NoError(t, err)
	require.True(t, res.Stopped)
	require.Zero(t, res.BlocksProcessed)
}

func TestInvolvesStark(t *testing.T) {
	tests := []struct {
		name string
		tx   StarkTransaction
		want bool
	}{
		{"sender", StarkTransaction{SenderAddress: "0x4A3B2C1"}, true},
		{"contract", StarkTransaction{ContractAddress: "0x04a3b2c1"}, true},
		{"calldata", StarkTransaction{SenderAddress: "0x1", Calldata: []string{"0x2", "0x0004a3b2c1"}}, true},
		{"unrelated", StarkTransaction{SenderAddress: "0x1", Calldata: []string{"0x2", "0x4a3b2c10"}}, false},
		{"empty", StarkTransaction{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, involvesStark(tt.tx, starkWallet))
		})
	}
}

func TestParseMulticall(t *testing.T) {
	calls, ok := parseMulticall([]string{"0x2", "0xa", "0xb", "0x1", "0x5", "0xc", "0xd", "0x0"})
	require.True(t, ok)
	require.Len(t, calls, 2)
	require.Equal(t, starkCall{To: "0xa", Selector: "0xb", Calldata: []string{"0x5"}}, calls[0])
	require.Equal(t, "0xc", calls[1].To)
	require.Empty(t, calls[1].Calldata)

	for name, calldata := range map[string][]string{
		"empty":        nil,
		"zero calls":   {"0x0"},
		"short":        {"0x1", "0xa"},
		"overlong len": {"0x1", "0xa", "0xb", "0x9", "0x1"},
		"trailing":     {"0x1", "0xa", "0xb", "0x0", "0xff"},
		"not hex":      {"zz"},
	} {
		_, ok := parseMulticall(calldata)
		require.False(t, ok, name)
	}
}

func TestPrimaryCall(t *testing.T) {
	legacy := StarkTransaction{ContractAddress: "0x0777", EntryPointSelector: "0x00ab", Calldata: []string{"0x1"}}
	require.Equal(t, starkCall{To: "0x777", Selector: "0xab", Calldata: []string{"0x1"}}, primaryCall(legacy))

	raw := StarkTransaction{SenderAddress: "0x0abc", Calldata: []string{"0x5"}}
	got := primaryCall(raw)
	require.Equal(t, "0xabc", got.To)
	require.Empty(t, got.Selector)
}
