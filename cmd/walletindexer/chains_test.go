package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/wallet-indexer/pkg/abi"
	"github.com/ava-labs/wallet-indexer/pkg/data/clickhouse/walletrepo"
	"github.com/ava-labs/wallet-indexer/pkg/job"
	"github.com/ava-labs/wallet-indexer/pkg/worker"
)

const chainsYAML = `
chains:
  avalanche:
    type: evm
    endpoints:
      - https://a.example/rpc
      - https://b.example/rpc
    batchSize: 100
  starknet:
    type: stark
    endpoints: [https://s.example/rpc]
    maxAttempts: 2
`

func testChains(t *testing.T) *chainRegistry {
	t.Helper()
	r, err := parseChains([]byte(chainsYAML))
	require.NoError(t, err)
	return r
}

func TestParseChains(t *testing.T) {
	r := testChains(t)
	assert.Equal(t, []string{"avalanche", "starknet"}, r.Names())

	evm, err := r.lookup("avalanche")
	require.NoError(t, err)
	assert.Equal(t, job.ChainTypeEVM, evm.chainType)
	assert.Equal(t, []string{"https://a.example/rpc", "https://b.example/rpc"}, evm.endpoints.Endpoints)
	assert.Equal(t, uint64(100), evm.worker.BatchSize)
	assert.Equal(t, worker.DefaultEVMConfig().Concurrency, evm.worker.Concurrency)

	stark, err := r.lookup("starknet")
	require.NoError(t, err)
	assert.Equal(t, job.ChainTypeStark, stark.chainType)
	assert.Equal(t, worker.DefaultStarkConfig().BatchSize, stark.worker.BatchSize)
	assert.Equal(t, worker.DefaultStarkConfig().RateLimit, stark.worker.RateLimit)
	assert.Equal(t, 2, stark.worker.Retry.MaxAttempts)

	_, err = r.lookup("solana")
	require.ErrorIs(t, err, errUnknownChain)
}

func TestParseChains_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "empty", yaml: "", wantErr: "no chains configured"},
		{name: "no chains", yaml: "chains: {}", wantErr: "no chains configured"},
		{
			name:    "unknown type",
			yaml:    "chains:\n  x:\n    type: utxo\n    endpoints: [https://x]\n",
			wantErr: "unknown chain type",
		},
		{
			name:    "no endpoints",
			yaml:    "chains:\n  x:\n    type: evm\n",
			wantErr: "at least one endpoint",
		},
		{
			name:    "duplicate endpoint",
			yaml:    "chains:\n  x:\n    type: evm\n    endpoints: [https://x, https://x]\n",
			wantErr: "duplicate endpoint",
		},
		{
			name:    "unknown field",
			yaml:    "chains:\n  x:\n    type: evm\n    endpoints: [https://x]\n    batchsize: 5\n",
			wantErr: "failed to parse chains",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseChains([]byte(tt.yaml))
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

type emptyStore struct{}

func (emptyStore) LookupFeatures(context.Context, string, string) ([]abi.Feature, error) {
	return nil, nil
}

type nopRecorder struct{}

func (nopRecorder) AddTransactions(context.Context, ...walletrepo.TransactionRow) error { return nil }
func (nopRecorder) AddEvents(context.Context, ...walletrepo.EventRow) error { return nil }
func (nopRecorder) FlushAll(context.Context) error { return nil }
func (nopRecorder) RecordBatchError(context.Context, string, uint64, uint64, string) error {
	return nil
}

func TestChainRegistry_Factory(t *testing.T) {
	factory := testChains(t).Factory(worker.Deps{
		Decoder:  abi.NewResolver(emptyStore{}, 0, nil, nil),
		Recorder: nopRecorder{},
		Errors:   nopRecorder{},
	})

	w, err := factory(job.Job{ID: "j1", Chain: "avalanche", ChainType: job.ChainTypeEVM})
	require.NoError(t, err)
	assert.IsType(t, &worker.EVMWorker{}, w)

	w, err = factory(job.Job{ID: "j2", Chain: "starknet", ChainType: job.ChainTypeStark})
	require.NoError(t, err)
	assert.IsType(t, &worker.StarkWorker{}, w)

	_, err = factory(job.Job{ID: "j3", Chain: "solana", ChainType: job.ChainTypeEVM})
	require.ErrorIs(t, err, errUnknownChain)

	_, err = factory(job.Job{ID: "j4", Chain: "starknet", ChainType: job.ChainTypeEVM})
	require.ErrorContains(t, err, "chain starknet is stark")
}

func TestParseJobs(t *testing.T) {
	chains := testChains(t)

	params, err := parseJobs([]byte(`
jobs:
  - walletId: w1
    projectId: p1
    address: "0x00000000000000000000000000000000000000aa"
    chain: avalanche
    startBlock: 100
    endBlock: 200
    priority: 10
  - walletId: w2
    address: "0x05"
    chain: starknet
    startBlock: 1
    endBlock: 1
`), chains)
	require.NoError(t, err)
	require.Len(t, params, 2)
	assert.Equal(t, job.Params{
		WalletID:   "w1",
		ProjectID:  "p1",
		Address:    "0x00000000000000000000000000000000000000aa",
		Chain:      "avalanche",
		ChainType:  job.ChainTypeEVM,
		StartBlock: 100,
		EndBlock:   200,
		Priority:   10,
	}, params[0])
	assert.Equal(t, job.ChainTypeStark, params[1].ChainType)

	params, err = parseJobs(nil, chains)
	require.NoError(t, err)
	assert.Empty(t, params)

	_, err = parseJobs([]byte("jobs:\n  - {walletId: w, address: a, chain: solana, endBlock: 1}\n"), chains)
	require.ErrorIs(t, err, errUnknownChain)

	_, err = parseJobs([]byte("jobs:\n  - {walletId: w, address: a, chain: avalanche, startBlock: 5, endBlock: 1}\n"), chains)
	require.ErrorIs(t, err, job.ErrInvalidParams)
}
