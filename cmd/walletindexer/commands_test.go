package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/wallet-indexer/pkg/abi"
	"github.com/ava-labs/wallet-indexer/pkg/progress"
)

func TestNewToken(t *testing.T) {
	token, err := newToken("s3cret", "wallet-indexer", "ops", "w1", time.Hour)
	require.NoError(t, err)

	v, err := progress.NewJWTVerifier([]byte("s3cret"), progress.WithIssuer("wallet-indexer"))
	require.NoError(t, err)
	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.True(t, claims.Allows("w1"))
	assert.False(t, claims.Allows("w2"))

	_, err = newToken("s3cret", "", "ops", "", 0)
	require.ErrorContains(t, err, "ttl must be > 0")

	_, err = newToken("", "", "ops", "", time.Hour)
	require.ErrorContains(t, err, "jwt secret is required")
}

const transferABI = `[
  {"type":"function","name":"transfer","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"Transfer","anonymous":false,
   "inputs":[{"name":"from","type":"address","indexed":true},
             {"name":"to","type":"address","indexed":true},
             {"name":"value","type":"uint256","indexed":false}]}
]`

func TestReadFeatures(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token.json")
	require.NoError(t, os.WriteFile(path, []byte(transferABI), 0o600))

	features, err := readFeatures("avalanche", "0xabc", path)
	require.NoError(t, err)
	require.Len(t, features, 2)
	kinds := map[abi.Kind]string{}
	for _, f := range features {
		assert.Equal(t, "avalanche", f.Chain)
		assert.Equal(t, "0xabc", f.Address)
		kinds[f.Kind] = f.Name
	}
	assert.Equal(t, "transfer", kinds[abi.KindFunction])
	assert.Equal(t, "Transfer", kinds[abi.KindEvent])

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte("[]"), 0o600))
	_, err = readFeatures("avalanche", "0xabc", empty)
	require.ErrorContains(t, err, "no functions or events")

	_, err = readFeatures("avalanche", "0xabc", filepath.Join(dir, "missing.json"))
	require.ErrorContains(t, err, "failed to open abi file")
}
