package worker

import (
	"math/big"

	"github.com/ava-labs/wallet-indexer/pkg/utils"
)

// involvesStark reports whether address is the sender or target of tx, or
// appears literally anywhere in its calldata. The calldata scan is a heuristic:
// call layouts vary by account implementation.
func involvesStark(tx StarkTransaction, address string) bool {
	if utils.EqualHex(tx.SenderAddress, address) || utils.EqualHex(tx.ContractAddress, address) {
		return true
	}
	for _, felt := range tx.Calldata {
		if utils.EqualHex(felt, address) {
			return true
		}
	}
	return false
}

// starkCall is one call inside an account's __execute__ calldata.
type starkCall struct {
	To       string
	Selector string
	Calldata []string
}

// parseMulticall reads the Cairo 1 account layout:
// [n, (to, selector, len, data...) * n]. It reports false when the calldata
// does not fit that layout exactly.
func parseMulticall(calldata []string) ([]starkCall, bool) {
	pos := 0
	next := func() (uint64, bool) {
		if pos >= len(calldata) {
			return 0, false
		}
		v, ok := new(big.Int).SetString(utils.TrimHexPrefix(calldata[pos]), 16)
		pos++
		if !ok || !v.IsUint64() {
			return 0, false
		}
		return v.Uint64(), true
	}

	n, ok := next()
	if !ok || n == 0 || n > uint64(len(calldata)) {
		return nil, false
	}
	calls := make([]starkCall, 0, n)
	for range n {
		if pos+3 > len(calldata) {
			return nil, false
		}
		to, selector := calldata[pos], calldata[pos+1]
		pos += 2
		size, ok := next()
		if !ok || size > uint64(len(calldata)-pos) {
			return nil, false
		}
		calls = append(calls, starkCall{
			To:       utils.NormalizeFelt(to),
			Selector: utils.NormalizeFelt(selector),
			Calldata: calldata[pos : pos+int(size)],
		})
		pos += int(size)
	}
	if pos != len(calldata) {
		return nil, false
	}
	return calls, true
}

// primaryCall picks what a STARK transaction row is decoded against: the
// first call of a multicall, or the entry point for legacy and L1 handler
// transactions.
func primaryCall(tx StarkTransaction) starkCall {
	if tx.EntryPointSelector != "" {
		return starkCall{
			To:       utils.NormalizeFelt(tx.ContractAddress),
			Selector: utils.NormalizeFelt(tx.EntryPointSelector),
			Calldata: tx.Calldata,
		}
	}
	if calls, ok := parseMulticall(tx.Calldata); ok {
		return calls[0]
	}
	return starkCall{To: utils.NormalizeFelt(tx.SenderAddress), Calldata: tx.Calldata}
}
