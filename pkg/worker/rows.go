package worker

import (
	"encoding/json"

	"github.com/ava-labs/wallet-indexer/pkg/abi"
	"github.com/ava-labs/wallet-indexer/pkg/data/clickhouse/walletrepo"
)

func applyDecoded(row *walletrepo.TransactionRow, d abi.Decoded) {
	row.Selector = d.Selector
	row.MethodName = d.Name
	row.Category = d.Category
	row.DecodedArgs = encodeArgs(d.Args)
	row.DecodeError = d.DecodeError
}

// encodeArgs renders decoded arguments as a JSON object, or "" when there are none.
func encodeArgs(args map[string]string) string {
	if len(args) == 0 {
		return ""
	}
	b, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(b)
}
