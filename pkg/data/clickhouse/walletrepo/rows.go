package walletrepo

import "time"

// TransactionRow is one transaction involving a tracked wallet. The row key is
// (WalletID, Chain, TxHash).
type TransactionRow struct {
	WalletID    string
	Chain       string
	TxHash      string
	BlockNumber uint64
	BlockTime   time.Time
	TxIndex     uint32
	From        string
	To          string
	Value       string // decimal wei or felt
	Status      uint8
	Selector    string
	MethodName  string
	Category    string
	DecodedArgs string // JSON object
	DecodeError string
}

// EventRow is one log or event tied to a tracked wallet. The row key is
// (WalletID, Chain, TxHash, LogIndex).
type EventRow struct {
	WalletID        string
	Chain           string
	TxHash          string
	LogIndex        uint32
	BlockNumber     uint64
	BlockTime       time.Time
	ContractAddress string
	Topic0          string
	Topics          []string
	Data            string
	EventName       string
	DecodedArgs     string // JSON object
	DecodeError     string
}
