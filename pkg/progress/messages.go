// Package progress mirrors job lifecycle and progress to websocket subscribers,
// keyed by wallet id, and parks messages for wallets nobody is watching.
package progress

import (
	"time"

	"github.com/ava-labs/wallet-indexer/pkg/job"
)

// MessageType is the envelope type of a message.
type MessageType string

// Server to client.
const (
	TypeStatus       MessageType = "status"
	TypeProgress     MessageType = "progress"
	TypeComplete     MessageType = "complete"
	TypeError        MessageType = "error"
	TypeStatusChange MessageType = "statusChange"
	TypePong         MessageType = "pong"
)

// Client to server.
const (
	TypePing          MessageType = "ping"
	TypeRequestStatus MessageType = "requestStatus"
)

// Message is the wire envelope in both directions.
type Message struct {
	Type      MessageType `json:"type"`
	Data      any         `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// JobPayload is the data of every job related message.
type JobPayload struct {
	JobID             string  `json:"jobId"`
	WalletID          string  `json:"walletId"`
	Chain             string  `json:"chain"`
	Status            string  `json:"status"`
	PreviousStatus    string  `json:"previousStatus,omitempty"`
	Event             string  `json:"event,omitempty"`
	StartBlock        uint64  `json:"startBlock"`
	EndBlock          uint64  `json:"endBlock"`
	CurrentBlock      uint64  `json:"currentBlock"`
	TransactionsFound uint64  `json:"transactionsFound"`
	EventsFound       uint64  `json:"eventsFound"`
	BlocksPerSecond   float64 `json:"blocksPerSecond"`
	Percent           float64 `json:"percent"`
	ETASeconds        float64 `json:"etaSeconds,omitempty"`
	ErrorMessage      string  `json:"error,omitempty"`
}

func payloadFor(j job.Job) JobPayload {
	return JobPayload{
		JobID:             j.ID,
		WalletID:          j.WalletID,
		Chain:             j.Chain,
		Status:            string(j.Status),
		StartBlock:        j.StartBlock,
		EndBlock:          j.EndBlock,
		CurrentBlock:      j.CurrentBlock,
		TransactionsFound: j.TransactionsFound,
		EventsFound:       j.EventsFound,
		BlocksPerSecond:   j.BlocksPerSecond,
		Percent:           percentOf(j),
		ErrorMessage:      j.ErrorMessage,
	}
}

// percentOf estimates completion from the blocks the job's finished batches
// cover.
func percentOf(j job.Job) float64 {
	switch {
	case j.Status == job.StatusCompleted:
		return 100
	case j.EndBlock < j.StartBlock, j.NextBlock <= j.StartBlock:
		return 0
	}
	done := min(j.NextBlock, j.EndBlock+1) - j.StartBlock
	return float64(done) / float64(j.EndBlock-j.StartBlock+1) * 100
}

// StatusMessage builds the reply to requestStatus.
func StatusMessage(j job.Job) Message {
	return Message{Type: TypeStatus, Data: payloadFor(j)}
}

// messageFor maps an orchestrator event to its wire message.
func messageFor(e job.Event) Message {
	p := payloadFor(e.Job)
	p.Event = string(e.Type)
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}

	switch e.Type {
	case job.EventProgress:
		if e.Progress != nil {
			p.Percent = e.Progress.Percent
			p.ETASeconds = e.Progress.ETASeconds
			p.BlocksPerSecond = e.Progress.BlocksPerSecond
		}
		return Message{Type: TypeProgress, Data: p, Timestamp: at.UnixMilli()}
	case job.EventCompleted:
		return Message{Type: TypeComplete, Data: p, Timestamp: at.UnixMilli()}
	case job.EventFailed:
		return Message{Type: TypeError, Data: p, Timestamp: at.UnixMilli()}
	default:
		p.PreviousStatus = string(e.From)
		return Message{Type: TypeStatusChange, Data: p, Timestamp: at.UnixMilli()}
	}
}
