package job

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition can leave s except an explicit retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ChainType selects the worker family for a job.
type ChainType string

const (
	ChainTypeEVM   ChainType = "evm"
	ChainTypeStark ChainType = "stark"
)

// ParseChainType maps a configuration tag onto a known chain family.
func ParseChainType(s string) (ChainType, error) {
	switch ChainType(strings.ToLower(strings.TrimSpace(s))) {
	case ChainTypeEVM:
		return ChainTypeEVM, nil
	case ChainTypeStark:
		return ChainTypeStark, nil
	default:
		return "", fmt.Errorf("unknown chain type %q", s)
	}
}

// Job priorities. Higher runs first.
const (
	PriorityDefault = 0
	PriorityHigh    = 10
)

// Job is one indexing task for a single wallet address over a bounded block range.
type Job struct {
	ID                string     `json:"id"`
	WalletID          string     `json:"walletId"`
	ProjectID         string     `json:"projectId"`
	Address           string     `json:"address"`
	Chain             string     `json:"chain"`
	ChainType         ChainType  `json:"chainType"`
	StartBlock        uint64     `json:"startBlock"`
	EndBlock          uint64     `json:"endBlock"`
	CurrentBlock      uint64     `json:"currentBlock"`
	// NextBlock is the first block not covered by finished batches. It equals
	// StartBlock until the first batch of the range is done.
	NextBlock         uint64     `json:"nextBlock"`
	Status            Status     `json:"status"`
	Priority          int        `json:"priority"`
	TransactionsFound uint64     `json:"transactionsFound"`
	EventsFound       uint64     `json:"eventsFound"`
	BlocksPerSecond   float64    `json:"blocksPerSecond"`
	ErrorMessage      string     `json:"errorMessage,omitempty"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`

	// seq breaks CreatedAt ties in queue ordering.
	seq uint64
}

// Params describes a job submission.
type Params struct {
	WalletID   string
	ProjectID  string
	Address    string
	Chain      string
	ChainType  ChainType
	StartBlock uint64
	EndBlock   uint64
	Priority   int
}

// Validate checks the submission for the fields every worker needs.
func (p Params) Validate() error {
	switch {
	case p.WalletID == "":
		return fmt.Errorf("%w: wallet id is required", ErrInvalidParams)
	case p.Address == "":
		return fmt.Errorf("%w: address is required", ErrInvalidParams)
	case p.Chain == "":
		return fmt.Errorf("%w: chain is required", ErrInvalidParams)
	case p.EndBlock < p.StartBlock:
		return fmt.Errorf("%w: end block %d < start block %d", ErrInvalidParams, p.EndBlock, p.StartBlock)
	}
	if _, err := ParseChainType(string(p.ChainType)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	return nil
}

// ProgressUpdate carries cumulative progress for a running job.
type ProgressUpdate struct {
	CurrentBlock      uint64  `json:"currentBlock"`
	NextBlock         uint64  `json:"nextBlock,omitempty"`
	EndBlock          uint64  `json:"endBlock"`
	TransactionsFound uint64  `json:"transactionsFound"`
	EventsFound       uint64  `json:"eventsFound"`
	BlocksProcessed   uint64  `json:"blocksProcessed"`
	BlocksPerSecond   float64 `json:"blocksPerSecond"`
	Percent           float64 `json:"percent"`
	ETASeconds        float64 `json:"etaSeconds"`
}

// Result is the final outcome a worker hands back for CompleteJob.
type Result struct {
	TransactionsFound uint64
	EventsFound       uint64
	BlocksProcessed   uint64
	EndBlock          uint64
}

// BatchError is a block range a worker gave up on after exhausting retries.
type BatchError struct {
	WalletID     string    `json:"walletId"`
	StartBlock   uint64    `json:"startBlock"`
	EndBlock     uint64    `json:"endBlock"`
	ErrorMessage string    `json:"errorMessage"`
	RetryCount   uint32    `json:"retryCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (j *Job) clone() Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return c
}
