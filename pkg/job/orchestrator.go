package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ava-labs/wallet-indexer/pkg/metrics"
)

// BatchErrorStore is the persisted side of partial failures.
type BatchErrorStore interface {
	ListBatchErrors(ctx context.Context, walletID string) ([]BatchError, error)
	DeleteBatchErrors(ctx context.Context, walletID string) error
}

// Orchestrator owns the authoritative in-memory job table and enforces the job
// state machine. Every mutation is announced to registered observers.
type Orchestrator struct {
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	store   BatchErrorStore

	// emitMu serializes mutations with their delivery so observers see events
	// in the order the table changed. It is always taken before mu.
	emitMu sync.Mutex

	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string
	seq   uint64

	obsMu     sync.RWMutex
	observers map[uint64]Observer
	nextObsID uint64

	now   func() time.Time
	newID func() string
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(f func() string) Option {
	return func(o *Orchestrator) { o.newID = f }
}

// NewOrchestrator creates an empty job table. store may be nil, in which case
// batch-error operations return ErrNoBatchErrorStore.
func NewOrchestrator(log *zap.SugaredLogger, store BatchErrorStore, m *metrics.Metrics, opts ...Option) *Orchestrator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	o := &Orchestrator{
		log:       log,
		metrics:   m,
		store:     store,
		jobs:      make(map[string]*Job),
		observers: make(map[uint64]Observer),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register adds an observer and returns a function that removes it.
func (o *Orchestrator) Register(obs Observer) func() {
	o.obsMu.Lock()
	id := o.nextObsID
	o.nextObsID++
	o.observers[id] = obs
	o.obsMu.Unlock()

	return func() {
		o.obsMu.Lock()
		delete(o.observers, id)
		o.obsMu.Unlock()
	}
}

// deliver must be called with emitMu held.
func (o *Orchestrator) deliver(e Event) {
	o.obsMu.RLock()
	ids := make([]uint64, 0, len(o.observers))
	for id := range o.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	obs := make([]Observer, 0, len(ids))
	for _, id := range ids {
		obs = append(obs, o.observers[id])
	}
	o.obsMu.RUnlock()

	for _, ob := range obs {
		ob.OnJobEvent(e)
	}
}

// QueueIndexingJob creates a queued job starting at params.StartBlock.
func (o *Orchestrator) QueueIndexingJob(params Params) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}

	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	now := o.now()
	o.mu.Lock()
	o.seq++
	j := &Job{
		ID:           o.newID(),
		WalletID:     params.WalletID,
		ProjectID:    params.ProjectID,
		Address:      params.Address,
		Chain:        params.Chain,
		ChainType:    params.ChainType,
		StartBlock:   params.StartBlock,
		EndBlock:     params.EndBlock,
		CurrentBlock: params.StartBlock,
		NextBlock:    params.StartBlock,
		Status:       StatusQueued,
		Priority:     params.Priority,
		CreatedAt:    now,
		UpdatedAt:    now,
		seq:          o.seq,
	}
	o.jobs[j.ID] = j
	o.order = append(o.order, j.ID)
	snap := j.clone()
	o.mu.Unlock()

	o.metrics.IncJobsCreated()
	o.log.Infow("job queued",
		"jobID", snap.ID,
		"walletID", snap.WalletID,
		"chain", snap.Chain,
		"start", snap.StartBlock,
		"end", snap.EndBlock,
		"priority", snap.Priority,
	)
	o.deliver(Event{Type: EventCreated, Job: snap, At: now})
	return snap.ID, nil
}

// GetJobStatus returns a snapshot of the job.
func (o *Orchestrator) GetJobStatus(id string) (Job, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	j, ok := o.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j.clone(), nil
}

// GetJobStatusByWallet returns the first job, in insertion order, for the wallet.
func (o *Orchestrator) GetJobStatusByWallet(walletID string) (Job, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, id := range o.order {
		if j := o.jobs[id]; j.WalletID == walletID {
			return j.clone(), nil
		}
	}
	return Job{}, fmt.Errorf("%w: wallet %s", ErrJobNotFound, walletID)
}

// LatestJobByWallet returns the wallet's most recently updated job. Ties go to
// the job created last.
func (o *Orchestrator) LatestJobByWallet(walletID string) (Job, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var latest *Job
	for _, id := range o.order {
		j := o.jobs[id]
		if j.WalletID != walletID {
			continue
		}
		if latest == nil || !j.UpdatedAt.Before(latest.UpdatedAt) {
			latest = j
		}
	}
	if latest == nil {
		return Job{}, fmt.Errorf("%w: wallet %s", ErrJobNotFound, walletID)
	}
	return latest.clone(), nil
}

// GetQueuedJobs returns queued jobs by priority descending, then FIFO.
func (o *Orchestrator) GetQueuedJobs() []Job {
	o.mu.RLock()
	queued := make([]Job, 0)
	for _, id := range o.order {
		if j := o.jobs[id]; j.Status == StatusQueued {
			queued = append(queued, j.clone())
		}
	}
	o.mu.RUnlock()

	sort.SliceStable(queued, func(a, b int) bool {
		ja, jb := queued[a], queued[b]
		if ja.Priority != jb.Priority {
			return ja.Priority > jb.Priority
		}
		if !ja.CreatedAt.Equal(jb.CreatedAt) {
			return ja.CreatedAt.Before(jb.CreatedAt)
		}
		return ja.seq < jb.seq
	})
	return queued
}

// ListJobs returns every job in insertion order.
func (o *Orchestrator) ListJobs() []Job {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Job, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.jobs[id].clone())
	}
	return out
}

// UpdateJobProgress merges cumulative progress into a running or paused job.
// CurrentBlock never moves backwards and EndBlock can only shrink.
func (o *Orchestrator) UpdateJobProgress(id string, p ProgressUpdate) error {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	now := o.now()
	o.mu.Lock()
	j, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.Status != StatusRunning && j.Status != StatusPaused {
		status := j.Status
		o.mu.Unlock()
		return fmt.Errorf("%w: job %s is %s", ErrJobNotActive, id, status)
	}
	if p.EndBlock != 0 && p.EndBlock >= j.StartBlock && p.EndBlock < j.EndBlock {
		j.EndBlock = p.EndBlock
	}
	if p.CurrentBlock > j.CurrentBlock {
		j.CurrentBlock = min(p.CurrentBlock, j.EndBlock)
	}
	if p.NextBlock > j.NextBlock {
		j.NextBlock = min(p.NextBlock, j.EndBlock+1)
	}
	j.TransactionsFound = p.TransactionsFound
	j.EventsFound = p.EventsFound
	j.BlocksPerSecond = p.BlocksPerSecond
	j.UpdatedAt = now
	snap := j.clone()
	o.mu.Unlock()

	update := p
	o.deliver(Event{Type: EventProgress, Job: snap, Progress: &update, At: now})
	return nil
}

// transition moves a job from the required status to the target status,
// applies mutate under the table lock and announces the change.
func (o *Orchestrator) transition(id string, from, to Status, evt EventType, mutate func(*Job, time.Time)) (Job, error) {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	now := o.now()
	o.mu.Lock()
	j, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.Status != from || !CanTransition(from, to) {
		cur := j.Status
		o.mu.Unlock()
		return Job{}, &InvalidTransitionError{JobID: id, From: cur, To: to}
	}
	if mutate != nil {
		mutate(j, now)
	}
	j.Status = to
	j.UpdatedAt = now
	snap := j.clone()
	o.mu.Unlock()

	o.metrics.RecordJobTransition(string(to))
	o.log.Infow("job transition", "jobID", id, "from", from, "to", to)
	o.deliver(Event{Type: evt, Job: snap, From: from, At: now})
	return snap, nil
}

// StartJob moves a queued job to running.
func (o *Orchestrator) StartJob(id string) (Job, error) {
	return o.transition(id, StatusQueued, StatusRunning, EventStarted, func(j *Job, now time.Time) {
		if j.StartedAt == nil {
			t := now
			j.StartedAt = &t
		}
	})
}

// PauseJob moves a running job to paused.
func (o *Orchestrator) PauseJob(id string) (Job, error) {
	return o.transition(id, StatusRunning, StatusPaused, EventPaused, nil)
}

// ResumeJob moves a paused job back to running.
func (o *Orchestrator) ResumeJob(id string) (Job, error) {
	return o.transition(id, StatusPaused, StatusRunning, EventResumed, nil)
}

// CompleteJob moves a running job to completed with its final counts.
func (o *Orchestrator) CompleteJob(id string, res Result) (Job, error) {
	return o.transition(id, StatusRunning, StatusCompleted, EventCompleted, func(j *Job, now time.Time) {
		t := now
		j.CompletedAt = &t
		j.TransactionsFound = res.TransactionsFound
		j.EventsFound = res.EventsFound
		if res.EndBlock != 0 && res.EndBlock >= j.StartBlock && res.EndBlock < j.EndBlock {
			j.EndBlock = res.EndBlock
		}
		j.CurrentBlock = max(j.CurrentBlock, j.EndBlock)
		j.NextBlock = max(j.NextBlock, j.EndBlock+1)
		j.ErrorMessage = ""
	})
}

// FailJob moves a running job to failed and records the cause.
func (o *Orchestrator) FailJob(id string, cause error) (Job, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return o.transition(id, StatusRunning, StatusFailed, EventFailed, func(j *Job, _ time.Time) {
		j.ErrorMessage = msg
	})
}

// RetryJob re-queues a failed job. Nothing re-queues failed jobs automatically.
func (o *Orchestrator) RetryJob(id string) (Job, error) {
	return o.transition(id, StatusFailed, StatusQueued, EventRetried, func(j *Job, _ time.Time) {
		j.ErrorMessage = ""
		j.CompletedAt = nil
	})
}

// GetFailedBatches returns the recorded batch errors for a wallet.
func (o *Orchestrator) GetFailedBatches(ctx context.Context, walletID string) ([]BatchError, error) {
	if o.store == nil {
		return nil, ErrNoBatchErrorStore
	}
	rows, err := o.store.ListBatchErrors(ctx, walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch errors for wallet %s: %w", walletID, err)
	}
	return rows, nil
}

// RetryFailedBatches folds every failed range of a wallet into one high-priority
// job spanning [min(start), max(end)] and then deletes the batch error rows.
// The new job re-scans the whole span, including sub-ranges that succeeded.
// Address, chain and project are taken from the wallet's first known job.
func (o *Orchestrator) RetryFailedBatches(ctx context.Context, walletID string) (string, error) {
	rows, err := o.GetFailedBatches(ctx, walletID)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoFailedBatches, walletID)
	}

	ref, err := o.GetJobStatusByWallet(walletID)
	if err != nil {
		return "", err
	}

	lo, hi := rows[0].StartBlock, rows[0].EndBlock
	for _, r := range rows[1:] {
		lo = min(lo, r.StartBlock)
		hi = max(hi, r.EndBlock)
	}

	id, err := o.QueueIndexingJob(Params{
		WalletID:   walletID,
		ProjectID:  ref.ProjectID,
		Address:    ref.Address,
		Chain:      ref.Chain,
		ChainType:  ref.ChainType,
		StartBlock: lo,
		EndBlock:   hi,
		Priority:   PriorityHigh,
	})
	if err != nil {
		return "", fmt.Errorf("failed to queue batch retry job: %w", err)
	}

	if err := o.store.DeleteBatchErrors(ctx, walletID); err != nil {
		return id, fmt.Errorf("queued retry job %s but failed to delete batch errors: %w", id, err)
	}

	o.log.Infow("queued batch retry job",
		"jobID", id,
		"walletID", walletID,
		"ranges", len(rows),
		"start", lo,
		"end", hi,
	)
	return id, nil
}
