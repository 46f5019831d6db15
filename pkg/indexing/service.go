// Package indexing runs orchestrator jobs on chain workers. It dispatches
// queued jobs under a concurrency cap, forwards worker progress back to the
// orchestrator and settles each run as completed, failed or paused.
package indexing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ava-labs/wallet-indexer/pkg/job"
	"github.com/ava-labs/wallet-indexer/pkg/metrics"
	"github.com/ava-labs/wallet-indexer/pkg/utils"
	"github.com/ava-labs/wallet-indexer/pkg/worker"
)

var (
	ErrServiceClosed = errors.New("indexing service is shut down")
	ErrWorkerPanic   = errors.New("worker panicked")
)

const progressBuffer = 16

// Factory builds a fresh worker for a job.
type Factory func(j job.Job) (worker.Worker, error)

type Config struct {
	MaxConcurrentJobs int
	// PollInterval re-checks the queue in case a wake-up was missed.
	PollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{MaxConcurrentJobs: 4, PollInterval: 2 * time.Second}
}

func (c Config) Validate() error {
	if c.MaxConcurrentJobs <= 0 {
		return errors.New("max concurrent jobs must be > 0")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be > 0")
	}
	return nil
}

type Option func(*Service)

// WithClock overrides the time source used by the watchdog.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type Service struct {
	cfg      Config
	jobs     *job.Orchestrator
	factory  Factory
	registry *Registry
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
	now      func() time.Time

	sem        *semaphore.Weighted
	wake       chan struct{}
	unregister func()

	// ctx is the parent of every worker run. Shutdown cancels it only after
	// the graceful stop deadline passes.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running atomic.Int64
	closed  atomic.Bool
}

func NewService(cfg Config, jobs *job.Orchestrator, factory Factory, log *zap.SugaredLogger, m *metrics.Metrics, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid indexing config: %w", err)
	}
	if jobs == nil || factory == nil {
		return nil, errors.New("orchestrator and worker factory are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg,
		jobs:     jobs,
		factory:  factory,
		registry: NewRegistry(),
		log:      utils.Named(log, "indexing"),
		metrics:  m,
		now:      time.Now,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unregister = jobs.Register(job.ObserverFunc(s.onJobEvent))
	return s, nil
}

// Registry exposes the job to worker bindings.
func (s *Service) Registry() *Registry { return s.registry }

// onJobEvent only signals; observers must not mutate the orchestrator.
func (s *Service) onJobEvent(e job.Event) {
	if e.Type != job.EventCreated && e.Type != job.EventRetried {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run dispatches queued jobs until ctx is done or the service shuts down.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.log.Infow("indexing service started", "maxConcurrentJobs", s.cfg.MaxConcurrentJobs)
	for {
		s.dispatch()
		select {
		case <-ctx.Done():
			return nil
		case <-s.ctx.Done():
			return nil
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// dispatch starts queued jobs in priority order while slots are free.
func (s *Service) dispatch() {
	for _, j := range s.jobs.GetQueuedJobs() {
		if s.closed.Load() {
			return
		}
		if !s.sem.TryAcquire(1) {
			return
		}
		started, err := s.jobs.StartJob(j.ID)
		if err != nil {
			s.sem.Release(1)
			s.log.Debugw("skipping job that left the queue", "jobID", j.ID, "error", err)
			continue
		}
		s.launch(started)
	}
}

// Submit queues a job and wakes the dispatcher.
func (s *Service) Submit(ctx context.Context, params job.Params) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.closed.Load() {
		return "", ErrServiceClosed
	}
	return s.jobs.QueueIndexingJob(params)
}

// Pause pauses a running job and stops its worker at the next batch boundary.
func (s *Service) Pause(id string) (job.Job, error) {
	j, err := s.jobs.PauseJob(id)
	if err != nil {
		return job.Job{}, err
	}
	if !s.registry.Stop(id) {
		s.log.Debugw("paused job had no bound worker", "jobID", id)
	}
	return j, nil
}

// Resume waits for a free slot, moves the job back to running and relaunches
// its worker from the first block its finished batches do not cover.
func (s *Service) Resume(ctx context.Context, id string) (job.Job, error) {
	if s.closed.Load() {
		return job.Job{}, ErrServiceClosed
	}
	if _, ok := s.registry.Get(id); ok {
		return job.Job{}, fmt.Errorf("%w: previous run of %s is still stopping", ErrWorkerAlreadyBound, id)
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return job.Job{}, err
	}
	j, err := s.jobs.ResumeJob(id)
	if err != nil {
		s.sem.Release(1)
		return job.Job{}, err
	}
	s.launch(j)
	return j, nil
}

// launch runs j on a new worker. The caller holds a semaphore slot, which is
// released when the run settles.
func (s *Service) launch(j job.Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)

		s.metrics.SetJobsRunning(int(s.running.Add(1)))
		defer func() { s.metrics.SetJobsRunning(int(s.running.Add(-1))) }()

		res, err := s.run(j)
		s.settle(j, res, err)
	}()
}

func (s *Service) run(j job.Job) (res worker.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("worker panicked", "jobID", j.ID, "panic", r)
			res, err = worker.Result{}, fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
	}()

	start := max(j.NextBlock, j.StartBlock)
	if start > j.EndBlock {
		// Every batch finished before the job was paused.
		return worker.Result{Success: true, EndBlock: j.EndBlock}, nil
	}

	w, err := s.factory(j)
	if err != nil {
		return worker.Result{}, fmt.Errorf("build worker: %w", err)
	}
	if err := s.registry.Bind(j.ID, w); err != nil {
		return worker.Result{}, err
	}
	defer s.registry.Unbind(j.ID)
	if s.closed.Load() {
		w.Stop()
	}
	// A pause or watchdog failure that landed before Bind found no worker to
	// stop, so the run must not start.
	if cur, err := s.jobs.GetJobStatus(j.ID); err != nil || cur.Status != job.StatusRunning {
		w.Stop()
		s.log.Infow("job left running before its worker started", "jobID", j.ID, "status", cur.Status)
		return worker.Result{Stopped: true}, nil
	}

	req := worker.Request{
		JobID:      j.ID,
		WalletID:   j.WalletID,
		Address:    j.Address,
		Chain:      j.Chain,
		ChainType:  j.ChainType,
		StartBlock: start,
		EndBlock:   j.EndBlock,
	}

	progress := make(chan worker.Progress, progressBuffer)
	done := make(chan struct{})
	go s.forward(j, start, progress, done)
	defer func() {
		close(progress)
		<-done
	}()

	s.log.Infow("worker started",
		"jobID", j.ID,
		"walletID", j.WalletID,
		"chain", j.Chain,
		"start", start,
		"end", j.EndBlock,
	)
	return w.IndexWallet(s.ctx, req, progress)
}

// forward feeds worker reports into the orchestrator. Counts are offset by
// what the job had already found before this run.
func (s *Service) forward(j job.Job, start uint64, progress <-chan worker.Progress, done chan<- struct{}) {
	defer close(done)
	for p := range progress {
		u := rebase(j, start, p.ProgressUpdate)
		if err := s.jobs.UpdateJobProgress(j.ID, u); err != nil {
			s.metrics.IncError(metrics.ErrTypeProgressUpdate)
			s.log.Debugw("dropped progress update", "jobID", j.ID, "error", err)
		}
	}
}

// rebase turns a report for [start, end] into one for the whole job.
func rebase(j job.Job, start uint64, u job.ProgressUpdate) job.ProgressUpdate {
	u.TransactionsFound += j.TransactionsFound
	u.EventsFound += j.EventsFound
	if start <= j.StartBlock {
		return u
	}
	end := j.EndBlock
	if u.EndBlock != 0 && u.EndBlock >= start {
		end = u.EndBlock
	}
	prior := float64(start - j.StartBlock)
	run := float64(end - start + 1)
	u.Percent = (prior + u.Percent/100*run) / (prior + run) * 100
	return u
}

// settle applies the run's outcome. A job that is no longer running was
// paused or failed while its worker ran and is left alone.
func (s *Service) settle(j job.Job, res worker.Result, runErr error) {
	cur, err := s.jobs.GetJobStatus(j.ID)
	if err != nil {
		s.log.Errorw("job vanished while running", "jobID", j.ID, "error", err)
		return
	}
	if cur.Status != job.StatusRunning {
		s.log.Infow("worker exited", "jobID", j.ID, "status", cur.Status)
		return
	}

	switch {
	case res.Stopped:
		_, err = s.jobs.PauseJob(j.ID)
		s.log.Infow("job paused after stop", "jobID", j.ID, "currentBlock", cur.CurrentBlock)
	case runErr != nil:
		s.metrics.IncError(metrics.ErrTypeJobFatal)
		_, err = s.jobs.FailJob(j.ID, runErr)
	case !res.Success:
		s.metrics.IncError(metrics.ErrTypeJobFatal)
		_, err = s.jobs.FailJob(j.ID, errors.New(res.Error))
	default:
		final := res.JobResult()
		final.TransactionsFound += j.TransactionsFound
		final.EventsFound += j.EventsFound
		_, err = s.jobs.CompleteJob(j.ID, final)
	}
	if err != nil {
		s.log.Warnw("failed to settle job", "jobID", j.ID, "error", err)
	}
}

// Running returns the number of jobs with a live worker.
func (s *Service) Running() int {
	return int(s.running.Load())
}

// Shutdown stops every worker at its next batch boundary and waits for the
// runs to settle. Stopped jobs are left paused. When ctx ends first the
// remaining runs are cancelled.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.unregister()
	s.registry.StopAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	defer s.cancel()
	select {
	case <-done:
		s.log.Infow("indexing service stopped")
		return nil
	case <-ctx.Done():
		s.log.Warnw("indexing service shutdown timed out, cancelling workers", "running", s.Running())
		return ctx.Err()
	}
}
