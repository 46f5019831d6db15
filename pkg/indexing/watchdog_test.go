package indexing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/wallet-indexer/pkg/job"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newWatchdogFixture(t *testing.T) (*Service, *job.Orchestrator, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	log := zaptest.NewLogger(t).Sugar()
	orch := job.NewOrchestrator(log, nil, nil, job.WithClock(c.Now))
	f := &factory{}
	s, err := NewService(testConfig(), orch, f.build, log, nil, WithClock(c.Now))
	require.NoError(t, err)
	return s, orch, c
}

func startedJob(t *testing.T, orch *job.Orchestrator, wallet string) string {
	t.Helper()
	id, err := orch.QueueIndexingJob(params(wallet, 0))
	require.NoError(t, err)
	_, err = orch.StartJob(id)
	require.NoError(t, err)
	return id
}

func TestWatchdog_WarnsOnly(t *testing.T) {
	s, orch, c := newWatchdogFixture(t)
	stale := startedJob(t, orch, "w1")
	c.Advance(90 * time.Second)
	fresh := startedJob(t, orch, "w2")
	c.Advance(30 * time.Second)

	cfg := WatchdogConfig{Interval: time.Second, MaxStall: time.Minute}
	require.Equal(t, []string{stale}, s.checkStalled(cfg))

	for _, id := range []string{stale, fresh} {
		j, err := orch.GetJobStatus(id)
		require.NoError(t, err)
		require.Equal(t, job.StatusRunning, j.Status)
	}
}

func TestWatchdog_FailsStalledAndStopsWorker(t *testing.T) {
	s, orch, c := newWatchdogFixture(t)
	id := startedJob(t, orch, "w1")
	w := newFakeWorker(nil)
	require.NoError(t, s.Registry().Bind(id, w))

	c.Advance(2 * time.Minute)
	cfg := WatchdogConfig{Interval: time.Second, MaxStall: time.Minute, FailStalled: true}
	require.Equal(t, []string{id}, s.checkStalled(cfg))

	j, err := orch.GetJobStatus(id)
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, j.Status)
	require.True(t, strings.HasPrefix(j.ErrorMessage, ErrStalled.Error()))
	require.True(t, w.stopped())

	// Already failed, nothing left to flag.
	require.Empty(t, s.checkStalled(cfg))
}

func TestWatchdog_ProgressKeepsJobAlive(t *testing.T) {
	s, orch, c := newWatchdogFixture(t)
	id := startedJob(t, orch, "w1")
	cfg := WatchdogConfig{Interval: time.Second, MaxStall: time.Minute}

	c.Advance(50 * time.Second)
	require.NoError(t, orch.UpdateJobProgress(id, job.ProgressUpdate{CurrentBlock: 120}))
	c.Advance(50 * time.Second)
	require.Empty(t, s.checkStalled(cfg))
}

func TestWatchdog_StopsOnContext(t *testing.T) {
	s, _, _ := newWatchdogFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.StartWatchdog(ctx, WatchdogConfig{Interval: time.Millisecond, MaxStall: time.Minute})
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop")
	}
	require.Error(t, WatchdogConfig{}.Validate())
}

type mockSource struct{ mock.Mock }

func (m *mockSource) WalletsWithBatchErrors(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type mockRetrier struct{ mock.Mock }

func (m *mockRetrier) RetryFailedBatches(ctx context.Context, walletID string) (string, error) {
	args := m.Called(ctx, walletID)
	return args.String(0), args.Error(1)
}

func TestReconciler_Reconcile(t *testing.T) {
	source := &mockSource{}
	retrier := &mockRetrier{}
	source.On("WalletsWithBatchErrors", mock.Anything).Return([]string{"w1", "w2", "w3"}, nil).Once()
	retrier.On("RetryFailedBatches", mock.Anything, "w1").Return("job-9", nil).Once()
	retrier.On("RetryFailedBatches", mock.Anything, "w2").Return("", job.ErrNoFailedBatches).Once()
	retrier.On("RetryFailedBatches", mock.Anything, "w3").Return("job-10", errors.New("delete failed")).Once()

	r, err := NewReconciler("@every 1h", source, retrier, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	ids, err := r.Reconcile(context.Background())
	require.Equal(t, []string{"job-9", "job-10"}, ids)
	require.ErrorContains(t, err, "wallet w3: delete failed")
	source.AssertExpectations(t)
	retrier.AssertExpectations(t)
}

func TestReconciler_SourceError(t *testing.T) {
	source := &mockSource{}
	source.On("WalletsWithBatchErrors", mock.Anything).Return(nil, errors.New("clickhouse down")).Once()
	r, err := NewReconciler("*/5 * * * *", source, &mockRetrier{}, nil)
	require.NoError(t, err)

	_, err = r.Reconcile(context.Background())
	require.ErrorContains(t, err, "clickhouse down")
}

func TestReconciler_RunsOnSchedule(t *testing.T) {
	source := &mockSource{}
	called := make(chan struct{}, 1)
	source.On("WalletsWithBatchErrors", mock.Anything).
		Run(func(mock.Arguments) {
			select {
			case called <- struct{}{}:
			default:
			}
		}).
		Return([]string{}, nil)

	r, err := NewReconciler("@every 1s", source, &mockRetrier{}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	r.Start()

	select {
	case <-called:
	case <-time.After(3 * time.Second):
		t.Fatal("reconcile never ran")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
}

func TestNewReconciler_Validates(t *testing.T) {
	_, err := NewReconciler("not a schedule", &mockSource{}, &mockRetrier{}, nil)
	require.Error(t, err)
	_, err = NewReconciler("@hourly", nil, &mockRetrier{}, nil)
	require.Error(t, err)
}
