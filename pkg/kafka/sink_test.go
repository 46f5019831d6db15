package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/wallet-indexer/pkg/job"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []Msg
	err  error
	gate chan struct{}
}

func (p *recordingPublisher) Produce(ctx context.Context, msg Msg) error {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return p.err
}

func (p *recordingPublisher) sent() []Msg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Msg(nil), p.msgs...)
}

func event(id, wallet string, typ job.EventType, status job.Status) job.Event {
	return job.Event{
		Type: typ,
		Job:  job.Job{ID: id, WalletID: wallet, Status: status},
		At:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestJobEventSink_PublishesInOrder(t *testing.T) {
	pub := &recordingPublisher{}
	sink := NewJobEventSink(pub, "jobs", 8, zaptest.NewLogger(t).Sugar())
	go func() { _ = sink.Run(context.Background()) }()

	sink.OnJobEvent(event("j1", "w1", job.EventCreated, job.StatusQueued))
	sink.OnJobEvent(event("j1", "w1", job.EventStarted, job.StatusRunning))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))

	msgs := pub.sent()
	require.Len(t, msgs, 2)
	require.Equal(t, "jobs", msgs[0].Topic)
	require.Equal(t, []byte("w1"), msgs[0].Key)
	require.Equal(t, "job_created", msgs[0].Headers["event"])
	require.Equal(t, "running", msgs[1].Headers["status"])

	var decoded job.Event
	require.NoError(t, json.Unmarshal(msgs[1].Value, &decoded))
	require.Equal(t, job.EventStarted, decoded.Type)
	require.Equal(t, "j1", decoded.Job.ID)

	// Events after Close are ignored.
	sink.OnJobEvent(event("j1", "w1", job.EventCompleted, job.StatusCompleted))
	require.Len(t, pub.sent(), 2)
}

func TestJobEventSink_DropsWhenFull(t *testing.T) {
	pub := &recordingPublisher{gate: make(chan struct{})}
	sink := NewJobEventSink(pub, "jobs", 2, zaptest.NewLogger(t).Sugar())

	// Nothing drains the buffer until Run starts.
	for i := 0; i < 5; i++ {
		sink.OnJobEvent(event("j1", "w1", job.EventProgress, job.StatusRunning))
	}
	require.Equal(t, uint64(3), sink.Dropped())

	close(pub.gate)
	go func() { _ = sink.Run(context.Background()) }()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))
	require.Len(t, pub.sent(), 2)
}

func TestJobEventSink_PublishErrorsAreLogged(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	sink := NewJobEventSink(pub, "jobs", 0, zaptest.NewLogger(t).Sugar())
	go func() { _ = sink.Run(context.Background()) }()

	sink.OnJobEvent(event("j1", "w1", job.EventFailed, job.StatusFailed))
	sink.OnJobEvent(event("j2", "w2", job.EventCreated, job.StatusQueued))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))
	require.Len(t, pub.sent(), 2)
}

func TestJobEventSink_RunStopsOnContext(t *testing.T) {
	sink := NewJobEventSink(&recordingPublisher{}, "jobs", 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
	require.NoError(t, sink.Close(context.Background()))
}

func TestJobEventSink_AsOrchestratorObserver(t *testing.T) {
	pub := &recordingPublisher{}
	sink := NewJobEventSink(pub, "jobs", 16, zaptest.NewLogger(t).Sugar())
	go func() { _ = sink.Run(context.Background()) }()

	orch := job.NewOrchestrator(zaptest.NewLogger(t).Sugar(), nil, nil)
	orch.Register(sink)
	id, err := orch.QueueIndexingJob(job.Params{
		WalletID: "w1", Address: "0xabc", Chain: "avalanche", ChainType: job.ChainTypeEVM, StartBlock: 1, EndBlock: 2,
	})
	require.NoError(t, err)
	_, err = orch.StartJob(id)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))

	msgs := pub.sent()
	require.Len(t, msgs, 2)
	require.Equal(t, "job_created", msgs[0].Headers["event"])
	require.Equal(t, "job_started", msgs[1].Headers["event"])
	require.Equal(t, id, msgs[1].Headers["jobId"])
}
