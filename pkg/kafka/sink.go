package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/wallet-indexer/pkg/job"
	"github.com/ava-labs/wallet-indexer/pkg/utils"
)

const publishTimeout = 10 * time.Second

// Publisher delivers one message. *Producer implements it.
type Publisher interface {
	Produce(ctx context.Context, msg Msg) error
}

// JobEventSink forwards orchestrator events to a topic, keyed by wallet id so
// a wallet's events stay ordered within a partition. OnJobEvent never blocks:
// when the buffer is full the event is dropped and counted.
type JobEventSink struct {
	pub   Publisher
	topic string
	log   *zap.SugaredLogger

	events  chan job.Event
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

var _ job.Observer = (*JobEventSink)(nil)

// NewJobEventSink creates a sink. buffer <= 0 uses DefaultSinkBuffer.
func NewJobEventSink(pub Publisher, topic string, buffer int, log *zap.SugaredLogger) *JobEventSink {
	if buffer <= 0 {
		buffer = DefaultSinkBuffer
	}
	return &JobEventSink{
		pub:    pub,
		topic:  topic,
		log:    utils.Named(log, "job-event-sink"),
		events: make(chan job.Event, buffer),
		done:   make(chan struct{}),
	}
}

func (s *JobEventSink) OnJobEvent(e job.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- e:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.log.Warnw("job event buffer full, dropping", "jobID", e.Job.ID, "event", e.Type, "dropped", n)
		}
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *JobEventSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Run publishes buffered events until Close is called and the buffer drains,
// or ctx is done.
func (s *JobEventSink) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-s.events:
			if !ok {
				return nil
			}
			s.publish(ctx, e)
		}
	}
}

func (s *JobEventSink) publish(ctx context.Context, e job.Event) {
	msg, err := s.message(e)
	if err != nil {
		s.log.Errorw("failed to encode job event", "jobID", e.Job.ID, "error", err)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := s.pub.Produce(pctx, msg); err != nil {
		s.log.Warnw("failed to publish job event", "jobID", e.Job.ID, "event", e.Type, "error", err)
	}
}

func (s *JobEventSink) message(e job.Event) (Msg, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return Msg{}, fmt.Errorf("marshal %s: %w", e.Type, err)
	}
	return Msg{
		Topic: s.topic,
		Key:   []byte(e.Job.WalletID),
		Value: value,
		Headers: map[string]string{
			"event":  string(e.Type),
			"jobId":  e.Job.ID,
			"status": string(e.Job.Status),
		},
	}, nil
}

// Close stops accepting events and waits until Run has drained the buffer or
// ctx is done.
func (s *JobEventSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
