package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/wallet-indexer/pkg/job"
	"github.com/ava-labs/wallet-indexer/pkg/metrics"
	"github.com/ava-labs/wallet-indexer/pkg/utils"
)

const (
	// DefaultQueueSize bounds the offline backlog per wallet.
	DefaultQueueSize = 50
	sendBuffer       = 256
)

var ErrHubClosed = errors.New("progress hub closed")

// StatusProvider returns the latest job for a wallet.
type StatusProvider interface {
	LatestJobByWallet(walletID string) (job.Job, error)
}

// Hub fans serialized messages out to every live subscription of a wallet.
// With no live subscription the message goes to a bounded per-wallet queue
// that drops its oldest entry when full and is replayed to the next
// subscriber.
type Hub struct {
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics
	status    StatusProvider
	queueSize int

	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	queues map[string][][]byte
	closed bool
}

var _ job.Observer = (*Hub)(nil)

// NewHub creates a hub. queueSize <= 0 uses DefaultQueueSize.
func NewHub(status StatusProvider, queueSize int, log *zap.SugaredLogger, m *metrics.Metrics) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		log:       utils.Named(log, "progress-hub"),
		metrics:   m,
		status:    status,
		queueSize: queueSize,
		subs:      make(map[string]map[*Subscription]struct{}),
		queues:    make(map[string][][]byte),
	}
}

// Subscription is one live consumer of a wallet's messages.
type Subscription struct {
	key    string
	hub    *Hub
	c      chan []byte
	closed bool // guarded by hub.mu
}

// C yields serialized messages. It is closed when the subscription ends.
func (s *Subscription) C() <-chan []byte { return s.c }

// Key returns the wallet id the subscription observes.
func (s *Subscription) Key() string { return s.key }

// Send queues a direct reply for this subscription only. It reports false
// when the subscription is gone or its buffer is full.
func (s *Subscription) Send(b []byte) bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.c <- b:
		return true
	default:
		return false
	}
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}

// Subscribe registers a consumer for key. Any queued backlog is placed on the
// subscription in original order and the queue is cleared.
func (h *Hub) Subscribe(key string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}

	s := &Subscription{key: key, hub: h, c: make(chan []byte, max(sendBuffer, h.queueSize))}
	for _, b := range h.queues[key] {
		s.c <- b
	}
	if n := len(h.queues[key]); n > 0 {
		h.log.Debugw("replayed queued messages", "walletID", key, "count", n)
	}
	delete(h.queues, key)

	set, ok := h.subs[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[key] = set
	}
	set[s] = struct{}{}
	h.metrics.IncConnections()
	return s, nil
}

func (h *Hub) removeLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.c)
	if set, ok := h.subs[s.key]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.key)
		}
	}
	h.metrics.DecConnections()
}

// OnJobEvent publishes e to the job's wallet. It never blocks.
func (h *Hub) OnJobEvent(e job.Event) {
	if err := h.Publish(e.Job.WalletID, messageFor(e)); err != nil {
		h.log.Warnw("failed to publish job event",
			"jobID", e.Job.ID,
			"event", e.Type,
			"error", err,
		)
	}
}

// Publish serializes msg once and delivers it to every live subscription of
// key, or queues it when there is none. A subscription whose buffer is full
// is dropped.
func (h *Hub) Publish(key string, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}

	set := h.subs[key]
	if len(set) == 0 {
		q := h.queues[key]
		if len(q) >= h.queueSize {
			q = q[len(q)-h.queueSize+1:]
			h.metrics.IncDropped("queue_full")
		}
		h.queues[key] = append(q, b)
		h.metrics.IncQueued()
		return nil
	}

	for s := range set {
		select {
		case s.c <- b:
			h.metrics.RecordDelivered(string(msg.Type))
		default:
			h.log.Warnw("dropping slow subscriber", "walletID", key)
			h.metrics.IncDropped("slow_consumer")
			h.removeLocked(s)
		}
	}
	return nil
}

// StatusFor builds the status message for key from the wallet's most recently
// updated job.
func (h *Hub) StatusFor(key string) Message {
	if h.status == nil {
		return Message{Type: TypeError, Data: map[string]string{"error": "status unavailable"}}
	}
	j, err := h.status.LatestJobByWallet(key)
	if err != nil {
		return Message{Type: TypeError, Data: map[string]string{"walletId": key, "error": err.Error()}}
	}
	return StatusMessage(j)
}

// Pong builds the reply to a client ping.
func Pong(now time.Time) Message {
	return Message{Type: TypePong, Timestamp: now.UnixMilli()}
}

// QueueLen returns the number of messages waiting for key.
func (h *Hub) QueueLen(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queues[key])
}

// Subscribers returns the number of live subscriptions for key.
func (h *Hub) Subscribers(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key])
}

// Close ends every subscription. Later publishes and subscribes fail.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.subs {
		for s := range set {
			h.removeLocked(s)
		}
	}
	h.queues = make(map[string][][]byte)
}
