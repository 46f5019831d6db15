// Package rpcmanager keeps an ordered list of RPC endpoints for one chain,
// rotates away from failing ones and backs them off per failure class.
package rpcmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/wallet-indexer/pkg/backoff"
	"github.com/ava-labs/wallet-indexer/pkg/metrics"
)

var ErrAllEndpointsUnavailable = errors.New("all rpc endpoints unavailable")

// Provider is a live connection to one endpoint.
type Provider interface {
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Dialer opens a Provider for url.
type Dialer[P Provider] func(ctx context.Context, url string) (P, error)

type Config struct {
	Endpoints []string
	// ProbeTTL is how long a successful liveness probe is trusted.
	ProbeTTL         time.Duration
	HardBackoff      backoff.Policy
	RateLimitBackoff backoff.Policy
}

// DefaultConfig returns the class defaults for the given endpoints.
func DefaultConfig(endpoints ...string) Config {
	return Config{
		Endpoints:        endpoints,
		ProbeTTL:         30 * time.Second,
		HardBackoff:      backoff.Policy{Base: time.Second, Max: time.Minute},
		RateLimitBackoff: backoff.Policy{Base: 5 * time.Second, Max: 5 * time.Minute},
	}
}

func (c Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("at least one endpoint is required")
	}
	seen := make(map[string]struct{}, len(c.Endpoints))
	for _, u := range c.Endpoints {
		if u == "" {
			return errors.New("endpoint url must not be empty")
		}
		if _, ok := seen[u]; ok {
			return fmt.Errorf("duplicate endpoint %q", u)
		}
		seen[u] = struct{}{}
	}
	if err := c.HardBackoff.Validate(); err != nil {
		return fmt.Errorf("hard backoff: %w", err)
	}
	if err := c.RateLimitBackoff.Validate(); err != nil {
		return fmt.Errorf("rate limit backoff: %w", err)
	}
	return nil
}

type classState struct {
	failures      int
	excludedUntil time.Time
}

type endpointState struct {
	hard        classState
	rateLimited classState
}

func (s *endpointState) class(c FailureClass) *classState {
	if c == ClassRateLimited {
		return &s.rateLimited
	}
	return &s.hard
}

// Snapshot is a point-in-time view of one endpoint's failure state.
type Snapshot struct {
	URL                      string
	HardFailures             int
	HardExcludedUntil        time.Time
	HardDelay                time.Duration
	RateLimitedFailures      int
	RateLimitedExcludedUntil time.Time
	RateLimitedDelay         time.Duration
}

// Manager hands out providers for the first usable endpoint. State is private
// to the instance; every worker builds its own.
type Manager[P Provider] struct {
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	cfg     Config
	dial    Dialer[P]
	now     func() time.Time

	mu        sync.Mutex
	cursor    int
	conns     map[string]P
	lastProbe map[string]time.Time
	states    map[string]*endpointState
}

// New builds a Manager. Nothing is dialed until the first GetProvider.
func New[P Provider](cfg Config, dial Dialer[P], log *zap.SugaredLogger, m *metrics.Metrics) (*Manager[P], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rpc manager config: %w", err)
	}
	if dial == nil {
		return nil, errors.New("dialer is required")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager[P]{
		log:       log,
		metrics:   m,
		cfg:       cfg,
		dial:      dial,
		now:       time.Now,
		conns:     make(map[string]P),
		lastProbe: make(map[string]time.Time),
		states:    make(map[string]*endpointState),
	}, nil
}

// SetClock replaces the time source.
func (m *Manager[P]) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Endpoints returns the configured endpoint urls in order.
func (m *Manager[P]) Endpoints() []string {
	return append([]string(nil), m.cfg.Endpoints...)
}

// GetProvider walks the endpoints from the cursor and returns the first one
// that is not cooling down and answers a liveness probe. The cursor moves to
// the returned endpoint.
func (m *Manager[P]) GetProvider(ctx context.Context) (P, string, error) {
	var zero P
	n := len(m.cfg.Endpoints)

	m.mu.Lock()
	start := m.cursor
	m.mu.Unlock()

	var lastErr error
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		idx := (start + i) % n
		url := m.cfg.Endpoints[idx]

		m.mu.Lock()
		if m.excludedLocked(url) {
			m.mu.Unlock()
			continue
		}
		p, ok := m.conns[url]
		fresh := ok && m.now().Sub(m.lastProbe[url]) < m.cfg.ProbeTTL
		m.mu.Unlock()

		if !ok {
			var err error
			p, err = m.connect(ctx, url)
			if err != nil {
				lastErr = err
				m.ReportFailure(url, err)
				continue
			}
		}

		if !fresh {
			if _, err := p.BlockNumber(ctx); err != nil {
				if ctx.Err() != nil {
					return zero, "", ctx.Err()
				}
				lastErr = fmt.Errorf("probe %s: %w", url, err)
				m.ReportFailure(url, err)
				continue
			}
		}

		m.mu.Lock()
		if !fresh {
			m.lastProbe[url] = m.now()
		}
		if m.cursor != idx {
			m.log.Infow("switched rpc endpoint", "from", m.cfg.Endpoints[m.cursor], "to", url)
		}
		m.cursor = idx
		m.mu.Unlock()
		return p, url, nil
	}

	m.metrics.IncEndpointsUnavailable()
	if lastErr != nil {
		return zero, "", fmt.Errorf("%w: %w", ErrAllEndpointsUnavailable, lastErr)
	}
	return zero, "", ErrAllEndpointsUnavailable
}

// connect dials url and caches the connection. A concurrent dial that won the
// race is kept and ours is closed.
func (m *Manager[P]) connect(ctx context.Context, url string) (P, error) {
	p, err := m.dial(ctx, url)
	if err != nil {
		var zero P
		return zero, fmt.Errorf("dial %s: %w", url, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.conns[url]; ok {
		p.Close()
		return existing, nil
	}
	m.conns[url] = p
	return p, nil
}

func (m *Manager[P]) excludedLocked(url string) bool {
	st, ok := m.states[url]
	if !ok {
		return false
	}
	now := m.now()
	return now.Before(st.hard.excludedUntil) || now.Before(st.rateLimited.excludedUntil)
}

func (m *Manager[P]) policy(c FailureClass) backoff.Policy {
	if c == ClassRateLimited {
		return m.cfg.RateLimitBackoff
	}
	return m.cfg.HardBackoff
}

// ReportFailure records a failed call against url and excludes it for the
// backoff delay of the error's class. Cancellation by the caller is ignored.
func (m *Manager[P]) ReportFailure(url string, err error) {
	if !countsAgainstEndpoint(err) {
		return
	}
	class := Classify(err)

	m.mu.Lock()
	st, ok := m.states[url]
	if !ok {
		st = &endpointState{}
		m.states[url] = st
	}
	cs := st.class(class)
	cs.failures++
	delay := m.policy(class).Delay(cs.failures)
	cs.excludedUntil = m.now().Add(delay)
	failures := cs.failures
	delete(m.lastProbe, url)
	m.mu.Unlock()

	m.metrics.RecordEndpointExclusion(string(class))
	m.log.Warnw("rpc endpoint excluded",
		"url", url,
		"class", class,
		"failures", failures,
		"delay", delay,
		"error", err,
	)
}

// ReportSuccess clears url's failure state once every cooldown has expired.
func (m *Manager[P]) ReportSuccess(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[url]; !ok {
		return
	}
	if m.excludedLocked(url) {
		return
	}
	delete(m.states, url)
}

// SwitchToNext moves the cursor to the following endpoint.
func (m *Manager[P]) SwitchToNext() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor = (m.cursor + 1) % len(m.cfg.Endpoints)
	return m.cfg.Endpoints[m.cursor]
}

// Snapshot returns url's current failure counters and delays.
func (m *Manager[P]) Snapshot(url string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{URL: url}
	st, ok := m.states[url]
	if !ok {
		return s
	}
	s.HardFailures = st.hard.failures
	s.HardExcludedUntil = st.hard.excludedUntil
	s.HardDelay = m.cfg.HardBackoff.Delay(st.hard.failures)
	s.RateLimitedFailures = st.rateLimited.failures
	s.RateLimitedExcludedUntil = st.rateLimited.excludedUntil
	s.RateLimitedDelay = m.cfg.RateLimitBackoff.Delay(st.rateLimited.failures)
	return s
}

// Close closes every cached connection.
func (m *Manager[P]) Close() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]P)
	m.lastProbe = make(map[string]time.Time)
	m.mu.Unlock()

	for _, p := range conns {
		p.Close()
	}
}
