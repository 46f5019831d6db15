package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "indexer"

	// Status label values for success/error metrics
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusAbandoned = "abandoned"

	Jobs        = "jobs"
	Batches     = "batches"
	RPC         = "rpc"
	Decode      = "decode"
	Accumulator = "accumulator"
	Progress    = "progress"
)

// Labels holds constant labels applied to all metrics.
// These are useful for distinguishing metrics from multiple indexer instances.
type Labels struct {
	Service       string // Logical service name (e.g., "wallet-indexer")
	Environment   string // Deployment environment (e.g., "production", "staging", "development")
	Region        string // Cloud region (e.g., "us-east-1", "eu-west-1")
	CloudProvider string // Cloud provider (e.g., "aws", "oci", "gcp")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Service != "" {
		labels["service"] = l.Service
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	if l.CloudProvider != "" {
		labels["cloud_provider"] = l.CloudProvider
	}
	return labels
}

type Metrics struct {
	// Job lifecycle
	jobsCreated    prometheus.Counter
	jobTransitions *prometheus.CounterVec // by target status
	jobsRunning    prometheus.Gauge

	// Batch processing
	batchesProcessed   *prometheus.CounterVec   // by chain_type, status
	batchDuration      *prometheus.HistogramVec // by chain_type
	batchesInFlight    prometheus.Gauge
	blocksProcessed    *prometheus.CounterVec // by chain_type
	blockFetchRetries  prometheus.Counter
	transactionsFound  prometheus.Counter
	eventsFound        prometheus.Counter
	errors             *prometheus.CounterVec
	workerRegistrySize prometheus.Gauge

	// RPC metrics
	rpcCalls             *prometheus.CounterVec
	rpcDuration          *prometheus.HistogramVec
	rpcInFlight          prometheus.Gauge
	endpointExclusions   *prometheus.CounterVec // by class
	endpointsUnavailable prometheus.Counter

	// Decode cache
	decodeLookups *prometheus.CounterVec // by kind, result
	decodeErrors  *prometheus.CounterVec // by kind

	// Batch accumulator
	rowsFlushed   *prometheus.CounterVec // by key
	flushes       *prometheus.CounterVec // by key, status
	flushDuration prometheus.Histogram

	// Progress channel
	wsConnections     prometheus.Gauge
	messagesDelivered *prometheus.CounterVec // by type
	messagesQueued    prometheus.Counter
	messagesDropped   *prometheus.CounterVec // by reason
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
// For metrics with constant labels, use NewWithLabels instead.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

var latencyBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Jobs,
			Name:      "created_total",
			Help:      "Total number of indexing jobs queued",
		}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Jobs,
			Name:      "transitions_total",
			Help:      "Total job state transitions by target status",
		}, []string{"status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Jobs,
			Name:      "running",
			Help:      "Number of jobs with a bound worker",
		}),
		batchesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Batches,
			Name:      "processed_total",
			Help:      "Total block batches by chain type and outcome",
		}, []string{"chain_type", "status"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Batches,
			Name:      "duration_seconds",
			Help:      "Time to fetch, match and decode a block batch",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"chain_type"}),
		batchesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Batches,
			Name:      "in_flight",
			Help:      "Number of block batches currently being processed",
		}),
		blocksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "blocks_processed_total",
			Help:      "Total blocks scanned in successful batches",
		}, []string{"chain_type"}),
		blockFetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "block_fetch_retries_total",
			Help:      "Total per-block fetch retries",
		}),
		transactionsFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transactions_found_total",
			Help:      "Total transactions matched to tracked addresses",
		}),
		eventsFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_found_total",
			Help:      "Total events matched to tracked addresses",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total errors by type",
		}, []string{"type"}),
		workerRegistrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Jobs,
			Name:      "bound_workers",
			Help:      "Number of workers in the job-id keyed registry",
		}),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: RPC,
			Name:      "calls_total",
			Help:      "Total RPC calls by method and status",
		}, []string{"method", "status"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: RPC,
			Name:      "duration_seconds",
			Help:      "RPC call duration in seconds",
			Buckets:   latencyBuckets,
		}, []string{"method"}),
		rpcInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: RPC,
			Name:      "in_flight",
			Help:      "Number of RPC calls currently in progress",
		}),
		endpointExclusions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: RPC,
			Name:      "endpoint_exclusions_total",
			Help:      "Total endpoint cooldowns started by failure class",
		}, []string{"class"}),
		endpointsUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: RPC,
			Name:      "all_endpoints_unavailable_total",
			Help:      "Total provider lookups that found every endpoint excluded or unreachable",
		}),
		decodeLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Decode,
			Name:      "cache_lookups_total",
			Help:      "Total decode cache lookups by kind and result",
		}, []string{"kind", "result"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Decode,
			Name:      "errors_total",
			Help:      "Total records persisted with a decode error by kind",
		}, []string{"kind"}),
		rowsFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Accumulator,
			Name:      "rows_flushed_total",
			Help:      "Total rows written by bulk flushes by key",
		}, []string{"key"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Accumulator,
			Name:      "flushes_total",
			Help:      "Total bulk flushes by key and status",
		}, []string{"key", "status"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Accumulator,
			Name:      "flush_duration_seconds",
			Help:      "Time to drain all accumulator keys",
			Buckets:   latencyBuckets,
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Progress,
			Name:      "connections",
			Help:      "Number of live progress subscribers",
		}),
		messagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Progress,
			Name:      "messages_delivered_total",
			Help:      "Total messages handed to live subscribers by type",
		}, []string{"type"}),
		messagesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Progress,
			Name:      "messages_queued_total",
			Help:      "Total messages queued for keys without live subscribers",
		}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Progress,
			Name:      "messages_dropped_total",
			Help:      "Total messages dropped by reason",
		}, []string{"reason"}),
	}

	err := errors.Join(
		reg.Register(m.jobsCreated),
		reg.Register(m.jobTransitions),
		reg.Register(m.jobsRunning),
		reg.Register(m.batchesProcessed),
		reg.Register(m.batchDuration),
		reg.Register(m.batchesInFlight),
		reg.Register(m.blocksProcessed),
		reg.Register(m.blockFetchRetries),
		reg.Register(m.transactionsFound),
		reg.Register(m.eventsFound),
		reg.Register(m.errors),
		reg.Register(m.workerRegistrySize),
		reg.Register(m.rpcCalls),
		reg.Register(m.rpcDuration),
		reg.Register(m.rpcInFlight),
		reg.Register(m.endpointExclusions),
		reg.Register(m.endpointsUnavailable),
		reg.Register(m.decodeLookups),
		reg.Register(m.decodeErrors),
		reg.Register(m.rowsFlushed),
		reg.Register(m.flushes),
		reg.Register(m.flushDuration),
		reg.Register(m.wsConnections),
		reg.Register(m.messagesDelivered),
		reg.Register(m.messagesQueued),
		reg.Register(m.messagesDropped),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Error type constants for non-RPC errors (RPC errors are tracked via rpcCalls{status="error"}).
const (
	ErrTypeBatchErrorRecord = "batch_error_record"
	ErrTypeProgressUpdate   = "progress_update"
	ErrTypeJobFatal         = "job_fatal"
	ErrTypeStalledJob       = "stalled_job"
)

// IncError increments the error counter for the given error type.
func (m *Metrics) IncError(errType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errType).Inc()
}

// IncJobsCreated counts a newly queued job.
func (m *Metrics) IncJobsCreated() {
	if m == nil {
		return
	}
	m.jobsCreated.Inc()
}

// RecordJobTransition counts a successful state transition into status.
func (m *Metrics) RecordJobTransition(status string) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(status).Inc()
}

// SetJobsRunning sets the number of jobs with a live worker.
func (m *Metrics) SetJobsRunning(n int) {
	if m == nil {
		return
	}
	m.jobsRunning.Set(float64(n))
	m.workerRegistrySize.Set(float64(n))
}

// IncBatchesInFlight increments the in-flight batch gauge.
func (m *Metrics) IncBatchesInFlight() {
	if m == nil {
		return
	}
	m.batchesInFlight.Inc()
}

// DecBatchesInFlight decrements the in-flight batch gauge.
func (m *Metrics) DecBatchesInFlight() {
	if m == nil {
		return
	}
	m.batchesInFlight.Dec()
}

// RecordBatch records the outcome of one block batch. Blocks are only counted
// for batches that were not abandoned.
func (m *Metrics) RecordBatch(chainType string, abandoned bool, blocks uint64, durationSeconds float64) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if abandoned {
		status = StatusAbandoned
	} else {
		m.blocksProcessed.WithLabelValues(chainType).Add(float64(blocks))
	}
	m.batchesProcessed.WithLabelValues(chainType, status).Inc()
	m.batchDuration.WithLabelValues(chainType).Observe(durationSeconds)
}

// IncBlockFetchRetry counts one per-block retry.
func (m *Metrics) IncBlockFetchRetry() {
	if m == nil {
		return
	}
	m.blockFetchRetries.Inc()
}

// AddFound records matched transactions and events.
func (m *Metrics) AddFound(txs, events int) {
	if m == nil {
		return
	}
	if txs > 0 {
		m.transactionsFound.Add(float64(txs))
	}
	if events > 0 {
		m.eventsFound.Add(float64(events))
	}
}

// IncRPCInFlight increments the in-flight RPC gauge.
func (m *Metrics) IncRPCInFlight() {
	if m == nil {
		return
	}
	m.rpcInFlight.Inc()
}

// DecRPCInFlight decrements the in-flight RPC gauge.
func (m *Metrics) DecRPCInFlight() {
	if m == nil {
		return
	}
	m.rpcInFlight.Dec()
}

// RecordRPCCall records an RPC call outcome.
func (m *Metrics) RecordRPCCall(method string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.rpcCalls.WithLabelValues(method, status).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordEndpointExclusion counts an endpoint entering cooldown for the given class.
func (m *Metrics) RecordEndpointExclusion(class string) {
	if m == nil {
		return
	}
	m.endpointExclusions.WithLabelValues(class).Inc()
}

// IncEndpointsUnavailable counts a provider lookup where no endpoint was usable.
func (m *Metrics) IncEndpointsUnavailable() {
	if m == nil {
		return
	}
	m.endpointsUnavailable.Inc()
}

// RecordDecodeLookup records a decode cache lookup.
func (m *Metrics) RecordDecodeLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.decodeLookups.WithLabelValues(kind, result).Inc()
}

// IncDecodeError counts a record persisted with a decode error.
func (m *Metrics) IncDecodeError(kind string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(kind).Inc()
}

// RecordFlush records one bulk write for an accumulator key.
func (m *Metrics) RecordFlush(key string, rows int, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	} else if rows > 0 {
		m.rowsFlushed.WithLabelValues(key).Add(float64(rows))
	}
	m.flushes.WithLabelValues(key, status).Inc()
}

// ObserveFlushDuration records how long a full drain took.
func (m *Metrics) ObserveFlushDuration(seconds float64) {
	if m == nil {
		return
	}
	m.flushDuration.Observe(seconds)
}

// IncConnections increments the live subscriber gauge.
func (m *Metrics) IncConnections() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

// DecConnections decrements the live subscriber gauge.
func (m *Metrics) DecConnections() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

// RecordDelivered counts a message handed to a live subscriber.
func (m *Metrics) RecordDelivered(msgType string) {
	if m == nil {
		return
	}
	m.messagesDelivered.WithLabelValues(msgType).Inc()
}

// IncQueued counts a message parked in an offline queue.
func (m *Metrics) IncQueued() {
	if m == nil {
		return
	}
	m.messagesQueued.Inc()
}

// IncDropped counts a dropped message.
func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}
