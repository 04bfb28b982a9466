package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PipelineMetrics is the lock-protected counter register shared by the two
// consumer loops and the broadcaster, snapshotted by health reporting.
type PipelineMetrics struct {
	mu             sync.Mutex
	eventsReceived int64
	eventsDropped  int64
	batchesOK      int64
	batchesFailed  int64
	lastBatchAt    time.Time
	lastError      string
}

// Snapshot is a point-in-time copy of the pipeline counters.
type Snapshot struct {
	EventsReceived int64      `json:"events_received"`
	EventsDropped  int64      `json:"events_dropped"`
	BatchesOK      int64      `json:"batches_ok"`
	BatchesFailed  int64      `json:"batches_failed"`
	LastBatchAt    *time.Time `json:"last_batch_at"`
	LastError      *string    `json:"last_error"`
}

// NewPipelineMetrics creates an empty register.
func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{}
}

// IncEventsReceived counts one decoded inbound event.
func (m *PipelineMetrics) IncEventsReceived() {
	m.mu.Lock()
	m.eventsReceived++
	m.mu.Unlock()
}

// AddEventsDropped counts events discarded on subscriber overflow.
func (m *PipelineMetrics) AddEventsDropped(n int64) {
	m.mu.Lock()
	m.eventsDropped += n
	m.mu.Unlock()
}

// RecordBatchSuccess marks a committed batch and clears the last error.
func (m *PipelineMetrics) RecordBatchSuccess() {
	m.mu.Lock()
	m.batchesOK++
	m.lastBatchAt = time.Now().UTC()
	m.lastError = ""
	m.mu.Unlock()
}

// RecordBatchFailure marks a failed batch and records its error message.
func (m *PipelineMetrics) RecordBatchFailure(message string) {
	m.mu.Lock()
	m.batchesFailed++
	m.lastBatchAt = time.Now().UTC()
	m.lastError = message
	m.mu.Unlock()
}

// Snapshot returns a consistent copy of all counters.
func (m *PipelineMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		EventsReceived: m.eventsReceived,
		EventsDropped:  m.eventsDropped,
		BatchesOK:      m.batchesOK,
		BatchesFailed:  m.batchesFailed,
	}
	if !m.lastBatchAt.IsZero() {
		at := m.lastBatchAt
		snap.LastBatchAt = &at
	}
	if m.lastError != "" {
		msg := m.lastError
		snap.LastError = &msg
	}
	return snap
}

// Metrics holds the Prometheus instruments exposed on /metrics.
type Metrics struct {
	EventsReceived   *prometheus.CounterVec
	EventsDropped    prometheus.Counter
	BatchesTotal     *prometheus.CounterVec
	BatchDuration    prometheus.Histogram
	GoldRefreshes    *prometheus.CounterVec
	ConsumerRestarts *prometheus.CounterVec
	Subscribers      prometheus.Gauge
}

// NewMetrics creates and registers all pipeline metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_events_received_total",
			Help: "Decoded CDC events received, by consumer loop.",
		}, []string{"loop"}),

		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdc_events_dropped_total",
			Help: "Events dropped on subscriber queue overflow.",
		}),

		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_batches_total",
			Help: "Durable micro-batches by outcome.",
		}, []string{"status"}),

		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdc_batch_duration_seconds",
			Help:    "Wall time of one micro-batch flush.",
			Buckets: prometheus.DefBuckets,
		}),

		GoldRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_gold_refreshes_total",
			Help: "Gold aggregate recomputations by outcome.",
		}, []string{"status"}),

		ConsumerRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_consumer_restarts_total",
			Help: "Broker consumer restarts, by consumer loop.",
		}, []string{"loop"}),

		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdc_stream_subscribers",
			Help: "Currently connected stream subscribers.",
		}),
	}
}
