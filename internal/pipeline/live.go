package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lprimoes-ntt/realtime-poc/internal/cdc"
	"github.com/lprimoes-ntt/realtime-poc/internal/consumer"
	"github.com/lprimoes-ntt/realtime-poc/internal/events"
	"github.com/lprimoes-ntt/realtime-poc/internal/observability"
)

// LiveConfig holds the live-path loop's streaming knobs.
type LiveConfig struct {
	EmitRaw       bool
	StatsInterval time.Duration
}

// LiveLoop is the live-path consumer handler: it tails the newest
// offsets, forwards raw change events to stream subscribers, and emits
// a periodic throughput summary.
type LiveLoop struct {
	cfg     LiveConfig
	pub     Publisher
	metrics *observability.PipelineMetrics
	prom    *observability.Metrics
	logger  *slog.Logger

	windowStart  time.Time
	windowEvents int64
}

// NewLiveLoop creates the live loop handler.
func NewLiveLoop(cfg LiveConfig, pub Publisher, metrics *observability.PipelineMetrics, prom *observability.Metrics, logger *slog.Logger) *LiveLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveLoop{
		cfg:     cfg,
		pub:     pub,
		metrics: metrics,
		prom:    prom,
		logger:  logger,
	}
}

// SessionStart opens a fresh stats window for the new connection.
func (l *LiveLoop) SessionStart(now time.Time) {
	l.windowStart = now
	l.windowEvents = 0
}

// HandleRecords forwards every record whose body decodes as a JSON
// object; anything else is counted nowhere and dropped.
func (l *LiveLoop) HandleRecords(_ context.Context, recs []*kgo.Record) error {
	for _, rec := range recs {
		payload, ok := cdc.DecodePayload(rec.Value)
		if !ok {
			continue
		}
		l.metrics.IncEventsReceived()
		if l.prom != nil {
			l.prom.EventsReceived.WithLabelValues("live").Inc()
		}
		l.windowEvents++
		if l.cfg.EmitRaw {
			l.pub.Publish(events.CDCRaw(rec.Topic, rec.Partition, rec.Offset, payload))
		}
	}
	return nil
}

// Tick publishes a throughput summary once per stats interval.
func (l *LiveLoop) Tick(_ context.Context, now time.Time, _ consumer.Committer) error {
	if l.cfg.StatsInterval <= 0 {
		return nil
	}
	elapsed := now.Sub(l.windowStart)
	if elapsed < l.cfg.StatsInterval {
		return nil
	}

	perSec := int64(0)
	if sec := elapsed.Seconds(); sec > 0 {
		perSec = int64(float64(l.windowEvents) / sec)
	}
	snap := l.metrics.Snapshot()
	l.pub.Publish(events.CDCStats(events.StatsData{
		EventsInInterval: l.windowEvents,
		IntervalSec:      elapsed.Seconds(),
		EventsPerSec:     perSec,
		TotalReceived:    snap.EventsReceived,
		TotalDropped:     snap.EventsDropped,
	}))

	l.windowStart = now
	l.windowEvents = 0
	return nil
}
