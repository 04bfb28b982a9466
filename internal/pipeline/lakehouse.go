package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lprimoes-ntt/realtime-poc/internal/cdc"
	"github.com/lprimoes-ntt/realtime-poc/internal/consumer"
	"github.com/lprimoes-ntt/realtime-poc/internal/events"
	"github.com/lprimoes-ntt/realtime-poc/internal/observability"
)

// Publisher fans events out to stream subscribers.
type Publisher interface {
	Publish(evt events.Event)
}

// GoldPolicy decides how an aggregate-recompute failure is handled.
type GoldPolicy string

const (
	// GoldPolicyHalt stops the durable pipeline on aggregation failure,
	// so a stale summary is never served silently.
	GoldPolicyHalt GoldPolicy = "halt"
	// GoldPolicySkip logs the failure, keeps the aggregate dirty, and
	// retries on the next refresh cycle.
	GoldPolicySkip GoldPolicy = "skip"
)

// LakehouseConfig holds the durable loop's batching and aggregation knobs.
type LakehouseConfig struct {
	BatchMaxSize        int
	BatchFlushInterval  time.Duration
	GoldRefreshInterval time.Duration
	GoldFailurePolicy   GoldPolicy
}

// LakehouseLoop is the durable-path consumer handler: it accumulates
// decoded messages, flushes micro-batches through the processor, commits
// offsets after successful merges, and schedules gold refreshes.
type LakehouseLoop struct {
	cfg     LakehouseConfig
	proc    *Processor
	acc     *Accumulator
	pub     Publisher
	metrics *observability.PipelineMetrics
	prom    *observability.Metrics
	logger  *slog.Logger

	goldDirty       bool
	nextGoldRefresh time.Time
}

// NewLakehouseLoop creates the durable loop handler.
func NewLakehouseLoop(cfg LakehouseConfig, proc *Processor, pub Publisher, metrics *observability.PipelineMetrics, prom *observability.Metrics, logger *slog.Logger) *LakehouseLoop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GoldFailurePolicy == "" {
		cfg.GoldFailurePolicy = GoldPolicyHalt
	}
	return &LakehouseLoop{
		cfg:     cfg,
		proc:    proc,
		acc:     NewAccumulator(cfg.BatchMaxSize, cfg.BatchFlushInterval, time.Now()),
		pub:     pub,
		metrics: metrics,
		prom:    prom,
		logger:  logger,
	}
}

// SessionStart discards any batch buffered on a previous connection; the
// broker redelivers everything after the last committed offset.
func (l *LakehouseLoop) SessionStart(now time.Time) {
	l.acc.Reset(now)
	l.nextGoldRefresh = now.Add(l.cfg.GoldRefreshInterval)
}

// HandleRecords buffers every record whose body decodes as a JSON object.
func (l *LakehouseLoop) HandleRecords(_ context.Context, recs []*kgo.Record) error {
	for _, rec := range recs {
		payload, ok := cdc.DecodePayload(rec.Value)
		if !ok {
			continue
		}
		if l.prom != nil {
			l.prom.EventsReceived.WithLabelValues("lakehouse").Inc()
		}
		l.acc.Add(cdc.Message{
			Topic:     rec.Topic,
			Partition: rec.Partition,
			Offset:    rec.Offset,
			Payload:   payload,
		})
	}
	return nil
}

// Tick refreshes a dirty gold aggregate when the pipeline is idle and
// flushes the batch when it is due. Fatal store failures halt the loop.
func (l *LakehouseLoop) Tick(ctx context.Context, now time.Time, committer consumer.Committer) error {
	if l.goldDirty && l.acc.Len() == 0 && !now.Before(l.nextGoldRefresh) {
		if err := l.idleGoldRefresh(ctx, now); err != nil {
			return err
		}
	}

	if !l.acc.ShouldFlush(now) {
		return nil
	}

	refreshGold := !now.Before(l.nextGoldRefresh)
	msgs := l.acc.Drain(now)

	start := time.Now()
	res := l.proc.ProcessBatch(ctx, msgs, refreshGold)
	if l.prom != nil {
		l.prom.BatchDuration.Observe(time.Since(start).Seconds())
	}

	if res.Success {
		return l.finishBatch(ctx, now, res, committer)
	}
	if res.GoldFailed && l.cfg.GoldFailurePolicy == GoldPolicySkip {
		return l.skipGoldFailure(ctx, now, res, committer)
	}

	msg := "unknown lakehouse error"
	if res.Err != nil {
		msg = res.Err.Error()
	}
	l.metrics.RecordBatchFailure(msg)
	if l.prom != nil {
		l.prom.BatchesTotal.WithLabelValues("failed").Inc()
	}
	l.pub.Publish(events.PipelineError(msg, true))
	l.logger.Error("durable pipeline halted", "error", msg)
	return consumer.ErrHalt
}

// finishBatch commits the offset behind a fully applied batch. This is
// the at-least-once boundary: a crash before the commit replays an
// already-merged, idempotent batch.
func (l *LakehouseLoop) finishBatch(ctx context.Context, now time.Time, res Result, committer consumer.Committer) error {
	if err := committer.Commit(ctx); err != nil {
		return fmt.Errorf("offset commit: %w", err)
	}

	l.metrics.RecordBatchSuccess()
	if l.prom != nil {
		l.prom.BatchesTotal.WithLabelValues("ok").Inc()
	}

	if res.GoldRecomputed {
		l.nextGoldRefresh = now.Add(l.cfg.GoldRefreshInterval)
		l.goldDirty = false
		if l.prom != nil {
			l.prom.GoldRefreshes.WithLabelValues("ok").Inc()
		}
	} else if res.Processed > 0 {
		l.goldDirty = true
	}

	if res.Summary != nil {
		l.pub.Publish(events.LakehouseUpdate(res.Summary, res.Processed, res.Failed, res.GoldRecomputed))
	}
	return nil
}

func (l *LakehouseLoop) idleGoldRefresh(ctx context.Context, now time.Time) error {
	summary, err := l.proc.RefreshGold(ctx)
	if err != nil {
		return l.goldFailure(fmt.Sprintf("gold aggregation failed: %v", err), now)
	}

	l.nextGoldRefresh = now.Add(l.cfg.GoldRefreshInterval)
	l.goldDirty = false
	if l.prom != nil {
		l.prom.GoldRefreshes.WithLabelValues("ok").Inc()
	}
	if summary != nil {
		l.pub.Publish(events.LakehouseUpdate(summary, 0, 0, true))
	}
	return nil
}

// skipGoldFailure handles a batch whose merge landed but whose aggregate
// refresh failed, under the skip policy: the offset is still committed
// and the refresh retried next cycle.
func (l *LakehouseLoop) skipGoldFailure(ctx context.Context, now time.Time, res Result, committer consumer.Committer) error {
	if err := committer.Commit(ctx); err != nil {
		return fmt.Errorf("offset commit: %w", err)
	}
	msg := res.Err.Error()
	if err := l.goldFailure(msg, now); err != nil {
		return err
	}
	return nil
}

func (l *LakehouseLoop) goldFailure(msg string, now time.Time) error {
	l.metrics.RecordBatchFailure(msg)
	if l.prom != nil {
		l.prom.GoldRefreshes.WithLabelValues("failed").Inc()
	}

	if l.cfg.GoldFailurePolicy == GoldPolicySkip {
		l.pub.Publish(events.PipelineError(msg, false))
		l.logger.Warn("gold refresh skipped", "error", msg)
		l.goldDirty = true
		l.nextGoldRefresh = now.Add(l.cfg.GoldRefreshInterval)
		return nil
	}

	l.pub.Publish(events.PipelineError(msg, true))
	l.logger.Error("durable pipeline halted", "error", msg)
	return consumer.ErrHalt
}
