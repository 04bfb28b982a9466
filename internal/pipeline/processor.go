package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lprimoes-ntt/realtime-poc/internal/cdc"
	"github.com/lprimoes-ntt/realtime-poc/internal/lake"
)

// Store is the layered table store as seen by the processor.
type Store interface {
	AppendBronze(ctx context.Context, raws [][]byte) error
	MergeSilver(ctx context.Context, recs []lake.Record) error
	RecomputeGold(ctx context.Context) (lake.Summary, error)
	ReadGoldSummary(ctx context.Context) (lake.Summary, error)
}

// Result reports the outcome of one micro-batch.
type Result struct {
	Success        bool
	Summary        lake.Summary
	Processed      int
	Failed         int
	GoldRecomputed bool
	// GoldFailed marks a batch whose bronze append and silver merge
	// succeeded but whose aggregate refresh did not. The offset may still
	// be committed under a skip policy.
	GoldFailed bool
	Err        error
}

// Processor turns a drained batch into table writes.
type Processor struct {
	store  Store
	logger *slog.Logger
	tracer trace.Tracer
}

// NewProcessor creates a processor over the given store.
func NewProcessor(store Store, logger *slog.Logger, tracer trace.Tracer) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("pipeline")
	}
	return &Processor{store: store, logger: logger, tracer: tracer}
}

// ProcessBatch applies one micro-batch: append every raw message to the
// bronze log, merge the deduplicated ticket records into silver, and,
// when refreshGold is set, recompute the gold summary.
//
// A bronze or silver failure abandons the whole batch; the caller must
// not advance the consumer offset. Redelivering the batch later is safe
// because the merge is idempotent.
func (p *Processor) ProcessBatch(ctx context.Context, msgs []cdc.Message, refreshGold bool) Result {
	if len(msgs) == 0 {
		return Result{Success: true}
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.process_batch")
	defer span.End()

	raws := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		raw, err := json.Marshal(msg)
		if err != nil {
			// Payloads were validated as JSON on ingest; a marshal error
			// here means a bug, and the batch must not be committed.
			return failure(fmt.Errorf("encode bronze row: %w", err), len(msgs))
		}
		raws = append(raws, raw)
	}
	if err := p.store.AppendBronze(ctx, raws); err != nil {
		p.logger.Error("bronze write failed", "error", err)
		return failure(fmt.Errorf("bronze write failed: %w", err), len(msgs))
	}

	var parsed []cdc.TicketRecord
	failed := 0
	for _, msg := range msgs {
		rec, parseFailed := cdc.ParseTicket(msg)
		if parseFailed {
			failed++
		}
		if rec != nil {
			parsed = append(parsed, *rec)
		}
	}
	if len(parsed) == 0 {
		return Result{Success: true, Failed: failed}
	}

	batch := dedupe(parsed)
	if err := p.store.MergeSilver(ctx, toLakeRecords(batch)); err != nil {
		p.logger.Error("silver merge failed", "error", err)
		return failure(fmt.Errorf("silver merge failed: %w", err), len(msgs))
	}

	if !refreshGold {
		return Result{Success: true, Processed: len(batch), Failed: failed}
	}

	summary, err := p.store.RecomputeGold(ctx)
	if err != nil {
		p.logger.Error("gold aggregation failed", "error", err)
		res := failure(fmt.Errorf("gold aggregation failed: %w", err), len(msgs))
		res.GoldFailed = true
		return res
	}

	return Result{
		Success:        true,
		Summary:        summary,
		Processed:      len(batch),
		Failed:         failed,
		GoldRecomputed: true,
	}
}

// RefreshGold recomputes the gold summary outside a batch flush.
func (p *Processor) RefreshGold(ctx context.Context) (lake.Summary, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.refresh_gold")
	defer span.End()
	return p.store.RecomputeGold(ctx)
}

// GoldSnapshot reads the current gold summary without recomputing, or nil
// when no aggregation has run yet.
func (p *Processor) GoldSnapshot(ctx context.Context) (lake.Summary, error) {
	return p.store.ReadGoldSummary(ctx)
}

func failure(err error, batchSize int) Result {
	return Result{Success: false, Failed: batchSize, Err: err}
}

func toLakeRecords(recs []cdc.TicketRecord) []lake.Record {
	out := make([]lake.Record, len(recs))
	for i, r := range recs {
		out[i] = lake.Record{
			ID:         r.ID,
			ProjectID:  r.ProjectID,
			ReporterID: r.ReporterID,
			Status:     r.Status,
			Priority:   r.Priority,
			SourceDB:   r.SourceDB,
			Op:         r.Op,
			TsMs:       r.TsMs,
		}
	}
	return out
}
