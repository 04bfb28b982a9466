package pipeline

import (
	"sort"
	"time"

	"github.com/lprimoes-ntt/realtime-poc/internal/cdc"
)

// Accumulator buffers decoded messages for the durable path until a size
// or age threshold triggers a flush. Not safe for concurrent use: it is
// owned by the durable consumer loop.
type Accumulator struct {
	maxSize       int
	flushInterval time.Duration
	msgs          []cdc.Message
	lastFlush     time.Time
}

// NewAccumulator creates an accumulator with the given flush thresholds.
func NewAccumulator(maxSize int, flushInterval time.Duration, now time.Time) *Accumulator {
	return &Accumulator{
		maxSize:       maxSize,
		flushInterval: flushInterval,
		lastFlush:     now,
	}
}

// Add appends one decoded message.
func (a *Accumulator) Add(msg cdc.Message) {
	a.msgs = append(a.msgs, msg)
}

// Len returns the number of buffered messages.
func (a *Accumulator) Len() int {
	return len(a.msgs)
}

// ShouldFlush reports whether the batch is due: full, or non-empty and
// older than the flush interval.
func (a *Accumulator) ShouldFlush(now time.Time) bool {
	if len(a.msgs) >= a.maxSize {
		return true
	}
	return len(a.msgs) > 0 && now.Sub(a.lastFlush) >= a.flushInterval
}

// Drain hands the buffered batch to the caller and restarts the flush
// clock.
func (a *Accumulator) Drain(now time.Time) []cdc.Message {
	msgs := a.msgs
	a.msgs = nil
	a.lastFlush = now
	return msgs
}

// Reset discards any buffered messages without flushing, used when the
// consumer connection restarts and the batch will be redelivered.
func (a *Accumulator) Reset(now time.Time) {
	a.msgs = nil
	a.lastFlush = now
}

type recordKey struct {
	id       int64
	sourceDB string
}

// dedupe keeps, per (id, source_db) key, only the event with the highest
// timestamp, then orders the survivors by key for deterministic merges.
// Replaying the same batch therefore produces the same merge outcome.
func dedupe(recs []cdc.TicketRecord) []cdc.TicketRecord {
	sorted := make([]cdc.TicketRecord, len(recs))
	copy(sorted, recs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TsMs > sorted[j].TsMs
	})

	seen := make(map[recordKey]struct{}, len(sorted))
	out := sorted[:0]
	for _, r := range sorted {
		key := recordKey{id: r.ID, sourceDB: r.SourceDB}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceDB != out[j].SourceDB {
			return out[i].SourceDB < out[j].SourceDB
		}
		return out[i].ID < out[j].ID
	})
	return out
}
