package pipeline

import (
	"testing"
	"time"

	"github.com/lprimoes-ntt/realtime-poc/internal/cdc"
)

func TestAccumulatorFlushOnSize(t *testing.T) {
	now := time.Now()
	acc := NewAccumulator(3, time.Hour, now)

	for i := 0; i < 2; i++ {
		acc.Add(cdc.Message{Offset: int64(i)})
	}
	if acc.ShouldFlush(now) {
		t.Fatal("should not flush below max size before interval")
	}

	acc.Add(cdc.Message{Offset: 2})
	if !acc.ShouldFlush(now) {
		t.Fatal("should flush at max size")
	}

	msgs := acc.Drain(now)
	if len(msgs) != 3 {
		t.Fatalf("drained %d messages, want 3", len(msgs))
	}
	if acc.Len() != 0 {
		t.Fatalf("accumulator not empty after drain: %d", acc.Len())
	}
}

func TestAccumulatorFlushOnAge(t *testing.T) {
	now := time.Now()
	acc := NewAccumulator(100, time.Second, now)

	acc.Add(cdc.Message{Offset: 0})
	if acc.ShouldFlush(now.Add(500 * time.Millisecond)) {
		t.Fatal("should not flush before interval elapses")
	}
	if !acc.ShouldFlush(now.Add(time.Second)) {
		t.Fatal("should flush once interval elapsed with a pending message")
	}
}

func TestAccumulatorEmptyNeverFlushes(t *testing.T) {
	now := time.Now()
	acc := NewAccumulator(100, time.Second, now)

	if acc.ShouldFlush(now.Add(time.Hour)) {
		t.Fatal("empty accumulator must not flush regardless of age")
	}
}

func TestAccumulatorReset(t *testing.T) {
	now := time.Now()
	acc := NewAccumulator(100, time.Second, now)

	acc.Add(cdc.Message{Offset: 0})
	acc.Reset(now.Add(2 * time.Second))
	if acc.Len() != 0 {
		t.Fatalf("reset left %d messages buffered", acc.Len())
	}
	if acc.ShouldFlush(now.Add(2500 * time.Millisecond)) {
		t.Fatal("reset must restart the flush clock")
	}
}

func TestDedupeLatestWins(t *testing.T) {
	recs := []cdc.TicketRecord{
		{ID: 1, SourceDB: "db1", Status: "New", TsMs: 100},
		{ID: 1, SourceDB: "db1", Status: "Resolved", TsMs: 300},
		{ID: 1, SourceDB: "db1", Status: "In Progress", TsMs: 200},
		{ID: 1, SourceDB: "db2", Status: "New", TsMs: 50},
	}

	out := dedupe(recs)
	if len(out) != 2 {
		t.Fatalf("got %d records, want 2", len(out))
	}
	if out[0].SourceDB != "db1" || out[0].Status != "Resolved" {
		t.Fatalf("db1 survivor = %+v, want latest (Resolved)", out[0])
	}
	if out[1].SourceDB != "db2" || out[1].Status != "New" {
		t.Fatalf("db2 survivor = %+v", out[1])
	}
}

func TestDedupeTiesKeepFirstSeen(t *testing.T) {
	// Equal timestamps: the stable sort keeps input order, so the earlier
	// message in the batch wins.
	recs := []cdc.TicketRecord{
		{ID: 7, SourceDB: "db1", Status: "first", TsMs: 100},
		{ID: 7, SourceDB: "db1", Status: "second", TsMs: 100},
	}

	out := dedupe(recs)
	if len(out) != 1 || out[0].Status != "first" {
		t.Fatalf("got %+v, want single record with Status=first", out)
	}
}

func TestDedupeDeterministicOrder(t *testing.T) {
	recs := []cdc.TicketRecord{
		{ID: 3, SourceDB: "db2", TsMs: 1},
		{ID: 1, SourceDB: "db2", TsMs: 2},
		{ID: 2, SourceDB: "db1", TsMs: 3},
	}

	out := dedupe(recs)
	want := []struct {
		db string
		id int64
	}{{"db1", 2}, {"db2", 1}, {"db2", 3}}
	for i, w := range want {
		if out[i].SourceDB != w.db || out[i].ID != w.id {
			t.Fatalf("position %d = (%s,%d), want (%s,%d)", i, out[i].SourceDB, out[i].ID, w.db, w.id)
		}
	}
}

func TestDedupeDoesNotMutateInput(t *testing.T) {
	recs := []cdc.TicketRecord{
		{ID: 2, SourceDB: "db1", TsMs: 1},
		{ID: 1, SourceDB: "db1", TsMs: 2},
	}
	dedupe(recs)
	if recs[0].ID != 2 || recs[1].ID != 1 {
		t.Fatal("dedupe reordered the caller's slice")
	}
}
