package cdc

import (
	"encoding/json"
	"testing"
)

func ticketEnvelope(op, table, db string, after, before map[string]any, tsMs any) []byte {
	payload := map[string]any{
		"op": op,
		"source": map[string]any{
			"db":    db,
			"table": table,
		},
	}
	if after != nil {
		payload["after"] = after
	}
	if before != nil {
		payload["before"] = before
	}
	if tsMs != nil {
		payload["ts_ms"] = tsMs
	}
	raw, err := json.Marshal(map[string]any{"payload": payload})
	if err != nil {
		panic(err)
	}
	return raw
}

func msgWith(payload []byte) Message {
	return Message{Topic: "shorisql_db1.dbo.Tickets", Partition: 0, Offset: 1, Payload: payload}
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"object", `{"payload":{}}`, true},
		{"array", `[1,2]`, false},
		{"scalar", `42`, false},
		{"garbage", `{not json`, false},
		{"empty", ``, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := DecodePayload([]byte(tt.raw))
			if ok != tt.ok {
				t.Errorf("DecodePayload(%q) ok=%v, want %v", tt.raw, ok, tt.ok)
			}
		})
	}
}

func TestParseTicket_Create(t *testing.T) {
	after := map[string]any{
		"id": 7, "project_id": 3, "reporter_id": 12,
		"status": "Open", "priority": "High",
	}
	rec, failed := ParseTicket(msgWith(ticketEnvelope("c", "Tickets", "DB1", after, nil, 1700000000123)))
	if failed {
		t.Fatal("unexpected decode failure")
	}
	if rec == nil {
		t.Fatal("expected a record")
	}
	if rec.ID != 7 || rec.SourceDB != "DB1" || rec.Status != "Open" || rec.Priority != "High" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Op != OpCreate || rec.TsMs != 1700000000123 {
		t.Errorf("unexpected op/ts: %+v", rec)
	}
}

func TestParseTicket_DeleteUsesBeforeImage(t *testing.T) {
	before := map[string]any{"id": 9, "status": "Resolved"}
	rec, failed := ParseTicket(msgWith(ticketEnvelope("d", "Tickets", "DB2", nil, before, 5)))
	if failed || rec == nil {
		t.Fatalf("failed=%v rec=%v", failed, rec)
	}
	if rec.ID != 9 || rec.Op != OpDelete || rec.Status != "Resolved" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestParseTicket_OtherTableDroppedSilently(t *testing.T) {
	after := map[string]any{"id": 1}
	rec, failed := ParseTicket(msgWith(ticketEnvelope("c", "Projects", "DB1", after, nil, 1)))
	if rec != nil {
		t.Errorf("expected nil record, got %+v", rec)
	}
	if failed {
		t.Error("other-table records must not count as failures")
	}
}

func TestParseTicket_UnknownOpFails(t *testing.T) {
	after := map[string]any{"id": 1}
	rec, failed := ParseTicket(msgWith(ticketEnvelope("x", "Tickets", "DB1", after, nil, 1)))
	if rec != nil || !failed {
		t.Errorf("rec=%v failed=%v, want nil/true", rec, failed)
	}
}

func TestParseTicket_MissingStateFails(t *testing.T) {
	rec, failed := ParseTicket(msgWith(ticketEnvelope("u", "Tickets", "DB1", nil, nil, 1)))
	if rec != nil || !failed {
		t.Errorf("rec=%v failed=%v, want nil/true", rec, failed)
	}

	rec, failed = ParseTicket(msgWith(ticketEnvelope("u", "Tickets", "DB1", map[string]any{}, nil, 1)))
	if rec != nil || !failed {
		t.Errorf("empty state: rec=%v failed=%v, want nil/true", rec, failed)
	}
}

func TestParseTicket_TsMsDefaultsToZero(t *testing.T) {
	after := map[string]any{"id": 1, "status": "Open"}

	rec, failed := ParseTicket(msgWith(ticketEnvelope("c", "Tickets", "DB1", after, nil, nil)))
	if failed || rec == nil {
		t.Fatalf("failed=%v rec=%v", failed, rec)
	}
	if rec.TsMs != 0 {
		t.Errorf("missing ts_ms: got %d, want 0", rec.TsMs)
	}

	rec, failed = ParseTicket(msgWith(ticketEnvelope("c", "Tickets", "DB1", after, nil, "not-a-number")))
	if failed || rec == nil {
		t.Fatalf("failed=%v rec=%v", failed, rec)
	}
	if rec.TsMs != 0 {
		t.Errorf("unparsable ts_ms: got %d, want 0", rec.TsMs)
	}
}

func TestParseTicket_MalformedEnvelopeFails(t *testing.T) {
	for _, raw := range []string{
		`{}`,
		`{"payload":"nope"}`,
		`{"payload":{"op":"c"}}`,
	} {
		rec, failed := ParseTicket(msgWith([]byte(raw)))
		if rec != nil || !failed {
			t.Errorf("%s: rec=%v failed=%v, want nil/true", raw, rec, failed)
		}
	}
}

func TestParseTicket_MissingDBDefaultsToUnknown(t *testing.T) {
	after := map[string]any{"id": 1, "status": "Open"}
	rec, failed := ParseTicket(msgWith(ticketEnvelope("c", "Tickets", "", after, nil, 1)))
	if failed || rec == nil {
		t.Fatalf("failed=%v rec=%v", failed, rec)
	}
	if rec.SourceDB != "unknown" {
		t.Errorf("got source_db %q, want unknown", rec.SourceDB)
	}
}
