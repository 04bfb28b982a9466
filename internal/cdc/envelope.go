// Package cdc decodes Debezium-style change-data-capture envelopes.
package cdc

import (
	"encoding/json"
	"strconv"
)

// TicketTable is the only source table materialized into the lakehouse.
// Records for other tables are silently dropped.
const TicketTable = "Tickets"

// Recognized CDC operations.
const (
	OpCreate   = "c"
	OpUpdate   = "u"
	OpDelete   = "d"
	OpSnapshot = "r"
)

// Message is one inbound broker record whose body decoded as a JSON object.
type Message struct {
	Topic     string          `json:"topic"`
	Partition int32           `json:"partition"`
	Offset    int64           `json:"offset"`
	Payload   json.RawMessage `json:"payload"`
}

// TicketRecord is the projection of one accepted change envelope, keyed by
// (ID, SourceDB). Op and TsMs record the last operation and event time.
type TicketRecord struct {
	ID         int64  `json:"id"`
	ProjectID  int64  `json:"project_id"`
	ReporterID int64  `json:"reporter_id"`
	Status     string `json:"status"`
	Priority   string `json:"priority"`
	SourceDB   string `json:"source_db"`
	Op         string `json:"op"`
	TsMs       int64  `json:"ts_ms"`
}

type envelope struct {
	Payload *changePayload `json:"payload"`
}

type changePayload struct {
	Before map[string]json.RawMessage `json:"before"`
	After  map[string]json.RawMessage `json:"after"`
	Source *changeSource              `json:"source"`
	Op     string                     `json:"op"`
	TsMs   json.RawMessage            `json:"ts_ms"`
}

type changeSource struct {
	DB    string `json:"db"`
	Table string `json:"table"`
}

// DecodePayload validates that raw is a JSON object and returns it verbatim.
// Non-object bodies are rejected; callers skip them without counting a
// decode failure, mirroring the broker-side tombstone convention.
func DecodePayload(raw []byte) (json.RawMessage, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, false
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out, true
}

// ParseTicket extracts a TicketRecord from a decoded message.
//
// The second return value reports a decode failure. Records for tables other
// than TicketTable return (nil, false): dropped, not failed. An absent or
// unparsable ts_ms defaults to zero rather than failing the record.
func ParseTicket(msg Message) (*TicketRecord, bool) {
	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return nil, true
	}
	p := env.Payload
	if p == nil || p.Source == nil {
		return nil, true
	}
	if p.Source.Table != TicketTable {
		return nil, false
	}

	switch p.Op {
	case OpCreate, OpUpdate, OpDelete, OpSnapshot:
	default:
		return nil, true
	}

	state := p.After
	if p.Op == OpDelete {
		state = p.Before
	}
	if len(state) == 0 {
		return nil, true
	}

	db := p.Source.DB
	if db == "" {
		db = "unknown"
	}

	return &TicketRecord{
		ID:         intField(state, "id"),
		ProjectID:  intField(state, "project_id"),
		ReporterID: intField(state, "reporter_id"),
		Status:     stringField(state, "status"),
		Priority:   stringField(state, "priority"),
		SourceDB:   db,
		Op:         p.Op,
		TsMs:       parseTsMs(p.TsMs),
	}, false
}

func parseTsMs(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func intField(state map[string]json.RawMessage, key string) int64 {
	raw, ok := state[key]
	if !ok {
		return 0
	}
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func stringField(state map[string]json.RawMessage, key string) string {
	raw, ok := state[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
