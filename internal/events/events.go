// Package events defines the outbound stream event envelope shared by the
// pipeline loops and the SSE broadcaster.
package events

import (
	"encoding/json"
	"time"
)

// Recognized event types on the outbound stream.
const (
	TypeCDCRaw          = "cdc_raw"
	TypeCDCStats        = "cdc_stats"
	TypeLakehouseUpdate = "lakehouse_update"
	TypePipelineError   = "pipeline_error"
	TypeHeartbeat       = "heartbeat"
)

// Event is one frame on the outbound stream.
type Event struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`
	Data any       `json:"data"`
}

// New creates an event stamped with the current UTC time.
func New(eventType string, data any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{Type: eventType, TS: time.Now().UTC(), Data: data}
}

// RawData carries one raw CDC message on the live passthrough stream.
type RawData struct {
	Topic     string          `json:"topic"`
	Partition int32           `json:"partition"`
	Offset    int64           `json:"offset"`
	Payload   json.RawMessage `json:"payload"`
}

// StatsData is the periodic throughput snapshot emitted by the live loop.
type StatsData struct {
	EventsInInterval int64   `json:"events_in_interval"`
	IntervalSec      float64 `json:"interval_sec"`
	EventsPerSec     int64   `json:"events_per_sec"`
	TotalReceived    int64   `json:"total_received"`
	TotalDropped     int64   `json:"total_dropped"`
}

// UpdateData announces the outcome of a durable batch or gold refresh.
// Summary maps source database to per-status counts.
type UpdateData struct {
	Summary        map[string]map[string]int64 `json:"summary"`
	Processed      int                         `json:"processed"`
	Failed         int                         `json:"failed"`
	GoldRecomputed bool                        `json:"gold_recomputed"`
}

// ErrorData describes a pipeline failure. Fatal marks conditions that halt
// the durable pipeline, as opposed to transient hiccups.
type ErrorData struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

// CDCRaw builds a raw passthrough event.
func CDCRaw(topic string, partition int32, offset int64, payload json.RawMessage) Event {
	return New(TypeCDCRaw, RawData{Topic: topic, Partition: partition, Offset: offset, Payload: payload})
}

// CDCStats builds a throughput snapshot event.
func CDCStats(data StatsData) Event {
	return New(TypeCDCStats, data)
}

// LakehouseUpdate builds a batch/aggregate outcome event.
func LakehouseUpdate(summary map[string]map[string]int64, processed, failed int, goldRecomputed bool) Event {
	return New(TypeLakehouseUpdate, UpdateData{
		Summary:        summary,
		Processed:      processed,
		Failed:         failed,
		GoldRecomputed: goldRecomputed,
	})
}

// PipelineError builds an error event.
func PipelineError(message string, fatal bool) Event {
	return New(TypePipelineError, ErrorData{Message: message, Fatal: fatal})
}

// Heartbeat builds an idle keep-alive event.
func Heartbeat() Event {
	return New(TypeHeartbeat, nil)
}
