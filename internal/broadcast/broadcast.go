// Package broadcast fans pipeline events out to connected stream
// subscribers under strict per-subscriber memory bounds.
package broadcast

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/lprimoes-ntt/realtime-poc/internal/events"
	"github.com/lprimoes-ntt/realtime-poc/internal/observability"
)

// SnapshotFunc produces the seed event delivered to a fresh subscriber, so
// new connections see current state without waiting for the next batch.
// Returning nil skips seeding.
type SnapshotFunc func() *events.Event

// Hub owns all subscriber queues. Every mutation of subscriber state runs
// on the single goroutine inside Run; cross-goroutine calls are marshalled
// through the ops channel instead of touching queues directly.
type Hub struct {
	queueSize     int
	overflowLimit int
	snapshot      SnapshotFunc
	metrics       *observability.PipelineMetrics
	prom          *observability.Metrics
	logger        *slog.Logger

	ops  chan func()
	done chan struct{}

	subs      map[string]*subscriber
	connected atomic.Int64
}

type subscriber struct {
	id       string
	ch       chan events.Event
	overflow int
}

// New creates a hub. Run must be called before events flow.
func New(queueSize, overflowLimit int, snapshot SnapshotFunc, metrics *observability.PipelineMetrics, prom *observability.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		queueSize:     queueSize,
		overflowLimit: overflowLimit,
		snapshot:      snapshot,
		metrics:       metrics,
		prom:          prom,
		logger:        logger,
		ops:           make(chan func(), 256),
		done:          make(chan struct{}),
		subs:          make(map[string]*subscriber),
	}
}

// Run drains the op queue until ctx is cancelled, then closes every
// subscriber stream. It owns the subscriber map exclusively.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for id, sub := range h.subs {
				close(sub.ch)
				delete(h.subs, id)
			}
			h.setConnected(0)
			return
		case op := <-h.ops:
			op()
		}
	}
}

// Publish delivers the event to every live subscriber. Safe to call from
// any goroutine; drops the event wholesale if the hub has shut down.
func (h *Hub) Publish(evt events.Event) {
	select {
	case h.ops <- func() { h.broadcast(evt) }:
	case <-h.done:
	}
}

// Register creates a new bounded subscriber stream and returns its id and
// receive channel. The channel is closed on removal or hub shutdown.
func (h *Hub) Register() (string, <-chan events.Event) {
	type reply struct {
		id string
		ch <-chan events.Event
	}
	replies := make(chan reply, 1)

	select {
	case h.ops <- func() {
		sub := &subscriber{
			id: uuid.NewString(),
			ch: make(chan events.Event, h.queueSize),
		}
		if h.snapshot != nil {
			if seed := h.snapshot(); seed != nil {
				sub.ch <- *seed
			}
		}
		h.subs[sub.id] = sub
		h.setConnected(int64(len(h.subs)))
		h.logger.Info("subscriber connected", "id", sub.id, "active", len(h.subs))
		replies <- reply{id: sub.id, ch: sub.ch}
	}:
		// The op may never run if the hub shuts down first; shutdown then
		// closes every registered stream, so abandoning the reply is safe.
		select {
		case r := <-replies:
			return r.id, r.ch
		case <-h.done:
			closed := make(chan events.Event)
			close(closed)
			return "", closed
		}
	case <-h.done:
		closed := make(chan events.Event)
		close(closed)
		return "", closed
	}
}

// Unregister removes a subscriber. Idempotent.
func (h *Hub) Unregister(id string) {
	select {
	case h.ops <- func() {
		sub, ok := h.subs[id]
		if !ok {
			return
		}
		delete(h.subs, id)
		close(sub.ch)
		h.setConnected(int64(len(h.subs)))
		h.logger.Info("subscriber disconnected", "id", id, "active", len(h.subs))
	}:
	case <-h.done:
	}
}

// Connected returns the number of live subscribers.
func (h *Hub) Connected() int64 {
	return h.connected.Load()
}

func (h *Hub) setConnected(n int64) {
	h.connected.Store(n)
	if h.prom != nil {
		h.prom.Subscribers.Set(float64(n))
	}
}

// broadcast runs on the Run goroutine. A full queue loses exactly one
// event: the oldest is evicted and the enqueue retried once. Every publish
// that finds the queue full is an overflow strike against the subscriber;
// a first-try delivery resets the strikes.
func (h *Hub) broadcast(evt events.Event) {
	var removed []string

	for id, sub := range h.subs {
		select {
		case sub.ch <- evt:
			sub.overflow = 0
			continue
		default:
		}

		// Evicted or undeliverable, either way one event is lost.
		h.countDrop()
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- evt:
		default:
			h.countDrop()
		}

		sub.overflow++
		if sub.overflow >= h.overflowLimit {
			removed = append(removed, id)
		}
	}

	for _, id := range removed {
		sub := h.subs[id]
		delete(h.subs, id)
		close(sub.ch)
		h.logger.Warn("subscriber removed after repeated overflow",
			"id", id, "limit", h.overflowLimit)
	}
	if len(removed) > 0 {
		h.setConnected(int64(len(h.subs)))
	}
}

func (h *Hub) countDrop() {
	if h.metrics != nil {
		h.metrics.AddEventsDropped(1)
	}
	if h.prom != nil {
		h.prom.EventsDropped.Inc()
	}
}
