// Package server exposes the HTTP surface: the SSE event stream, the
// health endpoint, and Prometheus metrics.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lprimoes-ntt/realtime-poc/internal/broadcast"
	"github.com/lprimoes-ntt/realtime-poc/internal/config"
	"github.com/lprimoes-ntt/realtime-poc/internal/events"
	"github.com/lprimoes-ntt/realtime-poc/internal/observability"
	"github.com/lprimoes-ntt/realtime-poc/internal/pipeline"
)

// Server wires the HTTP handlers over the hub and pipeline status.
type Server struct {
	cfg       config.Config
	hub       *broadcast.Hub
	status    *pipeline.Status
	metrics   *observability.PipelineMetrics
	registry  *prometheus.Registry
	logger    *slog.Logger
	heartbeat time.Duration
}

// New creates the HTTP server surface.
func New(cfg config.Config, hub *broadcast.Hub, status *pipeline.Status, metrics *observability.PipelineMetrics, registry *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		hub:       hub,
		status:    status,
		metrics:   metrics,
		registry:  registry,
		logger:    logger,
		heartbeat: cfg.Stream.Heartbeat.Std(),
	}
}

// Handler returns the root HTTP handler with CORS and tracing middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	return otelhttp.NewHandler(handler, "http.server")
}

// handleStream serves the SSE event stream. Each subscriber gets its own
// bounded queue; the hub disconnects subscribers that cannot keep up.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, ch := s.hub.Register()
	defer s.hub.Unregister(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Info("stream client connected", "client_id", id)
	defer s.logger.Info("stream client disconnected", "client_id", id)

	heartbeat := time.NewTimer(s.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-ch:
			if !open {
				// Hub evicted this subscriber or shut down.
				return
			}
			if err := writeFrame(w, evt); err != nil {
				return
			}
			flusher.Flush()
			resetTimer(heartbeat, s.heartbeat)
		case <-heartbeat.C:
			if err := writeFrame(w, events.Heartbeat()); err != nil {
				return
			}
			flusher.Flush()
			heartbeat.Reset(s.heartbeat)
		}
	}
}

// writeFrame encodes one event as an SSE data frame.
func writeFrame(w http.ResponseWriter, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

type healthThreads struct {
	UIConsumerAlive  bool `json:"ui_consumer_alive"`
	LakehouseAlive   bool `json:"lakehouse_alive"`
	LakehouseRunning bool `json:"lakehouse_running"`
}

type healthClients struct {
	Connected int64 `json:"connected"`
}

type healthConfig struct {
	TopicPattern        string  `json:"topic_pattern"`
	LakehouseDBPath     string  `json:"lakehouse_db_path"`
	MaxBatchSize        int     `json:"max_batch_size"`
	FlushIntervalSec    float64 `json:"flush_interval_sec"`
	GoldRefreshSec      float64 `json:"gold_refresh_interval_sec"`
	ClientQueueSize     int     `json:"client_queue_size"`
	ClientOverflowLimit int     `json:"client_overflow_limit"`
}

type healthResponse struct {
	Status  string                `json:"status"`
	Threads healthThreads         `json:"threads"`
	Clients healthClients         `json:"clients"`
	Metrics observability.Snapshot `json:"metrics"`
	Config  healthConfig          `json:"config"`
}

// handleHealth reports loop liveness, client count, and pipeline counters.
// Status degrades when a loop died or the last batch failed.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	threads := healthThreads{
		UIConsumerAlive:  s.status.LiveAlive(),
		LakehouseAlive:   s.status.LakehouseAlive(),
		LakehouseRunning: s.status.LakehouseRunning(),
	}

	status := "ok"
	if !threads.UIConsumerAlive || !threads.LakehouseAlive || !threads.LakehouseRunning || snap.LastError != nil {
		status = "degraded"
	}

	resp := healthResponse{
		Status:  status,
		Threads: threads,
		Clients: healthClients{Connected: s.hub.Connected()},
		Metrics: snap,
		Config: healthConfig{
			TopicPattern:        s.cfg.Kafka.TopicPattern,
			LakehouseDBPath:     s.cfg.Lakehouse.DBPath,
			MaxBatchSize:        s.cfg.Lakehouse.MaxBatchSize,
			FlushIntervalSec:    s.cfg.Lakehouse.FlushInterval.Std().Seconds(),
			GoldRefreshSec:      s.cfg.Lakehouse.GoldRefreshInterval.Std().Seconds(),
			ClientQueueSize:     s.cfg.Stream.ClientQueueSize,
			ClientOverflowLimit: s.cfg.Stream.ClientOverflowLimit,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode health response", "error", err)
	}
}

// corsMiddleware applies the configured allowed origins.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]struct{}, len(s.cfg.HTTP.CORSAllowOrigins))
	for _, origin := range s.cfg.HTTP.CORSAllowOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case origin == "":
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		default:
			if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
