package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lprimoes-ntt/realtime-poc/internal/broadcast"
	"github.com/lprimoes-ntt/realtime-poc/internal/config"
	"github.com/lprimoes-ntt/realtime-poc/internal/events"
	"github.com/lprimoes-ntt/realtime-poc/internal/observability"
	"github.com/lprimoes-ntt/realtime-poc/internal/pipeline"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *broadcast.Hub, *pipeline.Status, *observability.PipelineMetrics) {
	t.Helper()
	cfg := config.Default()
	cfg.Stream.Heartbeat = config.Duration(50 * time.Millisecond)
	if mutate != nil {
		mutate(&cfg)
	}

	metrics := observability.NewPipelineMetrics()
	registry := prometheus.NewRegistry()
	prom := observability.NewMetrics(registry)
	hub := broadcast.New(cfg.Stream.ClientQueueSize, cfg.Stream.ClientOverflowLimit, nil, metrics, prom, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	status := &pipeline.Status{}
	return New(cfg, hub, status, metrics, registry, nil), hub, status, metrics
}

func TestHealthOK(t *testing.T) {
	srv, _, status, _ := newTestServer(t, nil)
	status.SetLiveAlive(true)
	status.SetLakehouseAlive(true)
	status.SetLakehouseRunning(true)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status  string `json:"status"`
		Threads struct {
			UIConsumerAlive  bool `json:"ui_consumer_alive"`
			LakehouseAlive   bool `json:"lakehouse_alive"`
			LakehouseRunning bool `json:"lakehouse_running"`
		} `json:"threads"`
		Clients struct {
			Connected int64 `json:"connected"`
		} `json:"clients"`
		Config map[string]any `json:"config"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("status = %q, want ok", body.Status)
	}
	if !body.Threads.UIConsumerAlive || !body.Threads.LakehouseAlive || !body.Threads.LakehouseRunning {
		t.Fatalf("threads = %+v", body.Threads)
	}
	if body.Clients.Connected != 0 {
		t.Fatalf("connected = %d, want 0", body.Clients.Connected)
	}
	if _, ok := body.Config["topic_pattern"]; !ok {
		t.Fatal("config block missing topic_pattern")
	}
}

func TestHealthDegradedOnHalt(t *testing.T) {
	srv, _, status, _ := newTestServer(t, nil)
	status.SetLiveAlive(true)
	status.SetLakehouseAlive(true)
	status.SetLakehouseRunning(false)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" {
		t.Fatalf("status = %q, want degraded when lakehouse halted", body.Status)
	}
}

func TestHealthDegradedOnLastError(t *testing.T) {
	srv, _, status, metrics := newTestServer(t, nil)
	status.SetLiveAlive(true)
	status.SetLakehouseAlive(true)
	status.SetLakehouseRunning(true)
	metrics.RecordBatchFailure("silver merge failed")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	var body struct {
		Status  string `json:"status"`
		Metrics struct {
			LastError *string `json:"last_error"`
		} `json:"metrics"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" {
		t.Fatalf("status = %q, want degraded with a recorded error", body.Status)
	}
	if body.Metrics.LastError == nil || *body.Metrics.LastError != "silver merge failed" {
		t.Fatalf("last_error = %v", body.Metrics.LastError)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cdc_stream_subscribers") {
		t.Fatal("metrics output missing pipeline gauges")
	}
}

func TestCORSAllowAll(t *testing.T) {
	srv, _, _, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestCORSRestrictedOrigin(t *testing.T) {
	srv, _, _, _ := newTestServer(t, func(c *config.Config) {
		c.HTTP.CORSAllowOrigins = []string{"http://allowed.example"}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://allowed.example")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://allowed.example" {
		t.Fatalf("allowed origin header = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://other.example")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("disallowed origin header = %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _, _, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/stream", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "GET") {
		t.Fatalf("Allow-Methods = %q", got)
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	srv, hub, _, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if got := resp.Header.Get("X-Accel-Buffering"); got != "no" {
		t.Fatalf("X-Accel-Buffering = %q", got)
	}

	// Wait for the subscriber registration to land before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for hub.Connected() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	hub.Publish(events.PipelineError("boom", false))

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &evt); err != nil {
			t.Fatalf("decode frame %q: %v", line, err)
		}
		if evt.Type == events.TypeHeartbeat {
			continue
		}
		if evt.Type != events.TypePipelineError {
			t.Fatalf("event type = %q", evt.Type)
		}
		var data events.ErrorData
		if err := json.Unmarshal(evt.Data, &data); err != nil {
			t.Fatal(err)
		}
		if data.Message != "boom" {
			t.Fatalf("message = %q", data.Message)
		}
		return
	}
}

func TestStreamHeartbeat(t *testing.T) {
	srv, _, _, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &evt); err != nil {
			t.Fatal(err)
		}
		if evt.Type != events.TypeHeartbeat {
			t.Fatalf("event type = %q, want heartbeat on an idle stream", evt.Type)
		}
		return
	}
}
