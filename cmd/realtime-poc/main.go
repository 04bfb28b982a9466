package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/lprimoes-ntt/realtime-poc/internal/broadcast"
	"github.com/lprimoes-ntt/realtime-poc/internal/config"
	"github.com/lprimoes-ntt/realtime-poc/internal/consumer"
	"github.com/lprimoes-ntt/realtime-poc/internal/events"
	"github.com/lprimoes-ntt/realtime-poc/internal/lake"
	"github.com/lprimoes-ntt/realtime-poc/internal/observability"
	"github.com/lprimoes-ntt/realtime-poc/internal/pipeline"
	"github.com/lprimoes-ntt/realtime-poc/internal/server"
	"github.com/lprimoes-ntt/realtime-poc/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger("realtime-poc", observability.GetLogLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	tracer, shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: "realtime-poc",
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	prom := observability.NewMetrics(reg)
	metrics := observability.NewPipelineMetrics()

	// Open the layered store and refresh the aggregate from whatever an
	// earlier run left behind.
	store, err := lake.Open(cfg.Lakehouse.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open lakehouse store: %w", err)
	}
	defer store.Close()

	proc := pipeline.NewProcessor(store, logger, tracer)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if _, err := proc.RefreshGold(ctx); err != nil {
		logger.Warn("startup gold refresh failed", "error", err)
	}

	// Seed new stream subscribers with the current aggregate so they see
	// state before the next batch lands.
	snapshot := func() *events.Event {
		summary, err := proc.GoldSnapshot(context.Background())
		if err != nil || summary == nil {
			return nil
		}
		evt := events.LakehouseUpdate(summary, 0, 0, false)
		return &evt
	}

	hub := broadcast.New(cfg.Stream.ClientQueueSize, cfg.Stream.ClientOverflowLimit, snapshot, metrics, prom, logger)

	if _, err := consumer.PreflightTopics(ctx, cfg.Kafka.Brokers, cfg.Kafka.TopicPattern, logger); err != nil {
		logger.Warn("topic preflight failed", "error", err)
	}

	liveLoop := pipeline.NewLiveLoop(pipeline.LiveConfig{
		EmitRaw:       cfg.Stream.EmitCDCRaw,
		StatsInterval: cfg.Stream.CDCStatsInterval.Std(),
	}, hub, metrics, prom, logger)

	lakehouseLoop := pipeline.NewLakehouseLoop(pipeline.LakehouseConfig{
		BatchMaxSize:        cfg.Lakehouse.MaxBatchSize,
		BatchFlushInterval:  cfg.Lakehouse.FlushInterval.Std(),
		GoldRefreshInterval: cfg.Lakehouse.GoldRefreshInterval.Std(),
		GoldFailurePolicy:   pipeline.GoldPolicy(cfg.Lakehouse.GoldFailurePolicy),
	}, proc, hub, metrics, prom, logger)

	liveLifecycle, err := consumer.NewLifecycle("live", consumer.Config{
		Brokers:           cfg.Kafka.Brokers,
		TopicPattern:      cfg.Kafka.TopicPattern,
		Group:             cfg.Kafka.LiveGroup,
		OffsetReset:       cfg.Kafka.LiveOffsetReset,
		AutoCommit:        true,
		PollTimeout:       cfg.Kafka.LivePollTimeout.Std(),
		UnassignedRestart: cfg.Kafka.UnassignedRestart.Std(),
		RestartBackoff:    cfg.Kafka.RestartBackoff.Std(),
	}, logger, pipeline.RestartNotifier("live", prom, hub))
	if err != nil {
		return err
	}

	lakehouseLifecycle, err := consumer.NewLifecycle("lakehouse", consumer.Config{
		Brokers:           cfg.Kafka.Brokers,
		TopicPattern:      cfg.Kafka.TopicPattern,
		Group:             cfg.Kafka.LakehouseGroup,
		OffsetReset:       cfg.Kafka.LakeOffsetReset,
		AutoCommit:        false,
		PollTimeout:       cfg.Kafka.LakePollTimeout.Std(),
		UnassignedRestart: cfg.Kafka.UnassignedRestart.Std(),
		RestartBackoff:    cfg.Kafka.RestartBackoff.Std(),
	}, logger, pipeline.RestartNotifier("lakehouse", prom, hub))
	if err != nil {
		return err
	}

	status := &pipeline.Status{}
	status.SetLakehouseRunning(true)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		status.SetLiveAlive(true)
		defer status.SetLiveAlive(false)
		if err := liveLifecycle.Run(ctx, liveLoop); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("live consumer stopped", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		status.SetLakehouseAlive(true)
		defer status.SetLakehouseAlive(false)
		err := lakehouseLifecycle.Run(ctx, lakehouseLoop)
		if errors.Is(err, consumer.ErrHalt) {
			status.SetLakehouseRunning(false)
			logger.Error("lakehouse pipeline halted, awaiting operator intervention")
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("lakehouse consumer stopped", "error", err)
		}
	}()

	srv := server.New(cfg, hub, status, metrics, reg, logger)
	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: srv.Handler()}
	go func() {
		logger.Info("http server starting", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	wg.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
