package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/drift/internal/config"
	"github.com/lsm/drift/internal/dlq"
	"github.com/lsm/drift/internal/observability"
	"github.com/lsm/drift/internal/pipeline"
	"github.com/lsm/drift/internal/sink"
	"github.com/lsm/drift/internal/source"
	kafkasource "github.com/lsm/drift/internal/source/kafka"
	stdinsource "github.com/lsm/drift/internal/source/stdin"
	"github.com/lsm/drift/internal/tracing"
	pgwriter "github.com/lsm/drift/internal/writer/postgres"
	sqlitewriter "github.com/lsm/drift/internal/writer/sqlite"
	stdoutwriter "github.com/lsm/drift/internal/writer/stdout"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the drift configuration file")
	flag.Parse()

	if *configPath == "" {
		*configPath = os.Getenv("DRIFT_CONFIG")
	}
	if *configPath == "" {
		*configPath = "/etc/drift/config.yaml"
	}

	// Bootstrap logger; replaced once the configured level is known. Logs go
	// to stderr because stdout carries state checkpoints.
	logger := observability.NewLogger("drift", slog.LevelInfo)

	loader := config.NewLoader(*configPath, logger)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = observability.NewLogger("drift", observability.GetLogLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	// Tracing
	tracer, shutdownTracing, err := tracing.Initialize(tracing.GetConfig("drift"), logger)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	// Metrics + health server
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	health := observability.NewHealthServer()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", health.Handler())
	mux.Handle("GET /readyz", health.Handler())

	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Info("metrics server starting", "addr", cfg.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Config watcher keeps live settings (greedySink) current.
	watchDone := make(chan struct{})
	go func() {
		if err := loader.Watch(watchDone); err != nil {
			logger.Error("config watcher error", "error", err)
		}
	}()

	p, closers, err := buildPipeline(cfg, loader, logger, metrics, tracer)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Error("close error", "error", err)
			}
		}
	}()

	logger.Info("drift starting",
		"source", cfg.Source.Type,
		"target", cfg.Target.Type,
		"drain_interval", cfg.Drain.Interval,
		"greedy_sink", loader.GreedySink(),
	)
	health.SetSinkCounts(p.SinkCounts)
	health.SetReady(true)

	pipelineErr := p.Run(ctx)

	health.SetReady(false)
	close(watchDone)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return pipelineErr
}

func buildPipeline(cfg *config.Config, loader *config.Loader, logger *slog.Logger, metrics *observability.Metrics, tracer trace.Tracer) (*pipeline.Pipeline, []func() error, error) {
	var closers []func() error

	// Destination writer
	var writer sink.Writer
	var err error
	switch cfg.Target.Type {
	case "postgres":
		writer, err = pgwriter.NewWriter(pgwriter.Config{
			DSN:               cfg.Target.DSN,
			Schema:            cfg.Target.Schema,
			AddRecordMetadata: cfg.AddRecordMetadata,
		}, logger)
	case "sqlite":
		writer, err = sqlitewriter.NewWriter(sqlitewriter.Config{
			Path:              cfg.Target.Path,
			AddRecordMetadata: cfg.AddRecordMetadata,
		}, logger)
	case "stdout":
		// State checkpoints own stdout; echoed records go to stderr.
		writer = stdoutwriter.NewWriter(os.Stderr, cfg.AddRecordMetadata)
	default:
		return nil, nil, fmt.Errorf("unsupported target type %q", cfg.Target.Type)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("create %s writer: %w", cfg.Target.Type, err)
	}
	closers = append(closers, writer.Close)

	// Source
	var src source.Source
	switch cfg.Source.Type {
	case "stdin":
		src = stdinsource.NewSource(os.Stdin, logger)
	case "kafka":
		ks, err := kafkasource.NewSource(kafkasource.Config{
			Cluster:       &cfg.Source.Kafka.Cluster,
			Topic:         cfg.Source.Kafka.Topic,
			ConsumerGroup: cfg.Source.Kafka.ConsumerGroup,
			StartOffset:   cfg.Source.Kafka.StartOffset,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create kafka source: %w", err)
		}
		ks.SetTracer(tracer)
		src = ks
		closers = append(closers, ks.Close)
	default:
		return nil, nil, fmt.Errorf("unsupported source type %q", cfg.Source.Type)
	}

	// Sink coordination
	coordinator := sink.NewCoordinator(
		sink.NewPool(),
		writer,
		sink.Config{Greedy: loader.GreedySink},
		logger,
		observability.NewSinkEvents(metrics),
	)

	// Pipeline options
	opts := []pipeline.Option{pipeline.WithTracer(tracer)}

	// Dead-letter topic needs a broker; only the kafka source carries one.
	if cfg.Source.Type == "kafka" && cfg.DeadLetterTopic != "" {
		pub, err := kafkasource.NewPublisher(&cfg.Source.Kafka.Cluster)
		if err != nil {
			return nil, nil, fmt.Errorf("create dead-letter publisher: %w", err)
		}
		handler := dlq.NewHandler(pub, dlq.WithTopicFunc(func(string) string {
			return cfg.DeadLetterTopic
		}))
		closers = append(closers, handler.Close)
		opts = append(opts, pipeline.WithDeadLetterHandler(handler))
	}

	p := pipeline.New(src, coordinator, pipeline.Config{
		DrainInterval:     cfg.Drain.Interval,
		DrainCron:         cfg.Drain.Cron,
		FlushActive:       cfg.Drain.FlushActive,
		AddRecordMetadata: cfg.AddRecordMetadata,
		ShutdownTimeout:   30 * time.Second,
	}, logger, metrics, opts...)

	return p, closers, nil
}
