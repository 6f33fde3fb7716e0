// Package main is the entry point for the ingestion worker.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/hitpipe/internal/config"
	"github.com/onnwee/hitpipe/internal/db"
	"github.com/onnwee/hitpipe/internal/event"
	"github.com/onnwee/hitpipe/internal/geo"
	"github.com/onnwee/hitpipe/internal/health"
	"github.com/onnwee/hitpipe/internal/identity"
	"github.com/onnwee/hitpipe/internal/logging"
	"github.com/onnwee/hitpipe/internal/profile"
	"github.com/onnwee/hitpipe/internal/queue"
	"github.com/onnwee/hitpipe/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to optional YAML config file")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Hitpipe ingestion worker")
		fmt.Println()
		fmt.Println("Usage: worker [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "summary", cfg.LogSummary())

	tracer, err := tracing.NewProvider(tracing.Config{
		ServiceName:  "hitpipe-worker",
		Enabled:      cfg.OTLPEndpoint != "",
		Environment:  cfg.Env,
		ExporterType: exporterType(cfg.OTLPProtocol),
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: 1.0,
		InsecureMode: cfg.Env != "production",
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres: identity rows and the failed-job backlog.
	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	// Redis: the queue broker.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	// ClickHouse: the event store.
	chConn, err := event.OpenClickHouse(ctx, cfg.ClickHouseAddr, cfg.ClickHouseDatabase,
		cfg.ClickHouseUsername, cfg.ClickHousePassword)
	if err != nil {
		logger.Error("failed to connect to clickhouse", "error", err)
		os.Exit(1)
	}
	defer chConn.Close()

	metrics := queue.NewMetrics()
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	broker := queue.NewRedisBroker(redisClient)
	failed := queue.NewPostgresFailedJobStore(database, logger)

	devices := identity.NewPostgresDeviceRepository(database)
	users := identity.NewPostgresUserRepository(database)
	sessions := identity.NewPostgresSessionRepository(database)
	events := event.NewClickHouseStore(chConn, logger)

	resolver := identity.NewResolver(devices, users, sessions, events, geo.NoopResolver{}, logger)
	updater := profile.NewUpdater(users, logger)
	recorder := event.NewRecorder(events, users, devices, geo.NoopResolver{}, logger)

	worker := queue.NewWorker(broker, failed, queue.WorkerConfig{
		Logger:      logger,
		Metrics:     metrics,
		BaseDelay:   cfg.WorkerBaseDelay,
		MaxAttempts: cfg.WorkerMaxAttempts,
		JobTimeout:  cfg.WorkerJobTimeout,
		Concurrency: cfg.WorkerConcurrency,
	})
	worker.Register(queue.QueueCreateDevice, jobHandler(resolver.HandleCreateDevice))
	worker.Register(queue.QueueCreateUser, jobHandler(resolver.HandleCreateUser))
	worker.Register(queue.QueueSession, jobHandler(resolver.HandleSession))
	worker.Register(queue.QueueMergeUser, jobHandler(resolver.HandleMergeUser))
	worker.Register(queue.QueueUpdateUser, jobHandler(updater.HandleUpdateUser))
	worker.Register(queue.QueueEvent, jobHandler(recorder.Record))

	// Health and metrics listener.
	mux := http.NewServeMux()
	mux.Handle("/health", health.NewHandler(map[string]health.Checker{
		"postgres":   health.NewDBChecker(database),
		"redis":      health.NewRedisChecker(redisClient),
		"clickhouse": health.NewClickHouseChecker(chConn),
	}, logger))
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("starting health listener", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health listener error", "error", err)
		}
	}()

	logger.Info("starting worker", "queues", len(queue.Queues()))
	worker.Run(ctx)

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("health listener forced to shutdown", "error", err)
	}
	if err := events.Close(shutdownCtx); err != nil {
		logger.Error("failed to flush event store", "error", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown tracing", "error", err)
	}
	logger.Info("worker stopped")
}

// jobHandler adapts a typed job handler to the queue's envelope handler:
// decode the JSON payload, open a consumer span, dispatch.
func jobHandler[T any](fn func(context.Context, T) error) queue.Handler {
	return func(ctx context.Context, env *queue.Envelope) error {
		var job T
		if err := json.Unmarshal(env.Payload, &job); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", env.Queue, err)
		}

		ctx, endSpan := tracing.StartJobSpan(ctx, string(env.Queue), env.Attempt)
		err := fn(ctx, job)
		endSpan(err)
		return err
	}
}

func exporterType(protocol string) string {
	if protocol == "grpc" {
		return "otlp-grpc"
	}
	return "otlp-http"
}
