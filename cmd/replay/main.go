// Package main is the replay tool: it drains the failed-job backlog
// back onto the live queues.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/hitpipe/internal/config"
	"github.com/onnwee/hitpipe/internal/db"
	"github.com/onnwee/hitpipe/internal/logging"
	"github.com/onnwee/hitpipe/internal/queue"
)

func main() {
	configPath := flag.String("config", "", "path to optional YAML config file")
	limit := flag.Int("limit", 100, "maximum number of failed jobs to replay")
	dryRun := flag.Bool("dry-run", false, "list failed jobs without replaying them")
	flag.Parse()

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	broker := queue.NewRedisBroker(redisClient)
	failed := queue.NewPostgresFailedJobStore(database, logger)

	jobs, err := failed.List(ctx, *limit)
	if err != nil {
		logger.Error("failed to list failed jobs", "error", err)
		os.Exit(1)
	}
	if len(jobs) == 0 {
		logger.Info("no failed jobs to replay")
		return
	}

	if *dryRun {
		for _, job := range jobs {
			logger.Info("failed job",
				"id", job.ID,
				"queue", job.Queue,
				"attempts", job.Attempts,
				"failed_at", job.FailedAt,
				"error", job.Error)
		}
		logger.Info("dry run complete", "jobs", len(jobs))
		return
	}

	var replayed, failures int
	for _, job := range jobs {
		env := &queue.Envelope{
			ID:         job.ID,
			Queue:      job.Queue,
			Attempt:    1,
			EnqueuedAt: time.Now(),
			Payload:    job.Payload,
		}
		encoded, err := queue.EncodeEnvelope(env)
		if err != nil {
			logger.Error("failed to encode job", "id", job.ID, "error", err)
			failures++
			continue
		}
		if err := broker.Push(ctx, job.Queue, encoded); err != nil {
			logger.Error("failed to re-enqueue job", "id", job.ID, "error", err)
			failures++
			continue
		}
		if err := failed.Delete(ctx, job.ID); err != nil {
			// The job is back on the queue; a dangling record only
			// risks a duplicate delivery, which handlers tolerate.
			logger.Warn("failed to delete replayed record", "id", job.ID, "error", err)
		}
		replayed++
	}

	logger.Info("replay complete", "replayed", replayed, "failures", failures)
	if failures > 0 {
		os.Exit(1)
	}
}
