package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler processes one delivered job. Returning an error sends the job
// through the retry path; handlers run under at-least-once delivery and
// must be re-entrant-safe.
type Handler func(ctx context.Context, env *Envelope) error

// ErrNoHandler is returned when a job arrives on a queue with no
// registered handler.
var ErrNoHandler = errors.New("no handler registered for queue")

// Worker pool defaults.
const (
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 5
	DefaultJobTimeout  = 30 * time.Second
	DefaultPopWait     = 2 * time.Second
	DefaultLeaseTTL    = 60 * time.Second
	DefaultConcurrency = 4
)

// WorkerConfig configures a worker pool.
type WorkerConfig struct {
	// Logger for worker activity.
	Logger *slog.Logger

	// Metrics for job tracking. May be nil.
	Metrics *Metrics

	// BaseDelay is the first retry delay; it doubles per attempt.
	BaseDelay time.Duration

	// MaxAttempts caps deliveries per job, including the first.
	MaxAttempts int

	// JobTimeout bounds a single handler execution so a slow store
	// causes a retry rather than stalling a serialized queue forever.
	JobTimeout time.Duration

	// PopWait is how long a blocking pop waits before re-checking for
	// shutdown.
	PopWait time.Duration

	// LeaseTTL is the broker lease duration for serialized queues. The
	// lease is renewed in the background at TTL/3 while jobs run, so it
	// only needs to outlive a few missed renewals, not a whole job.
	LeaseTTL time.Duration

	// Concurrency is the number of consumers per parallel queue.
	// Serialized queues always run exactly one, system-wide.
	Concurrency int
}

func (c *WorkerConfig) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.PopWait == 0 {
		c.PopWait = DefaultPopWait
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
}

// Worker consumes queues from the broker and dispatches jobs to
// registered handlers with retry, backoff and dead-lettering.
type Worker struct {
	broker Broker
	failed FailedJobStore
	config WorkerConfig

	// id identifies this worker instance as a lease owner.
	id string

	mu       sync.RWMutex
	handlers map[Queue]Handler

	wg sync.WaitGroup
}

// NewWorker creates a worker pool over the broker and failed-job store.
func NewWorker(broker Broker, failed FailedJobStore, config WorkerConfig) *Worker {
	config.applyDefaults()
	return &Worker{
		broker:   broker,
		failed:   failed,
		config:   config,
		id:       uuid.New().String(),
		handlers: make(map[Queue]Handler),
	}
}

// Register installs the handler for a queue. Registering again replaces
// the previous handler.
func (w *Worker) Register(q Queue, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[q] = h
}

// Run consumes all registered queues until the context is cancelled.
// Serialized queues get one consumer guarded by a broker lease so global
// concurrency 1 holds across processes; parallel queues get
// config.Concurrency consumers.
func (w *Worker) Run(ctx context.Context) {
	w.mu.RLock()
	queues := make([]Queue, 0, len(w.handlers))
	for q := range w.handlers {
		queues = append(queues, q)
	}
	w.mu.RUnlock()

	// Requeue jobs a previous worker popped but never acked: a crash
	// between pop and handler completion must redeliver, not lose.
	for _, q := range queues {
		n, err := w.broker.Reclaim(ctx, q)
		if err != nil {
			w.config.Logger.Warn("failed to reclaim stranded jobs", "queue", q, "error", err)
			continue
		}
		if n > 0 {
			w.config.Logger.Info("reclaimed stranded jobs", "queue", q, "jobs", n)
		}
	}

	for _, q := range queues {
		if q.Serialized() {
			w.wg.Add(1)
			go func(q Queue) {
				defer w.wg.Done()
				w.runSerialized(ctx, q)
			}(q)
			continue
		}
		for i := 0; i < w.config.Concurrency; i++ {
			w.wg.Add(1)
			go func(q Queue) {
				defer w.wg.Done()
				w.consumeLoop(ctx, q)
			}(q)
		}
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pollDepths(ctx, queues)
	}()

	<-ctx.Done()
	w.wg.Wait()
}

// runSerialized holds the queue lease while consuming; when the lease is
// lost the loop falls back to re-acquisition so exactly one consumer is
// active system-wide at any time.
func (w *Worker) runSerialized(ctx context.Context, q Queue) {
	for {
		if err := w.broker.AcquireLease(ctx, q, w.id, w.config.LeaseTTL); err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, ErrLeaseHeld) {
				w.config.Logger.Warn("lease acquisition failed",
					"queue", q, "error", err)
			}
			if !sleepCtx(ctx, w.config.LeaseTTL/3) {
				return
			}
			continue
		}

		w.consumeLeased(ctx, q)
		_ = w.broker.ReleaseLease(context.WithoutCancel(ctx), q, w.id)

		if ctx.Err() != nil {
			return
		}
	}
}

// consumeLeased consumes a serialized queue while a background goroutine
// keeps the lease renewed. Renewal spans handler execution, so a job
// whose retries outlast the lease TTL cannot let a second consumer in.
// Returns when the context ends or the lease is lost; a lost lease
// cancels the in-flight job.
func (w *Worker) consumeLeased(ctx context.Context, q Queue) {
	leaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(w.config.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
				if err := w.broker.RenewLease(leaseCtx, q, w.id, w.config.LeaseTTL); err != nil {
					if leaseCtx.Err() == nil {
						w.config.Logger.Warn("lost queue lease", "queue", q, "error", err)
					}
					cancel()
					return
				}
			}
		}
	}()

	for leaseCtx.Err() == nil {
		w.popAndProcess(leaseCtx, q)
	}
	cancel()
	<-renewDone
}

// consumeLoop consumes a parallel queue until the context ends.
func (w *Worker) consumeLoop(ctx context.Context, q Queue) {
	for ctx.Err() == nil {
		w.popAndProcess(ctx, q)
	}
}

func (w *Worker) popAndProcess(ctx context.Context, q Queue) {
	data, err := w.broker.Pop(ctx, q, w.config.PopWait)
	if err != nil {
		if errors.Is(err, ErrNoJob) || ctx.Err() != nil {
			return
		}
		w.config.Logger.Warn("pop failed", "queue", q, "error", err)
		sleepCtx(ctx, w.config.BaseDelay)
		return
	}
	// Ack once the outcome is settled (handled or parked), even during
	// shutdown; an unacked job would be redelivered by the next reclaim.
	defer func() {
		if err := w.broker.Ack(context.WithoutCancel(ctx), q, data); err != nil {
			w.config.Logger.Warn("failed to ack job", "queue", q, "error", err)
		}
	}()

	env, err := DecodeEnvelope(data)
	if err != nil {
		// Undecodable bytes cannot be retried; park them raw.
		w.config.Logger.Error("dropping undecodable job", "queue", q, "error", err)
		w.deadLetter(ctx, &Envelope{Queue: q, Payload: data}, err)
		return
	}

	w.process(ctx, env)
}

// process runs the handler with retry and backoff; a job exhausting its
// attempts is dead-lettered, never silently discarded.
func (w *Worker) process(ctx context.Context, env *Envelope) {
	handler := w.handlerFor(env.Queue)
	if handler == nil {
		w.deadLetter(ctx, env, fmt.Errorf("%w: %s", ErrNoHandler, env.Queue))
		return
	}

	var lastErr error
	for attempt := env.Attempt; attempt <= w.config.MaxAttempts; attempt++ {
		env.Attempt = attempt
		start := time.Now()
		lastErr = w.runHandler(ctx, handler, env)
		duration := time.Since(start).Seconds()

		if w.config.Metrics != nil {
			w.config.Metrics.ObserveJobDuration(env.Queue, duration)
		}

		if lastErr == nil {
			if w.config.Metrics != nil {
				w.config.Metrics.IncJobsTotal(env.Queue, StatusSuccess)
			}
			return
		}

		if w.config.Metrics != nil {
			w.config.Metrics.IncJobErrors(env.Queue, errorType(lastErr))
		}
		w.config.Logger.Warn("job handler failed",
			"queue", env.Queue,
			"job_id", env.ID,
			"attempt", attempt,
			"error", lastErr)

		if ctx.Err() != nil {
			break
		}
		if attempt < w.config.MaxAttempts {
			// 1s, 2s, 4s, 8s, 16s: doubling per attempt, capped by the
			// attempt count rather than a delay ceiling.
			delay := w.config.BaseDelay << uint(attempt-1)
			if !sleepCtx(ctx, delay) {
				break
			}
		}
	}

	if w.config.Metrics != nil {
		w.config.Metrics.IncJobsTotal(env.Queue, StatusFailure)
	}
	w.deadLetter(ctx, env, lastErr)
}

// runHandler executes the handler under the per-job timeout.
func (w *Worker) runHandler(ctx context.Context, handler Handler, env *Envelope) error {
	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()
	return handler(jobCtx, env)
}

func (w *Worker) handlerFor(q Queue) Handler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handlers[q]
}

// deadLetter parks an exhausted or unprocessable job for inspection and
// replay.
func (w *Worker) deadLetter(ctx context.Context, env *Envelope, cause error) {
	if w.config.Metrics != nil {
		w.config.Metrics.IncFailedJobs(env.Queue)
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	record := &FailedJob{
		ID:       env.ID,
		Queue:    env.Queue,
		Payload:  env.Payload,
		Error:    msg,
		Attempts: env.Attempt,
	}
	// Parking must survive context cancellation during shutdown.
	if err := w.failed.Save(context.WithoutCancel(ctx), record); err != nil {
		w.config.Logger.Error("failed to dead-letter job",
			"queue", env.Queue,
			"job_id", env.ID,
			"job_error", msg,
			"store_error", err)
		return
	}

	w.config.Logger.Error("job exhausted retries, parked for replay",
		"queue", env.Queue,
		"job_id", env.ID,
		"attempts", env.Attempt,
		"error", msg)
}

// pollDepths periodically exports queue depth gauges.
func (w *Worker) pollDepths(ctx context.Context, queues []Queue) {
	if w.config.Metrics == nil {
		return
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				depth, err := w.broker.Depth(ctx, q)
				if err != nil {
					continue
				}
				w.config.Metrics.SetQueueDepth(q, float64(depth))
			}
		}
	}
}

// sleepCtx sleeps for d unless the context ends first. Reports whether
// the full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrBrokerUnavailable):
		return "broker"
	default:
		return "handler"
	}
}
