package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Transport enqueues jobs onto the broker. Producers treat enqueue as
// fire-and-forget: when the broker is unreachable, the job is written to
// the failed-job store for later replay and the producer still gets a
// nil error. A Transport is instantiated per process; the sticky-healthy
// flag is instance state, never a package-level global.
type Transport struct {
	broker  Broker
	failed  FailedJobStore
	logger  *slog.Logger
	metrics *Metrics

	// healthy flips to 1 after the first successful push; from then on
	// the pre-push liveness probe is skipped to avoid per-call latency
	// in steady state.
	healthy atomic.Bool
}

// NewTransport creates a transport over the given broker and failed-job
// store. Metrics may be nil.
func NewTransport(broker Broker, failed FailedJobStore, logger *slog.Logger, metrics *Metrics) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		broker:  broker,
		failed:  failed,
		logger:  logger,
		metrics: metrics,
	}
}

// Enqueue serializes payload as JSON, wraps it in an envelope and pushes
// it onto the queue. A serialization failure is a programming error and
// is returned; broker failures are absorbed into the failed-job store.
func (t *Transport) Enqueue(ctx context.Context, q Queue, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize %s payload: %w", q, err)
	}

	env := &Envelope{
		ID:         uuid.New().String(),
		Queue:      q,
		Attempt:    1,
		EnqueuedAt: time.Now(),
		Payload:    body,
	}
	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}

	if !t.healthy.Load() {
		if err := t.broker.Ping(ctx); err != nil {
			t.park(ctx, q, body, err)
			return nil
		}
	}

	if err := t.broker.Push(ctx, q, data); err != nil {
		// A push failure after a successful probe means the broker just
		// went away; drop the sticky flag so the next call probes again.
		t.healthy.Store(false)
		t.park(ctx, q, body, err)
		return nil
	}

	t.healthy.Store(true)
	if t.metrics != nil {
		t.metrics.IncEnqueued(q)
	}
	return nil
}

// park writes an unsendable job to the failed-job store.
func (t *Transport) park(ctx context.Context, q Queue, body []byte, cause error) {
	if t.metrics != nil {
		t.metrics.IncFailedJobs(q)
	}

	record := &FailedJob{
		Queue:    q,
		Payload:  body,
		Error:    cause.Error(),
		Attempts: 0,
	}
	if err := t.failed.Save(ctx, record); err != nil {
		// Both the broker and the fallback store are down. All that is
		// left is a loud log line.
		t.logger.Error("failed to park unsendable job",
			"queue", q,
			"enqueue_error", cause,
			"store_error", err)
		return
	}

	t.logger.Warn("broker unreachable, job parked for replay",
		"queue", q,
		"failed_job_id", record.ID,
		"error", cause)
}
