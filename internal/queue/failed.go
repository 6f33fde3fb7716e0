package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrFailedJobNotFound is returned when a failed-job record does not exist.
var ErrFailedJobNotFound = errors.New("failed job not found")

// FailedJob is a durable record of a job that could not be enqueued or
// exhausted its retries. It converts a transient outage into a
// recoverable backlog instead of silent data loss; cmd/replay re-enqueues
// these.
type FailedJob struct {
	ID       string
	Queue    Queue
	Payload  []byte // JSON job body, replayable as-is
	Error    string
	Attempts int
	FailedAt time.Time
}

// FailedJobStore persists failed-job records for later replay.
type FailedJobStore interface {
	// Save records a failed job.
	Save(ctx context.Context, job *FailedJob) error

	// List returns up to limit failed jobs, oldest first.
	List(ctx context.Context, limit int) ([]*FailedJob, error)

	// Delete removes a replayed record.
	Delete(ctx context.Context, id string) error
}

// InMemoryFailedJobStore implements FailedJobStore with in-memory
// storage. Used for testing and development.
type InMemoryFailedJobStore struct {
	mu   sync.RWMutex
	jobs []*FailedJob
}

// NewInMemoryFailedJobStore creates an empty in-memory store.
func NewInMemoryFailedJobStore() *InMemoryFailedJobStore {
	return &InMemoryFailedJobStore{}
}

// Save records a failed job.
func (s *InMemoryFailedJobStore) Save(ctx context.Context, job *FailedJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *job
	if copied.ID == "" {
		copied.ID = uuid.New().String()
	}
	if copied.FailedAt.IsZero() {
		copied.FailedAt = time.Now()
	}
	s.jobs = append(s.jobs, &copied)
	return nil
}

// List returns up to limit failed jobs, oldest first.
func (s *InMemoryFailedJobStore) List(ctx context.Context, limit int) ([]*FailedJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.jobs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*FailedJob, 0, n)
	for _, job := range s.jobs[:n] {
		copied := *job
		out = append(out, &copied)
	}
	return out, nil
}

// Delete removes a record by id.
func (s *InMemoryFailedJobStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return nil
		}
	}
	return ErrFailedJobNotFound
}

// PostgresFailedJobStore implements FailedJobStore on the failed_jobs
// table.
type PostgresFailedJobStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresFailedJobStore creates a postgres-backed failed job store.
func NewPostgresFailedJobStore(db *sql.DB, logger *slog.Logger) *PostgresFailedJobStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresFailedJobStore{db: db, logger: logger}
}

// Save records a failed job.
func (s *PostgresFailedJobStore) Save(ctx context.Context, job *FailedJob) error {
	id := job.ID
	if id == "" {
		id = uuid.New().String()
	}
	failedAt := job.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now()
	}

	const query = `
		INSERT INTO failed_jobs (id, queue, payload, error, attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query,
		id, string(job.Queue), job.Payload, job.Error, job.Attempts, failedAt); err != nil {
		return fmt.Errorf("failed to save failed job: %w", err)
	}
	job.ID = id
	job.FailedAt = failedAt
	return nil
}

// List returns up to limit failed jobs, oldest first.
func (s *PostgresFailedJobStore) List(ctx context.Context, limit int) ([]*FailedJob, error) {
	const query = `
		SELECT id, queue, payload, error, attempts, failed_at
		FROM failed_jobs
		ORDER BY failed_at ASC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*FailedJob
	for rows.Next() {
		var job FailedJob
		var queue string
		if err := rows.Scan(&job.ID, &queue, &job.Payload, &job.Error, &job.Attempts, &job.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failed job: %w", err)
		}
		job.Queue = Queue(queue)
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read failed jobs: %w", err)
	}
	return jobs, nil
}

// Delete removes a record by id.
func (s *PostgresFailedJobStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM failed_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete failed job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrFailedJobNotFound
	}
	return nil
}
