package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouse batching defaults.
const (
	defaultFlushInterval = 2 * time.Second
	defaultMaxBatch      = 1000
)

// ClickHouseStore implements Store on the events table. Inserts are
// buffered and flushed in batches; ClickHouse wants few large inserts,
// not one row per query. Deduplication of redelivered event ids is left
// to the table's ReplacingMergeTree engine.
type ClickHouseStore struct {
	conn          driver.Conn
	logger        *slog.Logger
	flushInterval time.Duration
	maxBatch      int

	mu      sync.Mutex
	pending []*Event

	stop chan struct{}
	done chan struct{}
}

// OpenClickHouse connects to ClickHouse over the native protocol.
func OpenClickHouse(ctx context.Context, addr, database, username, password string) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// NewClickHouseStore creates a batching store over an open connection
// and starts its flush loop.
func NewClickHouseStore(conn driver.Conn, logger *slog.Logger) *ClickHouseStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ClickHouseStore{
		conn:          conn,
		logger:        logger,
		flushInterval: defaultFlushInterval,
		maxBatch:      defaultMaxBatch,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Insert buffers one event for the next batch flush.
func (s *ClickHouseStore) Insert(ctx context.Context, event *Event) error {
	s.mu.Lock()
	copied := *event
	s.pending = append(s.pending, &copied)
	full := len(s.pending) >= s.maxBatch
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes all buffered events in a single batch.
func (s *ClickHouseStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := s.sendBatch(ctx, batch); err != nil {
		// Put the rows back so the next flush retries them.
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *ClickHouseStore) sendBatch(ctx context.Context, events []*Event) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO events (
			project_id, user_id, id, session_id, device_id, context_id,
			name, type, created_at,
			path, origin, hash,
			referrer, referrer_name, referrer_type,
			utm_source, utm_medium, utm_campaign, utm_term, utm_content,
			country, region, city,
			os_name, client_name, device_type, screen_width, duration,
			custom_data
		)`)
	if err != nil {
		return fmt.Errorf("failed to prepare event batch: %w", err)
	}

	for _, e := range events {
		custom, err := marshalCustomData(e.CustomData)
		if err != nil {
			s.logger.Warn("dropping unencodable custom data",
				"project_id", e.ProjectID, "event_id", e.ID, "error", err)
			custom = "{}"
		}
		if err := batch.Append(
			e.ProjectID, e.UserID, e.ID, e.SessionID, e.DeviceID, e.ContextID,
			e.Name, e.Type, e.CreatedAt,
			e.Path, e.Origin, e.Hash,
			e.Referrer, e.ReferrerName, e.ReferrerType,
			e.UTMSource, e.UTMMedium, e.UTMCampaign, e.UTMTerm, e.UTMContent,
			e.Country, e.Region, e.City,
			e.OSName, e.ClientName, e.DeviceType, e.ScreenWidth, e.Duration,
			custom,
		); err != nil {
			return fmt.Errorf("failed to append event %s: %w", e.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send event batch: %w", err)
	}
	s.logger.Debug("event batch flushed", "events", len(events))
	return nil
}

// ListByUser returns a user's events inside the window, ordered by
// creation time.
func (s *ClickHouseStore) ListByUser(ctx context.Context, projectID, userID string, from, to time.Time) ([]*Event, error) {
	if to.IsZero() {
		to = time.Now().Add(24 * time.Hour)
	}
	rows, err := s.conn.Query(ctx, `
		SELECT project_id, user_id, id, session_id, device_id, context_id,
		       name, type, created_at,
		       path, origin, hash,
		       referrer, referrer_name, referrer_type,
		       utm_source, utm_medium, utm_campaign, utm_term, utm_content,
		       country, region, city,
		       os_name, client_name, device_type, screen_width, duration,
		       custom_data
		FROM events FINAL
		WHERE project_id = ? AND user_id = ?
		  AND created_at >= ? AND created_at < ?
		ORDER BY created_at ASC`, projectID, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var custom string
		if err := rows.Scan(
			&e.ProjectID, &e.UserID, &e.ID, &e.SessionID, &e.DeviceID, &e.ContextID,
			&e.Name, &e.Type, &e.CreatedAt,
			&e.Path, &e.Origin, &e.Hash,
			&e.Referrer, &e.ReferrerName, &e.ReferrerType,
			&e.UTMSource, &e.UTMMedium, &e.UTMCampaign, &e.UTMTerm, &e.UTMContent,
			&e.Country, &e.Region, &e.City,
			&e.OSName, &e.ClientName, &e.DeviceType, &e.ScreenWidth, &e.Duration,
			&custom,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if custom != "" && custom != "{}" {
			if err := json.Unmarshal([]byte(custom), &e.CustomData); err != nil {
				return nil, fmt.Errorf("failed to decode custom data: %w", err)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

// ReassignUser moves a user's events to another user. ALTER UPDATE is a
// mutation in ClickHouse terms; merges are rare enough that the cost is
// acceptable.
func (s *ClickHouseStore) ReassignUser(ctx context.Context, projectID, oldUserID, newUserID string) (int64, error) {
	// Flush first so buffered rows for the old user are visible to the
	// mutation.
	if err := s.Flush(ctx); err != nil {
		return 0, err
	}

	var count uint64
	if err := s.conn.QueryRow(ctx, `
		SELECT count() FROM events
		WHERE project_id = ? AND user_id = ?`, projectID, oldUserID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events for reassignment: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	if err := s.conn.Exec(ctx, `
		ALTER TABLE events UPDATE user_id = ?
		WHERE project_id = ? AND user_id = ?`, newUserID, projectID, oldUserID); err != nil {
		return 0, fmt.Errorf("failed to reassign events: %w", err)
	}
	return int64(count), nil
}

// Close flushes remaining rows and stops the flush loop.
func (s *ClickHouseStore) Close(ctx context.Context) error {
	close(s.stop)
	<-s.done
	return s.Flush(ctx)
}

func (s *ClickHouseStore) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.Flush(ctx); err != nil {
				s.logger.Error("event batch flush failed", "error", err)
			}
			cancel()
		case <-s.stop:
			return
		}
	}
}

func marshalCustomData(data map[string]any) (string, error) {
	if len(data) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
