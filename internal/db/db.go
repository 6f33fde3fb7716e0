// Package db provides database connection handling for the ingestion
// worker's Postgres store (identity rows and failed jobs).
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Pool defaults. The worker holds few connections: handlers on the
// serialized queues run one at a time.
const (
	DefaultMaxOpenConns    = 10
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 30 * time.Minute
)

// Open connects to Postgres, applies pool settings and verifies the
// connection with a ping.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	database.SetMaxOpenConns(DefaultMaxOpenConns)
	database.SetMaxIdleConns(DefaultMaxIdleConns)
	database.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := database.PingContext(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return database, nil
}
