package health

import (
	"context"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseChecker implements health checking for ClickHouse.
type ClickHouseChecker struct {
	conn driver.Conn
}

// NewClickHouseChecker creates a new ClickHouse health checker.
func NewClickHouseChecker(conn driver.Conn) *ClickHouseChecker {
	return &ClickHouseChecker{
		conn: conn,
	}
}

// HealthCheck performs a health check on ClickHouse by pinging it over
// the native protocol.
func (c *ClickHouseChecker) HealthCheck(ctx context.Context) error {
	return c.conn.Ping(ctx)
}
