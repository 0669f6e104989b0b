package analytics

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const requestLogsDDL = `
CREATE TABLE IF NOT EXISTS request_logs (
	id            UUID,
	user_id       String,
	model         LowCardinality(String),
	backend       LowCardinality(String),
	worker        String,
	cache         LowCardinality(String),
	input_tokens  UInt32,
	output_tokens UInt32,
	latency_ms    UInt16,
	status        UInt16,
	fallback      Bool,
	created_at    DateTime
)
ENGINE = MergeTree
PARTITION BY toYYYYMM(created_at)
ORDER BY (created_at, model)
TTL created_at + INTERVAL 90 DAY
`

// ClickHouseSink batches entries into the request_logs table.
type ClickHouseSink struct {
	conn driver.Conn
}

// ClickHouseConfig holds connection settings.
type ClickHouseConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
}

// NewClickHouseSink connects, verifies the connection, and ensures the
// table exists.
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("analytics: clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("analytics: clickhouse ping: %w", err)
	}
	if err := conn.Exec(ctx, requestLogsDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("analytics: ensure request_logs: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) WriteBatch(ctx context.Context, entries []Entry) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO request_logs")
	if err != nil {
		return fmt.Errorf("analytics: prepare batch: %w", err)
	}

	for _, e := range entries {
		if err := batch.Append(
			e.ID,
			e.UserID,
			e.Model,
			e.Backend,
			e.Worker,
			e.CacheStatus,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.Fallback,
			e.CreatedAt,
		); err != nil {
			return fmt.Errorf("analytics: append row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("analytics: send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
