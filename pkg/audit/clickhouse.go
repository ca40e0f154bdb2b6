package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const clickhouseTimeout = 5 * time.Second

const createAuditTable = `
	CREATE TABLE IF NOT EXISTS chitin_audit_events (
		event_id Int64,
		event_type LowCardinality(String),
		content String,
		outcome LowCardinality(String),
		allowed UInt8,
		reason String,
		metadata String,
		timestamp DateTime64(3, 'UTC')
	) ENGINE = MergeTree
	ORDER BY (timestamp, event_id)
`

const insertAuditEvents = `
	INSERT INTO chitin_audit_events (
		event_id, event_type, content, outcome, allowed, reason, metadata, timestamp
	)
`

// ClickHouseSink inserts each batch into the chitin_audit_events table.
type ClickHouseSink struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewClickHouseSink connects to dsn and makes sure the table exists.
func NewClickHouseSink(ctx context.Context, dsn string, logger *zap.Logger) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, clickhouseTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pinging clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, createAuditTable); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("creating audit table: %w", err)
	}

	return &ClickHouseSink{conn: conn, logger: logger}, nil
}

func (s *ClickHouseSink) Push(ctx context.Context, events []Event) error {
	ctx, cancel := context.WithTimeout(ctx, clickhouseTimeout)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, insertAuditEvents)
	if err != nil {
		return fmt.Errorf("clickhouse prepare batch: %w", err)
	}

	for _, e := range events {
		row, err := clickhouseRow(e)
		if err != nil {
			_ = batch.Abort()
			return err
		}
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("clickhouse append event %d: %w", e.EventID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse batch send: %w", err)
	}
	s.logger.Debug("clickhouse audit batch sent", zap.Int("batch_size", len(events)))
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

// clickhouseRow orders the values of e as in insertAuditEvents.
func clickhouseRow(e Event) ([]any, error) {
	metadata := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return nil, fmt.Errorf("audit event %d metadata: %w", e.EventID, err)
		}
	}

	var allowed uint8
	if e.Decision.Allowed {
		allowed = 1
	}

	return []any{
		int64(e.EventID),
		e.EventType,
		e.Content,
		string(e.Decision.Outcome),
		allowed,
		e.Decision.Reason,
		string(metadata),
		e.Timestamp.UTC(),
	}, nil
}
