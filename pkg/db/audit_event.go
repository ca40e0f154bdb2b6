package db

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type AuditEventDAO interface {
	InsertAuditEvents(ctx context.Context, events []AuditEvent) error
	// ListAuditEvents returns up to limit spooled events, oldest first.
	ListAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error)
	DeleteAuditEvents(ctx context.Context, ids []int64) error
	CountAuditEvents(ctx context.Context) (int, error)
}

// JSONObject is stored as a JSON encoded TEXT column.
type JSONObject map[string]any

type AuditEvent struct {
	ID        *int64     `db:"id"`
	EventID   int64      `db:"event_id"`
	EventType string     `db:"event_type"`
	Content   string     `db:"content"`
	Decision  JSONObject `db:"decision"`
	Metadata  JSONObject `db:"metadata"`
	Timestamp string     `db:"timestamp"`
}

func (o JSONObject) Value() (driver.Value, error) {
	if o == nil {
		return "{}", nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (o *JSONObject) Scan(value any) error {
	var buf []byte
	switch v := value.(type) {
	case string:
		buf = []byte(v)
	case []byte:
		buf = v
	case nil:
		*o = nil
		return nil
	default:
		return errors.New("failed to scan json object")
	}
	return json.Unmarshal(buf, o)
}

func (d *dao) InsertAuditEvents(ctx context.Context, events []AuditEvent) (err error) {
	if len(events) == 0 {
		return nil
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer txClose(tx, &err)

	const query = `INSERT INTO audit_events (event_id, event_type, content, decision, metadata, timestamp) VALUES ($1, $2, $3, $4, $5, $6)`
	for _, e := range events {
		if _, err = tx.ExecContext(ctx, query, e.EventID, e.EventType, e.Content, e.Decision, e.Metadata, e.Timestamp); err != nil {
			return fmt.Errorf("failed to insert audit event %d: %w", e.EventID, err)
		}
	}

	return tx.Commit()
}

func (d *dao) ListAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	const query = `SELECT id, event_id, event_type, content, decision, metadata, timestamp FROM audit_events ORDER BY id LIMIT $1`

	if limit <= 0 {
		limit = -1
	}
	var events []AuditEvent
	if err := d.db.SelectContext(ctx, &events, query, limit); err != nil {
		return nil, err
	}
	return events, nil
}

func (d *dao) DeleteAuditEvents(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := `DELETE FROM audit_events WHERE id IN (` + strings.Join(placeholders, ", ") + `)`

	_, err := d.db.ExecContext(ctx, query, args...)
	return err
}

func (d *dao) CountAuditEvents(ctx context.Context) (int, error) {
	var count int
	if err := d.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM audit_events`); err != nil {
		return 0, err
	}
	return count, nil
}
