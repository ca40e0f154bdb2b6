package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chitin-dev/chitin-agent/pkg/db"
	"github.com/chitin-dev/chitin-agent/pkg/policy"
)

// LogSink writes events to a logger. It is the fallback when no remote sink
// is configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Push(_ context.Context, events []Event) error {
	for _, e := range events {
		s.logger.Info("audit_event",
			zap.Int64("event_id", int64(e.EventID)),
			zap.String("event_type", e.EventType),
			zap.String("content", e.Content),
			zap.String("outcome", string(e.Decision.Outcome)),
			zap.Bool("allowed", e.Decision.Allowed),
			zap.String("reason", e.Decision.Reason),
			zap.Any("metadata", e.Metadata),
			zap.Time("timestamp", e.Timestamp),
		)
	}
	return nil
}

// SQLiteSink spools events into the local audit database.
type SQLiteSink struct {
	dao db.AuditEventDAO
}

func NewSQLiteSink(dao db.AuditEventDAO) *SQLiteSink {
	return &SQLiteSink{dao: dao}
}

func (s *SQLiteSink) Push(ctx context.Context, events []Event) error {
	records := make([]db.AuditEvent, 0, len(events))
	for _, e := range events {
		r, err := toRecord(e)
		if err != nil {
			return err
		}
		records = append(records, r)
	}
	return s.dao.InsertAuditEvents(ctx, records)
}

// Pending is the number of spooled events.
func (s *SQLiteSink) Pending(ctx context.Context) (int, error) {
	return s.dao.CountAuditEvents(ctx)
}

// Drain forwards spooled events to dst in batches of batchSize, deleting
// each batch once dst accepted it. It returns how many events were moved.
func (s *SQLiteSink) Drain(ctx context.Context, dst Sink, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	moved := 0
	for {
		records, err := s.dao.ListAuditEvents(ctx, batchSize)
		if err != nil {
			return moved, err
		}
		if len(records) == 0 {
			return moved, nil
		}

		events := make([]Event, 0, len(records))
		ids := make([]int64, 0, len(records))
		for _, r := range records {
			e, err := fromRecord(r)
			if err != nil {
				return moved, err
			}
			events = append(events, e)
			ids = append(ids, *r.ID)
		}

		if err := dst.Push(ctx, events); err != nil {
			return moved, &SinkPushError{Sink: "spool", Events: len(events), Err: err}
		}
		if err := s.dao.DeleteAuditEvents(ctx, ids); err != nil {
			return moved, fmt.Errorf("removing forwarded audit events: %w", err)
		}
		moved += len(events)
	}
}

func toRecord(e Event) (db.AuditEvent, error) {
	decision, err := toObject(e.Decision)
	if err != nil {
		return db.AuditEvent{}, err
	}
	metadata, err := toObject(e.Metadata)
	if err != nil {
		return db.AuditEvent{}, fmt.Errorf("audit event %d metadata: %w", e.EventID, err)
	}
	return db.AuditEvent{
		EventID:   int64(e.EventID),
		EventType: e.EventType,
		Content:   e.Content,
		Decision:  decision,
		Metadata:  metadata,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	}, nil
}

func fromRecord(r db.AuditEvent) (Event, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return Event{}, fmt.Errorf("audit event %d timestamp: %w", r.EventID, err)
	}
	var decision DecisionSummary
	if err := fromObject(r.Decision, &decision); err != nil {
		return Event{}, err
	}
	metadata := map[string]any(r.Metadata)
	if len(metadata) == 0 {
		metadata = nil
	}
	return Event{
		EventID:   policy.EventID(r.EventID),
		EventType: r.EventType,
		Content:   r.Content,
		Decision:  decision,
		Metadata:  metadata,
		Timestamp: ts,
	}, nil
}

func toObject(v any) (db.JSONObject, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var obj db.JSONObject
	if err := json.Unmarshal(buf, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func fromObject(obj db.JSONObject, v any) error {
	buf, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, v)
}
