package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chitin-dev/chitin-agent/pkg/telemetry"
)

const (
	DefaultBatchSize     = 100
	DefaultBatchInterval = 60 * time.Second
)

// Sink receives batches. A push is all or nothing.
type Sink interface {
	Push(ctx context.Context, events []Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, events []Event) error

func (f SinkFunc) Push(ctx context.Context, events []Event) error { return f(ctx, events) }

// SinkPushError reports a failed push. The events it covered are back at
// the head of the queue.
type SinkPushError struct {
	Sink   string
	Events int
	Err    error
}

func (e *SinkPushError) Error() string {
	return fmt.Sprintf("pushing %d audit events to %s: %v", e.Events, e.Sink, e.Err)
}

func (e *SinkPushError) Unwrap() error { return e.Err }

// IsSinkPushError reports whether err came from a failed push.
func IsSinkPushError(err error) bool {
	var pushErr *SinkPushError
	return errors.As(err, &pushErr)
}

// Batcher queues events and pushes them when the queue reaches the batch size
// or the batch interval has passed since the last successful push. Events are
// never dropped: a failed push puts them back in front of the queue.
type Batcher struct {
	sink      Sink
	sinkName  string
	batchSize int
	interval  time.Duration
	clock     func() time.Time
	logger    *zap.Logger

	mu       sync.Mutex
	queue    []Event
	lastPush time.Time
}

type BatcherOption func(*Batcher)

func WithBatchSize(n int) BatcherOption {
	return func(b *Batcher) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

func WithBatchInterval(d time.Duration) BatcherOption {
	return func(b *Batcher) {
		if d > 0 {
			b.interval = d
		}
	}
}

// WithSinkName labels the sink in logs, errors and metrics.
func WithSinkName(name string) BatcherOption {
	return func(b *Batcher) { b.sinkName = name }
}

func WithLogger(logger *zap.Logger) BatcherOption {
	return func(b *Batcher) { b.logger = logger }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) BatcherOption {
	return func(b *Batcher) { b.clock = clock }
}

func NewBatcher(sink Sink, opts ...BatcherOption) *Batcher {
	b := &Batcher{
		sink:      sink,
		sinkName:  "sink",
		batchSize: DefaultBatchSize,
		interval:  DefaultBatchInterval,
		clock:     time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastPush = b.clock()
	return b
}

// AddEvent queues e and pushes one batch when a threshold is reached. A push
// failure is returned to the caller; the event stays queued either way.
func (b *Batcher) AddEvent(ctx context.Context, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock()
	}
	b.queue = append(b.queue, e)
	telemetry.RecordAuditQueue(ctx, len(b.queue))

	switch {
	case len(b.queue) >= b.batchSize:
		b.logger.Debug("audit batch size reached", zap.Int("queued", len(b.queue)))
	case b.clock().Sub(b.lastPush) >= b.interval:
		b.logger.Debug("audit batch interval reached", zap.Int("queued", len(b.queue)))
	default:
		return nil
	}
	return b.pushLocked(ctx)
}

// Flush pushes until the queue is empty or a push fails.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.queue) > 0 {
		if err := b.pushLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Len is the number of queued events.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Run pushes idle queues once the batch interval has passed, until ctx is
// done. Failures are logged and retried on the next tick.
func (b *Batcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.pushIfDue(ctx); err != nil {
				b.logger.Warn("periodic audit push failed", zap.Error(err))
			}
		}
	}
}

func (b *Batcher) pushIfDue(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 || b.clock().Sub(b.lastPush) < b.interval {
		return nil
	}
	return b.pushLocked(ctx)
}

func (b *Batcher) pushLocked(ctx context.Context) error {
	if len(b.queue) == 0 {
		return nil
	}

	n := min(len(b.queue), b.batchSize)
	batch := make([]Event, n)
	copy(batch, b.queue[:n])
	b.queue = b.queue[n:]

	err := b.sink.Push(ctx, batch)
	telemetry.RecordAuditPush(ctx, b.sinkName, n, err)
	if err != nil {
		b.queue = append(batch, b.queue...)
		telemetry.RecordAuditQueue(ctx, len(b.queue))
		b.logger.Error("failed to push audit events", zap.String("sink", b.sinkName), zap.Int("events", n), zap.Error(err))
		return &SinkPushError{Sink: b.sinkName, Events: n, Err: err}
	}

	b.lastPush = b.clock()
	telemetry.RecordAuditQueue(ctx, len(b.queue))
	b.logger.Info("pushed audit events", zap.String("sink", b.sinkName), zap.Int("events", n))
	return nil
}
