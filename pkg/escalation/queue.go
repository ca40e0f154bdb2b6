package escalation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chitin-dev/chitin-agent/pkg/policy"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusTimedOut Status = "timed_out"
)

// Pending is an escalation waiting for an operator.
type Pending struct {
	ID        string       `json:"id"`
	Request   Request      `json:"request"`
	Reason    string       `json:"reason"`
	Trace     policy.Trace `json:"trace,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	ExpiresAt time.Time    `json:"expires_at"`
}

type queued struct {
	Pending
	status   Status
	resolved chan struct{}
	note     string
}

// Queue parks escalations until an operator approves or denies them through
// Approve and Deny. Escalations left unanswered past the timeout are denied.
type Queue struct {
	timeout   time.Duration
	clock     func() time.Time
	onPending func(Pending)
	logger    *zap.Logger

	mu    sync.Mutex
	items map[string]*queued
}

type QueueOption func(*Queue)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) QueueOption {
	return func(q *Queue) { q.clock = clock }
}

// OnPending registers a hook called, outside the queue lock, for every new
// escalation.
func OnPending(fn func(Pending)) QueueOption {
	return func(q *Queue) { q.onPending = fn }
}

func WithQueueLogger(logger *zap.Logger) QueueOption {
	return func(q *Queue) { q.logger = logger }
}

func NewQueue(timeout time.Duration, opts ...QueueOption) *Queue {
	q := &Queue{
		timeout: timeout,
		clock:   time.Now,
		logger:  zap.NewNop(),
		items:   make(map[string]*queued),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Decide(ctx context.Context, req Request, reason string, trace policy.Trace) (bool, error) {
	now := q.clock()
	item := &queued{
		Pending: Pending{
			ID:        uuid.NewString(),
			Request:   req,
			Reason:    reason,
			Trace:     trace,
			CreatedAt: now,
			ExpiresAt: now.Add(q.timeout),
		},
		status:   StatusPending,
		resolved: make(chan struct{}),
	}

	q.mu.Lock()
	q.items[item.ID] = item
	q.mu.Unlock()
	defer q.remove(item.ID)

	q.logger.Info("escalation queued", zap.String("id", item.ID), zap.String("tool", req.Tool), zap.String("reason", reason))
	if q.onPending != nil {
		q.onPending(item.Pending)
	}

	var timeout <-chan time.Time
	if q.timeout > 0 {
		timer := time.NewTimer(q.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-item.resolved:
	case <-timeout:
		q.resolve(item.ID, StatusTimedOut, "timed out")
	case <-ctx.Done():
		q.resolve(item.ID, StatusDenied, ctx.Err().Error())
	}

	q.mu.Lock()
	status, note := item.status, item.note
	q.mu.Unlock()

	q.logger.Info("escalation resolved", zap.String("id", item.ID), zap.String("status", string(status)), zap.String("note", note))
	return status == StatusApproved, nil
}

// Approve resolves a pending escalation in favour of running the call.
func (q *Queue) Approve(id string) error {
	return q.decide(id, StatusApproved, "")
}

// Deny resolves a pending escalation against running the call.
func (q *Queue) Deny(id, reason string) error {
	return q.decide(id, StatusDenied, reason)
}

func (q *Queue) decide(id string, status Status, note string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("escalation %q not found", id)
	}
	if item.status != StatusPending {
		return fmt.Errorf("escalation %q is not pending (status=%s)", id, item.status)
	}
	if now := q.clock(); now.After(item.ExpiresAt) {
		q.resolveLocked(item, StatusTimedOut, "timed out")
		return fmt.Errorf("escalation %q expired at %s", id, item.ExpiresAt.Format(time.RFC3339))
	}
	q.resolveLocked(item, status, note)
	return nil
}

// Expire denies every pending escalation whose deadline passed according to
// the queue clock and returns their ids.
func (q *Queue) Expire() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	var expired []string
	for id, item := range q.items {
		if item.status == StatusPending && now.After(item.ExpiresAt) {
			q.resolveLocked(item, StatusTimedOut, "timed out")
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired
}

// Run calls Expire every interval until ctx is done.
func (q *Queue) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, id := range q.Expire() {
				q.logger.Info("escalation expired", zap.String("id", id))
			}
		}
	}
}

// Pending lists unresolved escalations, oldest first.
func (q *Queue) Pending() []Pending {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Pending
	for _, item := range q.items {
		if item.status == StatusPending {
			out = append(out, item.Pending)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (q *Queue) resolve(id string, status Status, note string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := q.items[id]; ok && item.status == StatusPending {
		q.resolveLocked(item, status, note)
	}
}

func (q *Queue) resolveLocked(item *queued, status Status, note string) {
	item.status = status
	item.note = note
	close(item.resolved)
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, id)
}
