package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bjaus/mediator"
)

// Scheduler enqueues requests for later dispatch.
type Scheduler struct {
	store Store
	now   func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

func New(store Store, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule stores req for dispatch at at and returns the message id. The
// RequestContext on ctx travels with the request, including an idempotency
// key set for it.
func (s *Scheduler) Schedule(ctx context.Context, req any, at time.Time) (string, error) {
	return s.add(ctx, req, at, "")
}

// ScheduleAfter stores req for dispatch once delay has elapsed.
func (s *Scheduler) ScheduleAfter(ctx context.Context, req any, delay time.Duration) (string, error) {
	return s.add(ctx, req, s.now().Add(delay), "")
}

// ScheduleRecurring stores req for dispatch at every activation of expr,
// starting with the next one. The idempotency key on ctx is not stored;
// the processor derives one per occurrence.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, req any, expr string) (string, error) {
	first, err := NextOccurrence(expr, s.now())
	if err != nil {
		return "", err
	}
	return s.add(ctx, req, first, expr)
}

// Cancel removes a scheduled message, including a dead-lettered one.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if err := s.store.Cancel(ctx, id); err != nil {
		return fmt.Errorf("cancel scheduled message %s: %w", id, err)
	}
	return s.store.SaveChanges(ctx)
}

func (s *Scheduler) add(ctx context.Context, req any, at time.Time, expr string) (string, error) {
	if req == nil {
		return "", errors.New("scheduled request is nil")
	}
	if rc, ok := mediator.FromContext(ctx); ok && expr != "" {
		ctx = mediator.ContextWith(ctx, rc.WithIdempotencyKey(""))
	}
	tag, payload, err := mediator.Encode(ctx, req)
	if err != nil {
		return "", err
	}
	msg := &Message{
		ID:             uuid.NewString(),
		Type:           tag,
		Payload:        payload,
		ScheduledAt:    at,
		CreatedAt:      s.now(),
		Recurring:      expr != "",
		CronExpression: expr,
	}
	if err := s.store.Add(ctx, msg); err != nil {
		return "", fmt.Errorf("add scheduled message: %w", err)
	}
	if err := s.store.SaveChanges(ctx); err != nil {
		return "", fmt.Errorf("save scheduled message: %w", err)
	}
	return msg.ID, nil
}
