package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/bjaus/mediator/scheduler"
)

// ScheduleSuite checks a scheduler.Store implementation.
type ScheduleSuite struct {
	suite.Suite
	NewStore func(t *testing.T, now func() time.Time) scheduler.Store

	ctx   context.Context
	clock *Clock
	store scheduler.Store
}

func (s *ScheduleSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = NewClock()
	s.store = s.NewStore(s.T(), s.clock.Now)
}

func (s *ScheduleSuite) add(id string, at time.Time) {
	msg := &scheduler.Message{
		ID:          id,
		Type:        "reports.generate",
		Payload:     []byte(`{}`),
		ScheduledAt: at,
		CreatedAt:   s.clock.Now(),
	}
	s.Require().NoError(s.store.Add(s.ctx, msg))
	s.Require().NoError(s.store.SaveChanges(s.ctx))
}

func (s *ScheduleSuite) TestAddThenGet() {
	s.Require().NoError(s.store.Add(s.ctx, &scheduler.Message{
		ID:             "r-1",
		Type:           "reports.generate",
		Payload:        []byte(`{"kind":"daily"}`),
		ScheduledAt:    s.clock.Now().Add(time.Hour),
		CreatedAt:      s.clock.Now(),
		Recurring:      true,
		CronExpression: "@daily",
	}))

	got, err := s.store.Get(s.ctx, "r-1")
	s.Require().NoError(err)
	s.True(got.Recurring)
	s.Equal("@daily", got.CronExpression)
	s.JSONEq(`{"kind":"daily"}`, string(got.Payload))

	_, err = s.store.Get(s.ctx, "missing")
	s.ErrorIs(err, scheduler.ErrNotFound)
}

func (s *ScheduleSuite) TestOnlyDueMessagesReturned() {
	now := s.clock.Now()
	s.add("past", now.Add(-2*time.Hour))
	s.add("future", now.Add(2*time.Hour))

	got, err := s.store.GetDue(s.ctx, 10, 5)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("past", got[0].ID)
}

func (s *ScheduleSuite) TestDueOrderedAndBounded() {
	now := s.clock.Now()
	s.add("b", now.Add(-time.Minute))
	s.add("a", now.Add(-time.Hour))
	s.add("c", now)

	got, err := s.store.GetDue(s.ctx, 2, 5)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("a", got[0].ID)
	s.Equal("b", got[1].ID)
}

func (s *ScheduleSuite) TestProcessedNotDue() {
	s.add("m-1", s.clock.Now())
	s.Require().NoError(s.store.MarkProcessed(s.ctx, "m-1"))

	got, err := s.store.GetDue(s.ctx, 10, 5)
	s.Require().NoError(err)
	s.Empty(got)

	msg, err := s.store.Get(s.ctx, "m-1")
	s.Require().NoError(err)
	s.True(msg.Processed())
}

func (s *ScheduleSuite) TestFailedWaitsForNextRetry() {
	s.add("m-1", s.clock.Now())
	s.Require().NoError(s.store.MarkFailed(s.ctx, "m-1", "x", ptr(s.clock.Now().Add(time.Minute))))

	got, err := s.store.GetDue(s.ctx, 10, 5)
	s.Require().NoError(err)
	s.Empty(got)

	s.clock.Advance(time.Minute)
	got, err = s.store.GetDue(s.ctx, 10, 5)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(1, got[0].RetryCount)
}

func (s *ScheduleSuite) TestExhaustedNotDue() {
	s.add("m-1", s.clock.Now())
	for range 3 {
		s.Require().NoError(s.store.MarkFailed(s.ctx, "m-1", "x", nil))
	}

	got, err := s.store.GetDue(s.ctx, 10, 3)
	s.Require().NoError(err)
	s.Empty(got)

	msg, err := s.store.Get(s.ctx, "m-1")
	s.Require().NoError(err)
	s.Equal(3, msg.RetryCount)

	if dl, ok := s.store.(scheduler.DeadLetterStore); ok {
		dead, err := dl.GetDeadLettered(s.ctx, 3, 10)
		s.Require().NoError(err)
		s.Len(dead, 1)
	}
}

func (s *ScheduleSuite) TestRescheduleClearsState() {
	s.add("m-1", s.clock.Now())
	s.Require().NoError(s.store.MarkFailed(s.ctx, "m-1", "x", ptr(s.clock.Now().Add(time.Hour))))

	next := s.clock.Now().Add(30 * time.Minute)
	s.Require().NoError(s.store.Reschedule(s.ctx, "m-1", next))

	msg, err := s.store.Get(s.ctx, "m-1")
	s.Require().NoError(err)
	s.True(msg.ScheduledAt.Equal(next))
	s.Zero(msg.RetryCount)
	s.Nil(msg.Error)
	s.Nil(msg.NextRetryAt)
	s.Nil(msg.ProcessedAt)
	s.NotNil(msg.LastExecutedAt)

	got, err := s.store.GetDue(s.ctx, 10, 5)
	s.Require().NoError(err)
	s.Empty(got, "rescheduled into the future")

	s.clock.Advance(30 * time.Minute)
	got, err = s.store.GetDue(s.ctx, 10, 5)
	s.Require().NoError(err)
	s.Len(got, 1)
}

func (s *ScheduleSuite) TestCancelDeletes() {
	s.add("m-1", s.clock.Now())

	s.Require().NoError(s.store.Cancel(s.ctx, "m-1"))
	s.Require().NoError(s.store.SaveChanges(s.ctx))

	_, err := s.store.Get(s.ctx, "m-1")
	s.ErrorIs(err, scheduler.ErrNotFound)
	s.ErrorIs(s.store.Cancel(s.ctx, "m-1"), scheduler.ErrNotFound)
}
