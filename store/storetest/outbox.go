package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/bjaus/mediator/outbox"
)

// OutboxSuite checks an outbox.Store implementation.
type OutboxSuite struct {
	suite.Suite
	NewStore func(t *testing.T, now func() time.Time) outbox.Store

	ctx   context.Context
	clock *Clock
	store outbox.Store
}

func (s *OutboxSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = NewClock()
	s.store = s.NewStore(s.T(), s.clock.Now)
}

func (s *OutboxSuite) add(id string, created time.Time) {
	msg := &outbox.Message{ID: id, Type: "orders.placed", Payload: []byte(`{"id":"` + id + `"}`), CreatedAt: created}
	s.Require().NoError(s.store.Add(s.ctx, msg))
	s.Require().NoError(s.store.SaveChanges(s.ctx))
}

func (s *OutboxSuite) TestAddThenGet() {
	s.add("m-1", s.clock.Now())

	got, err := s.store.Get(s.ctx, "m-1")
	s.Require().NoError(err)
	s.Equal("m-1", got.ID)
	s.Equal("orders.placed", got.Type)
	s.JSONEq(`{"id":"m-1"}`, string(got.Payload))
	s.True(got.CreatedAt.Equal(s.clock.Now()))
	s.False(got.Processed())
	s.Zero(got.RetryCount)

	_, err = s.store.Get(s.ctx, "missing")
	s.ErrorIs(err, outbox.ErrNotFound)
}

func (s *OutboxSuite) TestAddAssignsID() {
	msg := &outbox.Message{Type: "t", Payload: []byte(`{}`), CreatedAt: s.clock.Now()}
	s.Require().NoError(s.store.Add(s.ctx, msg))
	s.NotEmpty(msg.ID)
}

func (s *OutboxSuite) TestPendingOrderedByCreationAndBounded() {
	base := s.clock.Now()
	s.add("c", base.Add(2*time.Second))
	s.add("a", base)
	s.add("b", base.Add(time.Second))

	got, err := s.store.GetPending(s.ctx, 2, 5)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("a", got[0].ID)
	s.Equal("b", got[1].ID)

	all, err := s.store.GetPending(s.ctx, 10, 5)
	s.Require().NoError(err)
	s.Len(all, 3)
}

func (s *OutboxSuite) TestProcessedNeverPending() {
	s.add("m-1", s.clock.Now())
	s.add("m-2", s.clock.Now())

	s.Require().NoError(s.store.MarkProcessed(s.ctx, "m-1"))
	s.Require().NoError(s.store.SaveChanges(s.ctx))

	got, err := s.store.GetPending(s.ctx, 10, 5)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("m-2", got[0].ID)

	msg, err := s.store.Get(s.ctx, "m-1")
	s.Require().NoError(err)
	s.True(msg.Processed())
}

func (s *OutboxSuite) TestMarkFailedFiveTimesExhausts() {
	s.add("m-1", s.clock.Now())

	for range 5 {
		s.Require().NoError(s.store.MarkFailed(s.ctx, "m-1", "broker down", nil))
		s.Require().NoError(s.store.SaveChanges(s.ctx))
	}

	msg, err := s.store.Get(s.ctx, "m-1")
	s.Require().NoError(err)
	s.Equal(5, msg.RetryCount)
	s.Require().NotNil(msg.Error)
	s.Equal("broker down", *msg.Error)

	got, err := s.store.GetPending(s.ctx, 10, 5)
	s.Require().NoError(err)
	s.Empty(got)

	got, err = s.store.GetPending(s.ctx, 10, 6)
	s.Require().NoError(err)
	s.Len(got, 1)
}

func (s *OutboxSuite) TestRetryCountIncrementsByOne() {
	s.add("m-1", s.clock.Now())

	for want := 1; want <= 3; want++ {
		s.Require().NoError(s.store.MarkFailed(s.ctx, "m-1", "x", nil))
		msg, err := s.store.Get(s.ctx, "m-1")
		s.Require().NoError(err)
		s.Equal(want, msg.RetryCount)
	}
}

func (s *OutboxSuite) TestFutureRetryIsExcluded() {
	s.add("m-1", s.clock.Now())
	s.Require().NoError(s.store.MarkFailed(s.ctx, "m-1", "x", ptr(s.clock.Now().Add(time.Minute))))

	got, err := s.store.GetPending(s.ctx, 10, 5)
	s.Require().NoError(err)
	s.Empty(got)

	s.clock.Advance(2 * time.Minute)
	got, err = s.store.GetPending(s.ctx, 10, 5)
	s.Require().NoError(err)
	s.Len(got, 1)
}

func (s *OutboxSuite) TestMarkProcessedAfterFailureClearsError() {
	s.add("m-1", s.clock.Now())
	s.Require().NoError(s.store.MarkFailed(s.ctx, "m-1", "x", nil))
	s.Require().NoError(s.store.MarkProcessed(s.ctx, "m-1"))

	msg, err := s.store.Get(s.ctx, "m-1")
	s.Require().NoError(err)
	s.True(msg.Processed())
	s.Nil(msg.Error)
}

func (s *OutboxSuite) TestUnknownIDs() {
	s.ErrorIs(s.store.MarkProcessed(s.ctx, "missing"), outbox.ErrNotFound)
	s.ErrorIs(s.store.MarkFailed(s.ctx, "missing", "x", nil), outbox.ErrNotFound)
}

func (s *OutboxSuite) TestDeadLetters() {
	dl, ok := s.store.(outbox.DeadLetterStore)
	if !ok {
		s.T().Skip("store does not support dead letters")
	}
	s.add("m-1", s.clock.Now())
	s.add("m-2", s.clock.Now().Add(time.Second))
	for range 3 {
		s.Require().NoError(s.store.MarkFailed(s.ctx, "m-1", "x", nil))
	}

	dead, err := dl.GetDeadLettered(s.ctx, 3, 10)
	s.Require().NoError(err)
	s.Require().Len(dead, 1)
	s.Equal("m-1", dead[0].ID)

	s.Require().NoError(dl.Requeue(s.ctx, "m-1"))
	got, err := s.store.GetPending(s.ctx, 10, 3)
	s.Require().NoError(err)
	s.Len(got, 2)
}

func (s *OutboxSuite) TestPurgeProcessed() {
	p, ok := s.store.(outbox.Purger)
	if !ok {
		s.T().Skip("store does not purge")
	}
	s.add("old", s.clock.Now())
	s.add("pending", s.clock.Now())
	s.Require().NoError(s.store.MarkProcessed(s.ctx, "old"))

	s.clock.Advance(time.Hour)
	n, err := p.PurgeProcessed(s.ctx, s.clock.Now().Add(-30*time.Minute))
	s.Require().NoError(err)
	s.EqualValues(1, n)

	_, err = s.store.Get(s.ctx, "old")
	s.ErrorIs(err, outbox.ErrNotFound)
	_, err = s.store.Get(s.ctx, "pending")
	s.NoError(err)
}
