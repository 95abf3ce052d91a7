package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/bjaus/mediator/inbox"
)

// InboxSuite checks an inbox.Store implementation.
type InboxSuite struct {
	suite.Suite
	NewStore func(t *testing.T, now func() time.Time) inbox.Store

	ctx   context.Context
	clock *Clock
	store inbox.Store
}

func (s *InboxSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = NewClock()
	s.store = s.NewStore(s.T(), s.clock.Now)
}

func (s *InboxSuite) add(id string, ttl time.Duration) {
	now := s.clock.Now()
	msg := &inbox.Message{MessageID: id, Type: "payments.charge", ReceivedAt: now, ExpiresAt: now.Add(ttl)}
	s.Require().NoError(s.store.Add(s.ctx, msg))
	s.Require().NoError(s.store.SaveChanges(s.ctx))
}

func (s *InboxSuite) TestUnknownIDIsNil() {
	got, err := s.store.GetByMessageID(s.ctx, "missing")
	s.NoError(err)
	s.Nil(got)
}

func (s *InboxSuite) TestAddThenGet() {
	s.add("k-1", time.Hour)

	got, err := s.store.GetByMessageID(s.ctx, "k-1")
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal("payments.charge", got.Type)
	s.False(got.Processed())
	s.True(got.ExpiresAt.Equal(s.clock.Now().Add(time.Hour)))
}

func (s *InboxSuite) TestDuplicateAdd() {
	s.add("k-1", time.Hour)

	err := s.store.Add(s.ctx, &inbox.Message{MessageID: "k-1", ReceivedAt: s.clock.Now(), ExpiresAt: s.clock.Now()})
	s.ErrorIs(err, inbox.ErrDuplicate)
}

func (s *InboxSuite) TestMarkProcessedKeepsResponse() {
	s.add("k-1", time.Hour)
	s.Require().NoError(s.store.MarkFailed(s.ctx, "k-1", "timeout", nil))
	s.Require().NoError(s.store.MarkProcessed(s.ctx, "k-1", []byte(`{"receipt":"r-1"}`)))
	s.Require().NoError(s.store.SaveChanges(s.ctx))

	got, err := s.store.GetByMessageID(s.ctx, "k-1")
	s.Require().NoError(err)
	s.True(got.Processed())
	s.Nil(got.Error)
	s.JSONEq(`{"receipt":"r-1"}`, string(got.Response))
	s.Equal(1, got.RetryCount)
}

func (s *InboxSuite) TestMarkFailedIncrements() {
	s.add("k-1", time.Hour)
	next := s.clock.Now().Add(time.Minute)

	s.Require().NoError(s.store.MarkFailed(s.ctx, "k-1", "a", nil))
	s.Require().NoError(s.store.MarkFailed(s.ctx, "k-1", "b", &next))

	got, err := s.store.GetByMessageID(s.ctx, "k-1")
	s.Require().NoError(err)
	s.Equal(2, got.RetryCount)
	s.Require().NotNil(got.Error)
	s.Equal("b", *got.Error)
	s.Require().NotNil(got.NextRetryAt)
	s.True(got.NextRetryAt.Equal(next))
	s.True(got.Failed())
}

func (s *InboxSuite) TestUnknownIDUpdates() {
	s.ErrorIs(s.store.MarkProcessed(s.ctx, "missing", nil), inbox.ErrNotFound)
	s.ErrorIs(s.store.MarkFailed(s.ctx, "missing", "x", nil), inbox.ErrNotFound)
}

func (s *InboxSuite) TestReclaimFailedOnlyOnce() {
	s.add("k-1", time.Hour)
	s.Require().NoError(s.store.MarkFailed(s.ctx, "k-1", "timeout", nil))

	won, err := s.store.Reclaim(s.ctx, "k-1", 1, time.Time{})
	s.Require().NoError(err)
	s.True(won)

	won, err = s.store.Reclaim(s.ctx, "k-1", 1, time.Time{})
	s.Require().NoError(err)
	s.False(won, "a second caller holding the same snapshot loses")

	got, err := s.store.GetByMessageID(s.ctx, "k-1")
	s.Require().NoError(err)
	s.Nil(got.Error)
	s.Nil(got.NextRetryAt)
	s.Equal(1, got.RetryCount)
	s.False(got.Processed())
}

func (s *InboxSuite) TestReclaimRequiresMatchingRetryCount() {
	s.add("k-1", time.Hour)
	s.Require().NoError(s.store.MarkFailed(s.ctx, "k-1", "a", nil))
	s.Require().NoError(s.store.MarkFailed(s.ctx, "k-1", "b", nil))

	won, err := s.store.Reclaim(s.ctx, "k-1", 1, time.Time{})
	s.Require().NoError(err)
	s.False(won)

	won, err = s.store.Reclaim(s.ctx, "k-1", 2, time.Time{})
	s.Require().NoError(err)
	s.True(won)
}

func (s *InboxSuite) TestReclaimStaleInFlight() {
	s.add("k-1", time.Hour)

	won, err := s.store.Reclaim(s.ctx, "k-1", 0, time.Time{})
	s.Require().NoError(err)
	s.False(won, "an in-flight record without a lease cutoff stays put")

	won, err = s.store.Reclaim(s.ctx, "k-1", 0, s.clock.Now().Add(-time.Minute))
	s.Require().NoError(err)
	s.False(won, "received after the cutoff")

	s.clock.Advance(10 * time.Minute)
	cutoff := s.clock.Now().Add(-5 * time.Minute)

	won, err = s.store.Reclaim(s.ctx, "k-1", 0, cutoff)
	s.Require().NoError(err)
	s.True(won)

	won, err = s.store.Reclaim(s.ctx, "k-1", 0, cutoff)
	s.Require().NoError(err)
	s.False(won, "the winner restarted the lease")

	got, err := s.store.GetByMessageID(s.ctx, "k-1")
	s.Require().NoError(err)
	s.True(got.ReceivedAt.Equal(s.clock.Now()))
}

func (s *InboxSuite) TestReclaimIgnoresProcessedAndUnknown() {
	s.add("k-1", time.Hour)
	s.Require().NoError(s.store.MarkProcessed(s.ctx, "k-1", []byte(`{}`)))

	won, err := s.store.Reclaim(s.ctx, "k-1", 0, s.clock.Now().Add(time.Hour))
	s.Require().NoError(err)
	s.False(won)

	won, err = s.store.Reclaim(s.ctx, "missing", 0, time.Time{})
	s.Require().NoError(err)
	s.False(won)
}

func (s *InboxSuite) TestExpiredOrderedAndBounded() {
	s.add("late", 3*time.Minute)
	s.add("early", time.Minute)
	s.add("mid", 2*time.Minute)
	s.add("keep", time.Hour)

	got, err := s.store.GetExpired(s.ctx, 10)
	s.Require().NoError(err)
	s.Empty(got)

	s.clock.Advance(5 * time.Minute)
	got, err = s.store.GetExpired(s.ctx, 2)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("early", got[0].MessageID)
	s.Equal("mid", got[1].MessageID)

	s.Require().NoError(s.store.RemoveExpired(s.ctx, []string{"early", "mid", "late"}))
	s.Require().NoError(s.store.SaveChanges(s.ctx))

	got, err = s.store.GetExpired(s.ctx, 10)
	s.Require().NoError(err)
	s.Empty(got)

	kept, err := s.store.GetByMessageID(s.ctx, "keep")
	s.Require().NoError(err)
	s.NotNil(kept)
}

func (s *InboxSuite) TestRemoveExpiredSkipsLiveRecords() {
	s.add("live", time.Hour)

	s.Require().NoError(s.store.RemoveExpired(s.ctx, []string{"live"}))

	got, err := s.store.GetByMessageID(s.ctx, "live")
	s.Require().NoError(err)
	s.NotNil(got)
}
