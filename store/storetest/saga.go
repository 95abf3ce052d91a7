package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/bjaus/mediator/saga"
)

// SagaSuite checks a saga.Store implementation.
type SagaSuite struct {
	suite.Suite
	NewStore func(t *testing.T) saga.Store

	ctx   context.Context
	clock *Clock
	store saga.Store
}

func (s *SagaSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = NewClock()
	s.store = s.NewStore(s.T())
}

func (s *SagaSuite) add(id string, status saga.Status, lastUpdated time.Time) *saga.State {
	state := &saga.State{
		ID:            id,
		Type:          "checkout",
		Data:          []byte(`{"cart":"c-1"}`),
		Status:        status,
		StartedAt:     lastUpdated,
		LastUpdatedAt: lastUpdated,
	}
	s.Require().NoError(s.store.Add(s.ctx, state))
	s.Require().NoError(s.store.SaveChanges(s.ctx))
	return state
}

func (s *SagaSuite) TestAddThenGet() {
	s.add("s-1", saga.StatusRunning, s.clock.Now())

	got, err := s.store.Get(s.ctx, "s-1")
	s.Require().NoError(err)
	s.Equal("checkout", got.Type)
	s.Equal(saga.StatusRunning, got.Status)
	s.JSONEq(`{"cart":"c-1"}`, string(got.Data))
	s.Nil(got.CompletedAt)

	_, err = s.store.Get(s.ctx, "missing")
	s.ErrorIs(err, saga.ErrNotFound)
}

func (s *SagaSuite) TestUpdateRejectsStepRegression() {
	state := s.add("s-1", saga.StatusRunning, s.clock.Now())
	state.CurrentStep = 3
	s.Require().NoError(s.store.Update(s.ctx, state))

	state.CurrentStep = 2
	s.ErrorIs(s.store.Update(s.ctx, state), saga.ErrStepRegression)

	got, err := s.store.Get(s.ctx, "s-1")
	s.Require().NoError(err)
	s.Equal(3, got.CurrentStep)
}

func (s *SagaSuite) TestUpdateKeepsStartedAt() {
	started := s.clock.Now()
	state := s.add("s-1", saga.StatusRunning, started)

	state.StartedAt = started.Add(time.Hour)
	state.Status = saga.StatusCompleted
	state.CompletedAt = ptr(started.Add(time.Hour))
	state.LastUpdatedAt = started.Add(time.Hour)
	s.Require().NoError(s.store.Update(s.ctx, state))

	got, err := s.store.Get(s.ctx, "s-1")
	s.Require().NoError(err)
	s.True(got.StartedAt.Equal(started))
	s.Equal(saga.StatusCompleted, got.Status)
	s.Require().NotNil(got.CompletedAt)
}

func (s *SagaSuite) TestUpdateUnknown() {
	err := s.store.Update(s.ctx, &saga.State{ID: "missing", Status: saga.StatusRunning})
	s.ErrorIs(err, saga.ErrNotFound)
}

func (s *SagaSuite) TestStalledRunningButNotCompleted() {
	now := s.clock.Now()
	s.add("running", saga.StatusRunning, now.Add(-5*time.Hour))
	completed := s.add("completed", saga.StatusCompleted, now.Add(-5*time.Hour))
	completed.CompletedAt = ptr(now.Add(-5 * time.Hour))
	s.Require().NoError(s.store.Update(s.ctx, completed))
	s.add("fresh", saga.StatusRunning, now.Add(-10*time.Minute))

	got, err := s.store.GetStalled(s.ctx, now.Add(-time.Hour), 10)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("running", got[0].ID)
}

func (s *SagaSuite) TestStalledOrderedAndBounded() {
	now := s.clock.Now()
	s.add("newer", saga.StatusCompensating, now.Add(-2*time.Hour))
	s.add("oldest", saga.StatusRunning, now.Add(-4*time.Hour))
	s.add("older", saga.StatusRunning, now.Add(-3*time.Hour))
	s.add("failed", saga.StatusFailed, now.Add(-6*time.Hour))

	got, err := s.store.GetStalled(s.ctx, now.Add(-time.Hour), 2)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("oldest", got[0].ID)
	s.Equal("older", got[1].ID)

	got, err = s.store.GetStalled(s.ctx, now.Add(-time.Hour), 10)
	s.Require().NoError(err)
	s.Len(got, 3)
}
