package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bjaus/mediator/saga"
)

// SagaStore implements saga.Store.
type SagaStore struct {
	mu   sync.Mutex
	rows map[string]saga.State
}

// NewSagaStore returns an empty store.
func NewSagaStore() *SagaStore {
	return &SagaStore{rows: make(map[string]saga.State)}
}

func (s *SagaStore) Get(_ context.Context, id string) (*saga.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.rows[id]
	if !ok {
		return nil, saga.ErrNotFound
	}
	state = cloneSaga(state)
	return &state, nil
}

func (s *SagaStore) Add(_ context.Context, state *saga.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ensureID(&state.ID)
	if _, ok := s.rows[state.ID]; ok {
		return fmt.Errorf("saga %s already exists", state.ID)
	}
	s.rows[state.ID] = cloneSaga(*state)
	return nil
}

func (s *SagaStore) Update(_ context.Context, state *saga.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.rows[state.ID]
	if !ok {
		return saga.ErrNotFound
	}
	if state.CurrentStep < current.CurrentStep {
		return saga.ErrStepRegression
	}
	next := cloneSaga(*state)
	next.StartedAt = current.StartedAt
	s.rows[state.ID] = next
	return nil
}

func (s *SagaStore) GetStalled(_ context.Context, olderThan time.Time, batchSize int) ([]saga.State, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []saga.State
	for _, state := range s.rows {
		if state.Status.Active() && state.LastUpdatedAt.Before(olderThan) {
			out = append(out, cloneSaga(state))
		}
	}
	slices.SortFunc(out, func(a, b saga.State) int {
		return cmp.Or(a.LastUpdatedAt.Compare(b.LastUpdatedAt), cmp.Compare(a.ID, b.ID))
	})
	if len(out) > batchSize {
		out = out[:batchSize]
	}
	return out, nil
}

func (s *SagaStore) SaveChanges(context.Context) error { return nil }

func cloneSaga(st saga.State) saga.State {
	st.Data = cloneBytes(st.Data)
	st.CompletedAt = clonePtr(st.CompletedAt)
	st.Error = clonePtr(st.Error)
	return st
}
