package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

var transitions = map[Status][]Status{
	StatusRunning:      {StatusRunning, StatusCompleted, StatusFailed, StatusCompensating},
	StatusCompensating: {StatusCompensating, StatusCompensated, StatusFailed},
	StatusFailed:       {StatusCompensating},
}

// CanTransition reports whether a saga may move from one status to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Manager applies lifecycle transitions and persists them.
type Manager struct {
	store Store
	now   func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start creates a Running saga at step 0.
func (m *Manager) Start(ctx context.Context, sagaType string, data any) (*State, error) {
	raw, err := marshal(data)
	if err != nil {
		return nil, err
	}
	now := m.now()
	state := &State{
		ID:            uuid.NewString(),
		Type:          sagaType,
		Data:          raw,
		Status:        StatusRunning,
		StartedAt:     now,
		LastUpdatedAt: now,
	}
	if err := m.store.Add(ctx, state); err != nil {
		return nil, fmt.Errorf("add saga: %w", err)
	}
	if err := m.store.SaveChanges(ctx); err != nil {
		return nil, fmt.Errorf("save saga: %w", err)
	}
	return state, nil
}

// Advance records progress to step. A nil data keeps the stored data.
func (m *Manager) Advance(ctx context.Context, id string, step int, data any) (*State, error) {
	return m.apply(ctx, id, func(s *State) error {
		if !s.Status.Active() {
			return fmt.Errorf("%w: cannot advance a %s saga", ErrInvalidTransition, s.Status)
		}
		if step < s.CurrentStep {
			return ErrStepRegression
		}
		s.CurrentStep = step
		return setData(s, data)
	})
}

// Complete marks the saga Completed.
func (m *Manager) Complete(ctx context.Context, id string, data any) (*State, error) {
	return m.apply(ctx, id, func(s *State) error {
		if err := transition(s, StatusCompleted); err != nil {
			return err
		}
		s.CompletedAt = ptr(m.now())
		s.Error = nil
		return setData(s, data)
	})
}

// Fail marks the saga Failed with reason.
func (m *Manager) Fail(ctx context.Context, id, reason string) (*State, error) {
	return m.apply(ctx, id, func(s *State) error {
		if err := transition(s, StatusFailed); err != nil {
			return err
		}
		s.Error = &reason
		return nil
	})
}

// BeginCompensation moves a Running or Failed saga into Compensating.
func (m *Manager) BeginCompensation(ctx context.Context, id, reason string) (*State, error) {
	return m.apply(ctx, id, func(s *State) error {
		if err := transition(s, StatusCompensating); err != nil {
			return err
		}
		if reason != "" {
			s.Error = &reason
		}
		return nil
	})
}

// Compensated marks a compensating saga as fully rolled back.
func (m *Manager) Compensated(ctx context.Context, id string) (*State, error) {
	return m.apply(ctx, id, func(s *State) error {
		return transition(s, StatusCompensated)
	})
}

func (m *Manager) apply(ctx context.Context, id string, change func(*State) error) (*State, error) {
	state, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := change(state); err != nil {
		return nil, err
	}
	if state.Status != StatusCompleted {
		state.CompletedAt = nil
	}
	state.LastUpdatedAt = m.now()
	if err := m.store.Update(ctx, state); err != nil {
		return nil, fmt.Errorf("update saga %s: %w", id, err)
	}
	if err := m.store.SaveChanges(ctx); err != nil {
		return nil, fmt.Errorf("save saga: %w", err)
	}
	return state, nil
}

func transition(s *State, to Status) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	return nil
}

func setData(s *State, data any) error {
	if data == nil {
		return nil
	}
	raw, err := marshal(data)
	if err != nil {
		return err
	}
	s.Data = raw
	return nil
}

func marshal(data any) ([]byte, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode saga data: %w", err)
	}
	return raw, nil
}

func ptr[T any](v T) *T { return &v }
