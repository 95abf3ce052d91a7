// Package saga tracks long-running, multi-step operations and detects the
// ones that stop making progress.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle stage of a saga.
type Status string

const (
	StatusRunning      Status = "Running"
	StatusCompleted    Status = "Completed"
	StatusFailed       Status = "Failed"
	StatusCompensating Status = "Compensating"
	StatusCompensated  Status = "Compensated"
)

// Active reports whether a saga in this status is expected to make progress.
// Only active sagas can stall.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusCompensating
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated
}

// State is the persisted record of one saga.
type State struct {
	ID            string
	Type          string
	Data          []byte
	Status        Status
	StartedAt     time.Time
	LastUpdatedAt time.Time
	// CompletedAt is set exactly when Status is StatusCompleted.
	CompletedAt *time.Time
	Error       *string
	CurrentStep int
}

// Decode unmarshals the saga's data into T.
func Decode[T any](s *State) (T, error) {
	var out T
	if len(s.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(s.Data, &out); err != nil {
		return out, fmt.Errorf("decode saga %s data: %w", s.ID, err)
	}
	return out, nil
}

var (
	// ErrNotFound is returned when no saga has the given id.
	ErrNotFound = errors.New("saga: not found")
	// ErrStepRegression is returned by Update when CurrentStep would decrease.
	ErrStepRegression = errors.New("saga: current step cannot decrease")
	// ErrInvalidTransition is returned for a status change the lifecycle does
	// not allow.
	ErrInvalidTransition = errors.New("saga: invalid status transition")
)

// Store persists saga state.
//
// Update never changes StartedAt and rejects a lower CurrentStep with
// ErrStepRegression. GetStalled returns at most batchSize Running or
// Compensating sagas last updated before olderThan, least recently updated
// first.
type Store interface {
	Get(ctx context.Context, id string) (*State, error)
	Add(ctx context.Context, state *State) error
	Update(ctx context.Context, state *State) error
	GetStalled(ctx context.Context, olderThan time.Time, batchSize int) ([]State, error)
	SaveChanges(ctx context.Context) error
}
